package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AgentFoundryExamples/plan-scheduler/internal/envelope"
	"github.com/AgentFoundryExamples/plan-scheduler/internal/kernel"
	"github.com/AgentFoundryExamples/plan-scheduler/internal/trigger"
	"github.com/AgentFoundryExamples/plan-scheduler/internal/validate"
)

// WebhookHandler serves the status-event push webhook. Authentication has
// already been applied by the router's middleware chain before this handler
// ever runs.
type WebhookHandler struct {
	validator *validate.Validator
	kernel    *kernel.Kernel
	trigger   *trigger.Trigger
}

func NewWebhookHandler(validator *validate.Validator, k *kernel.Kernel, t *trigger.Trigger) *WebhookHandler {
	return &WebhookHandler{validator: validator, kernel: k, trigger: t}
}

// SpecStatus handles POST /pubsub/spec-status.
func (h *WebhookHandler) SpecStatus(c *gin.Context) {
	ctx := c.Request.Context()

	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	ev, err := envelope.Decode(raw, h.validator)
	if err != nil {
		if errors.Is(err, envelope.ErrBadInput) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		slog.ErrorContext(ctx, "envelope decode failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	result, err := h.kernel.Apply(ctx, kernel.Event{
		PlanID:     ev.PlanID,
		SpecIndex:  ev.SpecIndex,
		Status:     ev.Status,
		Stage:      ev.Stage,
		MessageID:  ev.MessageID,
		RawSnippet: ev.RawSnippet,
	})
	if err != nil {
		if errors.Is(err, kernel.ErrInvariantViolation) {
			slog.ErrorContext(ctx, "kernel invariant violation",
				"error", err, "plan_id", ev.PlanID, "spec_index", ev.SpecIndex,
			)
		} else {
			slog.ErrorContext(ctx, "kernel apply failed, transient",
				"error", err, "plan_id", ev.PlanID, "spec_index", ev.SpecIndex,
			)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	logStatusEvent(ctx, result, ev)

	if result.Trigger != nil {
		trigger.FireAndLog(ctx, h.trigger, trigger.Signal{
			PlanID:    result.Trigger.PlanID,
			SpecIndex: result.Trigger.SpecIndex,
		}, slog.Default())
	}

	c.Status(http.StatusNoContent)
}

func logStatusEvent(ctx context.Context, result kernel.Result, ev envelope.Event) {
	attrs := []any{
		"event_type", result.EventType,
		"plan_id", ev.PlanID,
		"spec_index", ev.SpecIndex,
		"message_id", ev.MessageID,
	}
	switch result.Outcome {
	case kernel.OutcomeOutOfOrder:
		slog.ErrorContext(ctx, "status event applied", attrs...)
	default:
		slog.InfoContext(ctx, "status event applied", attrs...)
	}
}
