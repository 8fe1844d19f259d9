package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AgentFoundryExamples/plan-scheduler/internal/ingest"
	"github.com/AgentFoundryExamples/plan-scheduler/internal/projection"
)

// PlanHandler serves plan ingestion and status queries.
type PlanHandler struct {
	ingestor  *ingest.Ingestor
	projector *projection.Projector
}

func NewPlanHandler(ingestor *ingest.Ingestor, projector *projection.Projector) *PlanHandler {
	return &PlanHandler{ingestor: ingestor, projector: projector}
}

// Create handles POST /plans. A replayed byte-identical request answers 200
// with the same body a fresh creation answers 201 with.
func (h *PlanHandler) Create(c *gin.Context) {
	ctx := c.Request.Context()

	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	result, err := h.ingestor.Create(ctx, raw)
	switch {
	case err == nil:
		status := http.StatusCreated
		if result.Outcome == ingest.OutcomeIdempotent {
			status = http.StatusOK
		}
		slog.InfoContext(ctx, "plan ingested",
			"event_type", eventTypeForOutcome(result.Outcome),
			"plan_id", result.PlanID,
		)
		c.JSON(status, gin.H{"plan_id": result.PlanID, "status": "running"})
	case errors.Is(err, ingest.ErrBadInput):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
	case errors.Is(err, ingest.ErrConflict):
		slog.WarnContext(ctx, "plan ingestion conflict", "event_type", "plan_conflict")
		c.JSON(http.StatusConflict, gin.H{"detail": "plan_id exists with a different payload"})
	default:
		slog.ErrorContext(ctx, "plan ingestion failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

func eventTypeForOutcome(o ingest.Outcome) string {
	if o == ingest.OutcomeIdempotent {
		return "plan_idempotent"
	}
	return "plan_created"
}

// Status handles GET /plans/{plan_id}.
func (h *PlanHandler) Status(c *gin.Context) {
	ctx := c.Request.Context()
	planID := c.Param("plan_id")

	includeStage := c.Query("include_stage") == "true"

	view, err := h.projector.Project(ctx, planID, includeStage)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, view)
	case errors.Is(err, projection.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "plan not found"})
	default:
		slog.ErrorContext(ctx, "plan status query failed", "error", err, "plan_id", planID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
