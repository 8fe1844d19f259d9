// Package envelope decodes the push webhook body: it unwraps the outer
// envelope, base64-decodes and JSON-parses the inner payload, and validates
// it against the status-event schema.
package envelope

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/AgentFoundryExamples/plan-scheduler/internal/model"
	"github.com/AgentFoundryExamples/plan-scheduler/internal/validate"
)

// ErrBadInput wraps any malformed-envelope or malformed-payload failure.
var ErrBadInput = errors.New("envelope: bad input")

// maxSnippet bounds the raw inner-JSON snippet retained on the history
// entry.
const maxSnippet = 1000

// pushMessage mirrors the `message` object of the outer envelope.
type pushMessage struct {
	Data        string            `json:"data"`
	MessageID   string            `json:"messageId"`
	PublishTime string            `json:"publishTime"`
	Attributes  map[string]string `json:"attributes"`
}

// pushEnvelope mirrors the outer webhook body.
type pushEnvelope struct {
	Message      pushMessage `json:"message"`
	Subscription string      `json:"subscription"`
}

// innerEvent mirrors the decoded inner JSON.
type innerEvent struct {
	PlanID    string  `json:"plan_id"`
	SpecIndex int     `json:"spec_index"`
	Status    string  `json:"status"`
	Stage     *string `json:"stage,omitempty"`
}

// Event is the decoded tuple handed to the orchestration kernel.
type Event struct {
	PlanID     string
	SpecIndex  int
	Status     model.SpecStatus
	Stage      *string
	MessageID  string
	RawSnippet string
}

// Decode unwraps, decodes, and validates the raw webhook body.
func Decode(raw []byte, validator *validate.Validator) (Event, error) {
	var env pushEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{}, fmt.Errorf("%w: malformed envelope: %v", ErrBadInput, err)
	}
	if env.Message.Data == "" {
		return Event{}, fmt.Errorf("%w: message.data is required", ErrBadInput)
	}

	inner, err := base64.StdEncoding.DecodeString(env.Message.Data)
	if err != nil {
		return Event{}, fmt.Errorf("%w: malformed base64: %v", ErrBadInput, err)
	}

	if err := validator.ValidateStatusEvent(inner); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrBadInput, err)
	}

	var parsed innerEvent
	if err := json.Unmarshal(inner, &parsed); err != nil {
		return Event{}, fmt.Errorf("%w: malformed inner json: %v", ErrBadInput, err)
	}

	if err := validateShape(parsed); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrBadInput, err)
	}

	return Event{
		PlanID:     parsed.PlanID,
		SpecIndex:  parsed.SpecIndex,
		Status:     model.SpecStatus(parsed.Status),
		Stage:      parsed.Stage,
		MessageID:  env.Message.MessageID,
		RawSnippet: truncate(string(inner), maxSnippet),
	}, nil
}

func validateShape(ev innerEvent) error {
	if ev.PlanID == "" {
		return errors.New("plan_id is required")
	}
	if _, err := uuid.Parse(ev.PlanID); err != nil {
		return fmt.Errorf("plan_id is not a valid UUID: %w", err)
	}
	if ev.SpecIndex < 0 {
		return errors.New("spec_index must be >= 0")
	}
	switch model.SpecStatus(ev.Status) {
	case model.SpecStatusBlocked, model.SpecStatusRunning, model.SpecStatusFinished, model.SpecStatusFailed:
	default:
		return fmt.Errorf("status %q is not one of blocked|running|finished|failed", ev.Status)
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
