// Package ingest implements plan ingestion: validating an inbound plan
// payload, canonicalizing and digesting it, and creating the plan and its
// specs atomically with create-or-match idempotency.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/AgentFoundryExamples/plan-scheduler/internal/canon"
	"github.com/AgentFoundryExamples/plan-scheduler/internal/model"
	"github.com/AgentFoundryExamples/plan-scheduler/internal/store"
	"github.com/AgentFoundryExamples/plan-scheduler/internal/validate"
)

// ErrBadInput wraps any failure to satisfy the ingestion input contract.
var ErrBadInput = errors.New("ingest: bad input")

// ErrConflict signals a plan_id collision against a differing payload.
var ErrConflict = errors.New("ingest: digest conflict")

// Outcome distinguishes a brand-new plan from a replayed, byte-identical
// creation request.
type Outcome string

const (
	OutcomeCreated    Outcome = "created"
	OutcomeIdempotent Outcome = "idempotent"
)

// SpecInput is one element of the inbound `specs` array.
type SpecInput struct {
	Purpose     string   `json:"purpose"`
	Vision      string   `json:"vision"`
	Must        []string `json:"must"`
	Dont        []string `json:"dont"`
	Nice        []string `json:"nice"`
	Assumptions []string `json:"assumptions"`
}

// Request is the `{id, specs}` ingestion contract.
type Request struct {
	ID    string      `json:"id"`
	Specs []SpecInput `json:"specs"`
}

// Result is what the HTTP layer needs to build its response body.
type Result struct {
	Outcome Outcome
	PlanID  string
}

// Ingestor drives plan creation end to end.
type Ingestor struct {
	gateway   store.Gateway
	validator *validate.Validator
	now       func() time.Time
}

func New(gateway store.Gateway, validator *validate.Validator) *Ingestor {
	return &Ingestor{gateway: gateway, validator: validator, now: time.Now}
}

// Create validates, canonicalizes, and persists one plan creation request.
// raw is kept untouched through canonicalization so the digest reflects
// exactly what the caller sent, key ordering aside.
func (i *Ingestor) Create(ctx context.Context, raw json.RawMessage) (Result, error) {
	if err := i.validator.ValidatePlanRequest(raw); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrBadInput, err)
	}

	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrBadInput, err)
	}
	if err := validateShape(req); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrBadInput, err)
	}

	canonical, err := canon.Canonicalize(raw)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrBadInput, err)
	}
	digest := canon.Digest(canonical)

	now := i.now().UTC()
	plan, specs := buildRecords(req, now, digest, canonical)

	err = i.gateway.CreatePlanAtomic(ctx, plan, specs)
	switch {
	case err == nil:
		return Result{Outcome: OutcomeCreated, PlanID: plan.PlanID}, nil
	case errors.Is(err, store.ErrAlreadyExists):
		existing, loadErr := i.gateway.LoadPlan(ctx, req.ID)
		if loadErr != nil {
			return Result{}, loadErr
		}
		if existing.RequestDigest == digest {
			return Result{Outcome: OutcomeIdempotent, PlanID: existing.PlanID}, nil
		}
		return Result{}, ErrConflict
	default:
		return Result{}, err
	}
}

func validateShape(req Request) error {
	if _, err := uuid.Parse(req.ID); err != nil {
		return fmt.Errorf("id is not a valid UUID: %w", err)
	}
	if len(req.Specs) < 1 {
		return errors.New("specs must contain at least one entry")
	}
	for idx, s := range req.Specs {
		if s.Purpose == "" {
			return fmt.Errorf("specs[%d].purpose must be non-empty", idx)
		}
		if s.Vision == "" {
			return fmt.Errorf("specs[%d].vision must be non-empty", idx)
		}
	}
	return nil
}

func buildRecords(req Request, now time.Time, digest string, canonical []byte) (*model.Plan, []model.Spec) {
	total := len(req.Specs)
	zero := 0

	plan := &model.Plan{
		PlanID:           req.ID,
		OverallStatus:    model.OverallStatusRunning,
		TotalSpecs:       total,
		CompletedSpecs:   0,
		CurrentSpecIndex: &zero,
		CreatedAt:        now,
		UpdatedAt:        now,
		LastEventAt:      now,
		RequestDigest:    digest,
		RawRequest:       json.RawMessage(canonical),
	}

	specs := make([]model.Spec, total)
	for idx, s := range req.Specs {
		status := model.SpecStatusBlocked
		if idx == 0 {
			status = model.SpecStatusRunning
		}
		specs[idx] = model.Spec{
			PlanID:    req.ID,
			SpecIndex: idx,
			Content: model.SpecContent{
				Purpose:     s.Purpose,
				Vision:      s.Vision,
				Must:        orEmpty(s.Must),
				Dont:        orEmpty(s.Dont),
				Nice:        orEmpty(s.Nice),
				Assumptions: orEmpty(s.Assumptions),
			},
			Status:    status,
			CreatedAt: now,
			UpdatedAt: now,
			History:   []model.HistoryEntry{},
		}
	}
	return plan, specs
}

// orEmpty ensures optional string-array fields are always a non-nil,
// possibly-empty slice; stored content lists are present even when empty.
func orEmpty(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}
