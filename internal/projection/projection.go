// Package projection computes the externally-visible status view of a plan
// from stored records, recomputing the derived counters rather than
// trusting the plan record's cached copies.
package projection

import (
	"context"
	"errors"
	"time"

	"github.com/AgentFoundryExamples/plan-scheduler/internal/model"
	"github.com/AgentFoundryExamples/plan-scheduler/internal/store"
)

// ErrNotFound mirrors store.ErrNotFound for callers that only depend on
// this package.
var ErrNotFound = store.ErrNotFound

// SpecView is one entry of View.Specs.
type SpecView struct {
	SpecIndex int              `json:"spec_index"`
	Status    model.SpecStatus `json:"status"`
	Stage     *string          `json:"stage,omitempty"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// View is the external status projection of one plan.
type View struct {
	PlanID           string              `json:"plan_id"`
	OverallStatus    model.OverallStatus `json:"overall_status"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
	TotalSpecs       int                 `json:"total_specs"`
	CompletedSpecs   int                 `json:"completed_specs"`
	CurrentSpecIndex *int                `json:"current_spec_index"`
	Specs            []SpecView          `json:"specs"`
}

// Projector builds Views from a Store Gateway.
type Projector struct {
	gateway store.Gateway
}

func New(gateway store.Gateway) *Projector {
	return &Projector{gateway: gateway}
}

// Project returns the status view for planID. includeStage controls
// whether each spec's current_stage is populated; when false, Stage is
// always nil regardless of the stored value, to keep the response payload
// minimal by default.
func (p *Projector) Project(ctx context.Context, planID string, includeStage bool) (View, error) {
	plan, err := p.gateway.LoadPlan(ctx, planID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return View{}, ErrNotFound
		}
		return View{}, err
	}

	specs, err := p.gateway.LoadSpecs(ctx, planID)
	if err != nil {
		return View{}, err
	}

	completed := 0
	var currentIdx *int
	views := make([]SpecView, len(specs))
	for i, s := range specs {
		if s.Status == model.SpecStatusFinished {
			completed++
		}
		if s.Status == model.SpecStatusRunning {
			idx := s.SpecIndex
			currentIdx = &idx
		}

		var stage *string
		if includeStage {
			stage = s.CurrentStage
		}
		views[i] = SpecView{
			SpecIndex: s.SpecIndex,
			Status:    s.Status,
			Stage:     stage,
			UpdatedAt: s.UpdatedAt,
		}
	}

	return View{
		PlanID:           plan.PlanID,
		OverallStatus:    plan.OverallStatus,
		CreatedAt:        plan.CreatedAt,
		UpdatedAt:        plan.UpdatedAt,
		TotalSpecs:       plan.TotalSpecs,
		CompletedSpecs:   completed,
		CurrentSpecIndex: currentIdx,
		Specs:            views,
	}, nil
}
