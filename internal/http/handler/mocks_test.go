package handler_test

import (
	"context"

	"github.com/AgentFoundryExamples/plan-scheduler/internal/model"
	"github.com/AgentFoundryExamples/plan-scheduler/internal/store"
)

// memGateway is an in-memory store.Gateway backing the handler tests, so
// the full router stack can be exercised without a database.
type memGateway struct {
	plans map[string]*model.Plan
	specs map[string]map[int]*model.Spec
}

func newMemGateway() *memGateway {
	return &memGateway{
		plans: make(map[string]*model.Plan),
		specs: make(map[string]map[int]*model.Spec),
	}
}

func (g *memGateway) LoadPlan(ctx context.Context, planID string) (*model.Plan, error) {
	p, ok := g.plans[planID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (g *memGateway) LoadSpecs(ctx context.Context, planID string) ([]model.Spec, error) {
	specMap := g.specs[planID]
	out := make([]model.Spec, 0, len(specMap))
	for i := 0; i < len(specMap); i++ {
		out = append(out, *specMap[i])
	}
	return out, nil
}

func (g *memGateway) CreatePlanAtomic(ctx context.Context, plan *model.Plan, specs []model.Spec) error {
	if _, exists := g.plans[plan.PlanID]; exists {
		return store.ErrAlreadyExists
	}
	cp := *plan
	g.plans[plan.PlanID] = &cp
	specMap := make(map[int]*model.Spec, len(specs))
	for i := range specs {
		s := specs[i]
		specMap[s.SpecIndex] = &s
	}
	g.specs[plan.PlanID] = specMap
	return nil
}

func (g *memGateway) RunTransaction(ctx context.Context, body func(ctx context.Context, tx store.Tx) error) error {
	return body(ctx, &memTx{g: g})
}

type memTx struct {
	g *memGateway
}

func (t *memTx) ReadPlan(ctx context.Context, planID string) (*model.Plan, error) {
	return t.g.LoadPlan(ctx, planID)
}

func (t *memTx) ReadSpec(ctx context.Context, planID string, specIndex int) (*model.Spec, error) {
	specMap, ok := t.g.specs[planID]
	if !ok {
		return nil, store.ErrNotFound
	}
	s, ok := specMap[specIndex]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (t *memTx) WritePlan(ctx context.Context, plan *model.Plan) error {
	cp := *plan
	t.g.plans[plan.PlanID] = &cp
	return nil
}

func (t *memTx) WriteSpec(ctx context.Context, spec *model.Spec) error {
	cp := *spec
	t.g.specs[spec.PlanID][spec.SpecIndex] = &cp
	return nil
}
