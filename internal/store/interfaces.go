// Package store is the Store Gateway: a thin typed facade over the
// persistent key-value store, exposing the handful of operations the
// orchestration kernel needs and nothing else. The kernel never sees a raw
// SQL connection or transaction type.
package store

import (
	"context"

	"github.com/AgentFoundryExamples/plan-scheduler/internal/model"
)

// Tx is the read/write surface available inside a RunTransaction body. All
// reads reflect a consistent snapshot; all writes are staged and applied
// atomically on commit.
type Tx interface {
	ReadPlan(ctx context.Context, planID string) (*model.Plan, error)
	ReadSpec(ctx context.Context, planID string, specIndex int) (*model.Spec, error)
	WritePlan(ctx context.Context, plan *model.Plan) error
	WriteSpec(ctx context.Context, spec *model.Spec) error
}

// Gateway is the store gateway contract. The body passed to RunTransaction
// must be pure with respect to external side effects: no network calls, no
// trigger firing, only reads and staged writes through the given Tx.
type Gateway interface {
	// LoadPlan returns (nil, ErrNotFound) when the plan does not exist.
	LoadPlan(ctx context.Context, planID string) (*model.Plan, error)

	// LoadSpecs returns the specs of a plan ordered by SpecIndex. An empty
	// slice (not an error) is returned for a plan with no specs yet.
	LoadSpecs(ctx context.Context, planID string) ([]model.Spec, error)

	// CreatePlanAtomic performs a single conditional write keyed on
	// non-existence of planID. Returns ErrAlreadyExists if the plan is
	// already present; the caller is responsible for comparing digests.
	CreatePlanAtomic(ctx context.Context, plan *model.Plan, specs []model.Spec) error

	// RunTransaction opens an interactive transaction, invokes body, and
	// commits. On a serialization conflict it re-invokes body against a
	// fresh transaction up to a bounded retry count; exhaustion surfaces as
	// ErrConflict.
	RunTransaction(ctx context.Context, body func(ctx context.Context, tx Tx) error) error
}
