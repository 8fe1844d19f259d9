package store

import "errors"

// Sentinel errors returned by the Store Gateway. Callers distinguish them
// with errors.Is rather than type assertions, matching the rest of the
// codebase's error-handling convention.
var (
	// ErrNotFound is returned by transactional reads of a plan or spec that
	// does not exist. Top-level LoadPlan/LoadSpecs callers that need a
	// "missing means nil" value instead check this explicitly.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists is returned by CreatePlanAtomic when plan_id is
	// already present.
	ErrAlreadyExists = errors.New("store: plan already exists")

	// ErrConflict is returned when RunTransaction exhausts its bounded
	// retry budget against repeated serialization failures.
	ErrConflict = errors.New("store: transaction conflict, retries exhausted")

	// ErrUnavailable signals a transient failure talking to the backing
	// store (connection refused, deadline exceeded at the driver level).
	ErrUnavailable = errors.New("store: unavailable")
)
