// Package kernel is the orchestration kernel: the transactional state
// machine that consumes one validated status event and atomically advances
// a plan's per-spec and per-plan state. Every branch here is a small closed
// sum over {terminal, intermediate} x {current spec, not} x {last spec,
// not}, encoded as a tagged-variant switch.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AgentFoundryExamples/plan-scheduler/internal/model"
	"github.com/AgentFoundryExamples/plan-scheduler/internal/store"
)

// Outcome is one of the graceful, non-error results of Apply. Transient
// store failures and the invariant-violation case are not represented here:
// they are returned as errors so the HTTP layer maps them to 5xx without
// needing to inspect a value.
type Outcome string

const (
	OutcomeApplied         Outcome = "applied"
	OutcomeDuplicate       Outcome = "duplicate"
	OutcomeOutOfOrder      Outcome = "out_of_order"
	OutcomeTerminalIgnored Outcome = "terminal_ignored"
	OutcomeMissingPlan     Outcome = "missing_plan"
	OutcomeMissingSpec     Outcome = "missing_spec"
)

// ErrInvariantViolation signals corruption detected mid-transaction: the
// spec about to be unblocked was not blocked. The transaction is aborted
// without commit.
var ErrInvariantViolation = errors.New("kernel: invariant violation")

// Event is one decoded inbound status notification, as produced by the
// envelope decoder.
type Event struct {
	PlanID     string
	SpecIndex  int
	Status     model.SpecStatus
	Stage      *string
	MessageID  string
	RawSnippet string
}

// TriggerRequest is the deferred fire-and-forget signal the caller must
// hand to the execution trigger after the transaction that produced it has
// committed. At most one is ever returned per Apply call.
type TriggerRequest struct {
	PlanID    string
	SpecIndex int
}

// Result is the outcome of Apply plus the event_type tag the caller should
// attach to its structured log line, and any deferred trigger.
type Result struct {
	Outcome   Outcome
	EventType string
	Trigger   *TriggerRequest
}

// Kernel applies status events against a store.Gateway.
type Kernel struct {
	gateway store.Gateway
	now     func() time.Time
}

func New(gateway store.Gateway) *Kernel {
	return &Kernel{gateway: gateway, now: time.Now}
}

// Apply runs the full lifecycle transition for ev inside one transaction.
// A non-nil error is always transient (store conflict/unavailable) or
// ErrInvariantViolation; both map to 5xx at the HTTP layer.
func (k *Kernel) Apply(ctx context.Context, ev Event) (Result, error) {
	var result Result
	err := k.gateway.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		r, txErr := k.applyInTx(ctx, tx, ev)
		if txErr != nil {
			return txErr
		}
		result = r
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

func (k *Kernel) applyInTx(ctx context.Context, tx store.Tx, ev Event) (Result, error) {
	plan, err := tx.ReadPlan(ctx, ev.PlanID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{Outcome: OutcomeMissingPlan, EventType: "missing_plan"}, nil
		}
		return Result{}, err
	}

	spec, err := tx.ReadSpec(ctx, ev.PlanID, ev.SpecIndex)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{Outcome: OutcomeMissingSpec, EventType: "missing_spec"}, nil
		}
		return Result{}, err
	}

	// Deduplication. A non-empty message_id already present in history
	// means this is a redelivery; stage no writes at all (not even the
	// history append below).
	if spec.HasMessageID(ev.MessageID) {
		return Result{Outcome: OutcomeDuplicate, EventType: "duplicate_message"}, nil
	}

	now := k.now().UTC()

	// From here on the history entry is appended unconditionally.
	entry := model.HistoryEntry{
		Timestamp:      now,
		ReceivedStatus: ev.Status,
		Stage:          ev.Stage,
		RawSnippet:     ev.RawSnippet,
	}
	if ev.MessageID != "" {
		mid := ev.MessageID
		entry.MessageID = &mid
	}
	spec.History = append(spec.History, entry)

	if !ev.Status.IsTerminal() {
		return k.applyIntermediate(ctx, tx, plan, spec, ev, now)
	}
	return k.applyTerminal(ctx, tx, plan, spec, ev, now)
}

// applyIntermediate handles {blocked, running} events: stage/history update
// only, never a status or counter change.
func (k *Kernel) applyIntermediate(ctx context.Context, tx store.Tx, plan *model.Plan, spec *model.Spec, ev Event, now time.Time) (Result, error) {
	if ev.Stage != nil {
		spec.CurrentStage = ev.Stage
	}
	spec.UpdatedAt = now
	plan.UpdatedAt = now
	plan.LastEventAt = now

	if err := tx.WriteSpec(ctx, spec); err != nil {
		return Result{}, err
	}
	if err := tx.WritePlan(ctx, plan); err != nil {
		return Result{}, err
	}
	return Result{Outcome: OutcomeApplied, EventType: "non_terminal_update"}, nil
}

// applyTerminal handles {finished, failed} events, guarded by the
// terminal-on-terminal and ordering checks.
func (k *Kernel) applyTerminal(ctx context.Context, tx store.Tx, plan *model.Plan, spec *model.Spec, ev Event, now time.Time) (Result, error) {
	if spec.Status.IsTerminal() {
		if err := tx.WriteSpec(ctx, spec); err != nil {
			return Result{}, err
		}
		return Result{Outcome: OutcomeTerminalIgnored, EventType: "terminal_ignored"}, nil
	}

	if plan.CurrentSpecIndex == nil || *plan.CurrentSpecIndex != ev.SpecIndex {
		if err := tx.WriteSpec(ctx, spec); err != nil {
			return Result{}, err
		}
		return Result{Outcome: OutcomeOutOfOrder, EventType: "out_of_order"}, nil
	}

	switch ev.Status {
	case model.SpecStatusFailed:
		return k.applyFailed(ctx, tx, plan, spec, now)
	case model.SpecStatusFinished:
		return k.applyFinished(ctx, tx, plan, spec, ev, now)
	default:
		return Result{}, fmt.Errorf("kernel: unreachable terminal status %q", ev.Status)
	}
}

func (k *Kernel) applyFailed(ctx context.Context, tx store.Tx, plan *model.Plan, spec *model.Spec, now time.Time) (Result, error) {
	spec.Status = model.SpecStatusFailed
	spec.UpdatedAt = now

	plan.OverallStatus = model.OverallStatusFailed
	plan.CurrentSpecIndex = nil
	plan.UpdatedAt = now
	plan.LastEventAt = now

	if err := tx.WriteSpec(ctx, spec); err != nil {
		return Result{}, err
	}
	if err := tx.WritePlan(ctx, plan); err != nil {
		return Result{}, err
	}
	return Result{Outcome: OutcomeApplied, EventType: "terminal_spec_failed"}, nil
}

func (k *Kernel) applyFinished(ctx context.Context, tx store.Tx, plan *model.Plan, spec *model.Spec, ev Event, now time.Time) (Result, error) {
	spec.Status = model.SpecStatusFinished
	spec.UpdatedAt = now

	plan.CompletedSpecs++
	plan.UpdatedAt = now
	plan.LastEventAt = now

	if err := tx.WriteSpec(ctx, spec); err != nil {
		return Result{}, err
	}

	if ev.SpecIndex == plan.TotalSpecs-1 {
		plan.OverallStatus = model.OverallStatusFinished
		plan.CurrentSpecIndex = nil
		if err := tx.WritePlan(ctx, plan); err != nil {
			return Result{}, err
		}
		return Result{Outcome: OutcomeApplied, EventType: "terminal_plan_finished"}, nil
	}

	nextIdx := ev.SpecIndex + 1
	nextSpec, err := tx.ReadSpec(ctx, ev.PlanID, nextIdx)
	if err != nil {
		return Result{}, err
	}
	if nextSpec.Status != model.SpecStatusBlocked {
		return Result{}, fmt.Errorf("%w: plan %s spec %d expected blocked, found %s",
			ErrInvariantViolation, ev.PlanID, nextIdx, nextSpec.Status)
	}

	nextSpec.Status = model.SpecStatusRunning
	nextSpec.UpdatedAt = now
	if err := tx.WriteSpec(ctx, nextSpec); err != nil {
		return Result{}, err
	}

	plan.CurrentSpecIndex = &nextIdx
	if err := tx.WritePlan(ctx, plan); err != nil {
		return Result{}, err
	}

	return Result{
		Outcome:   OutcomeApplied,
		EventType: "terminal_spec_finished",
		Trigger:   &TriggerRequest{PlanID: ev.PlanID, SpecIndex: nextIdx},
	}, nil
}
