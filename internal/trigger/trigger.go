// Package trigger publishes the fire-and-forget ready signal emitted after
// a spec transitions to running, telling the execution fleet (out of scope
// here) to pick it up. Delivery is at-least-once
// and best-effort; a publish failure is logged and swallowed; it never
// rolls back the orchestration state that produced it.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AgentFoundryExamples/plan-scheduler/core/config"
)

// Signal is the payload handed to Fire, mirroring kernel.TriggerRequest so
// this package never imports internal/kernel (it is a leaf dependency of
// the wiring layer, not of the kernel itself).
type Signal struct {
	PlanID    string
	SpecIndex int
}

// Trigger publishes Signals onto a Redis Stream via XADD. When disabled via
// config it becomes a no-op, the escape hatch used in tests and local
// development.
type Trigger struct {
	client  *redis.Client
	stream  string
	timeout time.Duration
	enabled bool
}

// New builds a Trigger from cfg. When cfg.Enabled is false, the returned
// Trigger never dials Redis and Fire always succeeds as a no-op.
func New(cfg config.TriggerConfig) (*Trigger, error) {
	if !cfg.Enabled {
		return &Trigger{enabled: false}, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("trigger: parse redis url: %w", err)
	}

	return &Trigger{
		client:  redis.NewClient(opts),
		stream:  cfg.Stream,
		timeout: time.Duration(cfg.Timeout) * time.Second,
		enabled: true,
	}, nil
}

// Fire publishes sig onto the configured stream. Callers invoke this only
// after the transaction that produced it has committed; a failure here
// must never be treated as a reason to
// retry or reverse the committed state change. The caller is expected to
// log the returned error at warn level and move on.
func (t *Trigger) Fire(ctx context.Context, sig Signal) error {
	if !t.enabled {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	_, err := t.client.XAdd(ctx, &redis.XAddArgs{
		Stream: t.stream,
		Values: map[string]any{
			"plan_id":    sig.PlanID,
			"spec_index": sig.SpecIndex,
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("trigger: xadd: %w", err)
	}
	return nil
}

// Close releases the underlying Redis client, if one was created.
func (t *Trigger) Close() error {
	if t.client == nil {
		return nil
	}
	return t.client.Close()
}

// FireAndLog runs Fire and logs a warning on failure instead of returning
// the error, for call sites that cannot usefully propagate it. A failure
// while ctx has been canceled is dropped without a log line.
func FireAndLog(ctx context.Context, t *Trigger, sig Signal, logger *slog.Logger) {
	if err := t.Fire(ctx, sig); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}
		logger.WarnContext(ctx, "execution trigger publish failed",
			"plan_id", sig.PlanID,
			"spec_index", sig.SpecIndex,
			"error", err,
		)
	}
}
