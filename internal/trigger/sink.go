package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// SinkConfig configures a Sink reading ready-signals off the trigger stream.
type SinkConfig struct {
	Stream   string        // Redis stream name the Trigger publishes to
	Group    string        // Redis consumer group name
	Consumer string        // Redis consumer name within the group
	Count    int64         // Number of signals to read per batch
	Block    time.Duration // How long to block/poll for new signals
}

// ReadySignal is one consumed trigger message: the spec the execution fleet
// should start working on, plus the stream entry ID needed to acknowledge it.
type ReadySignal struct {
	ID        string
	PlanID    string
	SpecIndex int
}

// Sink is the receiving side of the execution trigger stream. The real
// execution fleet is a separate deployment; this consumer exists so local
// runs and integration tests can observe the signals the scheduler emits,
// and acts as the reference for what a fleet-side reader must tolerate:
// signals are at-least-once, so the same (plan_id, spec_index) may arrive
// more than once across kernel retries.
type Sink struct {
	client *redis.Client
	cfg    SinkConfig
}

// NewSink creates the consumer group if it does not exist yet and returns a
// Sink bound to it. Starting the group at "0" rather than "$" means signals
// published before the first reader came up are still delivered.
func NewSink(client *redis.Client, cfg SinkConfig) (*Sink, error) {
	if err := client.XGroupCreateMkStream(context.Background(), cfg.Stream, cfg.Group, "0").Err(); err != nil &&
		err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return nil, fmt.Errorf("trigger: creating consumer group: %w", err)
	}
	return &Sink{client: client, cfg: cfg}, nil
}

// Read blocks up to cfg.Block for new signals and returns the batch.
// Malformed entries are acknowledged and dropped rather than wedging the
// group on a poison message.
func (s *Sink) Read(ctx context.Context) ([]ReadySignal, error) {
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.cfg.Group,
		Consumer: s.cfg.Consumer,
		Streams:  []string{s.cfg.Stream, ">"},
		Count:    s.cfg.Count,
		Block:    s.cfg.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []ReadySignal{}, nil
		}
		return nil, fmt.Errorf("trigger: reading from stream: %w", err)
	}

	var signals []ReadySignal
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			sig, parseErr := parseReadySignal(msg)
			if parseErr != nil {
				slog.ErrorContext(ctx, "failed to parse ready signal",
					"error", parseErr,
					"raw_message_id", msg.ID,
					"stream", s.cfg.Stream)
				_ = s.Ack(ctx, msg.ID)
				continue
			}
			signals = append(signals, sig)
		}
	}
	return signals, nil
}

// Ack marks a signal as processed within the consumer group.
func (s *Sink) Ack(ctx context.Context, id string) error {
	if err := s.client.XAck(ctx, s.cfg.Stream, s.cfg.Group, id).Err(); err != nil {
		return fmt.Errorf("trigger: xack: %w", err)
	}
	return nil
}

func parseReadySignal(msg redis.XMessage) (ReadySignal, error) {
	planID, ok := msg.Values["plan_id"]
	if !ok {
		return ReadySignal{}, fmt.Errorf("trigger: signal %s missing plan_id", msg.ID)
	}
	rawIdx, ok := msg.Values["spec_index"]
	if !ok {
		return ReadySignal{}, fmt.Errorf("trigger: signal %s missing spec_index", msg.ID)
	}
	idx, err := strconv.Atoi(fmt.Sprint(rawIdx))
	if err != nil {
		return ReadySignal{}, fmt.Errorf("trigger: signal %s spec_index: %w", msg.ID, err)
	}
	return ReadySignal{
		ID:        msg.ID,
		PlanID:    fmt.Sprint(planID),
		SpecIndex: idx,
	}, nil
}
