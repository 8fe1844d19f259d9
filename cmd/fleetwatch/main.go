// fleetwatch is a development stand-in for the execution fleet's receiving
// side: it joins the trigger stream's consumer group, logs every ready
// signal the scheduler emits, and acknowledges it. Useful for watching a
// local scheduler drive a plan end to end without deploying a real fleet.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AgentFoundryExamples/plan-scheduler/common/logger"
	"github.com/AgentFoundryExamples/plan-scheduler/core/config"
	"github.com/AgentFoundryExamples/plan-scheduler/internal/trigger"
)

func main() {
	ctx := context.Background()

	cfg := config.Load()
	logger.Setup(cfg)

	redisOpts, err := redis.ParseURL(cfg.Trigger.RedisURL)
	if err != nil {
		slog.ErrorContext(ctx, "failed to parse redis url", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.ErrorContext(ctx, "failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	sink, err := trigger.NewSink(redisClient, trigger.SinkConfig{
		Stream:   cfg.Trigger.Stream,
		Group:    "fleetwatch",
		Consumer: "fleetwatch-1",
		Count:    10,
		Block:    5 * time.Second,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to join trigger stream", "error", err)
		os.Exit(1)
	}

	slog.InfoContext(ctx, "fleetwatch started", "stream", cfg.Trigger.Stream)

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for {
		signals, err := sink.Read(runCtx)
		if err != nil {
			if runCtx.Err() != nil {
				break
			}
			slog.ErrorContext(runCtx, "failed to read trigger stream", "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, sig := range signals {
			slog.InfoContext(runCtx, "spec ready",
				"plan_id", sig.PlanID,
				"spec_index", sig.SpecIndex,
			)
			if err := sink.Ack(runCtx, sig.ID); err != nil {
				slog.WarnContext(runCtx, "failed to ack ready signal",
					"raw_message_id", sig.ID,
					"error", err,
				)
			}
		}

		if runCtx.Err() != nil {
			break
		}
	}

	slog.InfoContext(ctx, "fleetwatch stopped")
}
