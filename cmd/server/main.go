package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AgentFoundryExamples/plan-scheduler/common/logger"
	"github.com/AgentFoundryExamples/plan-scheduler/common/otel"
	"github.com/AgentFoundryExamples/plan-scheduler/core/config"
	"github.com/AgentFoundryExamples/plan-scheduler/core/db"
	"github.com/AgentFoundryExamples/plan-scheduler/internal/http/handler"
	"github.com/AgentFoundryExamples/plan-scheduler/internal/http/middleware"
	httprouter "github.com/AgentFoundryExamples/plan-scheduler/internal/http/router"
	"github.com/AgentFoundryExamples/plan-scheduler/internal/ingest"
	"github.com/AgentFoundryExamples/plan-scheduler/internal/kernel"
	"github.com/AgentFoundryExamples/plan-scheduler/internal/projection"
	"github.com/AgentFoundryExamples/plan-scheduler/internal/store"
	"github.com/AgentFoundryExamples/plan-scheduler/internal/trigger"
	"github.com/AgentFoundryExamples/plan-scheduler/internal/validate"
)

// maxTransactionRetries bounds RunTransaction's retry budget on
// serialization failures.
const maxTransactionRetries = 5

func main() {
	fmt.Printf("%s\n", banner)
	ctx := context.Background()

	cfg := config.Load()

	// OTel must init before logger (logger uses OTel provider in production)
	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		// Can't use slog yet — OTel failed before logger setup
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Setup(cfg)

	if telemetry != nil {
		slog.InfoContext(ctx, "otel initialized", "endpoint", cfg.OTel.Endpoint)
	} else {
		slog.InfoContext(ctx, "otel disabled (no endpoint configured)")
	}

	slog.InfoContext(ctx, "plan-scheduler starting", "env", cfg.Env, "service", cfg.ServiceName)

	database, err := db.New(ctx, cfg.DB)
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer database.Close()
	slog.InfoContext(ctx, "database connected")

	gateway := store.NewPostgresGateway(database.Pool(), maxTransactionRetries)
	if cfg.IsDevelopment() {
		if err := gateway.Migrate(ctx); err != nil {
			slog.ErrorContext(ctx, "failed to migrate schema", "error", err)
			os.Exit(1)
		}
	}

	execTrigger, err := trigger.New(cfg.Trigger)
	if err != nil {
		slog.ErrorContext(ctx, "failed to initialize execution trigger", "error", err)
		os.Exit(1)
	}
	defer execTrigger.Close()
	if cfg.Trigger.Enabled {
		slog.InfoContext(ctx, "execution trigger enabled", "stream", cfg.Trigger.Stream)
	} else {
		slog.InfoContext(ctx, "execution trigger disabled")
	}

	validator, err := validate.New()
	if err != nil {
		slog.ErrorContext(ctx, "failed to compile validation schemas", "error", err)
		os.Exit(1)
	}

	ingestor := ingest.New(gateway, validator)
	orchestrationKernel := kernel.New(gateway)
	projector := projection.New(gateway)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := setupRouter(cfg, ingestor, orchestrationKernel, projector, validator, execTrigger)
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.InfoContext(ctx, "http server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.ErrorContext(ctx, "http server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "http server shutdown error", "error", err)
	}

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(shutdownCtx, "shutdown complete")
}

func setupRouter(
	cfg config.Config,
	ingestor *ingest.Ingestor,
	k *kernel.Kernel,
	projector *projection.Projector,
	validator *validate.Validator,
	execTrigger *trigger.Trigger,
) *gin.Engine {
	engine := gin.New()

	// Order matters: OTel creates span → Recovery catches panics → Logger logs with trace context
	if cfg.OTel.Enabled() {
		engine.Use(otelgin.Middleware(cfg.OTel.ServiceName))
	}
	engine.Use(middleware.Recovery())
	engine.Use(middleware.Logger())

	handlers := httprouter.Handlers{
		Plan:    handler.NewPlanHandler(ingestor, projector),
		Webhook: handler.NewWebhookHandler(validator, k, execTrigger),
	}
	httprouter.SetupRoutes(engine, handlers, cfg.Auth)

	return engine
}

const banner = `
███████╗ ██████╗██╗  ██╗███████╗██████╗ ██╗   ██╗██╗     ███████╗██████╗
██╔════╝██╔════╝██║  ██║██╔════╝██╔══██╗██║   ██║██║     ██╔════╝██╔══██╗
███████╗██║     ███████║█████╗  ██║  ██║██║   ██║██║     █████╗  ██████╔╝
╚════██║██║     ██╔══██║██╔══╝  ██║  ██║██║   ██║██║     ██╔══╝  ██╔══██╗
███████║╚██████╗██║  ██║███████╗██████╔╝╚██████╔╝███████╗███████╗██║  ██║
╚══════╝ ╚═════╝╚═╝  ╚═╝╚══════╝╚═════╝  ╚═════╝ ╚══════╝╚══════╝╚═╝  ╚═╝
`
