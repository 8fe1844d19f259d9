// Package config loads process configuration from the environment, with
// sensible development defaults, following the same os.LookupEnv-backed
// convention as the rest of the stack.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/AgentFoundryExamples/plan-scheduler/core/db"
	"github.com/joho/godotenv"
)

// AuthMode selects the edge predicate applied to the status-event webhook.
type AuthMode string

const (
	AuthModeToken         AuthMode = "token"
	AuthModeIdentityToken AuthMode = "identity_token"
	AuthModeNone          AuthMode = "none"
)

// OTelConfig configures the OpenTelemetry exporters in common/otel.
type OTelConfig struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	Headers        string
}

// Enabled reports whether an OTLP endpoint has been configured.
func (c OTelConfig) Enabled() bool {
	return c.Endpoint != ""
}

// AuthConfig configures the webhook authentication predicate.
type AuthConfig struct {
	Mode AuthMode

	// VerificationToken is the shared secret compared via constant-time
	// equality in token mode.
	VerificationToken string

	// ExpectedAudience, ExpectedIssuer, ExpectedServiceAccount constrain the
	// bearer JWT claims in identity_token mode.
	ExpectedAudience       string
	ExpectedIssuer         string
	ExpectedServiceAccount string
}

// TriggerConfig configures the execution trigger.
type TriggerConfig struct {
	// Enabled gates execution_enabled: when false, the trigger is a no-op.
	Enabled bool

	RedisURL string
	Stream   string
	Timeout  int // seconds
}

// Config holds all application configuration.
type Config struct {
	// Env is the environment name (development, staging, production)
	Env string

	// Port is the HTTP server port
	Port string

	// ServiceName is the label emitted on structured logs and traces.
	ServiceName string

	// StoreProjectID names the persistent store scope. It is loaded from
	// SCHEDULER_STORE_PROJECT_ID but nothing reads it: the Postgres-backed
	// store gateway connects to the database named by DATABASE_NAME (see
	// buildDSN), not to StoreProjectID.
	StoreProjectID string

	// LogLevel controls structured-log verbosity (debug, info, warn, error);
	// logger.Setup applies it and ignores values it cannot parse.
	LogLevel string

	DB      db.Config
	OTel    OTelConfig
	Auth    AuthConfig
	Trigger TriggerConfig
}

// Load loads configuration from environment variables, first loading a local
// .env file if present (development convenience only; production deployments
// inject real environment variables).
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Env:            getEnv("SCHEDULER_ENV", "development"),
		Port:           getEnv("PORT", "8080"),
		ServiceName:    getEnv("SCHEDULER_SERVICE_NAME", "plan-scheduler"),
		StoreProjectID: getEnv("SCHEDULER_STORE_PROJECT_ID", "plan-scheduler-dev"),
		LogLevel:       getEnv("SCHEDULER_LOG_LEVEL", "info"),
		DB: db.Config{
			DSN:      buildDSN(),
			MaxConns: int32(getEnvInt("DB_MAX_CONNS", 10)),
			MinConns: int32(getEnvInt("DB_MIN_CONNS", 2)),
		},
		OTel: OTelConfig{
			ServiceName:    getEnv("SCHEDULER_SERVICE_NAME", "plan-scheduler"),
			ServiceVersion: getEnv("SCHEDULER_SERVICE_VERSION", "dev"),
			Endpoint:       getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			Headers:        getEnv("OTEL_EXPORTER_OTLP_HEADERS", ""),
		},
		Auth: AuthConfig{
			Mode:                   AuthMode(getEnv("PUBSUB_AUTH_MODE", string(AuthModeToken))),
			VerificationToken:      getEnv("PUBSUB_VERIFICATION_TOKEN", ""),
			ExpectedAudience:       getEnv("PUBSUB_EXPECTED_AUDIENCE", ""),
			ExpectedIssuer:         getEnv("PUBSUB_EXPECTED_ISSUER", ""),
			ExpectedServiceAccount: getEnv("PUBSUB_EXPECTED_SERVICE_ACCOUNT_EMAIL", ""),
		},
		Trigger: TriggerConfig{
			Enabled:  getEnvBool("TRIGGER_EXECUTION_ENABLED", true),
			RedisURL: getEnv("TRIGGER_REDIS_URL", "redis://localhost:6379/0"),
			Stream:   getEnv("TRIGGER_REDIS_STREAM", "scheduler:spec-ready"),
			Timeout:  getEnvInt("TRIGGER_TIMEOUT_SECONDS", 5),
		},
	}
}

// buildDSN constructs the database connection string from individual env vars.
func buildDSN() string {
	host := getEnv("DATABASE_HOST", "localhost")
	port := getEnv("DATABASE_PORT", "5432")
	user := getEnv("DATABASE_USER", "postgres")
	password := getEnv("DATABASE_PASSWORD", "postgres")
	name := getEnv("DATABASE_NAME", "plan_scheduler")
	sslMode := getEnv("DATABASE_SSLMODE", "disable")

	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		user, password, host, port, name, sslMode,
	)
}

// IsProduction returns true if running in production environment.
func (c Config) IsProduction() bool {
	return c.Env == "production"
}

// IsDevelopment returns true if running in development environment.
func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}
