package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/AgentFoundryExamples/plan-scheduler/internal/model"
)

// serializationFailure is the Postgres SQLSTATE for a serializable
// transaction that lost a write-write or read-write race.
const serializationFailure = "40001"

// uniqueViolation is the Postgres SQLSTATE for a duplicate-key insert.
const uniqueViolation = "23505"

// PostgresGateway implements Gateway on top of a pgxpool.Pool. Plans and
// specs are modeled as two tables, with specs.content and specs.history
// stored as jsonb columns — the "subcollection" the spec describes, realized
// as a foreign-keyed child table rather than a second storage engine.
type PostgresGateway struct {
	pool        *pgxpool.Pool
	maxRetries  int
	backoffBase time.Duration
}

// NewPostgresGateway wraps an existing connection pool. maxRetries bounds
// RunTransaction's optimistic-conflict retry loop.
func NewPostgresGateway(pool *pgxpool.Pool, maxRetries int) *PostgresGateway {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &PostgresGateway{pool: pool, maxRetries: maxRetries, backoffBase: 10 * time.Millisecond}
}

// Migrate creates the plans/specs schema if absent. Intended for local
// development and tests; production deployments are expected to run schema
// migrations out of band.
func (g *PostgresGateway) Migrate(ctx context.Context) error {
	_, err := g.pool.Exec(ctx, schemaDDL)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS plans (
	plan_id             TEXT PRIMARY KEY,
	overall_status      TEXT NOT NULL,
	total_specs         INTEGER NOT NULL,
	completed_specs     INTEGER NOT NULL,
	current_spec_index  INTEGER,
	created_at          TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL,
	last_event_at       TIMESTAMPTZ NOT NULL,
	request_digest      TEXT NOT NULL,
	raw_request         JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS specs (
	plan_id        TEXT NOT NULL REFERENCES plans(plan_id),
	spec_index     INTEGER NOT NULL,
	content        JSONB NOT NULL,
	status         TEXT NOT NULL,
	current_stage  TEXT,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL,
	history        JSONB NOT NULL,
	PRIMARY KEY (plan_id, spec_index)
);
`

func (g *PostgresGateway) LoadPlan(ctx context.Context, planID string) (*model.Plan, error) {
	return scanPlan(ctx, g.pool, planID)
}

func (g *PostgresGateway) LoadSpecs(ctx context.Context, planID string) ([]model.Spec, error) {
	return scanSpecs(ctx, g.pool, planID)
}

func (g *PostgresGateway) CreatePlanAtomic(ctx context.Context, plan *model.Plan, specs []model.Spec) error {
	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrUnavailable, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM plans WHERE plan_id = $1)`, plan.PlanID).Scan(&exists); err != nil {
		return fmt.Errorf("%w: check existence: %v", ErrUnavailable, err)
	}
	if exists {
		return ErrAlreadyExists
	}

	if err := insertPlan(ctx, tx, plan); err != nil {
		return err
	}
	for i := range specs {
		if err := insertSpec(ctx, tx, &specs[i]); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("%w: commit: %v", ErrUnavailable, err)
	}
	return nil
}

func (g *PostgresGateway) RunTransaction(ctx context.Context, body func(ctx context.Context, tx Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < g.maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(retryBackoff(g.backoffBase, attempt))
		}

		err := g.runOnce(ctx, body)
		if err == nil {
			return nil
		}
		if !isSerializationFailure(err) {
			return err
		}
		lastErr = err
		slog.WarnContext(ctx, "store transaction conflict, retrying", "attempt", attempt+1, "error", err)
	}
	return fmt.Errorf("%w: %v", ErrConflict, lastErr)
}

func (g *PostgresGateway) runOnce(ctx context.Context, body func(ctx context.Context, tx Tx) error) error {
	pgTx, err := g.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrUnavailable, err)
	}
	defer pgTx.Rollback(ctx) //nolint:errcheck

	wrapped := &pgxTx{tx: pgTx}
	if err := body(ctx, wrapped); err != nil {
		return err
	}

	if err := pgTx.Commit(ctx); err != nil {
		if isSerializationFailure(err) {
			return err
		}
		return fmt.Errorf("%w: commit: %v", ErrUnavailable, err)
	}
	return nil
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == serializationFailure
	}
	return errors.Is(err, ErrConflict)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// retryBackoff is a small jittered linear backoff; the retry budget is
// bounded, so exponential tiering buys nothing here.
func retryBackoff(base time.Duration, attempt int) time.Duration {
	jitter := time.Duration(rand.Int63n(int64(base)))
	return base*time.Duration(attempt) + jitter
}

// pgxTx implements Tx against a live pgx.Tx.
type pgxTx struct {
	tx pgx.Tx
}

func (t *pgxTx) ReadPlan(ctx context.Context, planID string) (*model.Plan, error) {
	return scanPlan(ctx, t.tx, planID)
}

func (t *pgxTx) ReadSpec(ctx context.Context, planID string, specIndex int) (*model.Spec, error) {
	return scanSpec(ctx, t.tx, planID, specIndex)
}

func (t *pgxTx) WritePlan(ctx context.Context, plan *model.Plan) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE plans SET
			overall_status = $2, total_specs = $3, completed_specs = $4,
			current_spec_index = $5, updated_at = $6, last_event_at = $7,
			request_digest = $8, raw_request = $9
		WHERE plan_id = $1`,
		plan.PlanID, string(plan.OverallStatus), plan.TotalSpecs, plan.CompletedSpecs,
		plan.CurrentSpecIndex, plan.UpdatedAt, plan.LastEventAt,
		plan.RequestDigest, []byte(plan.RawRequest))
	if err != nil {
		return fmt.Errorf("%w: write plan: %v", ErrUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgxTx) WriteSpec(ctx context.Context, spec *model.Spec) error {
	historyJSON, err := json.Marshal(spec.History)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}

	tag, err := t.tx.Exec(ctx, `
		UPDATE specs SET
			status = $3, current_stage = $4, updated_at = $5, history = $6
		WHERE plan_id = $1 AND spec_index = $2`,
		spec.PlanID, spec.SpecIndex, string(spec.Status), spec.CurrentStage, spec.UpdatedAt, historyJSON)
	if err != nil {
		return fmt.Errorf("%w: write spec: %v", ErrUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, letting scanPlan and
// scanSpec serve both the non-transactional LoadPlan/LoadSpecs path and the
// in-transaction ReadPlan/ReadSpec path.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func scanPlan(ctx context.Context, q querier, planID string) (*model.Plan, error) {
	row := q.QueryRow(ctx, `
		SELECT plan_id, overall_status, total_specs, completed_specs, current_spec_index,
		       created_at, updated_at, last_event_at, request_digest, raw_request
		FROM plans WHERE plan_id = $1`, planID)

	var p model.Plan
	var overallStatus string
	var rawRequest []byte
	err := row.Scan(&p.PlanID, &overallStatus, &p.TotalSpecs, &p.CompletedSpecs, &p.CurrentSpecIndex,
		&p.CreatedAt, &p.UpdatedAt, &p.LastEventAt, &p.RequestDigest, &rawRequest)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: scan plan: %v", ErrUnavailable, err)
	}
	p.OverallStatus = model.OverallStatus(overallStatus)
	p.RawRequest = rawRequest
	return &p, nil
}

func scanSpec(ctx context.Context, q querier, planID string, specIndex int) (*model.Spec, error) {
	row := q.QueryRow(ctx, `
		SELECT plan_id, spec_index, content, status, current_stage, created_at, updated_at, history
		FROM specs WHERE plan_id = $1 AND spec_index = $2`, planID, specIndex)
	return scanSpecRow(row)
}

func scanSpecs(ctx context.Context, q querier, planID string) ([]model.Spec, error) {
	rows, err := q.Query(ctx, `
		SELECT plan_id, spec_index, content, status, current_stage, created_at, updated_at, history
		FROM specs WHERE plan_id = $1 ORDER BY spec_index ASC`, planID)
	if err != nil {
		return nil, fmt.Errorf("%w: query specs: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var specs []model.Spec
	for rows.Next() {
		spec, err := scanSpecRow(rows)
		if err != nil {
			return nil, err
		}
		specs = append(specs, *spec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate specs: %v", ErrUnavailable, err)
	}
	return specs, nil
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSpecRow(row rowScanner) (*model.Spec, error) {
	var s model.Spec
	var status string
	var content, history []byte
	err := row.Scan(&s.PlanID, &s.SpecIndex, &content, &status, &s.CurrentStage, &s.CreatedAt, &s.UpdatedAt, &history)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: scan spec: %v", ErrUnavailable, err)
	}
	s.Status = model.SpecStatus(status)
	if err := json.Unmarshal(content, &s.Content); err != nil {
		return nil, fmt.Errorf("unmarshal spec content: %w", err)
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &s.History); err != nil {
			return nil, fmt.Errorf("unmarshal spec history: %w", err)
		}
	}
	return &s, nil
}

func insertPlan(ctx context.Context, tx pgx.Tx, plan *model.Plan) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO plans (plan_id, overall_status, total_specs, completed_specs, current_spec_index,
		                    created_at, updated_at, last_event_at, request_digest, raw_request)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		plan.PlanID, string(plan.OverallStatus), plan.TotalSpecs, plan.CompletedSpecs, plan.CurrentSpecIndex,
		plan.CreatedAt, plan.UpdatedAt, plan.LastEventAt, plan.RequestDigest, []byte(plan.RawRequest))
	if err != nil {
		// Two concurrent creations for the same plan_id can both pass the
		// existence check; the loser's INSERT hits the plans primary key and
		// must still surface as ErrAlreadyExists, not a transient failure.
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("%w: insert plan: %v", ErrUnavailable, err)
	}
	return nil
}

func insertSpec(ctx context.Context, tx pgx.Tx, spec *model.Spec) error {
	content, err := json.Marshal(spec.Content)
	if err != nil {
		return fmt.Errorf("marshal spec content: %w", err)
	}
	history, err := json.Marshal(spec.History)
	if err != nil {
		return fmt.Errorf("marshal spec history: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO specs (plan_id, spec_index, content, status, current_stage, created_at, updated_at, history)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		spec.PlanID, spec.SpecIndex, content, string(spec.Status), spec.CurrentStage,
		spec.CreatedAt, spec.UpdatedAt, history)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("%w: insert spec: %v", ErrUnavailable, err)
	}
	return nil
}
