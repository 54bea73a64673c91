package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/seantiz/agentrun/internal/model"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS executions (
    id              TEXT PRIMARY KEY,
    prompt          TEXT NOT NULL,
    model           TEXT NOT NULL,
    max_tokens      INTEGER NOT NULL,
    metadata        JSONB,
    timeout_seconds INTEGER,
    callback_url    TEXT NOT NULL DEFAULT '',
    cpu             INTEGER,
    memory_mb       INTEGER,
    status          TEXT NOT NULL,
    job_name        TEXT NOT NULL,
    pod_name        TEXT NOT NULL DEFAULT '',
    version         INTEGER NOT NULL,
    output          TEXT NOT NULL DEFAULT '',
    input_tokens    INTEGER,
    output_tokens   INTEGER,
    total_tokens    INTEGER,
    estimated_cost  DOUBLE PRECISION,
    error_code      TEXT NOT NULL DEFAULT '',
    error_message   TEXT NOT NULL DEFAULT '',
    error_details   JSONB,
    retain_until    TIMESTAMPTZ,
    is_permanent    BOOLEAN NOT NULL DEFAULT FALSE,
    created_at      TIMESTAMPTZ NOT NULL,
    updated_at      TIMESTAMPTZ NOT NULL,
    started_at      TIMESTAMPTZ,
    completed_at    TIMESTAMPTZ,
    duration_ms     BIGINT
);
CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status, created_at);
CREATE INDEX IF NOT EXISTS idx_executions_created ON executions(created_at DESC);

CREATE TABLE IF NOT EXISTS status_transitions (
    id           TEXT PRIMARY KEY,
    execution_id TEXT NOT NULL REFERENCES executions(id),
    seq          INTEGER NOT NULL,
    from_status  TEXT,
    to_status    TEXT NOT NULL,
    reason       TEXT NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ NOT NULL,
    UNIQUE (execution_id, seq)
);

CREATE TABLE IF NOT EXISTS artifacts (
    id           TEXT PRIMARY KEY,
    execution_id TEXT NOT NULL REFERENCES executions(id),
    name         TEXT NOT NULL,
    content_type TEXT NOT NULL,
    size_bytes   BIGINT NOT NULL,
    storage_key  TEXT NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_artifacts_execution ON artifacts(execution_id);
`

var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store on PostgreSQL through a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
	opts options
}

// NewPostgresStore connects to databaseURL and verifies the connection.
// Call Migrate before first use.
func NewPostgresStore(ctx context.Context, databaseURL string, opts ...Option) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &PostgresStore{pool: pool, opts: buildOptions(opts)}, nil
}

// Migrate creates the tables and indexes if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Close releases the pool. It always returns nil.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) now() time.Time {
	return s.opts.now().UTC()
}

func (s *PostgresStore) CreateExecution(ctx context.Context, e *model.Execution) error {
	t := prepareCreate(e, s.opts.jobPrefix, s.now())

	metadata, err := encodeJSON(e.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	cpu, mem := resourceValues(e.Resources)

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO executions (
				id, prompt, model, max_tokens, metadata, timeout_seconds,
				callback_url, cpu, memory_mb, status, job_name, pod_name, version,
				retain_until, is_permanent, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
			e.ID, e.Prompt, e.Model, e.MaxTokens, metadata, e.TimeoutSeconds,
			e.CallbackURL, cpu, mem, string(e.Status), e.JobName, e.PodName, e.Version,
			e.RetainUntil, e.IsPermanent, e.CreatedAt, e.UpdatedAt,
		); err != nil {
			return fmt.Errorf("insert execution: %w", err)
		}
		return insertTransitionPgx(ctx, tx, t)
	})
}

func insertTransitionPgx(ctx context.Context, tx pgx.Tx, t model.StatusTransition) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO status_transitions (id, execution_id, seq, from_status, to_status, reason, created_at)
		VALUES ($1, $2, (SELECT COALESCE(MAX(seq), 0) + 1 FROM status_transitions WHERE execution_id = $2), $3, $4, $5, $6)`,
		t.ID, t.ExecutionID, fromStatusValue(t), string(t.ToStatus), t.Reason, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetExecution(ctx context.Context, id string, opts GetOptions) (*model.Execution, error) {
	e, err := scanExecution(s.pool.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = $1`, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}

	if opts.IncludeTransitions {
		if e.Transitions, err = s.ListTransitions(ctx, id); err != nil {
			return nil, err
		}
	}
	if opts.IncludeArtifacts {
		if e.Artifacts, err = s.ListArtifacts(ctx, id); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (s *PostgresStore) ListExecutions(ctx context.Context, f ListFilter, p Pagination) ([]model.ExecutionSummary, int, error) {
	p = p.Normalize()
	w := buildListWhere(postgresDialect, f)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly, IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var total int
	if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM executions"+w.clause(), w.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count executions: %w", err)
	}

	limit := w.arg(p.PageSize)
	offset := w.arg(p.Offset())
	rows, err := tx.Query(ctx,
		`SELECT `+summaryColumns+` FROM executions`+w.clause()+
			` ORDER BY created_at DESC, id DESC LIMIT `+limit+` OFFSET `+offset, w.args...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var items []model.ExecutionSummary
	for rows.Next() {
		item, err := scanSummary(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan execution: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate executions: %w", err)
	}
	return items, total, nil
}

// ApplyTransition reads the row, validates the transition and writes it back
// with an UPDATE conditioned on the version read. A concurrent writer that
// commits first leaves zero rows affected; the loser re-reads and
// re-validates, up to maxCASAttempts times.
func (s *PostgresStore) ApplyTransition(ctx context.Context, id string, to model.Status, upd model.TransitionUpdate, reason string) (*model.Execution, model.StatusTransition, error) {
	for range maxCASAttempts {
		e, t, err := s.applyTransitionOnce(ctx, id, to, upd, reason)
		if errors.Is(err, errVersionConflict) {
			continue
		}
		return e, t, err
	}
	return nil, model.StatusTransition{}, fmt.Errorf("apply transition %s: %w", id, ErrConflict)
}

func (s *PostgresStore) applyTransitionOnce(ctx context.Context, id string, to model.Status, upd model.TransitionUpdate, reason string) (*model.Execution, model.StatusTransition, error) {
	e, err := scanExecution(s.pool.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = $1`, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.StatusTransition{}, ErrNotFound
	}
	if err != nil {
		return nil, model.StatusTransition{}, fmt.Errorf("read execution: %w", err)
	}

	readVersion := e.Version
	t, err := prepareTransition(e, to, upd, reason, s.now())
	if err != nil {
		return nil, model.StatusTransition{}, err
	}

	errDetails, err := encodeJSON(e.ErrorDetails)
	if err != nil {
		return nil, model.StatusTransition{}, fmt.Errorf("encode error details: %w", err)
	}

	s.opts.afterRead(id)

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE executions SET
				status = $1, pod_name = $2, output = $3, input_tokens = $4, output_tokens = $5,
				total_tokens = $6, estimated_cost = $7, error_code = $8, error_message = $9,
				error_details = $10, started_at = $11, completed_at = $12, duration_ms = $13,
				updated_at = $14, version = $15
			WHERE id = $16 AND version = $17`,
			string(e.Status), e.PodName, e.Output, e.InputTokens, e.OutputTokens,
			e.TotalTokens, e.EstimatedCost, e.ErrorCode, e.ErrorMessage,
			errDetails, e.StartedAt, e.CompletedAt, e.DurationMS,
			e.UpdatedAt, e.Version,
			id, readVersion,
		)
		if err != nil {
			return fmt.Errorf("update execution: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return errVersionConflict
		}

		return insertTransitionPgx(ctx, tx, t)
	})
	if err != nil {
		return nil, model.StatusTransition{}, err
	}
	return e, t, nil
}

func (s *PostgresStore) ListTransitions(ctx context.Context, id string) ([]model.StatusTransition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+transitionColumns+` FROM status_transitions WHERE execution_id = $1 ORDER BY seq ASC`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var out []model.StatusTransition
	for rows.Next() {
		t, err := scanTransition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListActive(ctx context.Context, after ActiveCursor, limit int) ([]*model.Execution, error) {
	if limit <= 0 {
		limit = MaxPageSize
	}
	query := `SELECT ` + executionColumns + ` FROM executions WHERE status IN ($1, $2)`
	args := []any{string(model.StatusPending), string(model.StatusRunning)}
	if !after.isZero() {
		query += ` AND (created_at, id) > ($3, $4)`
		args = append(args, after.CreatedAt.UTC(), after.ID)
	}
	query += fmt.Sprintf(` ORDER BY created_at ASC, id ASC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list active executions: %w", err)
	}
	defer rows.Close()

	var out []*model.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetPodName(ctx context.Context, id, podName string) error {
	if podName == "" {
		return nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE executions SET pod_name = $1, updated_at = $2, version = version + 1
		WHERE id = $3 AND pod_name = ''`,
		podName, s.now(), id,
	)
	if err != nil {
		return fmt.Errorf("set pod name: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM executions WHERE id = $1)", id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check execution: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AddArtifact(ctx context.Context, a *model.Artifact) error {
	if a.ID == "" {
		a.ID = model.NewID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO artifacts (`+artifactColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.ExecutionID, a.Name, a.ContentType, a.SizeBytes, a.StorageKey, a.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListArtifacts(ctx context.Context, executionID string) ([]model.Artifact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE execution_id = $1 ORDER BY created_at ASC, id ASC`,
		executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var out []model.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetExecutionStats(ctx context.Context) (*ExecutionStats, error) {
	stats := &ExecutionStats{
		CountByStatus: make(map[string]int),
		CountByModel:  make(map[string]int),
	}

	var avg, cost *float64
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), AVG(duration_ms)::DOUBLE PRECISION, SUM(estimated_cost) FROM executions`,
	).Scan(&stats.Total, &avg, &cost); err != nil {
		return nil, fmt.Errorf("aggregate executions: %w", err)
	}
	if avg != nil {
		stats.AvgDurationMS = *avg
	}
	if cost != nil {
		stats.TotalEstimatedCost = *cost
	}

	for column, into := range map[string]map[string]int{
		"status": stats.CountByStatus,
		"model":  stats.CountByModel,
	} {
		rows, err := s.pool.Query(ctx, "SELECT "+column+", COUNT(*) FROM executions GROUP BY "+column)
		if err != nil {
			return nil, fmt.Errorf("count by %s: %w", column, err)
		}
		for rows.Next() {
			var key string
			var n int
			if err := rows.Scan(&key, &n); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan %s count: %w", column, err)
			}
			into[key] = n
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("count by %s: %w", column, err)
		}
	}
	return stats, nil
}
