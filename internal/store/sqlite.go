package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/seantiz/agentrun/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS executions (
    id              TEXT PRIMARY KEY,
    prompt          TEXT NOT NULL,
    model           TEXT NOT NULL,
    max_tokens      INTEGER NOT NULL,
    metadata        TEXT,
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
    estimated_cost  REAL,
    error_code      TEXT NOT NULL DEFAULT '',
    error_message   TEXT NOT NULL DEFAULT '',
    error_details   TEXT,
    retain_until    DATETIME,
    is_permanent    INTEGER NOT NULL DEFAULT 0,
    created_at      DATETIME NOT NULL,
    updated_at      DATETIME NOT NULL,
    started_at      DATETIME,
    completed_at    DATETIME,
    duration_ms     INTEGER
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
    created_at   DATETIME NOT NULL,
    UNIQUE (execution_id, seq)
);

CREATE TABLE IF NOT EXISTS artifacts (
    id           TEXT PRIMARY KEY,
    execution_id TEXT NOT NULL REFERENCES executions(id),
    name         TEXT NOT NULL,
    content_type TEXT NOT NULL,
    size_bytes   INTEGER NOT NULL,
    storage_key  TEXT NOT NULL,
    created_at   DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_artifacts_execution ON artifacts(execution_id);
`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
//
// The pool is limited to a single connection: SQLite allows one writer at a
// time, and ":memory:" databases are per-connection. Write transactions begin
// IMMEDIATE so a second process on the same file waits on busy_timeout
// instead of failing mid-transaction, and the version check in
// ApplyTransition catches a write that lands between read and update.
type SQLiteStore struct {
	db   *sql.DB
	opts options
}

// sqliteDSN appends the connection parameters applied to every connection.
func sqliteDSN(dbPath string) string {
	params := url.Values{}
	params.Set("_txlock", "immediate")
	params.Add("_pragma", "busy_timeout(5000)")
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_pragma", "foreign_keys(1)")

	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	return dbPath + sep + params.Encode()
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", sqliteDSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db, opts: buildOptions(opts)}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) now() time.Time {
	return s.opts.now().UTC()
}

// CreateExecution inserts a new execution and its initial transition.
func (s *SQLiteStore) CreateExecution(ctx context.Context, e *model.Execution) error {
	t := prepareCreate(e, s.opts.jobPrefix, s.now())

	metadata, err := encodeJSON(e.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	cpu, mem := resourceValues(e.Resources)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO executions (
			id, prompt, model, max_tokens, metadata, timeout_seconds,
			callback_url, cpu, memory_mb, status, job_name, pod_name, version,
			retain_until, is_permanent, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Prompt, e.Model, e.MaxTokens, textJSON(metadata), e.TimeoutSeconds,
		e.CallbackURL, cpu, mem, string(e.Status), e.JobName, e.PodName, e.Version,
		e.RetainUntil, e.IsPermanent, e.CreatedAt, e.UpdatedAt,
	); err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}

	if err := insertTransitionTx(ctx, tx, t); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create: %w", err)
	}
	return nil
}

func insertTransitionTx(ctx context.Context, tx *sql.Tx, t model.StatusTransition) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO status_transitions (id, execution_id, seq, from_status, to_status, reason, created_at)
		VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM status_transitions WHERE execution_id = ?), ?, ?, ?, ?)`,
		t.ID, t.ExecutionID, t.ExecutionID, fromStatusValue(t), string(t.ToStatus), t.Reason, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

// GetExecution retrieves an execution by ID.
func (s *SQLiteStore) GetExecution(ctx context.Context, id string, opts GetOptions) (*model.Execution, error) {
	e, err := scanExecution(s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
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

// ListExecutions returns a filtered page of execution summaries ordered by
// created_at DESC, along with the total count of matching executions.
func (s *SQLiteStore) ListExecutions(ctx context.Context, f ListFilter, p Pagination) ([]model.ExecutionSummary, int, error) {
	p = p.Normalize()
	w := buildListWhere(sqliteDialect, f)

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM executions"+w.clause(), w.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count executions: %w", err)
	}

	args := append(w.args, p.PageSize, p.Offset())
	rows, err := tx.QueryContext(ctx,
		`SELECT `+summaryColumns+` FROM executions`+w.clause()+
			` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, args...,
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

// ApplyTransition reads the current row, validates the transition and then
// writes the merged execution plus one transition row in a single
// transaction. The UPDATE is conditioned on the version that was read; a
// lost race re-reads and re-validates, up to maxCASAttempts times.
func (s *SQLiteStore) ApplyTransition(ctx context.Context, id string, to model.Status, upd model.TransitionUpdate, reason string) (*model.Execution, model.StatusTransition, error) {
	for range maxCASAttempts {
		e, t, err := s.applyTransitionOnce(ctx, id, to, upd, reason)
		if errors.Is(err, errVersionConflict) {
			continue
		}
		return e, t, err
	}
	return nil, model.StatusTransition{}, fmt.Errorf("apply transition %s: %w", id, ErrConflict)
}

func (s *SQLiteStore) applyTransitionOnce(ctx context.Context, id string, to model.Status, upd model.TransitionUpdate, reason string) (*model.Execution, model.StatusTransition, error) {
	e, err := scanExecution(s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, model.StatusTransition{}, busyAsConflict(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE executions SET
			status = ?, pod_name = ?, output = ?, input_tokens = ?, output_tokens = ?,
			total_tokens = ?, estimated_cost = ?, error_code = ?, error_message = ?,
			error_details = ?, started_at = ?, completed_at = ?, duration_ms = ?,
			updated_at = ?, version = ?
		WHERE id = ? AND version = ?`,
		string(e.Status), e.PodName, e.Output, e.InputTokens, e.OutputTokens,
		e.TotalTokens, e.EstimatedCost, e.ErrorCode, e.ErrorMessage,
		textJSON(errDetails), e.StartedAt, e.CompletedAt, e.DurationMS,
		e.UpdatedAt, e.Version,
		id, readVersion,
	)
	if err != nil {
		return nil, model.StatusTransition{}, busyAsConflict(fmt.Errorf("update execution: %w", err))
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, model.StatusTransition{}, fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, model.StatusTransition{}, errVersionConflict
	}

	if err := insertTransitionTx(ctx, tx, t); err != nil {
		return nil, model.StatusTransition{}, err
	}

	if err := tx.Commit(); err != nil {
		return nil, model.StatusTransition{}, busyAsConflict(fmt.Errorf("commit transition: %w", err))
	}
	return e, t, nil
}

// busyAsConflict turns a lock timeout against another connection into a
// version conflict so the caller re-reads instead of surfacing SQLITE_BUSY.
func busyAsConflict(err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_BUSY {
		return fmt.Errorf("%w: %w", errVersionConflict, err)
	}
	return err
}

// ListTransitions returns the audit trail of an execution in write order.
func (s *SQLiteStore) ListTransitions(ctx context.Context, id string) ([]model.StatusTransition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+transitionColumns+` FROM status_transitions WHERE execution_id = ? ORDER BY seq ASC`, id,
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
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transitions: %w", err)
	}
	return out, nil
}

// ListActive returns PENDING and RUNNING executions, oldest first.
func (s *SQLiteStore) ListActive(ctx context.Context, after ActiveCursor, limit int) ([]*model.Execution, error) {
	if limit <= 0 {
		limit = MaxPageSize
	}
	query := `SELECT ` + executionColumns + ` FROM executions WHERE status IN (?, ?)`
	args := []any{string(model.StatusPending), string(model.StatusRunning)}
	if !after.isZero() {
		query += ` AND (created_at, id) > (?, ?)`
		args = append(args, after.CreatedAt.UTC(), after.ID)
	}
	query += ` ORDER BY created_at ASC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
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
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active executions: %w", err)
	}
	return out, nil
}

// SetPodName records the runtime unit name if none is set yet.
func (s *SQLiteStore) SetPodName(ctx context.Context, id, podName string) error {
	if podName == "" {
		return nil
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE executions SET pod_name = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND pod_name = ''`,
		podName, s.now(), id,
	)
	if err != nil {
		return fmt.Errorf("set pod name: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, "SELECT 1 FROM executions WHERE id = ?", id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check execution: %w", err)
	}
	return nil
}

// AddArtifact records an artifact produced by an execution.
func (s *SQLiteStore) AddArtifact(ctx context.Context, a *model.Artifact) error {
	if a.ID == "" {
		a.ID = model.NewID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (`+artifactColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ExecutionID, a.Name, a.ContentType, a.SizeBytes, a.StorageKey, a.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

// ListArtifacts returns the artifacts of an execution, oldest first.
func (s *SQLiteStore) ListArtifacts(ctx context.Context, executionID string) ([]model.Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE execution_id = ? ORDER BY created_at ASC, id ASC`,
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
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifacts: %w", err)
	}
	return out, nil
}

// GetExecutionStats returns aggregate statistics across all executions.
func (s *SQLiteStore) GetExecutionStats(ctx context.Context) (*ExecutionStats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &ExecutionStats{
		CountByStatus: make(map[string]int),
		CountByModel:  make(map[string]int),
	}

	var avg, cost sql.NullFloat64
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*), AVG(duration_ms), SUM(estimated_cost) FROM executions`,
	).Scan(&stats.Total, &avg, &cost); err != nil {
		return nil, fmt.Errorf("aggregate executions: %w", err)
	}
	stats.AvgDurationMS = avg.Float64
	stats.TotalEstimatedCost = cost.Float64

	if err := countGrouped(ctx, tx, "status", stats.CountByStatus); err != nil {
		return nil, err
	}
	if err := countGrouped(ctx, tx, "model", stats.CountByModel); err != nil {
		return nil, err
	}
	return stats, nil
}

func countGrouped(ctx context.Context, tx *sql.Tx, column string, into map[string]int) error {
	rows, err := tx.QueryContext(ctx,
		"SELECT "+column+", COUNT(*) FROM executions GROUP BY "+column,
	)
	if err != nil {
		return fmt.Errorf("count by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan %s count: %w", column, err)
		}
		into[key] = n
	}
	return rows.Err()
}
