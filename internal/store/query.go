package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/seantiz/agentrun/internal/model"
)

// executionColumns is the column list shared by every full-row select.
const executionColumns = `id, prompt, model, max_tokens, metadata, timeout_seconds,
	callback_url, cpu, memory_mb, status, job_name, pod_name, version,
	output, input_tokens, output_tokens, total_tokens, estimated_cost,
	error_code, error_message, error_details, retain_until, is_permanent,
	created_at, updated_at, started_at, completed_at, duration_ms`

// summaryColumns selects the list projection. The prompt is cut in SQL so
// large prompts never leave the database on list paths.
const summaryColumns = `id, status, model, substr(prompt, 1, 201), job_name,
	total_tokens, estimated_cost, error_code, created_at, started_at, completed_at,
	EXISTS (SELECT 1 FROM artifacts a WHERE a.execution_id = executions.id)`

const transitionColumns = `id, execution_id, from_status, to_status, reason, created_at`

const artifactColumns = `id, execution_id, name, content_type, size_bytes, storage_key, created_at`

// dialect captures the SQL differences between the supported databases.
type dialect struct {
	placeholder func(n int) string
	like        string
}

var sqliteDialect = dialect{
	placeholder: func(int) string { return "?" },
	like:        "LIKE",
}

var postgresDialect = dialect{
	placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	like:        "ILIKE",
}

// whereBuilder accumulates conditions and their arguments.
type whereBuilder struct {
	d     dialect
	conds []string
	args  []any
}

func (w *whereBuilder) arg(v any) string {
	w.args = append(w.args, v)
	return w.d.placeholder(len(w.args))
}

func (w *whereBuilder) add(cond string) {
	w.conds = append(w.conds, cond)
}

func (w *whereBuilder) clause() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

// buildListWhere translates a ListFilter into a WHERE clause.
func buildListWhere(d dialect, f ListFilter) *whereBuilder {
	w := &whereBuilder{d: d}

	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			ph[i] = w.arg(string(s))
		}
		w.add("status IN (" + strings.Join(ph, ", ") + ")")
	}
	if f.Model != "" {
		w.add("model = " + w.arg(f.Model))
	}
	if f.CreatedAfter != nil {
		w.add("created_at >= " + w.arg(f.CreatedAfter.UTC()))
	}
	if f.CreatedBefore != nil {
		w.add("created_at <= " + w.arg(f.CreatedBefore.UTC()))
	}
	if f.Search != "" {
		w.add("prompt " + d.like + " " + w.arg("%"+escapeLike(f.Search)+"%") + ` ESCAPE '\'`)
	}
	if f.HasArtifacts != nil {
		exists := "EXISTS (SELECT 1 FROM artifacts a WHERE a.execution_id = executions.id)"
		if *f.HasArtifacts {
			w.add(exists)
		} else {
			w.add("NOT " + exists)
		}
	}
	return w
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// rowScanner is satisfied by *sql.Row, *sql.Rows, pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*model.Execution, error) {
	e := &model.Execution{}
	var (
		metadata, errDetails []byte
		cpu, memoryMB        *int
		status               string
	)
	if err := row.Scan(
		&e.ID, &e.Prompt, &e.Model, &e.MaxTokens, &metadata, &e.TimeoutSeconds,
		&e.CallbackURL, &cpu, &memoryMB, &status, &e.JobName, &e.PodName, &e.Version,
		&e.Output, &e.InputTokens, &e.OutputTokens, &e.TotalTokens, &e.EstimatedCost,
		&e.ErrorCode, &e.ErrorMessage, &errDetails, &e.RetainUntil, &e.IsPermanent,
		&e.CreatedAt, &e.UpdatedAt, &e.StartedAt, &e.CompletedAt, &e.DurationMS,
	); err != nil {
		return nil, err
	}
	e.Status = model.Status(status)
	if cpu != nil || memoryMB != nil {
		e.Resources = &model.Resources{}
		if cpu != nil {
			e.Resources.CPU = *cpu
		}
		if memoryMB != nil {
			e.Resources.MemoryMB = *memoryMB
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	if len(errDetails) > 0 {
		if err := json.Unmarshal(errDetails, &e.ErrorDetails); err != nil {
			return nil, fmt.Errorf("decode error details: %w", err)
		}
	}
	normalizeTimes(e)
	return e, nil
}

func scanSummary(row rowScanner) (model.ExecutionSummary, error) {
	var (
		s      model.ExecutionSummary
		status string
		prompt string
	)
	if err := row.Scan(
		&s.ID, &status, &s.Model, &prompt, &s.JobName,
		&s.TotalTokens, &s.EstimatedCost, &s.ErrorCode, &s.CreatedAt, &s.StartedAt, &s.CompletedAt,
		&s.HasArtifacts,
	); err != nil {
		return s, err
	}
	s.Status = model.Status(status)
	s.PromptPreview = model.PromptPreview(prompt)
	s.CreatedAt = s.CreatedAt.UTC()
	s.StartedAt = utcPtr(s.StartedAt)
	s.CompletedAt = utcPtr(s.CompletedAt)
	return s, nil
}

func scanTransition(row rowScanner) (model.StatusTransition, error) {
	var (
		t        model.StatusTransition
		from     *string
		toStatus string
	)
	if err := row.Scan(&t.ID, &t.ExecutionID, &from, &toStatus, &t.Reason, &t.CreatedAt); err != nil {
		return t, err
	}
	if from != nil {
		st := model.Status(*from)
		t.FromStatus = &st
	}
	t.ToStatus = model.Status(toStatus)
	t.CreatedAt = t.CreatedAt.UTC()
	return t, nil
}

func scanArtifact(row rowScanner) (model.Artifact, error) {
	var a model.Artifact
	if err := row.Scan(&a.ID, &a.ExecutionID, &a.Name, &a.ContentType, &a.SizeBytes, &a.StorageKey, &a.CreatedAt); err != nil {
		return a, err
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return a, nil
}

func normalizeTimes(e *model.Execution) {
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	e.StartedAt = utcPtr(e.StartedAt)
	e.CompletedAt = utcPtr(e.CompletedAt)
	e.RetainUntil = utcPtr(e.RetainUntil)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// encodeJSON marshals maps for JSON/TEXT columns, storing NULL for empty maps.
func encodeJSON[M ~map[K]V, K comparable, V any](m M) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

// textJSON converts encoded JSON into a value for a TEXT column, keeping NULL
// for empty input.
func textJSON(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

func fromStatusValue(t model.StatusTransition) any {
	if t.FromStatus == nil {
		return nil
	}
	return string(*t.FromStatus)
}

func resourceValues(r *model.Resources) (cpu, memoryMB any) {
	if r == nil {
		return nil, nil
	}
	if r.CPU > 0 {
		cpu = r.CPU
	}
	if r.MemoryMB > 0 {
		memoryMB = r.MemoryMB
	}
	return cpu, memoryMB
}
