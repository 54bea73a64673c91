package store

import (
	"context"
	"errors"
	"time"

	"github.com/seantiz/agentrun/internal/model"
)

// ErrNotFound is returned when an execution is not found.
var ErrNotFound = model.ErrNotFound

// ErrConflict is returned when an optimistic-concurrency check keeps failing
// after all retries.
var ErrConflict = errors.New("concurrent modification")

// DefaultJobPrefix is prepended to derived job names when no prefix is configured.
const DefaultJobPrefix = "agent"

// Pagination defaults. Requests above MaxPageSize are clamped, not rejected.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// maxCASAttempts bounds the read-validate-write retries of ApplyTransition.
const maxCASAttempts = 5

// GetOptions selects the related rows loaded with an execution.
type GetOptions struct {
	IncludeTransitions bool
	IncludeArtifacts   bool
}

// ListFilter narrows ListExecutions. Zero values match everything.
type ListFilter struct {
	Statuses      []model.Status
	Model         string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Search        string
	HasArtifacts  *bool
}

// Pagination is a 1-based page request.
type Pagination struct {
	Page     int
	PageSize int
}

// Normalize applies defaults and clamps the page size to MaxPageSize.
func (p Pagination) Normalize() Pagination {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize <= 0 {
		p.PageSize = DefaultPageSize
	}
	if p.PageSize > MaxPageSize {
		p.PageSize = MaxPageSize
	}
	return p
}

// Offset returns the row offset of the first item on the page.
func (p Pagination) Offset() int {
	return (p.Page - 1) * p.PageSize
}

// TotalPages returns the number of pages needed for total items.
func TotalPages(total, pageSize int) int {
	if pageSize <= 0 || total <= 0 {
		return 0
	}
	return (total + pageSize - 1) / pageSize
}

// ExecutionStats holds aggregate execution statistics.
type ExecutionStats struct {
	Total              int            `json:"total"`
	CountByStatus      map[string]int `json:"count_by_status"`
	CountByModel       map[string]int `json:"count_by_model"`
	AvgDurationMS      float64        `json:"avg_duration_ms"`
	TotalEstimatedCost float64        `json:"total_estimated_cost"`
}

// ActiveCursor is a keyset position in the (created_at, id) order of
// ListActive. The zero value starts at the oldest execution.
type ActiveCursor struct {
	CreatedAt time.Time
	ID        string
}

// CursorAfter returns the cursor positioned just past e.
func CursorAfter(e *model.Execution) ActiveCursor {
	return ActiveCursor{CreatedAt: e.CreatedAt.UTC(), ID: e.ID}
}

func (c ActiveCursor) isZero() bool {
	return c.ID == ""
}

// Store defines the persistence operations for executions and their audit
// trail. Implementations must make ApplyTransition a single atomic
// read-validate-write unit.
type Store interface {
	// CreateExecution assigns an id when e.ID is empty, sets status PENDING,
	// derives the job name, and writes the execution together with its first
	// transition (nil -> PENDING).
	CreateExecution(ctx context.Context, e *model.Execution) error
	GetExecution(ctx context.Context, id string, opts GetOptions) (*model.Execution, error)
	ListExecutions(ctx context.Context, f ListFilter, p Pagination) ([]model.ExecutionSummary, int, error)
	// ApplyTransition validates and applies a status change, merging upd and
	// appending exactly one transition row. It returns the updated execution
	// and the committed transition.
	ApplyTransition(ctx context.Context, id string, to model.Status, upd model.TransitionUpdate, reason string) (*model.Execution, model.StatusTransition, error)
	ListTransitions(ctx context.Context, id string) ([]model.StatusTransition, error)
	// ListActive returns up to limit PENDING and RUNNING executions, oldest
	// first, starting after the cursor.
	ListActive(ctx context.Context, after ActiveCursor, limit int) ([]*model.Execution, error)
	// SetPodName records the runtime unit name once; later calls are no-ops.
	SetPodName(ctx context.Context, id, podName string) error
	AddArtifact(ctx context.Context, a *model.Artifact) error
	ListArtifacts(ctx context.Context, executionID string) ([]model.Artifact, error)
	GetExecutionStats(ctx context.Context) (*ExecutionStats, error)
	Close() error
}

// Option configures a store.
type Option func(*options)

type options struct {
	jobPrefix string
	now       func() time.Time
	// afterRead runs between the read and the conditional write of
	// ApplyTransition.
	afterRead func(id string)
}

// WithJobPrefix sets the prefix used to derive job names.
func WithJobPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.jobPrefix = prefix
		}
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		jobPrefix: DefaultJobPrefix,
		now:       time.Now,
		afterRead: func(string) {},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
