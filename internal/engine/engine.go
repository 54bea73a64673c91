package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/seantiz/agentrun/internal/backend"
	"github.com/seantiz/agentrun/internal/model"
	"github.com/seantiz/agentrun/internal/store"
)

const instrumentationName = "github.com/seantiz/agentrun/internal/engine"

// MaxPromptLength is the maximum prompt length in characters.
const MaxPromptLength = 100_000

// DefaultCancelReason is recorded when Cancel is called without a reason.
const DefaultCancelReason = "Cancelled by user"

// Defaults used when Config fields are zero.
const (
	DefaultModel          = "claude-sonnet-4"
	DefaultMaxTokens      = 4096
	DefaultMaxTokensCap   = 200_000
	DefaultTimeoutSeconds = 600
	DefaultMaxTimeout     = 3600
)

// Config holds the request defaults and limits applied by Create.
type Config struct {
	DefaultModel          string
	DefaultMaxTokens      int
	MaxTokensCap          int
	DefaultTimeoutSeconds int
	MaxTimeoutSeconds     int
}

func (c Config) withDefaults() Config {
	if c.DefaultModel == "" {
		c.DefaultModel = DefaultModel
	}
	if c.DefaultMaxTokens <= 0 {
		c.DefaultMaxTokens = DefaultMaxTokens
	}
	if c.MaxTokensCap <= 0 {
		c.MaxTokensCap = DefaultMaxTokensCap
	}
	if c.DefaultTimeoutSeconds <= 0 {
		c.DefaultTimeoutSeconds = DefaultTimeoutSeconds
	}
	if c.MaxTimeoutSeconds <= 0 {
		c.MaxTimeoutSeconds = DefaultMaxTimeout
	}
	return c
}

// Engine owns every write to executions and their transitions.
type Engine struct {
	store   store.Store
	backend backend.JobBackend
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	broker  *EventBroker
}

// Option configures an Engine.
type Option func(*Engine)

// WithTracerProvider sets the tracer provider. The default is a noop provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) {
		if tp != nil {
			e.tracer = tp.Tracer(instrumentationName)
		}
	}
}

// New creates an engine over the given store and job backend.
func New(s store.Store, b backend.JobBackend, cfg Config, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:   s,
		backend: b,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		tracer:  noop.NewTracerProvider().Tracer(instrumentationName),
		broker:  NewEventBroker(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Broker returns the engine's event broker for SSE subscription.
func (e *Engine) Broker() *EventBroker {
	return e.broker
}

// Config returns the effective defaults and limits.
func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) startSpan(ctx context.Context, name, id string) (context.Context, trace.Span) {
	ctx, span := e.tracer.Start(ctx, name)
	if id != "" {
		span.SetAttributes(attribute.String("execution.id", id))
	}
	return ctx, span
}

// endSpan records err on span and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func (e *Engine) publish(x *model.Execution, reason string) {
	e.broker.Publish(Event{
		ExecutionID: x.ID,
		Status:      x.Status,
		Reason:      reason,
		At:          x.UpdatedAt,
	})
}

// CreateInput is the validated request to create an execution.
type CreateInput struct {
	Prompt         string            `json:"prompt"`
	Model          string            `json:"model,omitempty"`
	MaxTokens      int               `json:"maxTokens,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	TimeoutSeconds *int              `json:"timeoutSeconds,omitempty"`
	CallbackURL    string            `json:"callbackUrl,omitempty"`
	Resources      *model.Resources  `json:"resources,omitempty"`
}

// validate applies defaults to in and checks every field against the limits.
func (c Config) validate(in *CreateInput) error {
	if in.Prompt == "" {
		return &model.ValidationError{Field: "prompt", Message: "must not be empty"}
	}
	if n := utf8.RuneCountInString(in.Prompt); n > MaxPromptLength {
		return &model.ValidationError{
			Field:   "prompt",
			Message: fmt.Sprintf("must be at most %d characters, got %d", MaxPromptLength, n),
		}
	}

	in.Model = strings.TrimSpace(in.Model)
	if in.Model == "" {
		in.Model = c.DefaultModel
	}

	switch {
	case in.MaxTokens == 0:
		in.MaxTokens = c.DefaultMaxTokens
	case in.MaxTokens < 0 || in.MaxTokens > c.MaxTokensCap:
		return &model.ValidationError{
			Field:   "maxTokens",
			Message: fmt.Sprintf("must be between 1 and %d", c.MaxTokensCap),
		}
	}

	if in.TimeoutSeconds == nil {
		t := c.DefaultTimeoutSeconds
		in.TimeoutSeconds = &t
	} else if *in.TimeoutSeconds < 1 || *in.TimeoutSeconds > c.MaxTimeoutSeconds {
		return &model.ValidationError{
			Field:   "timeoutSeconds",
			Message: fmt.Sprintf("must be between 1 and %d", c.MaxTimeoutSeconds),
		}
	}

	if in.CallbackURL != "" {
		u, err := url.ParseRequestURI(in.CallbackURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return &model.ValidationError{Field: "callbackUrl", Message: "must be an absolute http(s) URL"}
		}
	}

	if r := in.Resources; r != nil && (r.CPU < 0 || r.MemoryMB < 0) {
		return &model.ValidationError{Field: "resources", Message: "must not be negative"}
	}
	return nil
}

// Create validates the input, applies defaults and stores a new PENDING
// execution. It does not submit a job; see Dispatch.
func (e *Engine) Create(ctx context.Context, in CreateInput) (x *model.Execution, err error) {
	ctx, span := e.startSpan(ctx, "engine.Create", "")
	defer func() { endSpan(span, err) }()

	if err := e.cfg.validate(&in); err != nil {
		return nil, err
	}

	x = &model.Execution{
		Prompt:         in.Prompt,
		Model:          in.Model,
		MaxTokens:      in.MaxTokens,
		Metadata:       in.Metadata,
		TimeoutSeconds: in.TimeoutSeconds,
		CallbackURL:    in.CallbackURL,
		Resources:      in.Resources,
	}
	if err := e.store.CreateExecution(ctx, x); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}

	span.SetAttributes(
		attribute.String("execution.id", x.ID),
		attribute.String("execution.status", string(x.Status)),
	)
	executionsCreated.Inc()
	e.logger.Info("execution created",
		"execution_id", x.ID,
		"model", x.Model,
		"job_name", x.JobName,
	)
	e.publish(x, "Execution created")
	return x, nil
}

// Get returns one execution.
func (e *Engine) Get(ctx context.Context, id string, opts store.GetOptions) (*model.Execution, error) {
	return e.store.GetExecution(ctx, id, opts)
}

// ListResult is one page of execution summaries.
type ListResult struct {
	Items      []model.ExecutionSummary `json:"items"`
	Total      int                      `json:"total"`
	Page       int                      `json:"page"`
	PageSize   int                      `json:"pageSize"`
	TotalPages int                      `json:"totalPages"`
}

// List returns a filtered page of executions, newest first. Page sizes above
// store.MaxPageSize are clamped.
func (e *Engine) List(ctx context.Context, f store.ListFilter, p store.Pagination) (*ListResult, error) {
	p = p.Normalize()
	items, total, err := e.store.ListExecutions(ctx, f, p)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	if items == nil {
		items = []model.ExecutionSummary{}
	}
	return &ListResult{
		Items:      items,
		Total:      total,
		Page:       p.Page,
		PageSize:   p.PageSize,
		TotalPages: store.TotalPages(total, p.PageSize),
	}, nil
}

// Stats returns aggregate statistics across all executions.
func (e *Engine) Stats(ctx context.Context) (*store.ExecutionStats, error) {
	return e.store.GetExecutionStats(ctx)
}

// CancelResult reports a successful cancellation.
type CancelResult struct {
	ID          string       `json:"id"`
	Status      model.Status `json:"status"`
	CancelledAt time.Time    `json:"cancelledAt"`
}

// Cancel stops a PENDING or RUNNING execution. The job is deleted best-effort:
// a backend failure is logged and the CANCELLED status is recorded anyway.
// The reconciler deletes any job left behind.
func (e *Engine) Cancel(ctx context.Context, id, reason string) (res *CancelResult, err error) {
	ctx, span := e.startSpan(ctx, "engine.Cancel", id)
	defer func() { endSpan(span, err) }()

	cur, err := e.store.GetExecution(ctx, id, store.GetOptions{})
	if err != nil {
		return nil, err
	}
	if cur.Status != model.StatusPending && cur.Status != model.StatusRunning {
		return nil, &model.StateError{
			ExecutionID: id,
			Current:     cur.Status,
			Allowed:     model.CancellableStatuses,
		}
	}

	if _, err := e.backend.DeleteJob(ctx, id); err != nil {
		cancelDeleteFailures.Inc()
		e.logger.Warn("job delete failed during cancel, recording cancel anyway",
			"execution_id", id,
			"job_id", cur.JobName,
			"error", err,
		)
	}

	if reason == "" {
		reason = DefaultCancelReason
	}
	x, tr, err := e.store.ApplyTransition(ctx, id, model.StatusCancelled, model.TransitionUpdate{}, reason)
	if err != nil {
		var te *model.TransitionError
		if errors.As(err, &te) {
			return nil, &model.StateError{
				ExecutionID: id,
				Current:     te.Current,
				Allowed:     model.CancellableStatuses,
			}
		}
		return nil, fmt.Errorf("cancel execution: %w", err)
	}

	e.recordTransition(tr, x)
	return &CancelResult{
		ID:          x.ID,
		Status:      x.Status,
		CancelledAt: *x.CompletedAt,
	}, nil
}

// UpdateStatus applies a status reported by reconciliation. Result fields are
// accepted only together with a terminal status. A transition rejected
// because a concurrent update won is logged and returned, never retried.
func (e *Engine) UpdateStatus(ctx context.Context, id string, to model.Status, upd model.TransitionUpdate, reason string) (x *model.Execution, err error) {
	ctx, span := e.startSpan(ctx, "engine.UpdateStatus", id)
	span.SetAttributes(attribute.String("execution.status", string(to)))
	defer func() { endSpan(span, err) }()

	if !to.Valid() {
		return nil, &model.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", to)}
	}
	if upd.HasResult() && !to.IsTerminal() {
		return nil, &model.ValidationError{Field: "status", Message: "result fields require a terminal status"}
	}
	if reason == "" {
		reason = "Status reported as " + string(to)
	}

	x, tr, err := e.store.ApplyTransition(ctx, id, to, upd, reason)
	if err != nil {
		var te *model.TransitionError
		if errors.As(err, &te) {
			racesDiscarded.Inc()
			e.logger.Warn("status update discarded",
				"execution_id", id,
				"from", te.Current,
				"to", te.Attempted,
			)
		}
		return nil, err
	}

	e.recordTransition(tr, x)
	return x, nil
}

func (e *Engine) recordTransition(tr model.StatusTransition, x *model.Execution) {
	var from model.Status
	if tr.FromStatus != nil {
		from = *tr.FromStatus
	}
	transitionsTotal.WithLabelValues(string(from), string(tr.ToStatus)).Inc()
	e.logger.Info("execution transitioned",
		"execution_id", x.ID,
		"from", from,
		"to", tr.ToStatus,
		"reason", tr.Reason,
	)
	e.publish(x, tr.Reason)
}

// Dispatch submits the job for a PENDING execution. It is the retryable job
// submission step: on failure the execution stays PENDING and a later call
// may try again. Submission is idempotent by job identity.
func (e *Engine) Dispatch(ctx context.Context, id string) (h backend.JobHandle, err error) {
	ctx, span := e.startSpan(ctx, "engine.Dispatch", id)
	defer func() { endSpan(span, err) }()

	x, err := e.store.GetExecution(ctx, id, store.GetOptions{})
	if err != nil {
		return backend.JobHandle{}, err
	}
	if x.Status != model.StatusPending {
		return backend.JobHandle{}, &model.StateError{
			ExecutionID: id,
			Current:     x.Status,
			Allowed:     []model.Status{model.StatusPending},
		}
	}

	req := backend.JobRequest{
		ExecutionID: x.ID,
		Prompt:      x.Prompt,
		Model:       x.Model,
		MaxTokens:   x.MaxTokens,
		Metadata:    x.Metadata,
		Resources:   x.Resources,
	}
	if x.TimeoutSeconds != nil {
		req.TimeoutSeconds = *x.TimeoutSeconds
	}

	h, err = e.backend.CreateJob(ctx, req)
	switch {
	case errors.Is(err, backend.ErrUnconfigured):
		dispatchesTotal.WithLabelValues(dispatchUnconfigured).Inc()
		return backend.JobHandle{}, err
	case err != nil:
		dispatchesTotal.WithLabelValues(dispatchError).Inc()
		e.logger.Error("job submission failed", "execution_id", id, "error", err)
		return backend.JobHandle{}, fmt.Errorf("dispatch %s: %w", id, err)
	}

	dispatchesTotal.WithLabelValues(dispatchOK).Inc()
	e.logger.Info("execution dispatched", "execution_id", id, "job_id", h.JobID)
	return h, nil
}

// GetLogs returns the job output of an execution. When no logs can be read,
// for any reason, it returns a placeholder naming the job instead of an error.
func (e *Engine) GetLogs(ctx context.Context, id string) (logs string, err error) {
	ctx, span := e.startSpan(ctx, "engine.GetLogs", id)
	defer func() { endSpan(span, err) }()

	x, err := e.store.GetExecution(ctx, id, store.GetOptions{})
	if err != nil {
		return "", err
	}

	logs, ok, err := e.backend.GetJobLogs(ctx, id)
	if err != nil {
		e.logger.Debug("job logs unavailable", "execution_id", id, "error", err)
	}
	if err != nil || !ok {
		return fmt.Sprintf("Logs not yet available for job %s", x.JobName), nil
	}
	return logs, nil
}

// RecordPodName stores the runtime unit reported for an execution. Only the
// first reported name is kept.
func (e *Engine) RecordPodName(ctx context.Context, id, podName string) error {
	if err := e.store.SetPodName(ctx, id, podName); err != nil {
		return fmt.Errorf("record pod name: %w", err)
	}
	return nil
}

// RecordArtifact stores an artifact produced by an execution.
func (e *Engine) RecordArtifact(ctx context.Context, a *model.Artifact) error {
	if err := e.store.AddArtifact(ctx, a); err != nil {
		return fmt.Errorf("record artifact: %w", err)
	}
	e.logger.Info("artifact recorded",
		"execution_id", a.ExecutionID,
		"name", a.Name,
		"size_bytes", a.SizeBytes,
	)
	return nil
}
