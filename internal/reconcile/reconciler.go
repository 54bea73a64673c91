// Package reconcile feeds orchestrator job state back into the lifecycle
// engine. A sweep advances PENDING and RUNNING executions from what their
// jobs report, submits jobs that were never created, fails executions whose
// job vanished, and deletes jobs that no longer back an active execution.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/agentrun/internal/artifact"
	"github.com/seantiz/agentrun/internal/backend"
	"github.com/seantiz/agentrun/internal/engine"
	"github.com/seantiz/agentrun/internal/model"
	"github.com/seantiz/agentrun/internal/store"
)

// Error codes recorded on executions failed by the reconciler.
const (
	ErrorCodeJobLost   = "JOB_LOST"
	ErrorCodeJobFailed = "JOB_FAILED"
)

// DefaultBatchSize is the page size used to walk active executions.
const DefaultBatchSize = 500

// Result summarizes one sweep.
type Result struct {
	Checked        int `json:"checked"`
	Dispatched     int `json:"dispatched"`
	Started        int `json:"started"`
	Completed      int `json:"completed"`
	Failed         int `json:"failed"`
	OrphansDeleted int `json:"orphansDeleted"`
	Errors         int `json:"errors"`
}

// Reconciler compares stored executions with orchestrator jobs. Reads go to
// the store and the backend directly; every status write goes through the
// engine.
type Reconciler struct {
	engine    *engine.Engine
	store     store.Store
	backend   backend.JobBackend
	archiver  artifact.Archiver
	locker    Locker
	logger    *slog.Logger
	batchSize int
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithArchiver archives job logs before terminal transitions.
func WithArchiver(a artifact.Archiver) Option {
	return func(r *Reconciler) { r.archiver = a }
}

// WithLocker replaces the in-process locker.
func WithLocker(l Locker) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.locker = l
		}
	}
}

// WithBatchSize sets how many active executions are loaded per page. A sweep
// pages through all of them.
func WithBatchSize(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// New creates a reconciler.
func New(e *engine.Engine, s store.Store, b backend.JobBackend, logger *slog.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		engine:    e,
		store:     s,
		backend:   b,
		locker:    &LocalLocker{},
		logger:    logger,
		batchSize: DefaultBatchSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run sweeps immediately and then every interval until ctx is done. Each
// sweep runs only if the locker grants the lock.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	r.logger.Info("reconciler started", "interval", interval.String())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		r.tick(ctx)
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
		}
	}
}

func (r *Reconciler) tick(ctx context.Context) {
	held, unlock, ok, err := r.locker.TryLock(ctx)
	if err != nil {
		sweepsTotal.WithLabelValues("error").Inc()
		r.logger.Warn("reconcile lock unavailable", "error", err)
		return
	}
	if !ok {
		sweepsTotal.WithLabelValues("skipped").Inc()
		r.logger.Debug("reconcile lock held elsewhere, skipping sweep")
		return
	}
	defer unlock()

	res, err := r.Sweep(held)
	if err != nil {
		r.logger.Error("reconcile sweep failed", "error", err)
		return
	}
	if res != (Result{Checked: res.Checked}) {
		r.logger.Info("reconcile sweep finished",
			"checked", res.Checked,
			"dispatched", res.Dispatched,
			"started", res.Started,
			"completed", res.Completed,
			"failed", res.Failed,
			"orphans_deleted", res.OrphansDeleted,
			"errors", res.Errors,
		)
	}
}

// Sweep runs one reconciliation pass. Per-execution failures are logged and
// counted in Result.Errors; only failures that stop the whole pass, such as
// an unconfigured backend, are returned.
func (r *Reconciler) Sweep(ctx context.Context) (res Result, err error) {
	defer func(start time.Time) {
		sweepDuration.Observe(time.Since(start).Seconds())
		result := "ok"
		if err != nil {
			result = "error"
		}
		sweepsTotal.WithLabelValues(result).Inc()
	}(time.Now())

	var after store.ActiveCursor
	for {
		page, err := r.store.ListActive(ctx, after, r.batchSize)
		if err != nil {
			return res, fmt.Errorf("list active executions: %w", err)
		}

		for _, x := range page {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			res.Checked++
			if err := r.reconcileOne(ctx, x, &res); err != nil {
				if errors.Is(err, backend.ErrUnconfigured) {
					return res, err
				}
				res.Errors++
				r.logger.Error("reconcile execution", "execution_id", x.ID, "error", err)
			}
		}

		if len(page) < r.batchSize {
			break
		}
		after = store.CursorAfter(page[len(page)-1])
	}

	if err := r.sweepOrphans(ctx, &res); err != nil {
		return res, err
	}
	return res, nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, x *model.Execution, res *Result) error {
	st, err := r.backend.GetJobStatus(ctx, x.ID)
	if errors.Is(err, backend.ErrJobNotFound) {
		return r.handleMissingJob(ctx, x, res)
	}
	if err != nil {
		return err
	}

	switch st.Phase {
	case backend.PhaseRunning:
		if x.Status == model.StatusPending {
			return r.start(ctx, x, st.PodName, res)
		}
		return r.recordPod(ctx, x, st.PodName)

	case backend.PhaseSucceeded:
		if x.Status == model.StatusPending {
			if err := r.start(ctx, x, st.PodName, res); err != nil {
				return err
			}
		}
		logs := r.collectLogs(ctx, x)
		upd := model.TransitionUpdate{PodName: podPtr(st.PodName), Output: &logs}
		return r.finish(ctx, x, model.StatusCompleted, upd, "Job succeeded", res)

	case backend.PhaseFailed:
		r.collectLogs(ctx, x)
		code := ErrorCodeJobFailed
		msg := "The job backing this execution failed"
		upd := model.TransitionUpdate{
			PodName:      podPtr(st.PodName),
			ErrorCode:    &code,
			ErrorMessage: &msg,
			ErrorDetails: map[string]any{
				"succeeded": st.Counters.Succeeded,
				"failed":    st.Counters.Failed,
				"active":    st.Counters.Active,
			},
		}
		return r.finish(ctx, x, model.StatusFailed, upd, "Job failed", res)

	default:
		return r.recordPod(ctx, x, st.PodName)
	}
}

// handleMissingJob submits the job of a PENDING execution and fails a RUNNING
// one whose job disappeared.
func (r *Reconciler) handleMissingJob(ctx context.Context, x *model.Execution, res *Result) error {
	if x.Status == model.StatusPending {
		_, err := r.engine.Dispatch(ctx, x.ID)
		if r.raced(err, x.ID) {
			return nil
		}
		if err != nil {
			return err
		}
		res.Dispatched++
		actionsTotal.WithLabelValues(actionDispatch).Inc()
		return nil
	}

	code := ErrorCodeJobLost
	msg := "The job backing this execution no longer exists"
	upd := model.TransitionUpdate{ErrorCode: &code, ErrorMessage: &msg}
	if err := r.finish(ctx, x, model.StatusFailed, upd, "Job lost", res); err != nil {
		return err
	}
	actionsTotal.WithLabelValues(actionLost).Inc()
	return nil
}

func (r *Reconciler) start(ctx context.Context, x *model.Execution, podName string, res *Result) error {
	_, err := r.engine.UpdateStatus(ctx, x.ID, model.StatusRunning,
		model.TransitionUpdate{PodName: podPtr(podName)}, "Job running")
	if r.raced(err, x.ID) {
		return nil
	}
	if err != nil {
		return err
	}
	x.Status = model.StatusRunning
	res.Started++
	actionsTotal.WithLabelValues(actionStart).Inc()
	return nil
}

func (r *Reconciler) finish(ctx context.Context, x *model.Execution, to model.Status, upd model.TransitionUpdate, reason string, res *Result) error {
	if x.Status.IsTerminal() {
		return nil
	}
	_, err := r.engine.UpdateStatus(ctx, x.ID, to, upd, reason)
	if r.raced(err, x.ID) {
		return nil
	}
	if err != nil {
		return err
	}
	if to == model.StatusCompleted {
		res.Completed++
		actionsTotal.WithLabelValues(actionComplete).Inc()
	} else {
		res.Failed++
		actionsTotal.WithLabelValues(actionFail).Inc()
	}
	return nil
}

func (r *Reconciler) recordPod(ctx context.Context, x *model.Execution, podName string) error {
	if podName == "" || x.PodName != "" {
		return nil
	}
	return r.engine.RecordPodName(ctx, x.ID, podName)
}

// raced reports whether err is a lost race with another writer, typically a
// user cancel between our read and our write. Such errors are skipped.
func (r *Reconciler) raced(err error, id string) bool {
	if !errors.Is(err, model.ErrInvalidTransition) && !errors.Is(err, model.ErrInvalidState) {
		return false
	}
	actionsTotal.WithLabelValues(actionSkipped).Inc()
	r.logger.Debug("reconcile skipped, execution changed concurrently", "execution_id", id, "error", err)
	return true
}

// collectLogs reads the job logs and archives them when an archiver is set.
// Failures are logged; logs are never required to finish an execution.
func (r *Reconciler) collectLogs(ctx context.Context, x *model.Execution) string {
	logs, ok, err := r.backend.GetJobLogs(ctx, x.ID)
	if err != nil {
		r.logger.Warn("read job logs", "execution_id", x.ID, "error", err)
		return ""
	}
	if !ok {
		return ""
	}
	r.archive(ctx, x.ID, logs)
	return logs
}

func (r *Reconciler) archive(ctx context.Context, executionID, logs string) {
	if r.archiver == nil {
		return
	}
	a, err := r.archiver.Archive(ctx, executionID, artifact.LogsName, artifact.LogsContentType, []byte(logs))
	if err != nil {
		r.logger.Warn("archive job logs", "execution_id", executionID, "error", err)
		return
	}
	if err := r.engine.RecordArtifact(ctx, a); err != nil {
		r.logger.Warn("record log artifact", "execution_id", executionID, "error", err)
		return
	}
	actionsTotal.WithLabelValues(actionArchive).Inc()
}

// sweepOrphans deletes every system job whose execution is missing or
// terminal. This removes jobs left running when a delete failed during
// cancel, and purges finished jobs.
func (r *Reconciler) sweepOrphans(ctx context.Context, res *Result) error {
	jobs, err := r.backend.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}

	for _, h := range jobs {
		x, err := r.store.GetExecution(ctx, h.ExecutionID, store.GetOptions{IncludeArtifacts: true})
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			res.Errors++
			r.logger.Error("look up job execution", "job_id", h.JobID, "error", err)
			continue
		case !x.Status.IsTerminal():
			continue
		case r.archiver != nil && len(x.Artifacts) == 0:
			r.collectLogs(ctx, x)
		}

		deleted, err := r.backend.DeleteJob(ctx, h.ExecutionID)
		if err != nil {
			res.Errors++
			r.logger.Error("delete orphaned job", "job_id", h.JobID, "error", err)
			continue
		}
		if deleted {
			res.OrphansDeleted++
			actionsTotal.WithLabelValues(actionOrphan).Inc()
			r.logger.Info("orphaned job deleted", "job_id", h.JobID, "execution_id", h.ExecutionID)
		}
	}
	return nil
}

func podPtr(name string) *string {
	if name == "" {
		return nil
	}
	return &name
}
