package nomad

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/agentrun/internal/backend"
	"github.com/seantiz/agentrun/internal/model"
)

// Compile-time interface satisfaction check.
var _ backend.JobBackend = (*Adapter)(nil)

// Adapter implements backend.JobBackend on HashiCorp Nomad batch jobs.
//
// When Nomad was unreachable at construction the adapter is unconfigured:
// it holds no client and every call returns backend.ErrUnconfigured without
// network I/O.
type Adapter struct {
	cfg    Config
	client client
	logger *slog.Logger
}

// New connects to Nomad and verifies the agent answers. On failure it logs a
// warning and returns an unconfigured adapter rather than an error, so the
// service can still serve reads.
func New(cfg Config, logger *slog.Logger) *Adapter {
	cfg = cfg.withDefaults()
	a := &Adapter{cfg: cfg, logger: logger}

	c, err := newAPIClient(cfg)
	if err == nil {
		err = c.healthy()
	}
	if err != nil {
		logger.Warn("nomad unreachable, job backend unconfigured",
			"address", cfg.Address,
			"error", err,
		)
		return a
	}

	a.client = c
	logger.Info("nomad job backend configured",
		"address", cfg.Address,
		"region", cfg.Region,
		"namespace", cfg.Namespace,
	)
	return a
}

// newWithClient builds an adapter around c. A nil c yields an unconfigured
// adapter.
func newWithClient(cfg Config, c client, logger *slog.Logger) *Adapter {
	a := &Adapter{cfg: cfg.withDefaults(), logger: logger}
	if c != nil {
		a.client = c
	}
	return a
}

// Configured reports whether the adapter has a live client.
func (a *Adapter) Configured() bool {
	return a.client != nil
}

func (a *Adapter) jobID(executionID string) string {
	return model.JobID(a.cfg.JobPrefix, executionID)
}

func observe(op string, start time.Time, err error) {
	backend.Observe("nomad", op, start, err)
}

func backendErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", backend.ErrBackend, op, err)
}

// CreateJob registers the batch job for an execution. Registering the same
// job ID twice updates the existing job in place, so a repeated call does not
// create a second job.
func (a *Adapter) CreateJob(ctx context.Context, req backend.JobRequest) (h backend.JobHandle, err error) {
	defer func(start time.Time) { observe(backend.OpCreate, start, err) }(time.Now())
	if a.client == nil {
		return backend.JobHandle{}, backend.ErrUnconfigured
	}

	job := translate(a.cfg, req)
	if err := a.client.Register(ctx, job); err != nil {
		return backend.JobHandle{}, backendErr("register job", err)
	}

	a.logger.Info("job submitted",
		"execution_id", req.ExecutionID,
		"job_id", *job.ID,
	)
	return backend.JobHandle{
		ExecutionID: req.ExecutionID,
		JobID:       *job.ID,
		Phase:       backend.PhasePending,
		SubmittedAt: time.Now().UTC(),
	}, nil
}

// GetJobStatus derives the phase from the job summary and reports the newest
// allocation as the pod name.
func (a *Adapter) GetJobStatus(ctx context.Context, executionID string) (st backend.JobStatus, err error) {
	defer func(start time.Time) { observe(backend.OpStatus, start, err) }(time.Now())
	if a.client == nil {
		return backend.JobStatus{}, backend.ErrUnconfigured
	}

	jobID := a.jobID(executionID)
	summary, err := a.client.Summary(ctx, jobID)
	if isNotFound(err) {
		return backend.JobStatus{}, backend.ErrJobNotFound
	}
	if err != nil {
		return backend.JobStatus{}, backendErr("job summary", err)
	}

	c := counters(summary)
	st.Phase = backend.DerivePhase(c)
	if c != nil {
		st.Counters = *c
	}

	allocs, err := a.client.Allocations(ctx, jobID)
	if err != nil && !isNotFound(err) {
		return backend.JobStatus{}, backendErr("job allocations", err)
	}
	if alloc := newestAllocation(allocs); alloc != nil {
		st.PodName = alloc.ID
	}
	return st, nil
}

// DeleteJob deregisters and purges the job. An absent job is not an error.
func (a *Adapter) DeleteJob(ctx context.Context, executionID string) (deleted bool, err error) {
	defer func(start time.Time) { observe(backend.OpDelete, start, err) }(time.Now())
	if a.client == nil {
		return false, backend.ErrUnconfigured
	}

	jobID := a.jobID(executionID)
	if _, err := a.client.Info(ctx, jobID); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, backendErr("job info", err)
	}

	if err := a.client.Deregister(ctx, jobID); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, backendErr("deregister job", err)
	}

	a.logger.Info("job deleted", "execution_id", executionID, "job_id", jobID)
	return true, nil
}

// GetJobLogs reads the output of the newest allocation. ok is false when the
// job or its allocation does not exist yet.
func (a *Adapter) GetJobLogs(ctx context.Context, executionID string) (logs string, ok bool, err error) {
	defer func(start time.Time) { observe(backend.OpLogs, start, err) }(time.Now())
	if a.client == nil {
		return "", false, backend.ErrUnconfigured
	}

	allocs, err := a.client.Allocations(ctx, a.jobID(executionID))
	if isNotFound(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, backendErr("job allocations", err)
	}
	alloc := newestAllocation(allocs)
	if alloc == nil {
		return "", false, nil
	}

	logs, err = a.client.Logs(ctx, alloc.ID, taskName)
	if isNotFound(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, backendErr("read logs", err)
	}
	return logs, true, nil
}

// ListJobs returns the jobs this system owns: the ID carries the configured
// prefix and parses back to an execution id, and the job meta is tagged
// managed_by=agentrun with the same execution id. Anything else in the
// namespace is left alone.
func (a *Adapter) ListJobs(ctx context.Context) (handles []backend.JobHandle, err error) {
	defer func(start time.Time) { observe(backend.OpList, start, err) }(time.Now())
	if a.client == nil {
		return nil, backend.ErrUnconfigured
	}

	stubs, err := a.client.List(ctx, a.cfg.JobPrefix+"-")
	if err != nil {
		return nil, backendErr("list jobs", err)
	}

	for _, s := range stubs {
		id, ok := model.ExecutionIDFromJobID(a.cfg.JobPrefix, s.ID)
		if !ok || !ownedBy(s.Meta, id) {
			continue
		}
		h := backend.JobHandle{
			ExecutionID: id,
			JobID:       s.ID,
			Phase:       backend.DerivePhase(counters(s.JobSummary)),
		}
		if s.SubmitTime > 0 {
			h.SubmittedAt = time.Unix(0, s.SubmitTime).UTC()
		}
		handles = append(handles, h)
	}
	return handles, nil
}

func ownedBy(meta map[string]string, executionID string) bool {
	return meta[metaManagedBy] == ManagedBy && meta[metaExecutionID] == executionID
}
