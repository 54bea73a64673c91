package backend

import (
	"context"
	"errors"
	"time"

	"github.com/seantiz/agentrun/internal/model"
)

// Sentinel errors returned by JobBackend implementations.
var (
	// ErrUnconfigured is returned without any network I/O when the backend
	// could not be reached at startup.
	ErrUnconfigured = errors.New("job backend not configured")

	// ErrJobNotFound is returned by GetJobStatus when no job exists for the
	// execution.
	ErrJobNotFound = errors.New("job not found")

	// ErrBackend wraps transient orchestrator failures.
	ErrBackend = errors.New("job backend error")
)

// Phase is the coarse state of a job as derived from orchestrator counters.
type Phase string

const (
	PhasePending   Phase = "pending"
	PhaseRunning   Phase = "running"
	PhaseSucceeded Phase = "succeeded"
	PhaseFailed    Phase = "failed"
	PhaseUnknown   Phase = "unknown"
)

// Counters are the per-job task counts reported by the orchestrator.
type Counters struct {
	Active    int `json:"active"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// DerivePhase resolves counters to a phase. When counters disagree, for
// instance after a retried task, succeeded wins over failed, failed over
// active, and active over pending. A nil report is unknown.
func DerivePhase(c *Counters) Phase {
	switch {
	case c == nil:
		return PhaseUnknown
	case c.Succeeded > 0:
		return PhaseSucceeded
	case c.Failed > 0:
		return PhaseFailed
	case c.Active > 0:
		return PhaseRunning
	default:
		return PhasePending
	}
}

// JobRequest describes the job to create for one execution.
type JobRequest struct {
	ExecutionID    string
	Prompt         string
	Model          string
	MaxTokens      int
	Metadata       map[string]string
	Resources      *model.Resources
	TimeoutSeconds int
}

// JobHandle identifies a job owned by this system.
type JobHandle struct {
	ExecutionID string    `json:"executionId"`
	JobID       string    `json:"jobId"`
	Phase       Phase     `json:"phase,omitempty"`
	SubmittedAt time.Time `json:"submittedAt,omitzero"`
}

// JobStatus is the observed state of a job.
type JobStatus struct {
	Phase    Phase    `json:"phase"`
	PodName  string   `json:"podName,omitempty"`
	Counters Counters `json:"counters"`
}

// JobBackend runs execution jobs on an orchestrator. Implementations never
// retry internally and never touch the execution store.
type JobBackend interface {
	// CreateJob submits the job for an execution. Defaults apply to missing
	// resources and timeout.
	CreateJob(ctx context.Context, req JobRequest) (JobHandle, error)

	// GetJobStatus returns ErrJobNotFound when the job does not exist.
	GetJobStatus(ctx context.Context, executionID string) (JobStatus, error)

	// DeleteJob stops and removes the job. It reports false, not an error,
	// when the job is already absent.
	DeleteJob(ctx context.Context, executionID string) (bool, error)

	// GetJobLogs returns the combined output of the job's newest runtime
	// unit. ok is false when nothing has been scheduled yet.
	GetJobLogs(ctx context.Context, executionID string) (logs string, ok bool, err error)

	// ListJobs enumerates every job tagged as belonging to this system.
	ListJobs(ctx context.Context) ([]JobHandle, error)
}
