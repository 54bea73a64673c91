// Package backendtest provides an in-memory backend.JobBackend for tests.
package backendtest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/seantiz/agentrun/internal/backend"
	"github.com/seantiz/agentrun/internal/model"
)

// Backend is an in-memory JobBackend. Tests drive job state with SetPhase
// and SetLogs, and inject failures through the *Err fields.
type Backend struct {
	Prefix string

	CreateErr error
	StatusErr error
	DeleteErr error
	LogsErr   error
	ListErr   error

	mu      sync.Mutex
	jobs    map[string]*job
	created []backend.JobRequest
	deleted []string
}

type job struct {
	req     backend.JobRequest
	status  backend.JobStatus
	logs    string
	hasLogs bool
	at      time.Time
}

// New returns an empty backend that names jobs with prefix.
func New(prefix string) *Backend {
	return &Backend{Prefix: prefix, jobs: make(map[string]*job)}
}

var _ backend.JobBackend = (*Backend)(nil)

func (b *Backend) CreateJob(_ context.Context, req backend.JobRequest) (backend.JobHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.CreateErr != nil {
		return backend.JobHandle{}, b.CreateErr
	}
	b.created = append(b.created, req)
	if _, ok := b.jobs[req.ExecutionID]; !ok {
		b.jobs[req.ExecutionID] = &job{
			req:    req,
			status: backend.JobStatus{Phase: backend.PhasePending},
			at:     time.Now().UTC(),
		}
	}
	return b.handle(req.ExecutionID), nil
}

func (b *Backend) GetJobStatus(_ context.Context, executionID string) (backend.JobStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.StatusErr != nil {
		return backend.JobStatus{}, b.StatusErr
	}
	j, ok := b.jobs[executionID]
	if !ok {
		return backend.JobStatus{}, backend.ErrJobNotFound
	}
	return j.status, nil
}

func (b *Backend) DeleteJob(_ context.Context, executionID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.DeleteErr != nil {
		return false, b.DeleteErr
	}
	b.deleted = append(b.deleted, executionID)
	if _, ok := b.jobs[executionID]; !ok {
		return false, nil
	}
	delete(b.jobs, executionID)
	return true, nil
}

func (b *Backend) GetJobLogs(_ context.Context, executionID string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.LogsErr != nil {
		return "", false, b.LogsErr
	}
	j, ok := b.jobs[executionID]
	if !ok || !j.hasLogs {
		return "", false, nil
	}
	return j.logs, true, nil
}

func (b *Backend) ListJobs(_ context.Context) ([]backend.JobHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ListErr != nil {
		return nil, b.ListErr
	}
	out := make([]backend.JobHandle, 0, len(b.jobs))
	for id := range b.jobs {
		out = append(out, b.handle(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out, nil
}

func (b *Backend) handle(executionID string) backend.JobHandle {
	j := b.jobs[executionID]
	return backend.JobHandle{
		ExecutionID: executionID,
		JobID:       model.JobID(b.Prefix, executionID),
		Phase:       j.status.Phase,
		SubmittedAt: j.at,
	}
}

// AddJob registers a job directly, bypassing CreateJob bookkeeping.
func (b *Backend) AddJob(executionID string, phase backend.Phase) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.jobs[executionID] = &job{
		req:    backend.JobRequest{ExecutionID: executionID},
		status: backend.JobStatus{Phase: phase},
		at:     time.Now().UTC(),
	}
}

// SetPhase updates the phase and pod name of an existing job.
func (b *Backend) SetPhase(executionID string, phase backend.Phase, podName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if j, ok := b.jobs[executionID]; ok {
		j.status.Phase = phase
		j.status.PodName = podName
	}
}

// SetLogs makes logs available for an existing job.
func (b *Backend) SetLogs(executionID, logs string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if j, ok := b.jobs[executionID]; ok {
		j.logs = logs
		j.hasLogs = true
	}
}

// HasJob reports whether a job exists for the execution.
func (b *Backend) HasJob(executionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.jobs[executionID]
	return ok
}

// Created returns the requests passed to CreateJob, in call order.
func (b *Backend) Created() []backend.JobRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]backend.JobRequest(nil), b.created...)
}

// Deleted returns the execution ids passed to DeleteJob, in call order.
func (b *Backend) Deleted() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.deleted...)
}
