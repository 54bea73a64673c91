package nomad

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	nomadapi "github.com/hashicorp/nomad/api"
)

// client is the subset of the Nomad API the adapter uses.
type client interface {
	Register(ctx context.Context, job *nomadapi.Job) error
	Info(ctx context.Context, jobID string) (*nomadapi.Job, error)
	Summary(ctx context.Context, jobID string) (*nomadapi.JobSummary, error)
	Allocations(ctx context.Context, jobID string) ([]*nomadapi.AllocationListStub, error)
	Deregister(ctx context.Context, jobID string) error
	List(ctx context.Context, prefix string) ([]*nomadapi.JobListStub, error)
	Logs(ctx context.Context, allocID, task string) (string, error)
}

// apiClient adapts *nomadapi.Client to client.
type apiClient struct {
	api *nomadapi.Client
}

func newAPIClient(cfg Config) (*apiClient, error) {
	nc := nomadapi.DefaultConfig()
	if cfg.Address != "" {
		nc.Address = cfg.Address
	}
	nc.Region = cfg.Region
	nc.Namespace = cfg.Namespace

	c, err := nomadapi.NewClient(nc)
	if err != nil {
		return nil, fmt.Errorf("nomad client: %w", err)
	}
	return &apiClient{api: c}, nil
}

// healthy checks connectivity to Nomad.
func (c *apiClient) healthy() error {
	_, err := c.api.Status().Leader()
	return err
}

func queryOpts(ctx context.Context) *nomadapi.QueryOptions {
	return (&nomadapi.QueryOptions{}).WithContext(ctx)
}

func writeOpts(ctx context.Context) *nomadapi.WriteOptions {
	return (&nomadapi.WriteOptions{}).WithContext(ctx)
}

func (c *apiClient) Register(ctx context.Context, job *nomadapi.Job) error {
	_, _, err := c.api.Jobs().Register(job, writeOpts(ctx))
	return err
}

func (c *apiClient) Info(ctx context.Context, jobID string) (*nomadapi.Job, error) {
	job, _, err := c.api.Jobs().Info(jobID, queryOpts(ctx))
	return job, err
}

func (c *apiClient) Summary(ctx context.Context, jobID string) (*nomadapi.JobSummary, error) {
	s, _, err := c.api.Jobs().Summary(jobID, queryOpts(ctx))
	return s, err
}

func (c *apiClient) Allocations(ctx context.Context, jobID string) ([]*nomadapi.AllocationListStub, error) {
	allocs, _, err := c.api.Jobs().Allocations(jobID, false, queryOpts(ctx))
	return allocs, err
}

func (c *apiClient) Deregister(ctx context.Context, jobID string) error {
	_, _, err := c.api.Jobs().Deregister(jobID, true, writeOpts(ctx))
	return err
}

func (c *apiClient) List(ctx context.Context, prefix string) ([]*nomadapi.JobListStub, error) {
	q := queryOpts(ctx)
	q.Prefix = prefix
	jobs, _, err := c.api.Jobs().List(q)
	return jobs, err
}

// Logs reads stdout then stderr of a task from the start without following.
func (c *apiClient) Logs(ctx context.Context, allocID, task string) (string, error) {
	alloc, _, err := c.api.Allocations().Info(allocID, queryOpts(ctx))
	if err != nil {
		return "", fmt.Errorf("get allocation: %w", err)
	}

	cancel := make(chan struct{})
	defer close(cancel)

	var b strings.Builder
	for _, stream := range []string{"stdout", "stderr"} {
		frames, errs := c.api.AllocFS().Logs(alloc, false, task, stream, "start", 0, cancel, queryOpts(ctx))
		if err := drainFrames(ctx, frames, errs, &b); err != nil {
			return "", fmt.Errorf("read %s: %w", stream, err)
		}
	}
	return b.String(), nil
}

func drainFrames(ctx context.Context, frames <-chan *nomadapi.StreamFrame, errs <-chan error, b *strings.Builder) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			if frame != nil && len(frame.Data) > 0 {
				b.Write(frame.Data)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return err
			}
		}
	}
}

// isNotFound reports whether err is a Nomad 404.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var sc interface{ StatusCode() int }
	if errors.As(err, &sc) && sc.StatusCode() == http.StatusNotFound {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "404") || strings.Contains(msg, "not found")
}

// newestAllocation returns the most recently created allocation.
func newestAllocation(allocs []*nomadapi.AllocationListStub) *nomadapi.AllocationListStub {
	if len(allocs) == 0 {
		return nil
	}
	sorted := append([]*nomadapi.AllocationListStub(nil), allocs...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].CreateIndex != sorted[j].CreateIndex {
			return sorted[i].CreateIndex > sorted[j].CreateIndex
		}
		return sorted[i].CreateTime > sorted[j].CreateTime
	})
	return sorted[0]
}
