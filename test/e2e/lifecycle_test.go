package e2e

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/seantiz/agentrun/internal/api"
	"github.com/seantiz/agentrun/internal/backend"
	"github.com/seantiz/agentrun/internal/backend/backendtest"
	"github.com/seantiz/agentrun/internal/engine"
	"github.com/seantiz/agentrun/internal/model"
	"github.com/seantiz/agentrun/internal/reconcile"
	"github.com/seantiz/agentrun/internal/store"
)

// stack is the full service wired in-process against an in-memory backend.
type stack struct {
	ts      *httptest.Server
	backend *backendtest.Backend
	rec     *reconcile.Reconciler
}

func newStack(t *testing.T) *stack {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	b := backendtest.New(store.DefaultJobPrefix)
	eng := engine.New(s, b, engine.Config{}, logger)
	srv := api.NewServer(":0", eng, logger)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &stack{ts: ts, backend: b, rec: reconcile.New(eng, s, b, logger)}
}

func (st *stack) call(t *testing.T, method, path, body string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, st.ts.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (st *stack) sweep(t *testing.T) reconcile.Result {
	t.Helper()
	res, err := st.rec.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	return res
}

func (st *stack) get(t *testing.T, id string) model.Execution {
	t.Helper()
	var x model.Execution
	if code := st.call(t, http.MethodGet, "/v1/executions/"+id+"?include=transitions,artifacts", "", &x); code != http.StatusOK {
		t.Fatalf("GET execution: status %d", code)
	}
	return x
}

func (st *stack) create(t *testing.T) model.Execution {
	t.Helper()
	var x model.Execution
	if code := st.call(t, http.MethodPost, "/v1/executions", `{"prompt":"summarize the release notes"}`, &x); code != http.StatusCreated {
		t.Fatalf("POST execution: status %d", code)
	}
	return x
}

func TestExecutionRunsToCompletion(t *testing.T) {
	st := newStack(t)
	x := st.create(t)

	if res := st.sweep(t); res.Dispatched != 1 {
		t.Fatalf("Dispatched = %d, want 1", res.Dispatched)
	}
	if !st.backend.HasJob(x.ID) {
		t.Fatal("job not submitted")
	}

	st.backend.SetPhase(x.ID, backend.PhaseRunning, "alloc-7")
	st.sweep(t)
	running := st.get(t, x.ID)
	if running.Status != model.StatusRunning || running.PodName != "alloc-7" {
		t.Fatalf("after start: status %q pod %q", running.Status, running.PodName)
	}

	st.backend.SetLogs(x.ID, "release notes summarized\n")
	st.backend.SetPhase(x.ID, backend.PhaseSucceeded, "alloc-7")
	st.sweep(t)

	done := st.get(t, x.ID)
	if done.Status != model.StatusCompleted {
		t.Fatalf("Status = %q, want COMPLETED", done.Status)
	}
	if done.Output != "release notes summarized\n" {
		t.Errorf("Output = %q", done.Output)
	}
	if done.StartedAt == nil || done.CompletedAt == nil || done.CompletedAt.Before(*done.StartedAt) {
		t.Errorf("StartedAt %v, CompletedAt %v", done.StartedAt, done.CompletedAt)
	}
	var path []model.Status
	for _, tr := range done.Transitions {
		path = append(path, tr.ToStatus)
	}
	if len(path) != 3 || path[0] != model.StatusPending || path[1] != model.StatusRunning || path[2] != model.StatusCompleted {
		t.Errorf("transition path = %v", path)
	}
	if st.backend.HasJob(x.ID) {
		t.Error("finished job not purged")
	}

	var cancelErr map[string]any
	if code := st.call(t, http.MethodPost, "/v1/executions/"+x.ID+"/cancel", "", &cancelErr); code != http.StatusConflict {
		t.Errorf("cancel completed execution: status %d, want 409", code)
	}
}

func TestCancelledJobIsReaped(t *testing.T) {
	st := newStack(t)
	x := st.create(t)
	st.sweep(t)

	st.backend.DeleteErr = errors.New("nomad: connection reset")
	var res engine.CancelResult
	if code := st.call(t, http.MethodPost, "/v1/executions/"+x.ID+"/cancel", `{"reason":"no longer needed"}`, &res); code != http.StatusOK {
		t.Fatalf("cancel: status %d, want 200", code)
	}
	if res.Status != model.StatusCancelled {
		t.Errorf("Status = %q, want CANCELLED", res.Status)
	}
	if !st.backend.HasJob(x.ID) {
		t.Fatal("job should survive the failed delete")
	}

	st.backend.DeleteErr = nil
	if r := st.sweep(t); r.OrphansDeleted != 1 {
		t.Errorf("OrphansDeleted = %d, want 1", r.OrphansDeleted)
	}
	if st.backend.HasJob(x.ID) {
		t.Error("orphaned job still present")
	}
	if got := st.get(t, x.ID).Status; got != model.StatusCancelled {
		t.Errorf("Status = %q, want CANCELLED", got)
	}
}

func TestLostJobFailsExecution(t *testing.T) {
	st := newStack(t)
	x := st.create(t)
	st.sweep(t)
	st.backend.SetPhase(x.ID, backend.PhaseRunning, "alloc-1")
	st.sweep(t)

	if _, err := st.backend.DeleteJob(context.Background(), x.ID); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	st.sweep(t)

	got := st.get(t, x.ID)
	if got.Status != model.StatusFailed || got.ErrorCode != reconcile.ErrorCodeJobLost {
		t.Errorf("status %q code %q, want FAILED %s", got.Status, got.ErrorCode, reconcile.ErrorCodeJobLost)
	}
}
