package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/seantiz/agentrun/internal/backend"
	"github.com/seantiz/agentrun/internal/engine"
	"github.com/seantiz/agentrun/internal/model"
	"github.com/seantiz/agentrun/internal/store"
)

func (env *testEnv) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var r *bytes.Buffer
	if body != "" {
		r = bytes.NewBufferString(body)
	} else {
		r = &bytes.Buffer{}
	}
	req, err := http.NewRequest(method, env.ts.URL+path, r)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("status = %d, want %d", resp.StatusCode, want)
	}
}

func (env *testEnv) create(t *testing.T, body string) *model.Execution {
	t.Helper()
	resp := env.do(t, http.MethodPost, "/v1/executions", body)
	expectStatus(t, resp, http.StatusCreated)
	x := decode[model.Execution](t, resp)
	return &x
}

func TestCreateExecution(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/v1/executions", `{"prompt":"hello","metadata":{"team":"infra"}}`)
	expectStatus(t, resp, http.StatusCreated)
	x := decode[model.Execution](t, resp)

	if _, err := uuid.Parse(x.ID); err != nil {
		t.Errorf("ID %q is not a UUID", x.ID)
	}
	if loc := resp.Header.Get("Location"); loc != "/v1/executions/"+x.ID {
		t.Errorf("Location = %q", loc)
	}
	if x.Status != model.StatusPending {
		t.Errorf("Status = %q, want PENDING", x.Status)
	}
	if x.Model != engine.DefaultModel || x.MaxTokens != engine.DefaultMaxTokens {
		t.Errorf("defaults = (%q, %d), want (%q, %d)", x.Model, x.MaxTokens, engine.DefaultModel, engine.DefaultMaxTokens)
	}
	if x.Metadata["team"] != "infra" {
		t.Errorf("Metadata = %v", x.Metadata)
	}
}

func TestCreateExecutionInvalid(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantField string
	}{
		{name: "invalid JSON", body: "not json"},
		{name: "empty prompt", body: `{"prompt":"  "}`, wantField: "prompt"},
		{name: "max tokens over cap", body: `{"prompt":"x","maxTokens":999999999}`, wantField: "maxTokens"},
		{name: "zero timeout", body: `{"prompt":"x","timeoutSeconds":0}`, wantField: "timeoutSeconds"},
		{name: "bad callback", body: `{"prompt":"x","callbackUrl":"ftp://host/cb"}`, wantField: "callbackUrl"},
	}

	env := newTestEnv(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, "/v1/executions", tt.body)
			expectStatus(t, resp, http.StatusBadRequest)
			body := decode[errorResponse](t, resp)
			if body.Code != codeInvalidInput {
				t.Errorf("code = %q, want %q", body.Code, codeInvalidInput)
			}
			if tt.wantField != "" && body.Details["field"] != tt.wantField {
				t.Errorf("details.field = %v, want %q", body.Details["field"], tt.wantField)
			}
		})
	}
}

func TestGetExecution(t *testing.T) {
	env := newTestEnv(t)
	created := env.create(t, `{"prompt":"hello"}`)

	resp := env.do(t, http.MethodGet, "/v1/executions/"+created.ID+"?include=transitions", "")
	expectStatus(t, resp, http.StatusOK)
	x := decode[model.Execution](t, resp)

	if x.ID != created.ID {
		t.Errorf("ID = %q, want %q", x.ID, created.ID)
	}
	if len(x.Transitions) != 1 || x.Transitions[0].FromStatus != nil || x.Transitions[0].ToStatus != model.StatusPending {
		t.Errorf("Transitions = %+v, want one nil -> PENDING", x.Transitions)
	}
}

func TestGetExecutionErrors(t *testing.T) {
	env := newTestEnv(t)
	created := env.create(t, `{"prompt":"hello"}`)

	tests := []struct {
		name     string
		path     string
		wantCode int
		wantBody string
	}{
		{"unknown id", "/v1/executions/" + uuid.NewString(), http.StatusNotFound, codeNotFound},
		{"malformed id", "/v1/executions/not-a-uuid", http.StatusBadRequest, codeInvalidInput},
		{"unknown include", "/v1/executions/" + created.ID + "?include=secrets", http.StatusBadRequest, codeInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, http.MethodGet, tt.path, "")
			expectStatus(t, resp, tt.wantCode)
			if body := decode[errorResponse](t, resp); body.Code != tt.wantBody {
				t.Errorf("code = %q, want %q", body.Code, tt.wantBody)
			}
		})
	}
}

func TestListExecutions(t *testing.T) {
	env := newTestEnv(t)
	a := env.create(t, `{"prompt":"alpha"}`)
	env.create(t, `{"prompt":"beta","model":"claude-haiku"}`)
	expectStatus(t, env.do(t, http.MethodPost, "/v1/executions/"+a.ID+"/cancel", ""), http.StatusOK)

	resp := env.do(t, http.MethodGet, "/v1/executions?page_size=200", "")
	expectStatus(t, resp, http.StatusOK)
	all := decode[engine.ListResult](t, resp)
	if all.Total != 2 || all.PageSize != 100 || all.Page != 1 || all.TotalPages != 1 {
		t.Errorf("page = (total %d, size %d, page %d, pages %d), want (2, 100, 1, 1)",
			all.Total, all.PageSize, all.Page, all.TotalPages)
	}

	resp = env.do(t, http.MethodGet, "/v1/executions?status=cancelled", "")
	cancelled := decode[engine.ListResult](t, resp)
	if len(cancelled.Items) != 1 || cancelled.Items[0].ID != a.ID {
		t.Errorf("status filter returned %+v", cancelled.Items)
	}

	resp = env.do(t, http.MethodGet, "/v1/executions?status=PENDING,CANCELLED&model=claude-haiku", "")
	haiku := decode[engine.ListResult](t, resp)
	if len(haiku.Items) != 1 || haiku.Items[0].Model != "claude-haiku" {
		t.Errorf("model filter returned %+v", haiku.Items)
	}

	after := url.QueryEscape(time.Now().Add(time.Hour).UTC().Format(time.RFC3339))
	resp = env.do(t, http.MethodGet, "/v1/executions?created_after="+after, "")
	if future := decode[engine.ListResult](t, resp); future.Total != 0 {
		t.Errorf("created_after in the future matched %d items", future.Total)
	}
}

func TestListExecutionsInvalidFilter(t *testing.T) {
	env := newTestEnv(t)
	for _, q := range []string{"status=DONE", "created_after=yesterday", "has_artifacts=maybe"} {
		resp := env.do(t, http.MethodGet, "/v1/executions?"+q, "")
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, resp.StatusCode)
		}
	}
}

func TestCancelExecution(t *testing.T) {
	env := newTestEnv(t)
	x := env.create(t, `{"prompt":"hello"}`)

	resp := env.do(t, http.MethodPost, "/v1/executions/"+x.ID+"/cancel", `{"reason":"test"}`)
	expectStatus(t, resp, http.StatusOK)
	res := decode[engine.CancelResult](t, resp)
	if res.ID != x.ID || res.Status != model.StatusCancelled || res.CancelledAt.IsZero() {
		t.Errorf("cancel result = %+v", res)
	}

	resp = env.do(t, http.MethodPost, "/v1/executions/"+x.ID+"/cancel", "")
	expectStatus(t, resp, http.StatusConflict)
	body := decode[errorResponse](t, resp)
	if body.Code != codeInvalidState {
		t.Errorf("code = %q, want %q", body.Code, codeInvalidState)
	}
	if body.Details["currentStatus"] != string(model.StatusCancelled) {
		t.Errorf("details.currentStatus = %v, want CANCELLED", body.Details["currentStatus"])
	}
}

func TestCancelExecutionNotFound(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/v1/executions/"+uuid.NewString()+"/cancel", "")
	expectStatus(t, resp, http.StatusNotFound)
}

func TestGetLogs(t *testing.T) {
	env := newTestEnv(t)
	x := env.create(t, `{"prompt":"hello"}`)

	resp := env.do(t, http.MethodGet, "/v1/executions/"+x.ID+"/logs", "")
	expectStatus(t, resp, http.StatusOK)
	if got := decode[logsResponse](t, resp).Logs; got != "Logs not yet available for job "+x.JobName {
		t.Errorf("placeholder logs = %q", got)
	}

	env.backend.AddJob(x.ID, backend.PhaseRunning)
	env.backend.SetLogs(x.ID, "thinking...\n")
	resp = env.do(t, http.MethodGet, "/v1/executions/"+x.ID+"/logs", "")
	if got := decode[logsResponse](t, resp).Logs; got != "thinking...\n" {
		t.Errorf("logs = %q", got)
	}
}

func TestUpdateStatus(t *testing.T) {
	env := newTestEnv(t)
	x := env.create(t, `{"prompt":"hello"}`)
	path := "/internal/executions/" + x.ID + "/status"

	expectStatus(t, env.do(t, http.MethodPost, path, `{"status":"RUNNING","podName":"alloc-1"}`), http.StatusOK)

	resp := env.do(t, http.MethodPost, path, `{"status":"COMPLETED","output":"x","inputTokens":10,"outputTokens":5}`)
	expectStatus(t, resp, http.StatusOK)
	done := decode[model.Execution](t, resp)
	if done.Status != model.StatusCompleted || done.Output != "x" || done.PodName != "alloc-1" {
		t.Errorf("execution = %+v", done)
	}
	if done.TotalTokens == nil || *done.TotalTokens != 15 {
		t.Errorf("TotalTokens = %v, want 15", done.TotalTokens)
	}

	resp = env.do(t, http.MethodGet, "/v1/executions/"+x.ID+"?include=transitions", "")
	var path2 []model.Status
	for _, tr := range decode[model.Execution](t, resp).Transitions {
		path2 = append(path2, tr.ToStatus)
	}
	want := []model.Status{model.StatusPending, model.StatusRunning, model.StatusCompleted}
	if diff := cmp.Diff(want, path2); diff != "" {
		t.Errorf("transition path mismatch (-want +got):\n%s", diff)
	}
}

func TestUpdateStatusErrors(t *testing.T) {
	env := newTestEnv(t)
	x := env.create(t, `{"prompt":"hello"}`)
	path := "/internal/executions/" + x.ID + "/status"

	resp := env.do(t, http.MethodPost, path, `{"status":"DONE"}`)
	expectStatus(t, resp, http.StatusBadRequest)

	resp = env.do(t, http.MethodPost, path, `{"status":"COMPLETED"}`)
	expectStatus(t, resp, http.StatusConflict)
	body := decode[errorResponse](t, resp)
	if body.Code != codeInvalidTransition {
		t.Errorf("code = %q, want %q", body.Code, codeInvalidTransition)
	}
	if body.Details["attemptedStatus"] != string(model.StatusCompleted) {
		t.Errorf("details.attemptedStatus = %v", body.Details["attemptedStatus"])
	}
}

func TestWriteEngineErrorMapping(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		err      error
		wantCode int
		wantBody string
	}{
		{model.ErrNotFound, http.StatusNotFound, codeNotFound},
		{&model.ValidationError{Field: "prompt", Message: "empty"}, http.StatusBadRequest, codeInvalidInput},
		{&model.StateError{Current: model.StatusFailed}, http.StatusConflict, codeInvalidState},
		{&model.TransitionError{Current: model.StatusFailed, Attempted: model.StatusRunning}, http.StatusConflict, codeInvalidTransition},
		{store.ErrConflict, http.StatusConflict, codeConflict},
		{fmt.Errorf("dispatch: %w", backend.ErrUnconfigured), http.StatusServiceUnavailable, codeBackendUnconfigured},
		{fmt.Errorf("%w: connection refused", backend.ErrBackend), http.StatusServiceUnavailable, codeBackendError},
		{errors.New("disk full"), http.StatusInternalServerError, codeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.wantBody, func(t *testing.T) {
			rec := httptest.NewRecorder()
			env.srv.writeEngineError(rec, httptest.NewRequest(http.MethodGet, "/", nil), "test", tt.err)
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			var body errorResponse
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Code != tt.wantBody {
				t.Errorf("code = %q, want %q", body.Code, tt.wantBody)
			}
		})
	}
}

func TestStats(t *testing.T) {
	env := newTestEnv(t)
	x := env.create(t, `{"prompt":"hello"}`)
	env.create(t, `{"prompt":"world"}`)
	env.do(t, http.MethodPost, "/v1/executions/"+x.ID+"/cancel", "")

	resp := env.do(t, http.MethodGet, "/v1/stats", "")
	expectStatus(t, resp, http.StatusOK)
	stats := decode[statsResponse](t, resp)
	if stats.Total != 2 {
		t.Errorf("Total = %d, want 2", stats.Total)
	}
	if stats.ByStatus["PENDING"] != 1 || stats.ByStatus["CANCELLED"] != 1 {
		t.Errorf("ByStatus = %v", stats.ByStatus)
	}
}
