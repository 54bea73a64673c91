package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/seantiz/agentrun/internal/backend"
	"github.com/seantiz/agentrun/internal/backend/backendtest"
	"github.com/seantiz/agentrun/internal/engine"
	"github.com/seantiz/agentrun/internal/model"
	"github.com/seantiz/agentrun/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, opts ...engine.Option) (*engine.Engine, store.Store, *backendtest.Backend) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	b := backendtest.New(store.DefaultJobPrefix)
	e := engine.New(s, b, engine.Config{}, discardLogger(), opts...)
	return e, s, b
}

func mustCreate(t *testing.T, e *engine.Engine, prompt string) *model.Execution {
	t.Helper()
	x, err := e.Create(context.Background(), engine.CreateInput{Prompt: prompt})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return x
}

func ptr[T any](v T) *T { return &v }

type step struct {
	From   *model.Status
	To     model.Status
	Reason string
}

func steps(t *testing.T, s store.Store, id string) []step {
	t.Helper()
	trs, err := s.ListTransitions(context.Background(), id)
	if err != nil {
		t.Fatalf("ListTransitions: %v", err)
	}
	out := make([]step, len(trs))
	for i, tr := range trs {
		out[i] = step{From: tr.FromStatus, To: tr.ToStatus, Reason: tr.Reason}
	}
	return out
}

func TestCreateCancelScenario(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()

	x := mustCreate(t, e, "hello")
	if x.Status != model.StatusPending {
		t.Errorf("Status = %q, want PENDING", x.Status)
	}
	if x.Model != engine.DefaultModel {
		t.Errorf("Model = %q, want %q", x.Model, engine.DefaultModel)
	}
	if x.MaxTokens != engine.DefaultMaxTokens {
		t.Errorf("MaxTokens = %d, want %d", x.MaxTokens, engine.DefaultMaxTokens)
	}
	if x.TimeoutSeconds == nil || *x.TimeoutSeconds != engine.DefaultTimeoutSeconds {
		t.Errorf("TimeoutSeconds = %v, want %d", x.TimeoutSeconds, engine.DefaultTimeoutSeconds)
	}

	res, err := e.Cancel(ctx, x.ID, "test")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if res.Status != model.StatusCancelled {
		t.Errorf("Status = %q, want CANCELLED", res.Status)
	}
	if res.CancelledAt.IsZero() {
		t.Error("CancelledAt is zero")
	}

	got, err := e.Get(ctx, x.ID, store.GetOptions{})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set after cancel")
	}

	want := []step{
		{From: nil, To: model.StatusPending, Reason: "Execution created"},
		{From: ptr(model.StatusPending), To: model.StatusCancelled, Reason: "test"},
	}
	if diff := cmp.Diff(want, steps(t, s, x.ID)); diff != "" {
		t.Errorf("transitions mismatch (-want +got):\n%s", diff)
	}

	_, err = e.Cancel(ctx, x.ID, "")
	var se *model.StateError
	if !errors.As(err, &se) {
		t.Fatalf("second Cancel error = %v, want *StateError", err)
	}
	if se.Current != model.StatusCancelled {
		t.Errorf("Current = %q, want CANCELLED", se.Current)
	}
	if diff := cmp.Diff(model.CancellableStatuses, se.Allowed); diff != "" {
		t.Errorf("Allowed mismatch (-want +got):\n%s", diff)
	}
	if n := len(steps(t, s, x.ID)); n != 2 {
		t.Errorf("transitions after rejected cancel = %d, want 2", n)
	}
}

func TestCancelDefaultReason(t *testing.T) {
	e, s, _ := newTestEngine(t)
	x := mustCreate(t, e, "hello")
	if _, err := e.Cancel(context.Background(), x.ID, ""); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	st := steps(t, s, x.ID)
	if got := st[len(st)-1].Reason; got != engine.DefaultCancelReason {
		t.Errorf("Reason = %q, want %q", got, engine.DefaultCancelReason)
	}
}

func TestCancelNotFound(t *testing.T) {
	e, _, b := newTestEngine(t)
	_, err := e.Cancel(context.Background(), model.NewID(), "")
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Cancel error = %v, want ErrNotFound", err)
	}
	if len(b.Deleted()) != 0 {
		t.Errorf("DeleteJob called %d times for unknown id", len(b.Deleted()))
	}
}

func TestCancelRunningDeletesJob(t *testing.T) {
	e, _, b := newTestEngine(t)
	ctx := context.Background()
	x := mustCreate(t, e, "hello")
	if _, err := e.Dispatch(ctx, x.ID); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if _, err := e.UpdateStatus(ctx, x.ID, model.StatusRunning, model.TransitionUpdate{}, ""); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	if _, err := e.Cancel(ctx, x.ID, ""); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if b.HasJob(x.ID) {
		t.Error("job still present after cancel")
	}
}

func TestCancelProceedsWhenDeleteFails(t *testing.T) {
	for _, deleteErr := range []error{backend.ErrUnconfigured, backend.ErrBackend} {
		t.Run(deleteErr.Error(), func(t *testing.T) {
			e, s, b := newTestEngine(t)
			b.DeleteErr = deleteErr
			x := mustCreate(t, e, "hello")

			res, err := e.Cancel(context.Background(), x.ID, "")
			if err != nil {
				t.Fatalf("Cancel: %v", err)
			}
			if res.Status != model.StatusCancelled {
				t.Errorf("Status = %q, want CANCELLED", res.Status)
			}
			if n := len(steps(t, s, x.ID)); n != 2 {
				t.Errorf("transitions = %d, want 2", n)
			}
		})
	}
}

func TestCancelTerminalRejected(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()

	for _, final := range []model.Status{model.StatusCompleted, model.StatusFailed} {
		t.Run(string(final), func(t *testing.T) {
			x := mustCreate(t, e, "hello")
			if _, err := e.UpdateStatus(ctx, x.ID, model.StatusRunning, model.TransitionUpdate{}, ""); err != nil {
				t.Fatalf("UpdateStatus RUNNING: %v", err)
			}
			if _, err := e.UpdateStatus(ctx, x.ID, final, model.TransitionUpdate{}, ""); err != nil {
				t.Fatalf("UpdateStatus %s: %v", final, err)
			}
			before := steps(t, s, x.ID)

			_, err := e.Cancel(ctx, x.ID, "")
			var se *model.StateError
			if !errors.As(err, &se) {
				t.Fatalf("Cancel error = %v, want *StateError", err)
			}
			if !errors.Is(err, model.ErrInvalidState) {
				t.Error("StateError does not unwrap to ErrInvalidState")
			}
			if se.Current != final {
				t.Errorf("Current = %q, want %q", se.Current, final)
			}
			if diff := cmp.Diff(model.CancellableStatuses, se.Allowed); diff != "" {
				t.Errorf("Allowed mismatch (-want +got):\n%s", diff)
			}

			got, err := e.Get(ctx, x.ID, store.GetOptions{})
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.Status != final {
				t.Errorf("Status = %q, want %q", got.Status, final)
			}
			if diff := cmp.Diff(before, steps(t, s, x.ID)); diff != "" {
				t.Errorf("transition history changed (-before +after):\n%s", diff)
			}
		})
	}
}

func TestCreateAcceptsWhitespacePrompt(t *testing.T) {
	e, _, _ := newTestEngine(t)

	x, err := e.Create(context.Background(), engine.CreateInput{Prompt: "   \n"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if x.Prompt != "   \n" {
		t.Errorf("Prompt = %q, want it stored unchanged", x.Prompt)
	}
}

func TestCreateValidation(t *testing.T) {
	e, _, _ := newTestEngine(t)

	tests := []struct {
		name  string
		in    engine.CreateInput
		field string
	}{
		{"empty prompt", engine.CreateInput{}, "prompt"},
		{"oversized prompt", engine.CreateInput{Prompt: strings.Repeat("a", engine.MaxPromptLength+1)}, "prompt"},
		{"negative max tokens", engine.CreateInput{Prompt: "x", MaxTokens: -1}, "maxTokens"},
		{"max tokens above cap", engine.CreateInput{Prompt: "x", MaxTokens: engine.DefaultMaxTokensCap + 1}, "maxTokens"},
		{"zero timeout", engine.CreateInput{Prompt: "x", TimeoutSeconds: ptr(0)}, "timeoutSeconds"},
		{"timeout above max", engine.CreateInput{Prompt: "x", TimeoutSeconds: ptr(engine.DefaultMaxTimeout + 1)}, "timeoutSeconds"},
		{"relative callback", engine.CreateInput{Prompt: "x", CallbackURL: "/hook"}, "callbackUrl"},
		{"ftp callback", engine.CreateInput{Prompt: "x", CallbackURL: "ftp://example.com/hook"}, "callbackUrl"},
		{"negative memory", engine.CreateInput{Prompt: "x", Resources: &model.Resources{MemoryMB: -1}}, "resources"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Create(context.Background(), tt.in)
			var ve *model.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Create error = %v, want *ValidationError", err)
			}
			if ve.Field != tt.field {
				t.Errorf("Field = %q, want %q", ve.Field, tt.field)
			}
			if !errors.Is(err, model.ErrInvalidInput) {
				t.Error("error does not unwrap to ErrInvalidInput")
			}
		})
	}
}

func TestCreateAcceptsMaxLengthPrompt(t *testing.T) {
	e, _, _ := newTestEngine(t)
	prompt := strings.Repeat("é", engine.MaxPromptLength)
	if _, err := e.Create(context.Background(), engine.CreateInput{Prompt: prompt}); err != nil {
		t.Errorf("Create with %d-character prompt: %v", engine.MaxPromptLength, err)
	}
}

func TestCreateKeepsExplicitValues(t *testing.T) {
	e, _, _ := newTestEngine(t)
	x, err := e.Create(context.Background(), engine.CreateInput{
		Prompt:         "hello",
		Model:          "claude-haiku",
		MaxTokens:      512,
		TimeoutSeconds: ptr(30),
		CallbackURL:    "https://example.com/hook",
		Metadata:       map[string]string{"ticket": "OPS-1"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if x.Model != "claude-haiku" || x.MaxTokens != 512 || *x.TimeoutSeconds != 30 {
		t.Errorf("got model=%q maxTokens=%d timeout=%d", x.Model, x.MaxTokens, *x.TimeoutSeconds)
	}
	if x.Metadata["ticket"] != "OPS-1" {
		t.Errorf("Metadata = %v", x.Metadata)
	}
}

func TestUpdateStatusRunningThenCompleted(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()
	x := mustCreate(t, e, "hello")

	if _, err := e.UpdateStatus(ctx, x.ID, model.StatusRunning, model.TransitionUpdate{}, ""); err != nil {
		t.Fatalf("UpdateStatus RUNNING: %v", err)
	}
	done, err := e.UpdateStatus(ctx, x.ID, model.StatusCompleted, model.TransitionUpdate{Output: ptr("x")}, "")
	if err != nil {
		t.Fatalf("UpdateStatus COMPLETED: %v", err)
	}

	if done.StartedAt == nil || done.CompletedAt == nil {
		t.Fatalf("StartedAt = %v, CompletedAt = %v, want both set", done.StartedAt, done.CompletedAt)
	}
	if done.StartedAt.After(*done.CompletedAt) {
		t.Errorf("StartedAt %v after CompletedAt %v", done.StartedAt, done.CompletedAt)
	}
	if done.Output != "x" {
		t.Errorf("Output = %q, want %q", done.Output, "x")
	}

	var path []model.Status
	for _, st := range steps(t, s, x.ID) {
		path = append(path, st.To)
	}
	want := []model.Status{model.StatusPending, model.StatusRunning, model.StatusCompleted}
	if diff := cmp.Diff(want, path); diff != "" {
		t.Errorf("transition path mismatch (-want +got):\n%s", diff)
	}
}

// driveTo moves a fresh execution into status s through legal transitions.
func driveTo(t *testing.T, e *engine.Engine, s model.Status) *model.Execution {
	t.Helper()
	ctx := context.Background()
	x := mustCreate(t, e, "hello")
	var path []model.Status
	switch s {
	case model.StatusRunning:
		path = []model.Status{model.StatusRunning}
	case model.StatusCompleted:
		path = []model.Status{model.StatusRunning, model.StatusCompleted}
	case model.StatusFailed:
		path = []model.Status{model.StatusFailed}
	case model.StatusCancelled:
		path = []model.Status{model.StatusCancelled}
	}
	for _, to := range path {
		var err error
		if x, err = e.UpdateStatus(ctx, x.ID, to, model.TransitionUpdate{}, ""); err != nil {
			t.Fatalf("UpdateStatus %s: %v", to, err)
		}
	}
	return x
}

func TestUpdateStatusTransitionTable(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()

	for _, from := range model.AllStatuses {
		for _, to := range model.AllStatuses {
			t.Run(string(from)+"->"+string(to), func(t *testing.T) {
				x := driveTo(t, e, from)
				before := len(steps(t, s, x.ID))

				_, err := e.UpdateStatus(ctx, x.ID, to, model.TransitionUpdate{}, "")
				legal := model.ValidTransition(from, to)
				if legal && err != nil {
					t.Fatalf("UpdateStatus: %v", err)
				}
				if !legal {
					var te *model.TransitionError
					if !errors.As(err, &te) {
						t.Fatalf("UpdateStatus error = %v, want *TransitionError", err)
					}
					if te.Current != from || te.Attempted != to {
						t.Errorf("TransitionError = %+v", te)
					}
				}

				got, err := e.Get(ctx, x.ID, store.GetOptions{})
				if err != nil {
					t.Fatalf("Get: %v", err)
				}
				wantStatus, wantSteps := from, before
				if legal {
					wantStatus, wantSteps = to, before+1
				}
				if got.Status != wantStatus {
					t.Errorf("Status = %q, want %q", got.Status, wantStatus)
				}
				if n := len(steps(t, s, x.ID)); n != wantSteps {
					t.Errorf("transitions = %d, want %d", n, wantSteps)
				}
			})
		}
	}
}

func TestUpdateStatusRejectsResultOnNonTerminal(t *testing.T) {
	e, _, _ := newTestEngine(t)
	x := mustCreate(t, e, "hello")
	_, err := e.UpdateStatus(context.Background(), x.ID, model.StatusRunning, model.TransitionUpdate{Output: ptr("early")}, "")
	if !errors.Is(err, model.ErrInvalidInput) {
		t.Errorf("error = %v, want ErrInvalidInput", err)
	}
}

func TestUpdateStatusUnknownStatus(t *testing.T) {
	e, _, _ := newTestEngine(t)
	x := mustCreate(t, e, "hello")
	_, err := e.UpdateStatus(context.Background(), x.ID, model.Status("PAUSED"), model.TransitionUpdate{}, "")
	if !errors.Is(err, model.ErrInvalidInput) {
		t.Errorf("error = %v, want ErrInvalidInput", err)
	}
}

func TestConcurrentUpdateStatusRace(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()
	x := mustCreate(t, e, "hello")

	targets := []model.Status{model.StatusRunning, model.StatusFailed}
	errs := make([]error, len(targets))
	var wg sync.WaitGroup
	for i, to := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = e.UpdateStatus(ctx, x.ID, to, model.TransitionUpdate{}, "")
		}()
	}
	wg.Wait()

	got, err := e.Get(ctx, x.ID, store.GetOptions{})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	// FAILED is legal from both PENDING and RUNNING, so either both apply
	// (RUNNING first) or only FAILED applies.
	switch {
	case errs[0] == nil && errs[1] == nil:
		if n := len(steps(t, s, x.ID)); n != 3 {
			t.Errorf("transitions = %d, want 3", n)
		}
	case errs[0] != nil && errs[1] == nil:
		if !errors.Is(errs[0], model.ErrInvalidTransition) {
			t.Errorf("RUNNING error = %v, want ErrInvalidTransition", errs[0])
		}
		if n := len(steps(t, s, x.ID)); n != 2 {
			t.Errorf("transitions = %d, want 2", n)
		}
	default:
		t.Fatalf("errors = %v", errs)
	}
	if got.Status != model.StatusFailed {
		t.Errorf("Status = %q, want FAILED", got.Status)
	}
}

func TestConcurrentTerminalUpdatesOneWinner(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()
	x := driveTo(t, e, model.StatusRunning)

	targets := []model.Status{model.StatusCompleted, model.StatusFailed, model.StatusCancelled}
	errs := make([]error, len(targets))
	var wg sync.WaitGroup
	for i, to := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = e.UpdateStatus(ctx, x.ID, to, model.TransitionUpdate{}, "")
		}()
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else if !errors.Is(err, model.ErrInvalidTransition) {
			t.Errorf("unexpected error %v", err)
		}
	}
	if winners != 1 {
		t.Errorf("winners = %d, want 1", winners)
	}
	if n := len(steps(t, s, x.ID)); n != 3 {
		t.Errorf("transitions = %d, want 3", n)
	}
}

func TestDispatch(t *testing.T) {
	e, _, b := newTestEngine(t)
	ctx := context.Background()
	x, err := e.Create(ctx, engine.CreateInput{
		Prompt:    "hello",
		Resources: &model.Resources{CPU: 250},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	h, err := e.Dispatch(ctx, x.ID)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if h.JobID != model.JobID(store.DefaultJobPrefix, x.ID) {
		t.Errorf("JobID = %q", h.JobID)
	}

	created := b.Created()
	if len(created) != 1 {
		t.Fatalf("CreateJob calls = %d, want 1", len(created))
	}
	req := created[0]
	if req.Prompt != "hello" || req.TimeoutSeconds != engine.DefaultTimeoutSeconds || req.Resources.CPU != 250 {
		t.Errorf("JobRequest = %+v", req)
	}

	if _, err := e.UpdateStatus(ctx, x.ID, model.StatusRunning, model.TransitionUpdate{}, ""); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if _, err := e.Dispatch(ctx, x.ID); !errors.Is(err, model.ErrInvalidState) {
		t.Errorf("Dispatch RUNNING error = %v, want ErrInvalidState", err)
	}
}

func TestDispatchFailureLeavesPending(t *testing.T) {
	e, _, b := newTestEngine(t)
	ctx := context.Background()
	x := mustCreate(t, e, "hello")

	b.CreateErr = backend.ErrUnconfigured
	if _, err := e.Dispatch(ctx, x.ID); !errors.Is(err, backend.ErrUnconfigured) {
		t.Errorf("Dispatch error = %v, want ErrUnconfigured", err)
	}

	b.CreateErr = errors.New("connection reset")
	if _, err := e.Dispatch(ctx, x.ID); err == nil {
		t.Error("Dispatch error = nil, want error")
	}

	got, err := e.Get(ctx, x.ID, store.GetOptions{})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != model.StatusPending {
		t.Errorf("Status = %q, want PENDING", got.Status)
	}
}

func TestGetLogs(t *testing.T) {
	e, _, b := newTestEngine(t)
	ctx := context.Background()
	x := mustCreate(t, e, "hello")

	logs, err := e.GetLogs(ctx, x.ID)
	if err != nil {
		t.Fatalf("GetLogs: %v", err)
	}
	if want := "Logs not yet available for job " + x.JobName; logs != want {
		t.Errorf("logs = %q, want %q", logs, want)
	}

	b.LogsErr = backend.ErrUnconfigured
	if logs, err = e.GetLogs(ctx, x.ID); err != nil || !strings.Contains(logs, x.JobName) {
		t.Errorf("GetLogs unconfigured = (%q, %v), want placeholder", logs, err)
	}
	b.LogsErr = nil

	if _, err := e.Dispatch(ctx, x.ID); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	b.SetLogs(x.ID, "step 1\nstep 2\n")
	if logs, err = e.GetLogs(ctx, x.ID); err != nil || logs != "step 1\nstep 2\n" {
		t.Errorf("GetLogs = (%q, %v)", logs, err)
	}

	if _, err := e.GetLogs(ctx, model.NewID()); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("GetLogs unknown error = %v, want ErrNotFound", err)
	}
}

func TestListClampsPageSize(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	for range 3 {
		mustCreate(t, e, "hello")
	}

	res, err := e.List(ctx, store.ListFilter{}, store.Pagination{Page: 1, PageSize: 200})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if res.PageSize != store.MaxPageSize {
		t.Errorf("PageSize = %d, want %d", res.PageSize, store.MaxPageSize)
	}
	if res.Total != 3 || res.TotalPages != 1 || len(res.Items) != 3 {
		t.Errorf("Total = %d, TotalPages = %d, len(Items) = %d", res.Total, res.TotalPages, len(res.Items))
	}
}

func TestListStatusFilter(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	driveTo(t, e, model.StatusRunning)
	driveTo(t, e, model.StatusCancelled)
	driveTo(t, e, model.StatusRunning)
	mustCreate(t, e, "hello")

	res, err := e.List(ctx, store.ListFilter{Statuses: []model.Status{model.StatusRunning}}, store.Pagination{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if res.Total != 2 {
		t.Errorf("Total = %d, want 2", res.Total)
	}
	for _, it := range res.Items {
		if it.Status != model.StatusRunning {
			t.Errorf("item %s Status = %q, want RUNNING", it.ID, it.Status)
		}
	}
}

func TestEventsPublishedUntilTerminal(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	x := mustCreate(t, e, "hello")

	events, unsubscribe := e.Broker().Subscribe(x.ID)
	defer unsubscribe()

	if _, err := e.UpdateStatus(ctx, x.ID, model.StatusRunning, model.TransitionUpdate{}, ""); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if _, err := e.Cancel(ctx, x.ID, "stop"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	var got []model.Status
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				want := []model.Status{model.StatusRunning, model.StatusCancelled}
				if diff := cmp.Diff(want, got); diff != "" {
					t.Errorf("events mismatch (-want +got):\n%s", diff)
				}
				return
			}
			got = append(got, ev.Status)
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %v", got)
		}
	}
}

func TestSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer tp.Shutdown(context.Background())

	e, _, _ := newTestEngine(t, engine.WithTracerProvider(tp))
	ctx := context.Background()
	x := mustCreate(t, e, "hello")
	if _, err := e.Cancel(ctx, x.ID, ""); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := e.Cancel(ctx, x.ID, ""); err == nil {
		t.Fatal("second Cancel succeeded")
	}

	spans := exporter.GetSpans()
	var names []string
	for _, s := range spans {
		names = append(names, s.Name)
	}
	if diff := cmp.Diff([]string{"engine.Create", "engine.Cancel", "engine.Cancel"}, names); diff != "" {
		t.Fatalf("span names mismatch (-want +got):\n%s", diff)
	}

	attrs := make(map[attribute.Key]string)
	for _, kv := range spans[0].Attributes {
		attrs[kv.Key] = kv.Value.Emit()
	}
	if attrs["execution.id"] != x.ID {
		t.Errorf("execution.id = %q, want %q", attrs["execution.id"], x.ID)
	}
	if attrs["execution.status"] != string(model.StatusPending) {
		t.Errorf("execution.status = %q, want PENDING", attrs["execution.status"])
	}
	if got := spans[2].Status.Code.String(); got != "Error" {
		t.Errorf("rejected cancel span status = %s, want Error", got)
	}
}
