package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"gorm.io/datatypes"

	"taskpilot/pkg/browser/browsertest"
	"taskpilot/pkg/db/pagination"
	"taskpilot/pkg/gen"
	"taskpilot/pkg/pubsub"
	"taskpilot/pkg/rediskey"
	"taskpilot/services/cookie"
	"taskpilot/services/executor"
	"taskpilot/services/pool"
	"taskpilot/services/recorder"
	"taskpilot/services/task"
	"taskpilot/services/testutil"
)

type recordingNotifier struct {
	mu    sync.Mutex
	execs []string
}

func (n *recordingNotifier) ExecutionExhausted(_ context.Context, _ *task.Task, exec *task.TaskExecution) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.execs = append(n.execs, exec.ID)
	return nil
}

func (n *recordingNotifier) calls() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.execs...)
}

type harness struct {
	svc      *Service
	store    *task.Store
	pool     *pool.Manager
	launcher *browsertest.Launcher
	rec      *recorder.Recorder
	broker   *pubsub.Memory
	notifier *recordingNotifier
}

func newHarness(t *testing.T, cfg Config, client *http.Client) *harness {
	t.Helper()
	db := testutil.NewTestDB(t, &task.Task{}, &task.TaskExecution{}, &recorder.TaskLog{}, &cookie.Cookie{})
	ids := gen.MustNode(7)
	broker := pubsub.NewMemory(64)
	rec := recorder.New(db, broker, recorder.NewMemoryObjects(), ids)
	store := task.NewStore(task.Params{DB: db})

	launcher := &browsertest.Launcher{}
	pm := pool.NewManager(pool.Config{MaxInstances: 1, MaxTabs: 2, AcquireTimeout: time.Second}, launcher, nil, ids)
	t.Cleanup(func() { _ = pm.Shutdown(context.Background()) })

	registry := executor.NewRegistry(
		executor.NewBrowserExecutor(rec, cookie.NewStore(cookie.Params{DB: db, IDs: ids})),
		executor.NewAPIExecutor(rec, client),
	)
	notifier := &recordingNotifier{}

	return &harness{
		svc:      NewService(cfg, store, pm, registry, rec, broker, ids, notifier),
		store:    store,
		pool:     pm,
		launcher: launcher,
		rec:      rec,
		broker:   broker,
		notifier: notifier,
	}
}

func (h *harness) createTask(t *testing.T, tk *task.Task) *task.Task {
	t.Helper()
	require.NoError(t, h.store.CreateTask(context.Background(), tk))
	return tk
}

func (h *harness) placeholder(t *testing.T, taskID, id string) {
	t.Helper()
	require.NoError(t, h.store.CreateExecution(context.Background(), &task.TaskExecution{
		ID: id, TaskID: taskID, Status: task.ExecutionRunning, StartTime: time.Now(),
	}))
}

func (h *harness) messages(t *testing.T, executionID string) []string {
	t.Helper()
	page, err := h.rec.List(context.Background(), recorder.Query{
		ExecutionID: executionID,
		Ascending:   true,
		Pagination:  pagination.Pagination{Limit: 500},
	})
	require.NoError(t, err)
	out := make([]string, 0, len(page.Logs))
	for _, l := range page.Logs {
		out = append(out, l.Message)
	}
	return out
}

func (h *harness) activeTabs() int {
	n := 0
	for _, v := range h.pool.Snapshot() {
		n += len(v.ActiveTabs)
	}
	return n
}

func containsPrefix(msgs []string, prefix string) bool {
	for _, m := range msgs {
		if strings.HasPrefix(m, prefix) {
			return true
		}
	}
	return false
}

func steps(t *testing.T, v any) datatypes.JSON {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func apiServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRunAPITaskSucceeds(t *testing.T) {
	srv := apiServer(t, http.StatusOK)
	h := newHarness(t, Config{Timeout: 5 * time.Second, MaxAttempts: 3}, srv.Client())
	tk := h.createTask(t, &task.Task{
		ID:           "t-api",
		Name:         "ping",
		Type:         task.TypeAPI,
		WorkflowData: steps(t, []map[string]any{{"name": "ping", "url": srv.URL}}),
	})

	exec, err := h.svc.Run(context.Background(), tk.ID, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, task.ExecutionSuccess, exec.Status)
	require.NotNil(t, exec.EndTime)
	require.NotNil(t, exec.Duration)
	require.Equal(t, 1, exec.Attempt)

	stored, err := h.store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Equal(t, task.ExecutionSuccess, stored.Status)

	msgs := h.messages(t, exec.ID)
	require.True(t, containsPrefix(msgs, "execution started"))
	require.True(t, containsPrefix(msgs, "execution succeeded"))
	require.False(t, h.svc.Running(exec.ID))
}

func TestRunReusesQueuedPlaceholder(t *testing.T) {
	srv := apiServer(t, http.StatusOK)
	h := newHarness(t, Config{Timeout: 5 * time.Second}, srv.Client())
	tk := h.createTask(t, &task.Task{
		ID:           "t-api",
		Name:         "ping",
		Type:         task.TypeAPI,
		WorkflowData: steps(t, []map[string]any{{"url": srv.URL}}),
	})
	h.placeholder(t, tk.ID, "queued-1")

	exec, err := h.svc.Run(context.Background(), tk.ID, RunOptions{ExecutionID: "queued-1", Attempt: 1})
	require.NoError(t, err)
	require.Equal(t, "queued-1", exec.ID)
}

func TestRetryCreatesNewExecution(t *testing.T) {
	srv := apiServer(t, http.StatusNotFound)
	h := newHarness(t, Config{Timeout: 5 * time.Second, MaxAttempts: 2}, srv.Client())
	tk := h.createTask(t, &task.Task{
		ID:           "t-api",
		Name:         "missing",
		Type:         task.TypeAPI,
		WorkflowData: steps(t, []map[string]any{{"url": srv.URL}}),
	})
	h.placeholder(t, tk.ID, "queued-1")
	ctx := context.Background()

	first, err := h.svc.Run(ctx, tk.ID, RunOptions{ExecutionID: "queued-1", Attempt: 1, MaxAttempts: 2})
	require.Error(t, err)
	require.Equal(t, task.ExecutionFailed, first.Status)
	require.Empty(t, h.notifier.calls())

	second, err := h.svc.Run(ctx, tk.ID, RunOptions{ExecutionID: "queued-1", Attempt: 2, MaxAttempts: 2})
	require.Error(t, err)
	require.NotEqual(t, first.ID, second.ID)
	require.Equal(t, 2, second.Attempt)
	require.Equal(t, task.ExecutionFailed, second.Status)

	require.Equal(t, []string{second.ID}, h.notifier.calls())
	require.True(t, containsPrefix(h.messages(t, second.ID), "execution failed after 2 attempts"))
}

type taskWithID string

func (m taskWithID) Matches(x any) bool {
	t, ok := x.(*task.Task)
	return ok && t.ID == string(m)
}

func (m taskWithID) String() string { return "task " + string(m) }

func TestNotifierErrorDoesNotMaskFailure(t *testing.T) {
	srv := apiServer(t, http.StatusNotFound)
	h := newHarness(t, Config{Timeout: 5 * time.Second, MaxAttempts: 1}, srv.Client())
	tk := h.createTask(t, &task.Task{
		ID:           "t-api",
		Name:         "missing",
		Type:         task.TypeAPI,
		WorkflowData: steps(t, []map[string]any{{"url": srv.URL}}),
	})

	notifier := NewMockNotifier(gomock.NewController(t))
	notifier.EXPECT().
		ExecutionExhausted(gomock.Any(), taskWithID(tk.ID), gomock.Any()).
		Return(errors.New("webhook unreachable")).
		Times(1)
	h.svc.notifier = notifier

	exec, err := h.svc.Run(context.Background(), tk.ID, RunOptions{})
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrCancelled)
	require.Equal(t, task.ExecutionFailed, exec.Status)

	stored, err := h.store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Equal(t, task.ExecutionFailed, stored.Status)
}

func TestRunBrowserFailureReleasesTab(t *testing.T) {
	h := newHarness(t, Config{Timeout: 5 * time.Second, MaxAttempts: 1}, nil)
	h.launcher.Configure = func(tab *browsertest.Tab) {
		tab.FailOn = map[string]error{"click #submit": errors.New("element detached")}
	}
	tk := h.createTask(t, &task.Task{
		ID:     "t-browser",
		Name:   "submit form",
		Type:   task.TypeBrowser,
		Domain: "shop.example",
		WorkflowData: steps(t, []map[string]any{
			{"op": "navigate", "url": "https://shop.example/form"},
			{"op": "click", "selector": "#submit"},
		}),
	})

	exec, err := h.svc.Run(context.Background(), tk.ID, RunOptions{})
	require.Error(t, err)
	require.Equal(t, task.ExecutionFailed, exec.Status)
	require.Contains(t, exec.ErrorMessage, "element detached")
	require.NotEmpty(t, exec.BrowserInstanceID)
	require.NotEmpty(t, exec.TabID)

	var shots []string
	require.NoError(t, json.Unmarshal(exec.Screenshots, &shots))
	require.Len(t, shots, 1)

	require.Zero(t, h.activeTabs())
	require.Equal(t, []string{exec.ID}, h.notifier.calls())
}

func TestRunTimeoutMarksFailed(t *testing.T) {
	h := newHarness(t, Config{Timeout: 150 * time.Millisecond}, nil)
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	h.launcher.Configure = func(tab *browsertest.Tab) { tab.Block = block }

	tk := h.createTask(t, &task.Task{
		ID:           "t-slow",
		Name:         "hangs",
		Type:         task.TypeBrowser,
		Domain:       "slow.example",
		WorkflowData: steps(t, []map[string]any{{"op": "navigate", "url": "https://slow.example"}}),
	})

	start := time.Now()
	exec, err := h.svc.Run(context.Background(), tk.ID, RunOptions{})
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrCancelled))
	require.Less(t, time.Since(start), 2*time.Second)

	require.Equal(t, task.ExecutionFailed, exec.Status)
	require.Contains(t, exec.ErrorMessage, string(executor.KindTimeout))
	require.Zero(t, h.activeTabs())
}

func TestCancelRunningExecution(t *testing.T) {
	h := newHarness(t, Config{Timeout: 10 * time.Second, CancelGrace: time.Second}, nil)
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	h.launcher.Configure = func(tab *browsertest.Tab) { tab.Block = block }

	tk := h.createTask(t, &task.Task{
		ID:           "t-slow",
		Name:         "hangs",
		Type:         task.TypeBrowser,
		Domain:       "slow.example",
		WorkflowData: steps(t, []map[string]any{{"op": "navigate", "url": "https://slow.example"}}),
	})
	h.placeholder(t, tk.ID, "exec-1")

	type outcome struct {
		exec *task.TaskExecution
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		exec, err := h.svc.Run(context.Background(), tk.ID, RunOptions{ExecutionID: "exec-1"})
		done <- outcome{exec, err}
	}()

	require.Eventually(t, func() bool { return h.svc.Running("exec-1") }, time.Second, 10*time.Millisecond)

	exec, err := h.svc.Cancel(context.Background(), "exec-1")
	require.NoError(t, err)
	require.Equal(t, task.ExecutionCancelled, exec.Status)

	select {
	case out := <-done:
		require.ErrorIs(t, out.err, ErrCancelled)
		require.Equal(t, task.ExecutionCancelled, out.exec.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
	require.Zero(t, h.activeTabs())
	require.Empty(t, h.notifier.calls())
}

func TestCancelFinalizesUnownedExecution(t *testing.T) {
	h := newHarness(t, Config{CancelGrace: 50 * time.Millisecond}, nil)
	tk := h.createTask(t, &task.Task{ID: "t1", Name: "queued", Type: task.TypeAPI})
	h.placeholder(t, tk.ID, "exec-orphan")

	exec, err := h.svc.Cancel(context.Background(), "exec-orphan")
	require.NoError(t, err)
	require.Equal(t, task.ExecutionCancelled, exec.Status)
	require.NotNil(t, exec.EndTime)

	_, err = h.svc.Cancel(context.Background(), "exec-orphan")
	require.ErrorIs(t, err, task.ErrExecutionFinished)

	// the queued job must not resurrect the cancelled placeholder
	_, err = h.svc.Run(context.Background(), tk.ID, RunOptions{ExecutionID: "exec-orphan"})
	require.ErrorIs(t, err, ErrCancelled)
}

func TestCancelRequestFromAnotherNode(t *testing.T) {
	h := newHarness(t, Config{Timeout: 10 * time.Second}, nil)
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	h.launcher.Configure = func(tab *browsertest.Tab) { tab.Block = block }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.svc.ListenForCancels(ctx))

	tk := h.createTask(t, &task.Task{
		ID:           "t-slow",
		Name:         "hangs",
		Type:         task.TypeBrowser,
		Domain:       "slow.example",
		WorkflowData: steps(t, []map[string]any{{"op": "navigate", "url": "https://slow.example"}}),
	})
	h.placeholder(t, tk.ID, "exec-1")

	done := make(chan error, 1)
	go func() {
		_, err := h.svc.Run(context.Background(), tk.ID, RunOptions{ExecutionID: "exec-1"})
		done <- err
	}()
	require.Eventually(t, func() bool { return h.svc.Running("exec-1") }, time.Second, 10*time.Millisecond)

	require.NoError(t, h.broker.Publish(context.Background(), rediskey.ExecutionsCancel, []byte("exec-1")))

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancel request was not applied")
	}
}

func TestCancelBeforeWorkerRegisters(t *testing.T) {
	h := newHarness(t, Config{Timeout: 10 * time.Second, CancelGrace: 200 * time.Millisecond, PollInterval: 20 * time.Millisecond}, nil)

	tk := h.createTask(t, &task.Task{
		ID:           "t-sleepy",
		Name:         "sleeps",
		Type:         task.TypeBrowser,
		Domain:       "sleepy.example",
		WorkflowData: steps(t, []map[string]any{{"op": "sleep", "duration_ms": 3000}}),
	})
	h.placeholder(t, tk.ID, "exec-r")

	// nobody listens on the cancel topic, so the request is lost and only
	// the finalized row can stop the run
	type outcome struct {
		exec *task.TaskExecution
		err  error
	}
	cancelled := make(chan outcome, 1)
	go func() {
		exec, err := h.svc.Cancel(context.Background(), "exec-r")
		cancelled <- outcome{exec, err}
	}()
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	exec, err := h.svc.Run(context.Background(), tk.ID, RunOptions{ExecutionID: "exec-r"})
	require.ErrorIs(t, err, ErrCancelled)
	require.Less(t, time.Since(start), 2*time.Second)
	require.Equal(t, task.ExecutionCancelled, exec.Status)

	out := <-cancelled
	require.NoError(t, out.err)
	require.Equal(t, task.ExecutionCancelled, out.exec.Status)
	require.False(t, h.svc.Running("exec-r"))
	require.Zero(t, h.activeTabs())

	msgs := h.messages(t, "exec-r")
	require.NotContains(t, msgs, "step 1 completed")
	n := 0
	for _, m := range msgs {
		if m == "execution cancelled" {
			n++
		}
	}
	require.Equal(t, 1, n, msgs)
}

func TestRunSkipsRowCancelledAfterClaim(t *testing.T) {
	h := newHarness(t, Config{CancelGrace: 20 * time.Millisecond}, nil)
	tk := h.createTask(t, &task.Task{ID: "t1", Name: "queued", Type: task.TypeAPI})
	h.placeholder(t, tk.ID, "exec-late")

	_, err := h.svc.Cancel(context.Background(), "exec-late")
	require.NoError(t, err)

	err = h.svc.finalized(context.Background(), "exec-late", fmt.Errorf("%w: exec-late", task.ErrExecutionFinished))
	require.ErrorIs(t, err, ErrCancelled)

	other := errors.New("db gone")
	require.Equal(t, other, h.svc.finalized(context.Background(), "exec-late", other))
}

func TestRunUnknownTask(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	_, err := h.svc.Run(context.Background(), "nope", RunOptions{})
	require.ErrorIs(t, err, task.ErrTaskNotFound)
}
