package logapi

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"taskpilot/pkg/gen"
	"taskpilot/pkg/middleware"
	"taskpilot/pkg/pubsub"
	"taskpilot/services/dispatch"
	"taskpilot/services/pool"
	"taskpilot/services/recorder"
	"taskpilot/services/task"
	"taskpilot/services/testutil"
)

type fakeEnqueuer struct {
	exec *task.TaskExecution
	err  error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, taskID string, source dispatch.Source) (*task.TaskExecution, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.exec, nil
}

type fakeCanceller struct {
	store *task.Store
}

func (f *fakeCanceller) Cancel(ctx context.Context, id string) (*task.TaskExecution, error) {
	exec, err := f.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if exec.Status.Terminal() {
		return exec, fmt.Errorf("%w: %s", task.ErrExecutionFinished, id)
	}
	exec.Finish(task.ExecutionCancelled, "cancelled failure: cancelled by operator", time.Now())
	return exec, f.store.Finish(ctx, exec)
}

type fixture struct {
	store    *task.Store
	rec      *recorder.Recorder
	broker   *pubsub.Memory
	enqueuer *fakeEnqueuer
	router   *gin.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.NewTestDB(t, &task.Task{}, &task.TaskExecution{}, &recorder.TaskLog{})
	store := task.NewStore(task.Params{DB: db})
	broker := pubsub.NewMemory(64)
	rec := recorder.New(db, broker, recorder.NewMemoryObjects(), gen.MustNode(4))
	enq := &fakeEnqueuer{}

	r := gin.New()
	r.Use(middleware.Error())
	NewHandler(store, rec, broker, enq, &fakeCanceller{store: store}).Register(r)

	ctx := context.Background()
	require.NoError(t, store.CreateTask(ctx, &task.Task{ID: "t1", Name: "sync orders", Type: task.TypeBrowser}))

	return &fixture{store: store, rec: rec, broker: broker, enqueuer: enq, router: r}
}

func (f *fixture) execution(t *testing.T, id string, status task.ExecutionStatus) *task.TaskExecution {
	t.Helper()
	ctx := context.Background()
	exec := &task.TaskExecution{ID: id, TaskID: "t1", Status: task.ExecutionRunning, StartTime: time.Now().Add(-time.Minute), Attempt: 1}
	require.NoError(t, f.store.CreateExecution(ctx, exec))
	if status != task.ExecutionRunning {
		msg := ""
		if status == task.ExecutionFailed {
			msg = "script failure: step 2/3 (click #pay) failed"
		}
		exec.Finish(status, msg, time.Now())
		require.NoError(t, f.store.Finish(ctx, exec))
	}
	return exec
}

func (f *fixture) log(t *testing.T, execID string, level recorder.Level, msg string, fields map[string]any) *recorder.TaskLog {
	t.Helper()
	l, err := f.rec.Append(context.Background(), recorder.Entry{ExecutionID: execID, Level: level, Message: msg, Context: fields})
	require.NoError(t, err)
	return l
}

func (f *fixture) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestTaskLogs(t *testing.T) {
	f := newFixture(t)
	f.execution(t, "e1", task.ExecutionFailed)
	f.execution(t, "e2", task.ExecutionRunning)
	f.log(t, "e1", recorder.LevelInfo, "first attempt", nil)
	f.log(t, "e1", recorder.LevelError, "boom", nil)
	f.log(t, "e2", recorder.LevelInfo, "second attempt", nil)

	w := f.do(t, http.MethodGet, "/tasks/t1/logs")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	res := decode[LogsResponse](t, w)
	require.EqualValues(t, 3, res.TotalCount)
	require.Len(t, res.Logs, 3)
	require.Equal(t, "t1", res.Task.ID)
	require.True(t, res.HasRunningExecution)
	require.NotNil(t, res.LatestExecution)
	require.Equal(t, "e2", res.LatestExecution.ID)

	statuses := map[string]task.ExecutionStatus{}
	for _, l := range res.Logs {
		statuses[l.Message] = l.ExecutionStatus
	}
	require.Equal(t, task.ExecutionFailed, statuses["boom"])
	require.Equal(t, task.ExecutionRunning, statuses["second attempt"])
}

func TestExecutionLogsAfterCursor(t *testing.T) {
	f := newFixture(t)
	f.execution(t, "e1", task.ExecutionRunning)
	first := f.log(t, "e1", recorder.LevelInfo, "one", nil)
	f.log(t, "e1", recorder.LevelInfo, "two", nil)
	f.log(t, "e1", recorder.LevelInfo, "three", nil)

	w := f.do(t, http.MethodGet, "/executions/e1/logs?after="+first.ID+"&limit=500")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	res := decode[LogsResponse](t, w)
	require.Len(t, res.Logs, 2)
	require.Equal(t, "two", res.Logs[0].Message)
	require.Equal(t, "three", res.Logs[1].Message)
	require.Equal(t, "e1", res.Execution.ID)

	w = f.do(t, http.MethodGet, "/executions/e1/logs?order=asc&limit=1")
	res = decode[LogsResponse](t, w)
	require.Len(t, res.Logs, 1)
	require.Equal(t, "one", res.Logs[0].Message)
	require.True(t, res.PageInfo.HasMore)
}

func TestLogsValidation(t *testing.T) {
	f := newFixture(t)
	f.execution(t, "e1", task.ExecutionRunning)

	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/tasks/t1/logs?limit=0").Code)
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/tasks/t1/logs?limit=501").Code)
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/tasks/t1/logs?order=sideways").Code)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/tasks/nope/logs").Code)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/executions/nope/logs").Code)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/executions/e1/logs?after=missing").Code)
}

func TestTaskTranscript(t *testing.T) {
	f := newFixture(t)
	f.execution(t, "e1", task.ExecutionSuccess)
	f.log(t, "e1", recorder.LevelInfo, "old attempt", nil)

	time.Sleep(5 * time.Millisecond)
	f.execution(t, "e2", task.ExecutionFailed)
	f.log(t, "e2", recorder.LevelInfo, "step 1/3: navigate", map[string]any{"url": "https://shop.example"})
	f.log(t, "e2", recorder.LevelError, "step 2/3 failed", nil)

	w := f.do(t, http.MethodGet, "/tasks/t1/logs/text")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Contains(t, w.Header().Get("Content-Type"), "text/plain")

	body := w.Body.String()
	require.Contains(t, body, "Task: sync orders")
	require.Contains(t, body, "Execution: e2")
	require.Contains(t, body, "Status: failed")
	require.Contains(t, body, "[INFO] step 1/3: navigate")
	require.Contains(t, body, "    url: https://shop.example")
	require.Contains(t, body, "[ERROR] step 2/3 failed")
	require.Contains(t, body, "ERROR:\nscript failure")
	require.NotContains(t, body, "old attempt")

	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/tasks/nope/logs/text").Code)
}

func TestRunTask(t *testing.T) {
	f := newFixture(t)
	f.enqueuer.exec = &task.TaskExecution{ID: "queued", TaskID: "t1", Status: task.ExecutionRunning}

	w := f.do(t, http.MethodPost, "/tasks/t1/run")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	require.Contains(t, w.Body.String(), `"queued"`)

	f.enqueuer.err = fmt.Errorf("%w: t1", dispatch.ErrAlreadyRunning)
	require.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/tasks/t1/run").Code)

	f.enqueuer.err = fmt.Errorf("%w: t1", dispatch.ErrTaskDisabled)
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/tasks/t1/run").Code)
}

func TestCancelExecution(t *testing.T) {
	f := newFixture(t)
	f.execution(t, "e1", task.ExecutionRunning)

	w := f.do(t, http.MethodPost, "/executions/e1/cancel")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Contains(t, w.Body.String(), `"cancelled"`)

	require.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/executions/e1/cancel").Code)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/executions/nope/cancel").Code)
}

func TestExecutionEventsStream(t *testing.T) {
	f := newFixture(t)
	f.execution(t, "e1", task.ExecutionRunning)

	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/executions/e1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	next := sseReader(t, resp)

	ev := next()
	require.Equal(t, "ready", ev.event)

	l := f.log(t, "e1", recorder.LevelWarning, "slow page", map[string]any{"ms": 1800})

	ev = next()
	require.Equal(t, recorder.EventLogCreated, ev.event)
	require.Equal(t, l.ID, ev.id)

	var payload recorder.LogCreated
	require.NoError(t, json.Unmarshal([]byte(ev.data), &payload))
	require.Equal(t, l.ID, payload.ID)
	require.Equal(t, "slow page", payload.Message)
	require.Equal(t, recorder.LevelWarning, payload.Level)
}

type sseEvent struct {
	id, event, data string
}

func sseReader(t *testing.T, resp *http.Response) func() sseEvent {
	reader := bufio.NewReader(resp.Body)
	return func() sseEvent {
		t.Helper()
		var ev sseEvent
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			switch {
			case line == "" && ev.event != "":
				return ev
			case strings.HasPrefix(line, "id:"):
				ev.id = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
			case strings.HasPrefix(line, "event:"):
				ev.event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				ev.data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			}
		}
	}
}

func TestExecutionEventsResumeFromLastEventID(t *testing.T) {
	f := newFixture(t)
	f.execution(t, "e1", task.ExecutionRunning)
	first := f.log(t, "e1", recorder.LevelInfo, "one", nil)
	second := f.log(t, "e1", recorder.LevelInfo, "two", nil)
	third := f.log(t, "e1", recorder.LevelInfo, "three", nil)

	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/executions/e1/events", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", first.ID)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	next := sseReader(t, resp)
	require.Equal(t, "ready", next().event)

	for _, want := range []*recorder.TaskLog{second, third} {
		ev := next()
		require.Equal(t, recorder.EventLogCreated, ev.event)
		require.Equal(t, want.ID, ev.id)
		var payload recorder.LogCreated
		require.NoError(t, json.Unmarshal([]byte(ev.data), &payload))
		require.Equal(t, want.Message, payload.Message)
	}

	live := f.log(t, "e1", recorder.LevelInfo, "four", nil)
	ev := next()
	require.Equal(t, live.ID, ev.id)

	w := f.do(t, http.MethodGet, "/executions/e1/events?last_event_id=missing")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestBrowserInstances(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/browser-instances").Code)

	store := pool.NewGormStore(testutil.NewTestDB(t, &pool.BrowserInstance{}))
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, &pool.BrowserInstance{ID: "b1", NodeID: 1, Status: pool.InstanceIdle, LastActivityAt: time.Now().Add(-time.Minute)}))
	require.NoError(t, store.Save(ctx, &pool.BrowserInstance{ID: "b2", NodeID: 2, Status: pool.InstanceBusy, LastActivityAt: time.Now()}))

	r := gin.New()
	r.Use(middleware.Error())
	NewHandler(f.store, f.rec, f.broker, nil, nil).WithInstances(store).Register(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/browser-instances", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	res := decode[struct {
		Instances []pool.BrowserInstance `json:"instances"`
	}](t, w)
	require.Len(t, res.Instances, 2)
	require.Equal(t, "b2", res.Instances[0].ID)
	require.EqualValues(t, 2, res.Instances[0].NodeID)
}

func TestEventsUnknownExecution(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/executions/nope/events").Code)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/tasks/nope/events").Code)
}
