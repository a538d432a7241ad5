package task

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskpilot/services/testutil"
)

func newStore(t *testing.T) *Store {
	db := testutil.NewTestDB(t, &Task{}, &TaskExecution{})
	return NewStore(Params{DB: db})
}

func TestGetTaskNotFound(t *testing.T) {
	s := newStore(t)

	_, err := s.GetTask(context.Background(), "missing")
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestFinishIsFirstWriterWins(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.CreateTask(ctx, &Task{ID: "t1", Name: "daily", Type: TypeAPI}))

	start := time.Now().Add(-2 * time.Second)
	exec := &TaskExecution{ID: "e1", TaskID: "t1", Status: ExecutionRunning, StartTime: start}
	require.NoError(t, s.CreateExecution(ctx, exec))

	cancelled := *exec
	cancelled.Finish(ExecutionCancelled, "cancelled by operator", time.Now())
	require.NoError(t, s.Finish(ctx, &cancelled))

	failed := *exec
	failed.Finish(ExecutionFailed, "late failure", time.Now())
	require.ErrorIs(t, s.Finish(ctx, &failed), ErrExecutionFinished)

	got, err := s.GetExecution(ctx, "e1")
	require.NoError(t, err)
	require.Equal(t, ExecutionCancelled, got.Status)
	require.NotNil(t, got.EndTime)
	require.NotNil(t, got.Duration)
	require.GreaterOrEqual(t, *got.Duration, int64(2000))
}

func TestFinishRejectsRunningStatus(t *testing.T) {
	s := newStore(t)
	err := s.Finish(context.Background(), &TaskExecution{ID: "e1", Status: ExecutionRunning})
	require.Error(t, err)
}

func TestRunningQueries(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.CreateTask(ctx, &Task{ID: "t1", Name: "sync", Type: TypeBrowser, TriggerExpr: "@every 1h", Status: StatusEnabled}))
	require.NoError(t, s.CreateTask(ctx, &Task{ID: "t2", Name: "off", Type: TypeBrowser, TriggerExpr: "@every 1h", Status: StatusDisabled}))

	running, err := s.HasRunningExecution(ctx, "t1")
	require.NoError(t, err)
	require.False(t, running)

	latest, err := s.LatestExecution(ctx, "t1")
	require.NoError(t, err)
	require.Nil(t, latest)

	require.NoError(t, s.CreateExecution(ctx, &TaskExecution{ID: "e1", TaskID: "t1", Status: ExecutionRunning, StartTime: time.Now()}))

	running, err = s.HasRunningExecution(ctx, "t1")
	require.NoError(t, err)
	require.True(t, running)

	latest, err = s.LatestExecution(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, "e1", latest.ID)

	tasks, err := s.ListSchedulable(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "t1", tasks[0].ID)
}

func TestListExecutionsAndStatuses(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.CreateTask(ctx, &Task{ID: "t1", Name: "sync", Type: TypeAPI}))

	start := time.Now().Add(-time.Minute)
	require.NoError(t, s.CreateExecution(ctx, &TaskExecution{ID: "e1", TaskID: "t1", Status: ExecutionRunning, StartTime: start}))
	require.NoError(t, s.CreateExecution(ctx, &TaskExecution{ID: "e2", TaskID: "t1", Status: ExecutionRunning, StartTime: start}))

	e1, err := s.GetExecution(ctx, "e1")
	require.NoError(t, err)
	e1.Finish(ExecutionFailed, "boom", time.Now())
	require.NoError(t, s.Finish(ctx, e1))

	execs, err := s.ListExecutions(ctx, "t1", 10)
	require.NoError(t, err)
	require.Len(t, execs, 2)

	statuses, err := s.ExecutionStatuses(ctx, []string{"e1", "e2", "missing"})
	require.NoError(t, err)
	require.Equal(t, map[string]ExecutionStatus{"e1": ExecutionFailed, "e2": ExecutionRunning}, statuses)
}
