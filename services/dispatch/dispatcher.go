package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"taskpilot/pkg/gen"
	"taskpilot/pkg/taskname"
	"taskpilot/services/task"
)

var (
	// ErrAlreadyRunning is returned when a task already has a non-terminal
	// execution and overlap is not allowed.
	ErrAlreadyRunning = errors.New("task already has a running execution")
	ErrTaskDisabled   = errors.New("task is disabled")
)

// FeatureDispatch is the remote switch consulted per task id before a run is
// queued. Turning it off for a task behaves like disabling the task.
const FeatureDispatch = "task_dispatch"

// Gate is a remote per-task switch.
type Gate interface {
	Enabled(ctx context.Context, identifier, feature string, fallback bool) bool
}

// Enqueuer is the part of *asynq.Client the dispatcher needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type Config struct {
	Timeout      time.Duration
	MaxAttempts  int
	AllowOverlap bool
	// Slack is added to Timeout for the asynq deadline so the orchestrator's
	// own timeout always fires first.
	Slack time.Duration
}

// Dispatcher turns a trigger into a queued placeholder execution plus an
// asynq job on the task's lane.
type Dispatcher struct {
	cfg      Config
	tasks    *task.Store
	enqueuer Enqueuer
	ids      gen.IDGenerator
	gate     Gate
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*taskLock
}

// taskLock is dropped from the map once nobody holds or waits for it.
type taskLock struct {
	sync.Mutex
	refs int
}

func NewDispatcher(cfg Config, tasks *task.Store, enqueuer Enqueuer, ids gen.IDGenerator) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Hour
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Slack <= 0 {
		cfg.Slack = time.Minute
	}
	return &Dispatcher{
		cfg:      cfg,
		tasks:    tasks,
		enqueuer: enqueuer,
		ids:      ids,
		now:      time.Now,
		locks:    make(map[string]*taskLock),
	}
}

// WithGate makes Enqueue consult g before queueing.
func (d *Dispatcher) WithGate(g Gate) *Dispatcher {
	d.gate = g
	return d
}

// lock serializes enqueues of the same task within this process.
func (d *Dispatcher) lock(taskID string) func() {
	d.mu.Lock()
	l, ok := d.locks[taskID]
	if !ok {
		l = &taskLock{}
		d.locks[taskID] = l
	}
	l.refs++
	d.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()

		d.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(d.locks, taskID)
		}
		d.mu.Unlock()
	}
}

// Enqueue creates the placeholder execution for taskID and queues its first
// attempt. The returned execution is in status running.
func (d *Dispatcher) Enqueue(ctx context.Context, taskID string, source Source) (*task.TaskExecution, error) {
	t, err := d.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !t.Enabled() {
		return nil, fmt.Errorf("%w: %s", ErrTaskDisabled, taskID)
	}
	if d.gate != nil && !d.gate.Enabled(ctx, t.ID, FeatureDispatch, true) {
		return nil, fmt.Errorf("%w: %s switched off remotely", ErrTaskDisabled, taskID)
	}
	if t.Type.String() == "" {
		return nil, fmt.Errorf("task %s has unsupported type %q", taskID, t.Type)
	}

	unlock := d.lock(taskID)
	defer unlock()

	if !d.cfg.AllowOverlap {
		running, err := d.tasks.HasRunningExecution(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if running {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, taskID)
		}
	}

	exec := &task.TaskExecution{
		ID:        d.ids.NextID(),
		TaskID:    t.ID,
		Status:    task.ExecutionRunning,
		StartTime: d.now(),
		Attempt:   1,
	}
	if err := d.tasks.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(ExecutionRunPayload{
		TaskID:      t.ID,
		ExecutionID: exec.ID,
		Source:      source,
		TraceID:     trace.SpanContextFromContext(ctx).TraceID().String(),
	})
	if err != nil {
		return nil, err
	}

	info, err := d.enqueuer.EnqueueContext(ctx,
		asynq.NewTask(taskname.ExecutionRun, payload),
		asynq.Queue(t.Lane()),
		asynq.TaskID(exec.ID),
		asynq.MaxRetry(d.cfg.MaxAttempts-1),
		asynq.Timeout(d.cfg.Timeout+d.cfg.Slack),
	)
	if err != nil {
		exec.Finish(task.ExecutionFailed, fmt.Sprintf("dispatch failure: %v", err), d.now())
		if ferr := d.tasks.Finish(context.WithoutCancel(ctx), exec); ferr != nil {
			zap.L().Error("failed to close undispatched execution", zap.String("execution_id", exec.ID), zap.Error(ferr))
		}
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	zap.L().Info("execution enqueued",
		zap.String("task_id", t.ID),
		zap.String("execution_id", exec.ID),
		zap.String("queue", info.Queue),
		zap.String("source", string(source)),
	)
	return exec, nil
}
