package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"taskpilot/pkg/gen"
	"taskpilot/pkg/pubsub"
	"taskpilot/pkg/rediskey"
	"taskpilot/services/executor"
	"taskpilot/services/pool"
	"taskpilot/services/recorder"
	"taskpilot/services/task"
)

// Service drives executions from claim to terminal state.
type Service struct {
	cfg       Config
	tasks     *task.Store
	pool      *pool.Manager
	executors *executor.Registry
	rec       *recorder.Recorder
	broker    pubsub.Broker
	ids       gen.IDGenerator
	notifier  Notifier
	now       func() time.Time

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
}

func NewService(
	cfg Config,
	tasks *task.Store,
	pm *pool.Manager,
	executors *executor.Registry,
	rec *recorder.Recorder,
	broker pubsub.Broker,
	ids gen.IDGenerator,
	notifier Notifier,
) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Hour
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = 5 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &Service{
		cfg:       cfg,
		tasks:     tasks,
		pool:      pm,
		executors: executors,
		rec:       rec,
		broker:    broker,
		ids:       ids,
		notifier:  notifier,
		now:       time.Now,
		running:   make(map[string]context.CancelCauseFunc),
	}
}

// claim returns the execution this attempt runs under: the queued placeholder
// while it is still running, otherwise a fresh row.
func (s *Service) claim(ctx context.Context, t *task.Task, opts RunOptions) (*task.TaskExecution, error) {
	now := s.now()

	if opts.ExecutionID != "" {
		exec, err := s.tasks.GetExecution(ctx, opts.ExecutionID)
		switch {
		case err == nil && exec.Status == task.ExecutionCancelled:
			return exec, fmt.Errorf("%w: %s was cancelled before it started", ErrCancelled, exec.ID)
		case err == nil && exec.Status == task.ExecutionRunning:
			exec.StartTime = now
			exec.Attempt = opts.Attempt
			if err := s.tasks.UpdateRunning(ctx, exec); err != nil {
				return nil, s.finalized(ctx, exec.ID, err)
			}
			return exec, nil
		case err != nil && !errors.Is(err, task.ErrExecutionNotFound):
			return nil, err
		}
	}

	exec := &task.TaskExecution{
		ID:        s.ids.NextID(),
		TaskID:    t.ID,
		Status:    task.ExecutionRunning,
		StartTime: now,
		Attempt:   opts.Attempt,
	}
	if err := s.tasks.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}
	return exec, nil
}

// finalized maps a write that lost the race against a canceller to
// ErrCancelled so the queue does not spend a retry on it.
func (s *Service) finalized(ctx context.Context, id string, err error) error {
	if !errors.Is(err, task.ErrExecutionFinished) {
		return err
	}
	cur, gerr := s.tasks.GetExecution(ctx, id)
	if gerr == nil && cur.Status == task.ExecutionCancelled {
		return fmt.Errorf("%w: %s was cancelled before it started", ErrCancelled, id)
	}
	return err
}

func (s *Service) register(id string, cancel context.CancelCauseFunc) {
	s.mu.Lock()
	s.running[id] = cancel
	s.mu.Unlock()
}

func (s *Service) unregister(id string) {
	s.mu.Lock()
	delete(s.running, id)
	s.mu.Unlock()
}

// Running reports whether this process currently owns the execution.
func (s *Service) Running(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[id]
	return ok
}

// Run performs one attempt of taskID and returns its terminal execution.
// The returned error is non-nil iff the attempt did not succeed; it wraps
// ErrCancelled for cancelled runs so callers can skip retries.
func (s *Service) Run(ctx context.Context, taskID string, opts RunOptions) (*task.TaskExecution, error) {
	if opts.Attempt <= 0 {
		opts.Attempt = 1
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = s.cfg.MaxAttempts
	}

	ctx, span := otel.Tracer("taskpilot/orchestrator").Start(ctx, "orchestrator.Run",
		trace.WithAttributes(
			attribute.String("task_id", taskID),
			attribute.Int("attempt", opts.Attempt),
		),
	)
	defer span.End()

	zapLog := zap.L().With(
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("task_id", taskID),
		zap.Int("attempt", opts.Attempt),
	)

	t, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	ex, err := s.executors.For(t.Type)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	exec, err := s.claim(ctx, t, opts)
	if err != nil {
		zapLog.Warn("execution not started", zap.Error(err))
		return exec, err
	}
	zapLog = zapLog.With(zap.String("execution_id", exec.ID))
	span.SetAttributes(attribute.String("execution_id", exec.ID))

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	runCtx, stop := context.WithTimeoutCause(runCtx, s.cfg.Timeout, ErrTimeout)
	defer stop()

	s.register(exec.ID, cancel)
	defer s.unregister(exec.ID)
	defer s.rec.Forget(exec.ID)

	// a cancel published before register found no owner; the row tells
	if cur, err := s.tasks.GetExecution(ctx, exec.ID); err == nil && cur.Status.Terminal() {
		zapLog.Info("execution finalized before it started", zap.String("status", string(cur.Status)))
		return cur, fmt.Errorf("%w: %s was cancelled before it started", ErrCancelled, exec.ID)
	}

	watchCtx, stopWatch := context.WithCancel(runCtx)
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		s.watch(watchCtx, exec.ID, cancel)
	}()
	defer func() {
		stopWatch()
		<-watched
	}()

	s.rec.Logf(ctx, exec.ID, recorder.LevelInfo, map[string]any{"attempt": opts.Attempt, "max_attempts": opts.MaxAttempts, "type": t.Type},
		"execution started (attempt %d/%d)", opts.Attempt, opts.MaxAttempts)
	zapLog.Info("execution started")

	res := s.execute(runCtx, t, exec, ex)
	s.finish(ctx, t, exec, res, opts)

	switch exec.Status {
	case task.ExecutionSuccess:
		zapLog.Info("execution succeeded", zap.Int64p("duration_ms", exec.Duration))
		return exec, nil
	case task.ExecutionCancelled:
		zapLog.Info("execution cancelled")
		span.SetStatus(codes.Error, "cancelled")
		return exec, fmt.Errorf("%w: %s", ErrCancelled, exec.ID)
	default:
		zapLog.Warn("execution failed", zap.String("error", exec.ErrorMessage))
		span.SetStatus(codes.Error, exec.ErrorMessage)
		return exec, fmt.Errorf("execution %s failed: %s", exec.ID, exec.ErrorMessage)
	}
}

// watch cancels the run once its row leaves running, which is how a cancel
// whose message never reached this node still takes effect.
func (s *Service) watch(ctx context.Context, id string, cancel context.CancelCauseFunc) {
	tick := time.NewTicker(s.cfg.PollInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		cur, err := s.tasks.GetExecution(ctx, id)
		if err != nil {
			if ctx.Err() == nil {
				zap.L().Warn("execution watch read failed", zap.String("execution_id", id), zap.Error(err))
			}
			continue
		}
		if cur.Status.Terminal() {
			zap.L().Info("execution finalized elsewhere, stopping run",
				zap.String("execution_id", id), zap.String("status", string(cur.Status)))
			cancel(ErrCancelled)
			return
		}
	}
}

// execute acquires the browser resource when needed and runs the executor.
// The resource is released on every path.
func (s *Service) execute(ctx context.Context, t *task.Task, exec *task.TaskExecution, ex executor.Executor) executor.Result {
	run := executor.Run{Task: t, ExecutionID: exec.ID}

	if t.Type == task.TypeBrowser {
		if s.pool == nil {
			return executor.Err(executor.KindAllocation, "no browser pool on this node")
		}
		handle, err := s.pool.Acquire(ctx, t.Domain, t.IsExclusive)
		if err != nil {
			if ctx.Err() != nil {
				return interrupted(ctx)
			}
			s.rec.Logf(ctx, exec.ID, recorder.LevelError, map[string]any{"domain": t.Domain, "exclusive": t.IsExclusive},
				"browser allocation failed: %v", err)
			return executor.Err(executor.KindAllocation, "%v", err)
		}
		defer s.pool.Release(context.WithoutCancel(ctx), handle)

		exec.BrowserInstanceID = handle.InstanceID
		exec.TabID = handle.TabID
		if err := s.tasks.UpdateRunning(ctx, exec); err != nil {
			zap.L().Warn("failed to record allocation", zap.String("execution_id", exec.ID), zap.Error(err))
		}
		s.rec.Logf(ctx, exec.ID, recorder.LevelInfo, map[string]any{
			"instance_id": handle.InstanceID,
			"tab_id":      handle.TabID,
			"exclusive":   handle.Exclusive,
		}, "browser tab allocated")
		run.Tab = handle.Tab
	}

	done := make(chan executor.Result, 1)
	go func() {
		done <- ex.Execute(ctx, run)
	}()

	select {
	case res := <-done:
		if !res.OK() && ctx.Err() != nil {
			shots := res.Screenshots
			res = interrupted(ctx)
			res.Screenshots = shots
		}
		return res
	case <-ctx.Done():
		// the executor goroutine is abandoned; closing its tab on release
		// unblocks any driver call it is still waiting on
		return interrupted(ctx)
	}
}

// interrupted maps the cause of a finished run context to a Result.
func interrupted(ctx context.Context) executor.Result {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, ErrCancelled):
		return executor.Err(executor.KindCancelled, "cancelled by operator")
	case errors.Is(cause, ErrTimeout), errors.Is(cause, context.DeadlineExceeded):
		return executor.Err(executor.KindTimeout, "execution exceeded its deadline")
	default:
		return executor.Err(executor.KindTimeout, "execution interrupted: %v", cause)
	}
}

func (s *Service) finish(ctx context.Context, t *task.Task, exec *task.TaskExecution, res executor.Result, opts RunOptions) {
	ctx = context.WithoutCancel(ctx)

	status := task.ExecutionSuccess
	errMsg := ""
	if f := res.Failure; f != nil {
		status = task.ExecutionFailed
		if f.Kind == executor.KindCancelled {
			status = task.ExecutionCancelled
		}
		errMsg = f.Error()
	}

	if len(res.Screenshots) > 0 {
		if raw, err := json.Marshal(res.Screenshots); err == nil {
			exec.Screenshots = raw
		}
	}
	exec.Finish(status, errMsg, s.now())

	if err := s.tasks.Finish(ctx, exec); err != nil {
		if !errors.Is(err, task.ErrExecutionFinished) {
			zap.L().Error("failed to persist execution result", zap.String("execution_id", exec.ID), zap.Error(err))
		} else if stored, gerr := s.tasks.GetExecution(ctx, exec.ID); gerr == nil {
			// the canceller finalized the row and wrote its terminal log
			*exec = *stored
			observe(t, exec)
			return
		}
	}

	observe(t, exec)

	fields := map[string]any{"status": exec.Status, "duration_ms": exec.Duration}
	switch exec.Status {
	case task.ExecutionSuccess:
		s.rec.Logf(ctx, exec.ID, recorder.LevelInfo, fields, "execution succeeded: %s", res.Summary)
	case task.ExecutionCancelled:
		s.rec.Logf(ctx, exec.ID, recorder.LevelWarning, fields, "execution cancelled")
	default:
		fields["error"] = exec.ErrorMessage
		s.rec.Logf(ctx, exec.ID, recorder.LevelError, fields, "execution failed: %s", exec.ErrorMessage)
		if opts.Attempt >= opts.MaxAttempts {
			s.OnExhausted(ctx, t, exec, opts.Attempt)
		}
	}
}

// OnExhausted records the final failure of a task whose attempts are used up
// and hands it to the notifier.
func (s *Service) OnExhausted(ctx context.Context, t *task.Task, exec *task.TaskExecution, attempts int) {
	s.rec.Logf(ctx, exec.ID, recorder.LevelError, map[string]any{"attempts": attempts},
		"execution failed after %d attempts, no further retries", attempts)
	exhaustedTotal.Inc()

	if err := s.notifier.ExecutionExhausted(ctx, t, exec); err != nil {
		zap.L().Warn("failure notification failed", zap.String("execution_id", exec.ID), zap.Error(err))
	}
}

// cancelLocal cancels a run owned by this process.
func (s *Service) cancelLocal(id string) bool {
	s.mu.Lock()
	cancel, ok := s.running[id]
	s.mu.Unlock()
	if ok {
		cancel(ErrCancelled)
	}
	return ok
}

// Cancel stops a running execution wherever it runs. The owning worker is
// reached over the cancel topic; a row nobody finalizes within the grace
// period (a queued placeholder, or a run whose worker died) is marked
// cancelled here.
func (s *Service) Cancel(ctx context.Context, executionID string) (*task.TaskExecution, error) {
	exec, err := s.tasks.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status.Terminal() {
		return exec, fmt.Errorf("%w: %s", task.ErrExecutionFinished, executionID)
	}

	s.signal(ctx, executionID)

	deadline := time.NewTimer(s.cfg.CancelGrace)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	for n := 1; ; n++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tick.C:
			cur, err := s.tasks.GetExecution(ctx, executionID)
			if err != nil {
				return nil, err
			}
			if cur.Status.Terminal() {
				return cur, nil
			}
			// the owner may have registered after the first signal, or the
			// message may have been lost
			if n%10 == 0 {
				s.signal(ctx, executionID)
			}
		case <-deadline.C:
			cur, err := s.tasks.GetExecution(ctx, executionID)
			if err != nil {
				return nil, err
			}
			if cur.Status.Terminal() {
				return cur, nil
			}
			cur.Finish(task.ExecutionCancelled, (&executor.Failure{Kind: executor.KindCancelled, Detail: "cancelled by operator"}).Error(), s.now())
			if err := s.tasks.Finish(ctx, cur); err != nil && !errors.Is(err, task.ErrExecutionFinished) {
				return nil, err
			}
			s.rec.Logf(ctx, executionID, recorder.LevelWarning, nil, "execution cancelled")
			s.rec.Forget(executionID)
			return s.tasks.GetExecution(ctx, executionID)
		}
	}
}

// signal asks the owner of a run to stop: directly when it runs here,
// otherwise over the cancel topic.
func (s *Service) signal(ctx context.Context, executionID string) {
	if s.cancelLocal(executionID) || s.broker == nil {
		return
	}
	if err := s.broker.Publish(ctx, rediskey.ExecutionsCancel, []byte(executionID)); err != nil {
		zap.L().Warn("failed to publish cancel request", zap.String("execution_id", executionID), zap.Error(err))
	}
}

// ListenForCancels applies cancel requests published by other nodes until
// ctx ends.
func (s *Service) ListenForCancels(ctx context.Context) error {
	if s.broker == nil {
		return nil
	}
	sub, err := s.broker.Subscribe(ctx, rediskey.ExecutionsCancel)
	if err != nil {
		return err
	}

	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.C():
				if !ok {
					return
				}
				if s.cancelLocal(string(msg.Payload)) {
					zap.L().Info("cancelled execution on request", zap.String("execution_id", string(msg.Payload)))
				}
			}
		}
	}()
	return nil
}
