package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"taskpilot/services/orchestrator"
	"taskpilot/services/task"
)

// Runner is the orchestrator as seen by the queue handler.
type Runner interface {
	Run(ctx context.Context, taskID string, opts orchestrator.RunOptions) (*task.TaskExecution, error)
}

type Handler struct {
	runner      Runner
	dispatcher  *Dispatcher
	housekeeper *Housekeeper
}

func NewHandler(runner Runner, dispatcher *Dispatcher, housekeeper *Housekeeper) *Handler {
	return &Handler{runner: runner, dispatcher: dispatcher, housekeeper: housekeeper}
}

// HandleExecutionRun runs one attempt. Returning an error lets asynq retry
// until MaxRetry; cancelled runs and vanished tasks skip the retry.
func (h *Handler) HandleExecutionRun(ctx context.Context, t *asynq.Task) error {
	var payload ExecutionRunPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}

	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		maxRetry = 0
	}

	zapLog := zap.L().With(
		zap.String("task_type", t.Type()),
		zap.String("task_id", payload.TaskID),
		zap.String("execution_id", payload.ExecutionID),
		zap.String("trace_id", payload.TraceID),
		zap.Int("attempt", retried+1),
	)
	zapLog.Info("start execution run")

	exec, err := h.runner.Run(ctx, payload.TaskID, orchestrator.RunOptions{
		ExecutionID: payload.ExecutionID,
		Attempt:     retried + 1,
		MaxAttempts: maxRetry + 1,
	})
	switch {
	case err == nil:
		zapLog.Info("execution run finished", zap.String("status", string(exec.Status)))
		return nil
	case errors.Is(err, orchestrator.ErrCancelled),
		errors.Is(err, task.ErrTaskNotFound):
		zapLog.Info("execution run will not be retried", zap.Error(err))
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	default:
		return err
	}
}

// HandleTaskTrigger turns a scheduler tick into a dispatched execution.
func (h *Handler) HandleTaskTrigger(ctx context.Context, t *asynq.Task) error {
	var payload TaskTriggerPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}

	exec, err := h.dispatcher.Enqueue(ctx, payload.TaskID, SourceSchedule)
	switch {
	case err == nil:
		zap.L().Info("scheduled execution dispatched",
			zap.String("task_id", payload.TaskID),
			zap.String("execution_id", exec.ID),
		)
		return nil
	case errors.Is(err, ErrAlreadyRunning),
		errors.Is(err, ErrTaskDisabled),
		errors.Is(err, task.ErrTaskNotFound):
		zap.L().Info("scheduled trigger skipped", zap.String("task_id", payload.TaskID), zap.Error(err))
		return nil
	default:
		return err
	}
}

func (h *Handler) HandleHousekeepingSweep(ctx context.Context, _ *asynq.Task) error {
	_, err := h.housekeeper.Sweep(ctx)
	return err
}
