package orchestrator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"taskpilot/services/task"
)

var (
	// ErrCancelled is the cancellation cause of an operator-cancelled run.
	ErrCancelled = errors.New("execution cancelled")
	// ErrTimeout is the cancellation cause of a run that hit its deadline.
	ErrTimeout = errors.New("execution timed out")
)

type Config struct {
	// Timeout bounds one run, pool wait included.
	Timeout     time.Duration
	MaxAttempts int
	// CancelGrace is how long Cancel waits for the owning worker before
	// finalizing the row itself.
	CancelGrace time.Duration
	// PollInterval is how often a run re-reads its own row, so a run whose
	// cancel request never reached this node still stops.
	PollInterval time.Duration
}

// RunOptions identifies the attempt being run.
type RunOptions struct {
	// ExecutionID is the queued placeholder, reused while it is still running.
	ExecutionID string
	Attempt     int
	MaxAttempts int
}

//go:generate mockgen -source=model.go -destination=mock_notifier_test.go -package=orchestrator

// Notifier is told about tasks whose retry budget is exhausted.
type Notifier interface {
	ExecutionExhausted(ctx context.Context, t *task.Task, exec *task.TaskExecution) error
}

// LogNotifier only writes the exhaustion to the service log.
type LogNotifier struct{}

func (LogNotifier) ExecutionExhausted(ctx context.Context, t *task.Task, exec *task.TaskExecution) error {
	zap.L().Error("task failed after exhausting retries",
		zap.String("task_id", t.ID),
		zap.String("task_name", t.Name),
		zap.String("execution_id", exec.ID),
		zap.Int("attempt", exec.Attempt),
		zap.String("error", exec.ErrorMessage),
	)
	return nil
}
