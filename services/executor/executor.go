package executor

import (
	"context"
	"errors"
	"fmt"

	"taskpilot/pkg/browser"
	"taskpilot/services/recorder"
	"taskpilot/services/task"
)

var ErrNoExecutor = errors.New("no executor for task type")

// Recorder is the part of the log recorder an executor writes to.
type Recorder interface {
	Append(ctx context.Context, e recorder.Entry) (*recorder.TaskLog, error)
	CaptureScreenshot(ctx context.Context, executionID, description string, data []byte) (*recorder.Screenshot, error)
}

// Run is the input to one execution.
type Run struct {
	Task        *task.Task
	ExecutionID string
	// Tab is the allocated browser tab; nil for API tasks.
	Tab browser.Tab
}

type Executor interface {
	Execute(ctx context.Context, run Run) Result
}

// Registry maps every task type to its executor.
type Registry struct {
	executors map[task.Type]Executor
}

func NewRegistry(browserExec *BrowserExecutor, apiExec *APIExecutor) *Registry {
	return &Registry{executors: map[task.Type]Executor{
		task.TypeBrowser: browserExec,
		task.TypeAPI:     apiExec,
	}}
}

func (r *Registry) For(t task.Type) (Executor, error) {
	e, ok := r.executors[t]
	if !ok || e == nil {
		return nil, fmt.Errorf("%w: %q", ErrNoExecutor, t)
	}
	return e, nil
}

// ctxFailure converts a finished context into the matching Result.
func ctxFailure(ctx context.Context) Result {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Err(KindTimeout, "execution deadline exceeded")
	}
	return Err(KindCancelled, "execution cancelled: %v", context.Cause(ctx))
}
