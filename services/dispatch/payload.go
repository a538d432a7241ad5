package dispatch

// Source records what asked for an execution.
type Source string

const (
	SourceManual   Source = "manual"
	SourceSchedule Source = "schedule"
)

type ExecutionRunPayload struct {
	TaskID      string `json:"task_id"`
	ExecutionID string `json:"execution_id"`
	Source      Source `json:"source"`
	TraceID     string `json:"trace_id,omitempty"`
}

type TaskTriggerPayload struct {
	TaskID string `json:"task_id"`
}
