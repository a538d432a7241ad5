package taskname

const (
	// ExecutionRun runs one attempt of a task execution.
	ExecutionRun = "execution:run"
	// TaskTrigger is fired by the scheduler for tasks with a trigger_expr.
	TaskTrigger = "task:trigger"
	// HousekeepingSweep purges old logs and idle browsers.
	HousekeepingSweep = "housekeeping:sweep"
)

// Queues. Browser and API executions run on separate lanes so slow browser
// work never starves API tasks.
const (
	QueueBrowser = "browser"
	QueueAPI     = "api"
	QueueDefault = "default"
)
