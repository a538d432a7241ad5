package rediskey

import "fmt"

// Channel naming shared by publishers and subscribers.
const (
	ExecutionPrefix  = "execution"
	TaskPrefix       = "task"
	ExecutionsCancel = "executions:cancel"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// ExecutionLogs returns "execution:{executionID}:logs"
func ExecutionLogs(executionID string) string {
	return NamespaceKey(ExecutionPrefix, executionID) + ":logs"
}

// TaskLogs returns "task:{taskID}:logs"
func TaskLogs(taskID string) string {
	return NamespaceKey(TaskPrefix, taskID) + ":logs"
}
