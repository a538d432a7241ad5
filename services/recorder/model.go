package recorder

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"taskpilot/services/task"
)

type Level string

const (
	LevelDebug   Level = "debug"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

func (l Level) Valid() bool {
	switch l {
	case LevelDebug, LevelInfo, LevelWarning, LevelError:
		return true
	}
	return false
}

// TaskLog is one event of an execution. CreatedAt has microsecond precision
// and is strictly increasing within an execution.
type TaskLog struct {
	ID             string              `gorm:"column:id;primaryKey;type:varchar(32)" json:"id"`
	ExecutionID    string              `gorm:"column:execution_id;type:varchar(32);not null;index:idx_task_log_execution_created,priority:1" json:"execution_id"`
	Execution      *task.TaskExecution `gorm:"foreignKey:ExecutionID;constraint:OnDelete:CASCADE" json:"-"`
	Level          Level               `gorm:"column:level;type:varchar(16);not null" json:"level"`
	Message        string              `gorm:"column:message;type:text" json:"message"`
	Context        datatypes.JSON      `gorm:"column:context" json:"context"`
	ScreenshotPath string              `gorm:"column:screenshot_path;type:varchar(512)" json:"screenshot_path"`
	CreatedAt      time.Time           `gorm:"column:created_at;precision:6;index:idx_task_log_execution_created,priority:2" json:"created_at"`
	UpdatedAt      time.Time           `gorm:"column:updated_at;precision:6" json:"updated_at"`
}

func (TaskLog) TableName() string { return "task_logs" }

// Entry is the input to Append.
type Entry struct {
	ExecutionID    string
	Level          Level
	Message        string
	Context        map[string]any
	ScreenshotPath string
}

// Event types published on the live topics.
const (
	EventLogCreated         = "log.created"
	EventScreenshotCaptured = "screenshot.captured"
)

type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type LogCreated struct {
	ID             string         `json:"id"`
	ExecutionID    string         `json:"execution_id"`
	Level          Level          `json:"level"`
	Message        string         `json:"message"`
	Context        map[string]any `json:"context"`
	ScreenshotPath string         `json:"screenshot_path"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Created rebuilds the live event of a stored log, for replay.
func (l *TaskLog) Created() LogCreated {
	var fields map[string]any
	if len(l.Context) > 0 {
		_ = json.Unmarshal(l.Context, &fields)
	}
	return LogCreated{
		ID:             l.ID,
		ExecutionID:    l.ExecutionID,
		Level:          l.Level,
		Message:        l.Message,
		Context:        fields,
		ScreenshotPath: l.ScreenshotPath,
		CreatedAt:      l.CreatedAt,
	}
}

type ScreenshotCaptured struct {
	ExecutionID string    `json:"execution_id"`
	TaskID      string    `json:"task_id"`
	Filename    string    `json:"filename"`
	Description string    `json:"description"`
	CapturedAt  time.Time `json:"captured_at"`
}

// Screenshot is a stored capture.
type Screenshot struct {
	Filename string
	Path     string
}
