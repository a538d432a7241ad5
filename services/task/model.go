package task

import (
	"time"

	"gorm.io/datatypes"
)

type Type string

const (
	TypeBrowser Type = "browser"
	TypeAPI     Type = "api"
)

func (t Type) String() string {
	switch t {
	case TypeBrowser, TypeAPI:
		return string(t)
	default:
		return ""
	}
}

type Status string

const (
	StatusEnabled  Status = "enabled"
	StatusDisabled Status = "disabled"
)

type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionSuccess   ExecutionStatus = "success"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status can no longer change.
func (s ExecutionStatus) Terminal() bool {
	return s != ExecutionRunning
}

type Task struct {
	ID                 string         `gorm:"column:id;primaryKey;type:varchar(32)" json:"id"`
	Name               string         `gorm:"column:name;type:varchar(120);not null" json:"name"`
	Description        string         `gorm:"column:description;type:text" json:"description"`
	Type               Type           `gorm:"column:type;type:varchar(16);not null" json:"type"`
	Status             Status         `gorm:"column:status;type:varchar(16);default:'enabled'" json:"status"`
	TriggerExpr        string         `gorm:"column:trigger_expr;type:varchar(100)" json:"trigger_expr"`
	ScriptContent      string         `gorm:"column:script_content;type:text" json:"script_content"`
	WorkflowData       datatypes.JSON `gorm:"column:workflow_data" json:"workflow_data"`
	Domain             string         `gorm:"column:domain;type:varchar(255);index" json:"domain"`
	IsExclusive        bool           `gorm:"column:is_exclusive;default:false" json:"is_exclusive"`
	LoginConfig        datatypes.JSON `gorm:"column:login_config" json:"login_config"`
	EnvVars            datatypes.JSON `gorm:"column:env_vars" json:"env_vars"`
	NotificationConfig datatypes.JSON `gorm:"column:notification_config" json:"notification_config"`
	CreatedAt          time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Task) TableName() string { return "tasks" }

func (t *Task) Enabled() bool {
	return t.Status == StatusEnabled || t.Status == ""
}

// Lane is the dispatch queue partition the task runs on.
func (t *Task) Lane() string {
	return string(t.Type)
}

// TaskExecution is one run of a Task. EndTime and Duration are set iff the
// status is terminal.
type TaskExecution struct {
	ID                string          `gorm:"column:id;primaryKey;type:varchar(32)" json:"id"`
	TaskID            string          `gorm:"column:task_id;index;not null" json:"task_id"`
	Task              *Task           `gorm:"foreignKey:TaskID;constraint:OnDelete:CASCADE" json:"-"`
	Status            ExecutionStatus `gorm:"column:status;type:varchar(16);index;not null" json:"status"`
	StartTime         time.Time       `gorm:"column:start_time" json:"start_time"`
	EndTime           *time.Time      `gorm:"column:end_time" json:"end_time"`
	Duration          *int64          `gorm:"column:duration" json:"duration"` // milliseconds
	BrowserInstanceID string          `gorm:"column:browser_instance_id;type:varchar(64)" json:"browser_instance_id"`
	TabID             string          `gorm:"column:tab_id;type:varchar(64)" json:"tab_id"`
	ErrorMessage      string          `gorm:"column:error_message;type:text" json:"error_message"`
	Screenshots       datatypes.JSON  `gorm:"column:screenshots" json:"screenshots"`
	Attempt           int             `gorm:"column:attempt;default:1" json:"attempt"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (TaskExecution) TableName() string { return "task_executions" }

// Finish moves the execution into a terminal status and stamps end time and duration.
func (e *TaskExecution) Finish(status ExecutionStatus, errMsg string, now time.Time) {
	e.Status = status
	e.ErrorMessage = errMsg
	end := now
	e.EndTime = &end
	d := now.Sub(e.StartTime).Milliseconds()
	if d < 0 {
		d = 0
	}
	e.Duration = &d
}
