package pool

import (
	"time"

	"gorm.io/datatypes"

	"taskpilot/pkg/browser"
)

type InstanceStatus string

const (
	InstanceIdle  InstanceStatus = "idle"
	InstanceBusy  InstanceStatus = "busy"
	InstanceError InstanceStatus = "error"
)

// BrowserInstance is the persisted snapshot of one pooled browser. The
// in-memory allocation table in Manager is authoritative; rows are written
// after every mutation so operators can observe the pool.
type BrowserInstance struct {
	ID             string         `gorm:"column:id;primaryKey;type:varchar(64)" json:"id"`
	NodeID         int64          `gorm:"column:node_id;index" json:"node_id"`
	Status         InstanceStatus `gorm:"column:status;type:varchar(16);index" json:"status"`
	PrimaryDomain  string         `gorm:"column:primary_domain;type:varchar(255)" json:"primary_domain"`
	IsExclusive    bool           `gorm:"column:is_exclusive" json:"is_exclusive"`
	ActiveTabs     datatypes.JSON `gorm:"column:active_tabs" json:"active_tabs"`
	ResourceUsage  datatypes.JSON `gorm:"column:resource_usage" json:"resource_usage"`
	LastActivityAt time.Time      `gorm:"column:last_activity_at" json:"last_activity_at"`
}

func (BrowserInstance) TableName() string { return "browser_instances" }

// InstanceView is an in-memory snapshot returned by Manager.Snapshot.
type InstanceView struct {
	ID             string
	Status         InstanceStatus
	PrimaryDomain  string
	IsExclusive    bool
	ActiveTabs     []string
	LastActivityAt time.Time
}

// Handle identifies one claimed (instance, tab) pair.
type Handle struct {
	InstanceID string
	TabID      string
	Domain     string
	Exclusive  bool
	Tab        browser.Tab
}
