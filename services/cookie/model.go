package cookie

import (
	"time"

	"gorm.io/datatypes"
)

// Cookie is cached session state for one (domain, account) pair.
type Cookie struct {
	ID         string         `gorm:"column:id;primaryKey;type:varchar(32)"`
	Domain     string         `gorm:"column:domain;type:varchar(255);not null;uniqueIndex:idx_cookie_domain_account"`
	Account    string         `gorm:"column:account;type:varchar(255);not null;uniqueIndex:idx_cookie_domain_account"`
	CookieData datatypes.JSON `gorm:"column:cookie_data"`
	ExpiresAt  time.Time      `gorm:"column:expires_at;index"`
	LastUsedAt *time.Time     `gorm:"column:last_used_at"`
	IsValid    bool           `gorm:"column:is_valid;default:true"`
	CreatedAt  time.Time      `gorm:"autoCreateTime"`
	UpdatedAt  time.Time      `gorm:"autoUpdateTime"`
}

func (Cookie) TableName() string { return "cookies" }

// Usable reports whether the cookie may be handed to an executor at now.
func (c *Cookie) Usable(now time.Time) bool {
	return c.IsValid && now.Before(c.ExpiresAt)
}
