package models

import "time"

// AuditLog rows are append-only: created once, never mutated or deleted by
// this subsystem. Before/After hold independently redacted, size-capped JSON.
type AuditLog struct {
	ID           int     `gorm:"primary_key" json:"id"`
	OrgId        string  `gorm:"size:36;index;not null" json:"org_id"`
	Action       string  `gorm:"size:64;not null" json:"action"`
	ResourceType string  `gorm:"size:64;not null" json:"resource_type"`
	ResourceId   *string `gorm:"size:64;index" json:"resource_id"`

	Before string `gorm:"type:text" json:"before"`
	After  string `gorm:"type:text" json:"after"`

	UserId    *string `gorm:"size:36" json:"user_id"`
	RequestId *string `gorm:"size:64" json:"request_id"`
	TraceId   *string `gorm:"size:64;index" json:"trace_id"`
	IP        *string `gorm:"size:64" json:"ip"`
	UserAgent *string `gorm:"size:255" json:"user_agent"`
	Path      *string `gorm:"size:255" json:"path"`
	Method    *string `gorm:"size:16" json:"method"`

	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}
