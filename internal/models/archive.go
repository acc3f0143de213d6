package models

import (
	"time"
)

// ArchiveReason records why a key left active management
type ArchiveReason string

const (
	ArchiveReasonExpired  ArchiveReason = "expired"
	ArchiveReasonDepleted ArchiveReason = "depleted"
	ArchiveReasonDeleted  ArchiveReason = "deleted"  // explicit admin delete
	ArchiveReasonDisabled ArchiveReason = "disabled" // admin delete of a disabled key
)

// ArchivedKey is a frozen snapshot of an AccessKey taken at the moment it
// left active management. Purged once DeleteAfter passes.
type ArchivedKey struct {
	ID uint `gorm:"primaryKey" json:"id"`

	// Identity at time of archival
	KeyID          uint   `gorm:"index" json:"key_id"`
	ServerID       uint   `gorm:"index" json:"server_id"`
	ServerName     string `gorm:"size:100" json:"server_name"`
	ServerLocation string `gorm:"size:100" json:"server_location"`
	RemoteID       string `gorm:"size:64" json:"remote_id"`
	Name           string `gorm:"size:200" json:"name"`
	Method         string `gorm:"size:50" json:"method"`

	// Frozen usage state
	Status         KeyStatus  `gorm:"size:20" json:"status"`
	UsedBytes      int64      `json:"used_bytes"`
	DataLimitBytes *int64     `json:"data_limit_bytes"`
	FirstUsedAt    *time.Time `json:"first_used_at"`
	LastUsedAt     *time.Time `json:"last_used_at"`
	ExpiresAt      *time.Time `json:"expires_at"`
	PeakDevices    int        `json:"peak_devices"`
	KeyCreatedAt   time.Time  `json:"key_created_at"`

	ArchiveReason ArchiveReason `gorm:"size:20;index" json:"archive_reason"`
	ArchivedAt    time.Time     `json:"archived_at"`
	DeleteAfter   time.Time     `gorm:"index" json:"delete_after"`
}

func (ArchivedKey) TableName() string {
	return "archived_keys"
}
