package models

import (
	"time"
)

// SyncLock is the single-flight guard for fleet-wide syncs. It is a real
// database row (not an in-process flag) so the exclusivity guarantee holds
// across restarts and multiple API instances. A row older than its max age
// is considered abandoned and may be taken over.
type SyncLock struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	HolderID      string    `gorm:"size:64;not null" json:"holder_id"`
	AcquiredAt    time.Time `gorm:"not null" json:"acquired_at"`
	MaxAgeSeconds int       `gorm:"not null" json:"max_age_seconds"`
}

func (SyncLock) TableName() string {
	return "sync_locks"
}

// Age returns how long the lock has been held
func (l *SyncLock) Age() time.Duration {
	return time.Since(l.AcquiredAt)
}

// IsStale reports whether the holder exceeded the maximum hold duration
func (l *SyncLock) IsStale() bool {
	return l.Age() > time.Duration(l.MaxAgeSeconds)*time.Second
}
