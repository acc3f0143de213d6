package models

import (
	"time"

	"gorm.io/gorm"
)

// KeyStatus represents the lifecycle state of an access key
type KeyStatus string

const (
	KeyStatusPending  KeyStatus = "pending"  // created, no traffic yet
	KeyStatusActive   KeyStatus = "active"   // in use
	KeyStatusExpired  KeyStatus = "expired"  // expiry passed, awaiting archival
	KeyStatusDepleted KeyStatus = "depleted" // data limit reached, awaiting archival
	KeyStatusDisabled KeyStatus = "disabled" // remote key deleted, usage preserved
)

// ExpirationType controls how a key's expiry is determined
type ExpirationType string

const (
	ExpirationNone       ExpirationType = "none"
	ExpirationFixedDate  ExpirationType = "fixed_date"
	ExpirationOnFirstUse ExpirationType = "on_first_use" // duration starts at first traffic
)

// ResetStrategy controls periodic data-limit resets
type ResetStrategy string

const (
	ResetNever   ResetStrategy = "never"
	ResetDaily   ResetStrategy = "daily"
	ResetWeekly  ResetStrategy = "weekly"
	ResetMonthly ResetStrategy = "monthly"
)

// AccessKey represents a proxy-access credential issued on exactly one server.
type AccessKey struct {
	ID       uint    `gorm:"primaryKey" json:"id"`
	ServerID uint    `gorm:"not null;index" json:"server_id"`
	Server   *Server `gorm:"foreignKey:ServerID" json:"server,omitempty"`

	// Remote identity
	RemoteID  string `gorm:"size:64;index" json:"remote_id"`
	Name      string `gorm:"size:200" json:"name"`
	Method    string `gorm:"size:50" json:"method"`
	AccessURL string `gorm:"size:1000" json:"access_url"`

	Status KeyStatus `gorm:"size:20;default:pending;index" json:"status"`

	// Usage tracking. UsedBytes is the locally authoritative cumulative
	// counter; UsageOffset corrects the raw remote counter so usage survives
	// remote key re-creation (offset = -usedBytes at re-enable time).
	UsedBytes   int64 `gorm:"default:0" json:"used_bytes"`
	UsageOffset int64 `gorm:"default:0" json:"usage_offset"`

	// Data limit
	DataLimitBytes    *int64        `json:"data_limit_bytes"`
	ResetStrategy     ResetStrategy `gorm:"size:20;default:never" json:"reset_strategy"`
	LastPeriodResetAt *time.Time    `json:"last_period_reset_at"`

	// Expiration
	ExpirationType ExpirationType `gorm:"size:20;default:none" json:"expiration_type"`
	ExpiresAt      *time.Time     `json:"expires_at"`
	DurationDays   int            `gorm:"default:0" json:"duration_days"`

	// Activity
	FirstUsedAt *time.Time `json:"first_used_at"`
	LastUsedAt  *time.Time `json:"last_used_at"`

	// Device estimate (heuristic, derived from connection sessions)
	EstimatedDevices int `gorm:"default:0" json:"estimated_devices"`
	PeakDevices      int `gorm:"default:0" json:"peak_devices"`

	// Disable audit trail
	DisabledAt       *time.Time `json:"disabled_at"`
	DisabledRemoteID string     `gorm:"size:64" json:"disabled_remote_id"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (AccessKey) TableName() string {
	return "access_keys"
}

// IsTerminal returns true if the key is awaiting archival
func (k *AccessKey) IsTerminal() bool {
	return k.Status == KeyStatusExpired || k.Status == KeyStatusDepleted
}

// HasRemoteKey returns true if a usable remote counterpart should exist
func (k *AccessKey) HasRemoteKey() bool {
	return k.Status == KeyStatusPending || k.Status == KeyStatusActive
}

// RemainingBytes returns the bytes left before depletion, or nil when unlimited
func (k *AccessKey) RemainingBytes() *int64 {
	if k.DataLimitBytes == nil {
		return nil
	}
	remaining := *k.DataLimitBytes - k.UsedBytes
	if remaining < 0 {
		remaining = 0
	}
	return &remaining
}

// IsExpired returns true if the key has an expiry in the past
func (k *AccessKey) IsExpired() bool {
	return k.ExpiresAt != nil && time.Now().After(*k.ExpiresAt)
}
