package models

import (
	"time"
)

// ConnectionSession approximates one device's period of activity on a key.
// Sessions are inferred from traffic deltas, not real connection telemetry;
// the count of simultaneously active sessions is the device estimate.
type ConnectionSession struct {
	ID    uint       `gorm:"primaryKey" json:"id"`
	KeyID uint       `gorm:"not null;index" json:"key_id"`
	Key   *AccessKey `gorm:"foreignKey:KeyID" json:"-"`

	StartedAt    time.Time  `json:"started_at"`
	LastActiveAt time.Time  `json:"last_active_at"`
	EndedAt      *time.Time `json:"ended_at"`
	IsActive     bool       `gorm:"default:true;index" json:"is_active"`

	// Bytes attributed to this session
	Bytes int64 `gorm:"default:0" json:"bytes"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (ConnectionSession) TableName() string {
	return "connection_sessions"
}

// Duration returns how long the session has been (or was) active
func (s *ConnectionSession) Duration() time.Duration {
	end := time.Now()
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	return end.Sub(s.StartedAt)
}

// TrafficLog is an append-only delta sample used for historical charts.
// Written only when a reconciliation delta clears the downsampling
// threshold; the authoritative counter lives on the AccessKey.
type TrafficLog struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	KeyID     uint      `gorm:"not null;index" json:"key_id"`
	Bytes     int64     `gorm:"not null" json:"bytes"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

func (TrafficLog) TableName() string {
	return "traffic_logs"
}
