package models

import (
	"time"

	"gorm.io/gorm"
)

// Server represents a remote VPN management endpoint that issues access keys.
// The management API is reached over HTTPS; the server's self-signed
// certificate is pinned via CertSHA256.
type Server struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	Name     string `gorm:"size:100;not null" json:"name"`
	Location string `gorm:"size:100" json:"location"`

	// Management endpoint
	APIURL     string `gorm:"size:500;not null" json:"api_url"`
	CertSHA256 string `gorm:"size:64" json:"cert_sha256"`

	// Only active servers participate in fleet syncs. No column default:
	// gorm drops zero-valued fields from the INSERT when one is present,
	// which would silently store false as true. Creators set it explicitly.
	IsActive bool `gorm:"index" json:"is_active"`

	// Mutated by the sync engine
	LastSyncAt      *time.Time `json:"last_sync_at"`
	SupportsMetrics bool       `gorm:"default:true" json:"supports_metrics"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Server) TableName() string {
	return "servers"
}
