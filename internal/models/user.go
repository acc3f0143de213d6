package models

import (
	"time"

	"gorm.io/gorm"
)

// UserRole represents the access level of a dashboard user
type UserRole string

const (
	UserRoleAdmin  UserRole = "admin"
	UserRoleViewer UserRole = "viewer"
)

// User represents a dashboard account
type User struct {
	ID       uint     `gorm:"primaryKey" json:"id"`
	Username string   `gorm:"uniqueIndex;size:100;not null" json:"username"`
	Password string   `gorm:"size:255;not null" json:"-"` // bcrypt hash
	Role     UserRole `gorm:"size:20;default:admin" json:"role"`

	LastLoginAt *time.Time `json:"last_login_at"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (User) TableName() string {
	return "users"
}
