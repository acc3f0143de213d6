package models

import (
	"log"

	"gorm.io/gorm"
)

// AutoMigrate creates or updates all tables
func AutoMigrate(db *gorm.DB) error {
	log.Println("Running database migrations...")

	err := db.AutoMigrate(
		&User{},
		&Server{},
		&AccessKey{},
		&ConnectionSession{},
		&TrafficLog{},
		&ArchivedKey{},
		&SyncLock{},
	)
	if err != nil {
		return err
	}

	log.Println("Database migrations completed")
	return nil
}
