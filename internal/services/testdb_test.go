package services

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/proxyfleet/backend/internal/config"
	"github.com/proxyfleet/backend/internal/models"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newTestDB opens a fresh in-memory database with the full schema
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	return db
}

// testConfig returns sync-engine settings suitable for tests
func testConfig() *config.Config {
	return &config.Config{
		SyncWorkers:          4,
		SyncLockMaxAge:       15 * time.Minute,
		ArchiveRetentionDays: 90,
		SessionIdleTimeout:   5 * time.Minute,
		TrafficNoiseFloor:    100,
		TrafficLogMinDelta:   1024,
	}
}

// mustCreate inserts a record and fails the test on error
func mustCreate(t *testing.T, db *gorm.DB, value interface{}) {
	t.Helper()
	require.NoError(t, db.Create(value).Error)
}
