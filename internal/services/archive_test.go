package services

import (
	"testing"
	"time"

	"github.com/proxyfleet/backend/internal/models"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestArchiveKeySnapshot(t *testing.T) {
	db := newTestDB(t)
	now := time.Now().UTC()

	server := &models.Server{Name: "fra-1", Location: "Frankfurt", APIURL: "https://x"}
	mustCreate(t, db, server)

	limit := int64(1_073_741_824)
	firstUsed := now.Add(-48 * time.Hour)
	key := &models.AccessKey{
		ServerID:       server.ID,
		RemoteID:       "7",
		Name:           "alice",
		Method:         "chacha20-ietf-poly1305",
		Status:         models.KeyStatusDepleted,
		UsedBytes:      1_200_000_000,
		DataLimitBytes: &limit,
		FirstUsedAt:    &firstUsed,
		PeakDevices:    3,
	}
	mustCreate(t, db, key)
	mustCreate(t, db, &models.ConnectionSession{KeyID: key.ID, StartedAt: now, LastActiveAt: now, IsActive: true})
	mustCreate(t, db, &models.TrafficLog{KeyID: key.ID, Bytes: 4096, CreatedAt: now})

	retention := 90 * 24 * time.Hour
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return archiveKey(tx, key, server, models.ArchiveReasonDepleted, retention, now)
	}))

	var archived models.ArchivedKey
	require.NoError(t, db.Where("key_id = ?", key.ID).First(&archived).Error)
	require.Equal(t, models.ArchiveReasonDepleted, archived.ArchiveReason)
	require.Equal(t, "fra-1", archived.ServerName)
	require.Equal(t, "Frankfurt", archived.ServerLocation)
	require.EqualValues(t, 1_200_000_000, archived.UsedBytes)
	require.NotNil(t, archived.DataLimitBytes)
	require.Equal(t, 3, archived.PeakDevices)
	require.Equal(t, now.Add(retention).Unix(), archived.DeleteAfter.Unix())

	// The live row is gone for good, sessions are closed, logs are dropped
	var keyCount int64
	db.Unscoped().Model(&models.AccessKey{}).Where("id = ?", key.ID).Count(&keyCount)
	require.Zero(t, keyCount)

	var session models.ConnectionSession
	require.NoError(t, db.Where("key_id = ?", key.ID).First(&session).Error)
	require.False(t, session.IsActive)

	var logCount int64
	db.Model(&models.TrafficLog{}).Where("key_id = ?", key.ID).Count(&logCount)
	require.Zero(t, logCount)
}

func TestCleanupArchiveRetention(t *testing.T) {
	db := newTestDB(t)
	now := time.Now().UTC()

	mustCreate(t, db, &models.ArchivedKey{
		KeyID:         1,
		Name:          "stale",
		ArchiveReason: models.ArchiveReasonExpired,
		ArchivedAt:    now.AddDate(0, -4, 0),
		DeleteAfter:   now.Add(-time.Hour),
	})
	mustCreate(t, db, &models.ArchivedKey{
		KeyID:         2,
		Name:          "fresh",
		ArchiveReason: models.ArchiveReasonDeleted,
		ArchivedAt:    now,
		DeleteAfter:   now.Add(24 * time.Hour),
	})

	purged, err := CleanupArchive(db, now)
	require.NoError(t, err)
	require.EqualValues(t, 1, purged)

	var remaining []models.ArchivedKey
	require.NoError(t, db.Find(&remaining).Error)
	require.Len(t, remaining, 1)
	require.Equal(t, "fresh", remaining[0].Name)

	// Idempotent: a second run purges nothing
	purged, err = CleanupArchive(db, now)
	require.NoError(t, err)
	require.Zero(t, purged)
}
