package services

import (
	"errors"
	"testing"
	"time"

	"github.com/proxyfleet/backend/internal/models"
	"github.com/stretchr/testify/require"
)

func TestFleetLockExclusive(t *testing.T) {
	db := newTestDB(t)
	lock := NewFleetLock(db, 15*time.Minute)

	require.NoError(t, lock.Acquire("holder-a"))

	// Second attempt fails fast with a conflict carrying the elapsed time
	err := lock.Acquire("holder-b")
	var inProgress *SyncInProgressError
	require.ErrorAs(t, err, &inProgress)
	require.GreaterOrEqual(t, inProgress.Elapsed, time.Duration(0))

	require.NoError(t, lock.Release("holder-a"))
	require.NoError(t, lock.Acquire("holder-b"))
	require.NoError(t, lock.Release("holder-b"))
}

func TestFleetLockReleaseByNonHolder(t *testing.T) {
	db := newTestDB(t)
	lock := NewFleetLock(db, 15*time.Minute)

	require.NoError(t, lock.Acquire("holder-a"))

	// A stranger's release must not free the lock
	require.NoError(t, lock.Release("holder-b"))
	err := lock.Acquire("holder-c")
	var inProgress *SyncInProgressError
	require.ErrorAs(t, err, &inProgress)
}

func TestFleetLockStaleTakeover(t *testing.T) {
	db := newTestDB(t)
	lock := NewFleetLock(db, time.Minute)

	// A crashed holder left an old lock behind
	mustCreate(t, db, &models.SyncLock{
		ID:            fleetLockID,
		HolderID:      "crashed",
		AcquiredAt:    time.Now().UTC().Add(-time.Hour),
		MaxAgeSeconds: 60,
	})

	require.NoError(t, lock.Acquire("holder-a"))

	var row models.SyncLock
	require.NoError(t, db.First(&row, fleetLockID).Error)
	require.Equal(t, "holder-a", row.HolderID)
}

func TestFleetLockStatus(t *testing.T) {
	db := newTestDB(t)
	lock := NewFleetLock(db, 15*time.Minute)

	held, _, err := lock.Status()
	require.NoError(t, err)
	require.False(t, held)

	require.NoError(t, lock.Acquire("holder-a"))
	held, elapsed, err := lock.Status()
	require.NoError(t, err)
	require.True(t, held)
	require.GreaterOrEqual(t, elapsed, time.Duration(0))

	require.NoError(t, lock.Release("holder-a"))
	held, _, err = lock.Status()
	require.NoError(t, err)
	require.False(t, held)
}

func TestSyncAllConflictsWhileLocked(t *testing.T) {
	db := newTestDB(t)
	svc := NewSyncService(db, testConfig())

	require.NoError(t, svc.lock.Acquire("other-instance"))

	_, err := svc.SyncAll()
	var inProgress *SyncInProgressError
	require.True(t, errors.As(err, &inProgress))
}
