package services

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/proxyfleet/backend/internal/models"
	"gorm.io/gorm"
)

// fleetLockID is the fixed primary key of the singleton lock row; the
// unique constraint on it is what makes acquisition race-free.
const fleetLockID = 1

// SyncInProgressError is returned when a fleet sync is attempted while
// another one holds the lock. Elapsed tells the caller how long the current
// run has been active so retry guidance can be surfaced.
type SyncInProgressError struct {
	Elapsed time.Duration
}

func (e *SyncInProgressError) Error() string {
	return fmt.Sprintf("fleet sync already running for %s, retry later", e.Elapsed.Round(time.Second))
}

// FleetLock is the single-flight guard for fleet-wide syncs, backed by a
// database row so the guarantee survives restarts and covers multiple
// instances. A crashed holder cannot wedge future syncs: rows older than
// maxAge are taken over.
type FleetLock struct {
	db     *gorm.DB
	maxAge time.Duration
}

// NewFleetLock creates a lock with the given stale-takeover threshold
func NewFleetLock(db *gorm.DB, maxAge time.Duration) *FleetLock {
	if maxAge <= 0 {
		maxAge = 15 * time.Minute
	}
	return &FleetLock{db: db, maxAge: maxAge}
}

// Acquire takes the lock for holderID, failing fast with
// *SyncInProgressError if a live holder exists. Stale locks are stolen.
func (l *FleetLock) Acquire(holderID string) error {
	now := time.Now().UTC()
	lock := models.SyncLock{
		ID:            fleetLockID,
		HolderID:      holderID,
		AcquiredAt:    now,
		MaxAgeSeconds: int(l.maxAge.Seconds()),
	}

	if err := l.db.Create(&lock).Error; err == nil {
		return nil
	}

	// Row exists: either a live holder or an abandoned lock
	var existing models.SyncLock
	if err := l.db.First(&existing, fleetLockID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Holder released between our insert attempt and this read
			return l.db.Create(&lock).Error
		}
		return fmt.Errorf("read sync lock: %w", err)
	}

	if !existing.IsStale() {
		return &SyncInProgressError{Elapsed: existing.Age()}
	}

	// Steal the abandoned lock. The holder_id guard makes the takeover
	// atomic: only one contender's update can match the old holder.
	res := l.db.Model(&models.SyncLock{}).
		Where("id = ? AND holder_id = ?", fleetLockID, existing.HolderID).
		Updates(map[string]interface{}{
			"holder_id":       holderID,
			"acquired_at":     now,
			"max_age_seconds": int(l.maxAge.Seconds()),
		})
	if res.Error != nil {
		return fmt.Errorf("take over stale sync lock: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return &SyncInProgressError{Elapsed: 0}
	}

	log.Printf("FleetLock: took over stale lock from holder %s (age %s)", existing.HolderID, existing.Age().Round(time.Second))
	return nil
}

// Release drops the lock if holderID still owns it
func (l *FleetLock) Release(holderID string) error {
	res := l.db.Where("id = ? AND holder_id = ?", fleetLockID, holderID).
		Delete(&models.SyncLock{})
	if res.Error != nil {
		return fmt.Errorf("release sync lock: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		log.Printf("FleetLock: release by %s found no matching lock (taken over?)", holderID)
	}
	return nil
}

// Status reports whether the lock is held and for how long
func (l *FleetLock) Status() (held bool, elapsed time.Duration, err error) {
	var existing models.SyncLock
	if err := l.db.First(&existing, fleetLockID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, 0, nil
		}
		return false, 0, err
	}
	if existing.IsStale() {
		return false, 0, nil
	}
	return true, existing.Age(), nil
}
