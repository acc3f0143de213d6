package services

import (
	"errors"
	"time"

	"github.com/proxyfleet/backend/internal/models"
	"gorm.io/gorm"
)

// Estimator infers concurrently connected devices per key from traffic
// deltas. Only periodic cumulative-byte samples are available, so this is a
// heuristic approximation, not an exact count: a delta above the noise
// floor extends (or opens) a session, and sessions idle past the timeout
// are closed. The number of simultaneously open sessions is the estimate.
type Estimator struct {
	NoiseFloor  int64         // deltas at or below this are handshake noise
	IdleTimeout time.Duration // inactivity before a session is closed
}

// NewEstimator creates an estimator with the given tunable thresholds
func NewEstimator(noiseFloor int64, idleTimeout time.Duration) *Estimator {
	if noiseFloor <= 0 {
		noiseFloor = 512
	}
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Minute
	}
	return &Estimator{NoiseFloor: noiseFloor, IdleTimeout: idleTimeout}
}

// Observe processes one reconciliation delta for a key and refreshes its
// device estimate. Runs inside the per-server transaction.
func (e *Estimator) Observe(tx *gorm.DB, key *models.AccessKey, delta int64, now time.Time) error {
	if delta > e.NoiseFloor {
		if err := e.recordTraffic(tx, key.ID, delta, now); err != nil {
			return err
		}
	} else {
		if err := e.closeIdleSessions(tx, key.ID, now); err != nil {
			return err
		}
	}

	var active int64
	if err := tx.Model(&models.ConnectionSession{}).
		Where("key_id = ? AND is_active = ?", key.ID, true).
		Count(&active).Error; err != nil {
		return err
	}

	key.EstimatedDevices = int(active)
	if key.EstimatedDevices > key.PeakDevices {
		key.PeakDevices = key.EstimatedDevices
	}
	return nil
}

// recordTraffic extends the most recently started active session, or opens
// a new one if none exists
func (e *Estimator) recordTraffic(tx *gorm.DB, keyID uint, delta int64, now time.Time) error {
	var session models.ConnectionSession
	err := tx.Where("key_id = ? AND is_active = ?", keyID, true).
		Order("started_at DESC").
		First(&session).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		session = models.ConnectionSession{
			KeyID:        keyID,
			StartedAt:    now,
			LastActiveAt: now,
			IsActive:     true,
			Bytes:        delta,
		}
		return tx.Create(&session).Error
	}
	if err != nil {
		return err
	}

	session.LastActiveAt = now
	session.Bytes += delta
	return tx.Save(&session).Error
}

// closeIdleSessions ends active sessions with no traffic past the timeout
func (e *Estimator) closeIdleSessions(tx *gorm.DB, keyID uint, now time.Time) error {
	cutoff := now.Add(-e.IdleTimeout)
	return tx.Model(&models.ConnectionSession{}).
		Where("key_id = ? AND is_active = ? AND last_active_at < ?", keyID, true, cutoff).
		Updates(map[string]interface{}{
			"is_active": false,
			"ended_at":  now,
		}).Error
}

// CloseAllSessions force-closes every active session for a key (used when a
// key is disabled or archived)
func CloseAllSessions(tx *gorm.DB, keyID uint, now time.Time) error {
	return tx.Model(&models.ConnectionSession{}).
		Where("key_id = ? AND is_active = ?", keyID, true).
		Updates(map[string]interface{}{
			"is_active": false,
			"ended_at":  now,
		}).Error
}
