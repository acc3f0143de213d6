package services

import (
	"log"
	"sync"
	"time"

	"github.com/proxyfleet/backend/internal/database"
	"github.com/proxyfleet/backend/internal/models"
	"gorm.io/gorm"
)

// archiveKey freezes a key into the archive and removes it from active
// management, together with its sessions and traffic history. The remote
// deletion is the caller's responsibility (it is best effort and must not
// abort archiving).
func archiveKey(tx *gorm.DB, key *models.AccessKey, server *models.Server, reason models.ArchiveReason, retention time.Duration, now time.Time) error {
	snapshot := models.ArchivedKey{
		KeyID:          key.ID,
		ServerID:       key.ServerID,
		RemoteID:       key.RemoteID,
		Name:           key.Name,
		Method:         key.Method,
		Status:         key.Status,
		UsedBytes:      key.UsedBytes,
		DataLimitBytes: key.DataLimitBytes,
		FirstUsedAt:    key.FirstUsedAt,
		LastUsedAt:     key.LastUsedAt,
		ExpiresAt:      key.ExpiresAt,
		PeakDevices:    key.PeakDevices,
		KeyCreatedAt:   key.CreatedAt,
		ArchiveReason:  reason,
		ArchivedAt:     now,
		DeleteAfter:    now.Add(retention),
	}
	if server != nil {
		snapshot.ServerName = server.Name
		snapshot.ServerLocation = server.Location
	}

	if err := tx.Create(&snapshot).Error; err != nil {
		return err
	}

	if err := CloseAllSessions(tx, key.ID, now); err != nil {
		return err
	}
	if err := tx.Where("key_id = ?", key.ID).Delete(&models.TrafficLog{}).Error; err != nil {
		return err
	}

	// The snapshot is the retained record; the live row goes away for good
	return tx.Unscoped().Delete(key).Error
}

// CleanupArchive permanently deletes archived keys whose retention window
// has passed. Idempotent and safe to run repeatedly.
func CleanupArchive(db *gorm.DB, now time.Time) (int64, error) {
	res := db.Where("delete_after < ?", now).Delete(&models.ArchivedKey{})
	return res.RowsAffected, res.Error
}

// ArchiveCleanupService periodically purges expired archive entries
type ArchiveCleanupService struct {
	checkInterval time.Duration
	stopChan      chan struct{}
	wg            sync.WaitGroup
	mu            sync.Mutex
	isRunning     bool
}

// NewArchiveCleanupService creates the daily archive purge service
func NewArchiveCleanupService() *ArchiveCleanupService {
	return &ArchiveCleanupService{
		checkInterval: 24 * time.Hour,
		stopChan:      make(chan struct{}),
	}
}

// Start begins the cleanup service
func (s *ArchiveCleanupService) Start() {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()

	log.Printf("ArchiveCleanupService started (check interval: %v)", s.checkInterval)
}

// Stop stops the cleanup service
func (s *ArchiveCleanupService) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopChan)
	s.wg.Wait()
	log.Println("ArchiveCleanupService stopped")
}

func (s *ArchiveCleanupService) run() {
	defer s.wg.Done()

	// First run after a short delay (let system stabilize)
	select {
	case <-time.After(2 * time.Minute):
		s.cleanup()
	case <-s.stopChan:
		return
	}

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *ArchiveCleanupService) cleanup() {
	if database.DB == nil {
		return
	}

	purged, err := CleanupArchive(database.DB, time.Now().UTC())
	if err != nil {
		log.Printf("ArchiveCleanup: failed to purge expired entries: %v", err)
		return
	}
	if purged > 0 {
		log.Printf("ArchiveCleanup: purged %d expired archive entries", purged)
	}
}
