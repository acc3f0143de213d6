package services

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/proxyfleet/backend/internal/config"
	"github.com/proxyfleet/backend/internal/database"
	"github.com/proxyfleet/backend/internal/models"
	"gorm.io/gorm"
)

// ServerSyncResult is the per-server outcome of a reconciliation pass
type ServerSyncResult struct {
	ServerID     uint   `json:"server_id"`
	ServerName   string `json:"server_name"`
	OK           bool   `json:"ok"`
	Error        string `json:"error,omitempty"`
	KeysSynced   int    `json:"keys_synced"`
	KeysArchived int    `json:"keys_archived"`
}

// FleetSyncResult aggregates one full fleet pass
type FleetSyncResult struct {
	SyncedAt time.Time          `json:"synced_at"`
	Servers  []ServerSyncResult `json:"servers"`
}

// SyncService drives periodic and on-demand reconciliation of local key
// state against every active remote server.
type SyncService struct {
	db        *gorm.DB
	cfg       *config.Config
	clientFor ClientFactory
	lock      *FleetLock
	estimator *Estimator

	interval  time.Duration
	stopChan  chan struct{}
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
}

// NewSyncService creates the sync engine
func NewSyncService(db *gorm.DB, cfg *config.Config) *SyncService {
	return &SyncService{
		db:        db,
		cfg:       cfg,
		clientFor: DefaultClientFactory,
		lock:      NewFleetLock(db, cfg.SyncLockMaxAge),
		estimator: NewEstimator(cfg.TrafficNoiseFloor, cfg.SessionIdleTimeout),
		interval:  cfg.SyncInterval,
		stopChan:  make(chan struct{}),
	}
}

// Start begins the scheduled fleet sync
func (s *SyncService) Start() {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		log.Printf("SyncService started, syncing every %v", s.interval)

		// Run immediately on start
		s.scheduledSync()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.scheduledSync()
			case <-s.stopChan:
				log.Println("SyncService stopped")
				return
			}
		}
	}()
}

// Stop stops the scheduled sync
func (s *SyncService) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopChan)
	s.wg.Wait()
}

func (s *SyncService) scheduledSync() {
	if _, err := s.SyncAll(); err != nil {
		if sipe, ok := err.(*SyncInProgressError); ok {
			log.Printf("SyncService: previous fleet sync still running (%s), skipping this tick", sipe.Elapsed.Round(time.Second))
			return
		}
		log.Printf("SyncService: fleet sync failed: %v", err)
	}
}

// SyncAll runs one fleet-wide reconciliation pass under the single-flight
// lock. Per-server work runs concurrently with bounded fan-out; one
// server's failure never aborts the others.
func (s *SyncService) SyncAll() (*FleetSyncResult, error) {
	holderID := uuid.NewString()
	if err := s.lock.Acquire(holderID); err != nil {
		return nil, err
	}
	defer func() {
		if err := s.lock.Release(holderID); err != nil {
			log.Printf("SyncService: %v", err)
		}
	}()

	var servers []models.Server
	if err := s.db.Where("is_active = ?", true).Find(&servers).Error; err != nil {
		return nil, fmt.Errorf("load active servers: %w", err)
	}

	result := &FleetSyncResult{
		SyncedAt: time.Now().UTC(),
		Servers:  make([]ServerSyncResult, len(servers)),
	}
	if len(servers) == 0 {
		return result, nil
	}

	log.Printf("SyncService: starting fleet sync across %d servers", len(servers))

	workers := s.cfg.SyncWorkers
	if workers <= 0 {
		workers = 8
	}
	sem := make(chan struct{}, workers)

	var wg sync.WaitGroup
	for i := range servers {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			result.Servers[i] = s.SyncServer(&servers[i])
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, r := range result.Servers {
		if r.OK {
			succeeded++
		}
	}
	log.Printf("SyncService: fleet sync done (%d/%d servers ok)", succeeded, len(servers))

	database.InvalidateStatsCaches()
	if database.Redis != nil {
		database.CacheSet(database.CacheKeySyncStatus, result, database.CacheTTLSyncStatus)
	}
	return result, nil
}

// Status reports whether a fleet sync currently holds the lock
func (s *SyncService) Status() (running bool, elapsed time.Duration, err error) {
	return s.lock.Status()
}

// SyncServer runs one reconciliation pass for a single server. It does not
// take the fleet lock, so on-demand single-server syncs can run alongside
// normal operation. All database writes for the pass commit together.
func (s *SyncService) SyncServer(server *models.Server) ServerSyncResult {
	result := ServerSyncResult{ServerID: server.ID, ServerName: server.Name}
	ctx := context.Background()
	now := time.Now().UTC()

	client := s.clientFor(server)

	// Remote reads happen before any local write: a server that is
	// unreachable fails the pass without touching state.
	remoteKeys, err := client.ListKeys(ctx)
	if err != nil {
		result.Error = err.Error()
		log.Printf("SyncService: server %s: %v", server.Name, err)
		return result
	}

	metrics, metricsSupported, err := client.Metrics(ctx)
	if err != nil {
		result.Error = err.Error()
		log.Printf("SyncService: server %s: %v", server.Name, err)
		return result
	}

	remoteByID := make(map[string]bool, len(remoteKeys))
	for _, rk := range remoteKeys {
		remoteByID[rk.ID] = true
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		var keys []models.AccessKey
		if err := tx.Where("server_id = ?", server.ID).Find(&keys).Error; err != nil {
			return err
		}

		var archiveCandidates []*models.AccessKey
		for i := range keys {
			key := &keys[i]
			if key.Status == models.KeyStatusDisabled {
				continue
			}

			if metricsSupported {
				if err := s.reconcileKey(tx, key, metrics, now); err != nil {
					return fmt.Errorf("key %d: %w", key.ID, err)
				}
			} else {
				// No counters this pass. An absent report must not read as
				// raw 0: a positive offset would be mistaken for a remote
				// reset and zeroed. Usage, offsets and lifecycle stay
				// untouched; only idle-session bookkeeping runs.
				if err := s.estimator.Observe(tx, key, 0, now); err != nil {
					return fmt.Errorf("key %d: %w", key.ID, err)
				}
			}
			result.KeysSynced++

			if key.IsTerminal() {
				archiveCandidates = append(archiveCandidates, key)
			} else {
				if err := tx.Save(key).Error; err != nil {
					return err
				}
				if !remoteByID[key.RemoteID] {
					log.Printf("SyncService: server %s: key %d (%s) missing remotely", server.Name, key.ID, key.RemoteID)
				}
			}
		}

		retention := time.Duration(s.cfg.ArchiveRetentionDays) * 24 * time.Hour
		for _, key := range archiveCandidates {
			// Best effort: local state must not get stuck on a remote failure
			if err := client.DeleteKey(ctx, key.RemoteID); err != nil {
				log.Printf("SyncService: server %s: remote delete of key %s failed, archiving anyway: %v", server.Name, key.RemoteID, err)
			}
			reason := models.ArchiveReasonExpired
			if key.Status == models.KeyStatusDepleted {
				reason = models.ArchiveReasonDepleted
			}
			if err := archiveKey(tx, key, server, reason, retention, now); err != nil {
				return fmt.Errorf("archive key %d: %w", key.ID, err)
			}
			result.KeysArchived++
		}

		server.LastSyncAt = &now
		server.SupportsMetrics = metricsSupported
		return tx.Save(server).Error
	})
	if err != nil {
		result.Error = err.Error()
		log.Printf("SyncService: server %s: commit failed: %v", server.Name, err)
		return result
	}

	result.OK = true
	return result
}

// reconcileKey runs the counter reconciliation, state machine and session
// estimation for one key. The key is mutated in place; the caller persists.
func (s *SyncService) reconcileKey(tx *gorm.DB, key *models.AccessKey, metrics map[string]int64, now time.Time) error {
	// A counter absent from the remote report reads as zero
	raw := metrics[key.RemoteID]

	// Multi-period data limits: rebase the offset at period rollover so
	// effective usage restarts at zero
	if shouldResetPeriod(key, now) {
		applyPeriodReset(key, raw, now)
		log.Printf("SyncService: key %d: %s data-limit period reset", key.ID, key.ResetStrategy)
	}

	effective, delta, resetDetected := ReconcileCounter(raw, key.UsageOffset, key.UsedBytes)
	if resetDetected {
		key.UsageOffset = 0
		log.Printf("SyncService: key %d: remote counter reset detected (raw=%d)", key.ID, raw)
	}

	if delta != 0 || resetDetected {
		key.UsedBytes = effective
	}
	if delta > 0 {
		t := now
		key.LastUsedAt = &t
	}

	// Down-sampled traffic history for charts
	if delta >= s.cfg.TrafficLogMinDelta {
		entry := models.TrafficLog{KeyID: key.ID, Bytes: delta, CreatedAt: now}
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}
	}

	applyLifecycle(key, effective, delta, now)

	return s.estimator.Observe(tx, key, delta, now)
}
