package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/proxyfleet/backend/internal/config"
	"github.com/proxyfleet/backend/internal/models"
	"gorm.io/gorm"
)

var (
	ErrKeyNotFound    = errors.New("access key not found")
	ErrKeyNotDisabled = errors.New("access key is not disabled")
	ErrKeyNoRemote    = errors.New("access key has no remote counterpart")
)

// KeyService owns the admin-initiated key operations: creation, disabling
// and re-enabling (with the usage-offset bookkeeping that keeps totals
// continuous across remote re-creation), renaming, data limits and
// archive-then-remove deletion.
type KeyService struct {
	db        *gorm.DB
	cfg       *config.Config
	clientFor ClientFactory
}

// NewKeyService creates the key admin service
func NewKeyService(db *gorm.DB, cfg *config.Config) *KeyService {
	return &KeyService{db: db, cfg: cfg, clientFor: DefaultClientFactory}
}

// CreateKeyParams describes a new key
type CreateKeyParams struct {
	ServerID       uint
	Name           string
	Method         string
	DataLimitBytes *int64
	ResetStrategy  models.ResetStrategy
	ExpirationType models.ExpirationType
	ExpiresAt      *time.Time
	DurationDays   int
}

// Create provisions a key on the remote server and records it locally
func (s *KeyService) Create(ctx context.Context, params CreateKeyParams) (*models.AccessKey, error) {
	var server models.Server
	if err := s.db.First(&server, params.ServerID).Error; err != nil {
		return nil, fmt.Errorf("server %d: %w", params.ServerID, err)
	}

	client := s.clientFor(&server)
	remote, err := client.CreateKey(ctx, params.Name, params.Method)
	if err != nil {
		return nil, err
	}

	if params.DataLimitBytes != nil {
		if err := client.SetDataLimit(ctx, remote.ID, *params.DataLimitBytes); err != nil {
			// Roll the remote key back rather than leaving it unlimited
			if delErr := client.DeleteKey(ctx, remote.ID); delErr != nil {
				log.Printf("KeyService: rollback delete of remote key %s failed: %v", remote.ID, delErr)
			}
			return nil, err
		}
	}

	resetStrategy := params.ResetStrategy
	if resetStrategy == "" {
		resetStrategy = models.ResetNever
	}
	expirationType := params.ExpirationType
	if expirationType == "" {
		expirationType = models.ExpirationNone
	}

	key := models.AccessKey{
		ServerID:       server.ID,
		RemoteID:       remote.ID,
		Name:           params.Name,
		Method:         remote.Method,
		AccessURL:      remote.AccessURL,
		Status:         models.KeyStatusPending,
		DataLimitBytes: params.DataLimitBytes,
		ResetStrategy:  resetStrategy,
		ExpirationType: expirationType,
		ExpiresAt:      params.ExpiresAt,
		DurationDays:   params.DurationDays,
	}
	if err := s.db.Create(&key).Error; err != nil {
		return nil, err
	}
	return &key, nil
}

// Disable deletes the remote key while preserving local usage state. The
// deleted remote identifier and the disable time are recorded for audit;
// the device estimate is zeroed and active sessions are closed.
func (s *KeyService) Disable(ctx context.Context, keyID uint) (*models.AccessKey, error) {
	key, server, err := s.loadKeyWithServer(keyID)
	if err != nil {
		return nil, err
	}
	if key.Status == models.KeyStatusDisabled {
		return key, nil
	}
	if !key.HasRemoteKey() {
		return nil, ErrKeyNoRemote
	}

	client := s.clientFor(server)
	if err := client.DeleteKey(ctx, key.RemoteID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	err = s.db.Transaction(func(tx *gorm.DB) error {
		key.DisabledRemoteID = key.RemoteID
		key.DisabledAt = &now
		key.Status = models.KeyStatusDisabled
		key.EstimatedDevices = 0
		if err := CloseAllSessions(tx, key.ID, now); err != nil {
			return err
		}
		return tx.Save(key).Error
	})
	if err != nil {
		return nil, err
	}
	return key, nil
}

// Enable re-creates the remote key and rebases the usage offset so the
// locally tracked total survives the fresh zero counter: with
// offset = -usedBytes, the next reconciliation of a remote counter C yields
// effective = C + usedBytes.
func (s *KeyService) Enable(ctx context.Context, keyID uint) (*models.AccessKey, error) {
	key, server, err := s.loadKeyWithServer(keyID)
	if err != nil {
		return nil, err
	}
	if key.Status != models.KeyStatusDisabled {
		return nil, ErrKeyNotDisabled
	}

	client := s.clientFor(server)
	remote, err := client.CreateKey(ctx, key.Name, key.Method)
	if err != nil {
		return nil, err
	}

	newOffset := -key.UsedBytes

	if key.DataLimitBytes != nil {
		// The remote counter restarts at zero, so the remote limit is the
		// local limit adjusted for the new offset (i.e. the remaining bytes)
		remoteLimit := *key.DataLimitBytes + newOffset
		if remoteLimit < 0 {
			remoteLimit = 0
		}
		if err := client.SetDataLimit(ctx, remote.ID, remoteLimit); err != nil {
			log.Printf("KeyService: reapply data limit for key %d failed: %v", key.ID, err)
		}
	}

	key.RemoteID = remote.ID
	key.AccessURL = remote.AccessURL
	key.UsageOffset = newOffset
	key.DisabledAt = nil
	if key.FirstUsedAt != nil {
		key.Status = models.KeyStatusActive
	} else {
		key.Status = models.KeyStatusPending
	}

	if err := s.db.Save(key).Error; err != nil {
		return nil, err
	}
	return key, nil
}

// BulkResult is the per-key outcome of a bulk operation
type BulkResult struct {
	KeyID uint   `json:"key_id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// BulkDisable disables a set of keys, isolating per-key failures
func (s *KeyService) BulkDisable(ctx context.Context, keyIDs []uint) []BulkResult {
	return s.bulk(keyIDs, func(id uint) error {
		_, err := s.Disable(ctx, id)
		return err
	})
}

// BulkEnable enables a set of keys, isolating per-key failures
func (s *KeyService) BulkEnable(ctx context.Context, keyIDs []uint) []BulkResult {
	return s.bulk(keyIDs, func(id uint) error {
		_, err := s.Enable(ctx, id)
		return err
	})
}

func (s *KeyService) bulk(keyIDs []uint, op func(uint) error) []BulkResult {
	results := make([]BulkResult, 0, len(keyIDs))
	for _, id := range keyIDs {
		r := BulkResult{KeyID: id, OK: true}
		if err := op(id); err != nil {
			r.OK = false
			r.Error = err.Error()
		}
		results = append(results, r)
	}
	return results
}

// Delete archives a key and removes it from active management. Explicit
// deletes record reason "deleted"; deleting a disabled key records
// "disabled". Remote deletion is best effort.
func (s *KeyService) Delete(ctx context.Context, keyID uint) error {
	key, server, err := s.loadKeyWithServer(keyID)
	if err != nil {
		return err
	}

	if key.HasRemoteKey() {
		client := s.clientFor(server)
		if err := client.DeleteKey(ctx, key.RemoteID); err != nil {
			log.Printf("KeyService: remote delete of key %s failed, archiving anyway: %v", key.RemoteID, err)
		}
	}

	reason := models.ArchiveReasonDeleted
	if key.Status == models.KeyStatusDisabled {
		reason = models.ArchiveReasonDisabled
	}

	now := time.Now().UTC()
	retention := time.Duration(s.cfg.ArchiveRetentionDays) * 24 * time.Hour
	return s.db.Transaction(func(tx *gorm.DB) error {
		return archiveKey(tx, key, server, reason, retention, now)
	})
}

// Rename changes the display name locally and remotely
func (s *KeyService) Rename(ctx context.Context, keyID uint, name string) (*models.AccessKey, error) {
	key, server, err := s.loadKeyWithServer(keyID)
	if err != nil {
		return nil, err
	}

	if key.HasRemoteKey() {
		client := s.clientFor(server)
		if err := client.RenameKey(ctx, key.RemoteID, name); err != nil {
			return nil, err
		}
	}

	key.Name = name
	if err := s.db.Save(key).Error; err != nil {
		return nil, err
	}
	return key, nil
}

// SetDataLimit applies a data limit locally and pushes the offset-adjusted
// limit to the remote server
func (s *KeyService) SetDataLimit(ctx context.Context, keyID uint, limitBytes int64) (*models.AccessKey, error) {
	key, server, err := s.loadKeyWithServer(keyID)
	if err != nil {
		return nil, err
	}

	if key.HasRemoteKey() {
		remoteLimit := limitBytes + key.UsageOffset
		if remoteLimit < 0 {
			remoteLimit = 0
		}
		client := s.clientFor(server)
		if err := client.SetDataLimit(ctx, key.RemoteID, remoteLimit); err != nil {
			return nil, err
		}
	}

	key.DataLimitBytes = &limitBytes
	if err := s.db.Save(key).Error; err != nil {
		return nil, err
	}
	return key, nil
}

// RemoveDataLimit clears the data limit locally and remotely
func (s *KeyService) RemoveDataLimit(ctx context.Context, keyID uint) (*models.AccessKey, error) {
	key, server, err := s.loadKeyWithServer(keyID)
	if err != nil {
		return nil, err
	}

	if key.HasRemoteKey() {
		client := s.clientFor(server)
		if err := client.RemoveDataLimit(ctx, key.RemoteID); err != nil {
			return nil, err
		}
	}

	key.DataLimitBytes = nil
	if err := s.db.Save(key).Error; err != nil {
		return nil, err
	}
	return key, nil
}

func (s *KeyService) loadKeyWithServer(keyID uint) (*models.AccessKey, *models.Server, error) {
	var key models.AccessKey
	if err := s.db.First(&key, keyID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrKeyNotFound
		}
		return nil, nil, err
	}

	var server models.Server
	if err := s.db.First(&server, key.ServerID).Error; err != nil {
		return nil, nil, fmt.Errorf("server %d: %w", key.ServerID, err)
	}

	return &key, &server, nil
}
