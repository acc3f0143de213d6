package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/proxyfleet/backend/internal/models"
	"github.com/proxyfleet/backend/internal/outline"
	"github.com/stretchr/testify/require"
)

// fakeRemote is an in-memory RemoteAPI implementation
type fakeRemote struct {
	mu               sync.Mutex
	keys             map[string]outline.AccessKey
	metrics          map[string]int64
	metricsSupported bool
	failWith         error
	deleted          []string
	dataLimits       map[string]int64
	nextID           int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		keys:             make(map[string]outline.AccessKey),
		metrics:          make(map[string]int64),
		metricsSupported: true,
		dataLimits:       make(map[string]int64),
		nextID:           1,
	}
}

func (f *fakeRemote) ListKeys(ctx context.Context) ([]outline.AccessKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	out := make([]outline.AccessKey, 0, len(f.keys))
	for _, k := range f.keys {
		out = append(out, k)
	}
	return out, nil
}

func (f *fakeRemote) Metrics(ctx context.Context) (map[string]int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, false, f.failWith
	}
	if !f.metricsSupported {
		return nil, false, nil
	}
	out := make(map[string]int64, len(f.metrics))
	for id, b := range f.metrics {
		out[id] = b
	}
	return out, true, nil
}

func (f *fakeRemote) CreateKey(ctx context.Context, name, method string) (*outline.AccessKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	id := strconv.Itoa(f.nextID)
	f.nextID++
	key := outline.AccessKey{
		ID:        id,
		Name:      name,
		Method:    method,
		AccessURL: "ss://fake/" + id,
	}
	f.keys[id] = key
	return &key, nil
}

func (f *fakeRemote) DeleteKey(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	if f.failWith != nil {
		return f.failWith
	}
	delete(f.keys, id)
	delete(f.metrics, id)
	return nil
}

func (f *fakeRemote) SetDataLimit(ctx context.Context, id string, limitBytes int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.dataLimits[id] = limitBytes
	return nil
}

func (f *fakeRemote) RemoveDataLimit(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.dataLimits, id)
	return nil
}

func (f *fakeRemote) RenameKey(ctx context.Context, id, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if k, ok := f.keys[id]; ok {
		k.Name = name
		f.keys[id] = k
	}
	return nil
}

func (f *fakeRemote) deletedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

// newSyncedFixture sets up a server with one fake remote behind it
func newSyncedFixture(t *testing.T) (*SyncService, *fakeRemote, *models.Server) {
	t.Helper()
	db := newTestDB(t)
	svc := NewSyncService(db, testConfig())
	fake := newFakeRemote()
	svc.clientFor = func(*models.Server) RemoteAPI { return fake }

	server := &models.Server{Name: "fra-1", Location: "Frankfurt", APIURL: "https://x", IsActive: true}
	mustCreate(t, db, server)
	return svc, fake, server
}

func TestSyncServerDepletionScenario(t *testing.T) {
	svc, fake, server := newSyncedFixture(t)

	limit := int64(1_073_741_824) // 1 GiB
	firstUsed := time.Now().UTC().Add(-time.Hour)
	key := &models.AccessKey{
		ServerID:       server.ID,
		RemoteID:       "7",
		Name:           "alice",
		Status:         models.KeyStatusActive,
		UsedBytes:      900_000_000,
		DataLimitBytes: &limit,
		FirstUsedAt:    &firstUsed,
	}
	mustCreate(t, svc.db, key)
	fake.keys["7"] = outline.AccessKey{ID: "7", Name: "alice"}
	fake.metrics["7"] = 1_200_000_000

	result := svc.SyncServer(server)
	require.True(t, result.OK, result.Error)
	require.Equal(t, 1, result.KeysSynced)
	require.Equal(t, 1, result.KeysArchived)

	// The key crossed its limit: depleted, remote-deleted and archived
	require.Equal(t, []string{"7"}, fake.deletedIDs())

	var archived models.ArchivedKey
	require.NoError(t, svc.db.Where("key_id = ?", key.ID).First(&archived).Error)
	require.Equal(t, models.ArchiveReasonDepleted, archived.ArchiveReason)
	require.EqualValues(t, 1_200_000_000, archived.UsedBytes)
	require.Equal(t, "fra-1", archived.ServerName)

	var liveCount int64
	svc.db.Unscoped().Model(&models.AccessKey{}).Where("id = ?", key.ID).Count(&liveCount)
	require.Zero(t, liveCount)

	require.NotNil(t, server.LastSyncAt)
}

func TestSyncServerFirstUseActivation(t *testing.T) {
	svc, fake, server := newSyncedFixture(t)

	key := &models.AccessKey{
		ServerID:       server.ID,
		RemoteID:       "3",
		Status:         models.KeyStatusPending,
		ExpirationType: models.ExpirationOnFirstUse,
		DurationDays:   30,
	}
	mustCreate(t, svc.db, key)
	fake.keys["3"] = outline.AccessKey{ID: "3"}
	fake.metrics["3"] = 5000

	before := time.Now().UTC()
	result := svc.SyncServer(server)
	require.True(t, result.OK, result.Error)

	var updated models.AccessKey
	require.NoError(t, svc.db.First(&updated, key.ID).Error)
	require.Equal(t, models.KeyStatusActive, updated.Status)
	require.EqualValues(t, 5000, updated.UsedBytes)
	require.NotNil(t, updated.FirstUsedAt)
	require.NotNil(t, updated.ExpiresAt)
	require.WithinDuration(t, before.AddDate(0, 0, 30), *updated.ExpiresAt, time.Minute)

	// The first burst opened one inferred session
	require.Equal(t, 1, updated.EstimatedDevices)
	require.Equal(t, 1, updated.PeakDevices)
}

func TestSyncServerIdempotent(t *testing.T) {
	svc, fake, server := newSyncedFixture(t)

	key := &models.AccessKey{
		ServerID: server.ID,
		RemoteID: "5",
		Status:   models.KeyStatusActive,
	}
	mustCreate(t, svc.db, key)
	fake.keys["5"] = outline.AccessKey{ID: "5"}
	fake.metrics["5"] = 50_000

	require.True(t, svc.SyncServer(server).OK)

	var first models.AccessKey
	require.NoError(t, svc.db.First(&first, key.ID).Error)

	var logsAfterFirst, sessionsAfterFirst int64
	svc.db.Model(&models.TrafficLog{}).Where("key_id = ?", key.ID).Count(&logsAfterFirst)
	svc.db.Model(&models.ConnectionSession{}).Where("key_id = ?", key.ID).Count(&sessionsAfterFirst)

	// Same remote report again: nothing may change
	require.True(t, svc.SyncServer(server).OK)

	var second models.AccessKey
	require.NoError(t, svc.db.First(&second, key.ID).Error)
	require.Equal(t, first.UsedBytes, second.UsedBytes)
	require.Equal(t, first.Status, second.Status)
	require.Equal(t, first.EstimatedDevices, second.EstimatedDevices)

	var logsAfterSecond, sessionsAfterSecond int64
	svc.db.Model(&models.TrafficLog{}).Where("key_id = ?", key.ID).Count(&logsAfterSecond)
	svc.db.Model(&models.ConnectionSession{}).Where("key_id = ?", key.ID).Count(&sessionsAfterSecond)
	require.Equal(t, logsAfterFirst, logsAfterSecond)
	require.Equal(t, sessionsAfterFirst, sessionsAfterSecond)
}

func TestSyncServerMetricsUnsupported(t *testing.T) {
	svc, fake, server := newSyncedFixture(t)
	fake.metricsSupported = false

	key := &models.AccessKey{ServerID: server.ID, RemoteID: "1", Status: models.KeyStatusActive, UsedBytes: 777}
	mustCreate(t, svc.db, key)
	fake.keys["1"] = outline.AccessKey{ID: "1"}

	result := svc.SyncServer(server)
	require.True(t, result.OK, result.Error)
	require.False(t, server.SupportsMetrics)

	var updated models.AccessKey
	require.NoError(t, svc.db.First(&updated, key.ID).Error)
	require.EqualValues(t, 777, updated.UsedBytes)
}

func TestSyncServerMetricsOutagePreservesOffset(t *testing.T) {
	svc, fake, server := newSyncedFixture(t)
	fake.metricsSupported = false

	// A period rollover left this key with a positive offset earlier today
	today := time.Now().UTC().Add(-time.Hour)
	limit := int64(10_000)
	key := &models.AccessKey{
		ServerID:          server.ID,
		RemoteID:          "4",
		Status:            models.KeyStatusActive,
		UsageOffset:       9000,
		DataLimitBytes:    &limit,
		ResetStrategy:     models.ResetDaily,
		LastPeriodResetAt: &today,
	}
	mustCreate(t, svc.db, key)
	fake.keys["4"] = outline.AccessKey{ID: "4"}

	// An outage pass must not read the missing counter as zero and mistake
	// the positive offset for a remote reset
	require.True(t, svc.SyncServer(server).OK)

	var updated models.AccessKey
	require.NoError(t, svc.db.First(&updated, key.ID).Error)
	require.EqualValues(t, 9000, updated.UsageOffset)
	require.Zero(t, updated.UsedBytes)
	require.Equal(t, models.KeyStatusActive, updated.Status)

	// Metrics return: the rebased counter still reads as zero period usage
	fake.metricsSupported = true
	fake.metrics["4"] = 9000
	require.True(t, svc.SyncServer(server).OK)

	require.NoError(t, svc.db.First(&updated, key.ID).Error)
	require.EqualValues(t, 9000, updated.UsageOffset)
	require.Zero(t, updated.UsedBytes)
	require.Equal(t, models.KeyStatusActive, updated.Status)
}

func TestSyncServerUnreachableLeavesStateUntouched(t *testing.T) {
	svc, fake, server := newSyncedFixture(t)
	fake.failWith = errors.New("connection refused")

	key := &models.AccessKey{ServerID: server.ID, RemoteID: "1", Status: models.KeyStatusActive, UsedBytes: 777}
	mustCreate(t, svc.db, key)

	result := svc.SyncServer(server)
	require.False(t, result.OK)
	require.Contains(t, result.Error, "connection refused")

	var reloaded models.Server
	require.NoError(t, svc.db.First(&reloaded, server.ID).Error)
	require.Nil(t, reloaded.LastSyncAt)

	var updated models.AccessKey
	require.NoError(t, svc.db.First(&updated, key.ID).Error)
	require.EqualValues(t, 777, updated.UsedBytes)
}

func TestSyncServerSkipsDisabledKeys(t *testing.T) {
	svc, fake, server := newSyncedFixture(t)

	past := time.Now().UTC().Add(-time.Hour)
	key := &models.AccessKey{
		ServerID:  server.ID,
		RemoteID:  "9",
		Status:    models.KeyStatusDisabled,
		UsedBytes: 1000,
		ExpiresAt: &past,
	}
	mustCreate(t, svc.db, key)
	fake.metrics["9"] = 999_999

	result := svc.SyncServer(server)
	require.True(t, result.OK, result.Error)
	require.Zero(t, result.KeysSynced)

	var updated models.AccessKey
	require.NoError(t, svc.db.First(&updated, key.ID).Error)
	require.Equal(t, models.KeyStatusDisabled, updated.Status)
	require.EqualValues(t, 1000, updated.UsedBytes)
}

func TestSyncServerCounterResetDetected(t *testing.T) {
	svc, fake, server := newSyncedFixture(t)

	key := &models.AccessKey{
		ServerID:    server.ID,
		RemoteID:    "2",
		Status:      models.KeyStatusActive,
		UsedBytes:   10_000,
		UsageOffset: 5000,
	}
	mustCreate(t, svc.db, key)
	fake.keys["2"] = outline.AccessKey{ID: "2"}
	fake.metrics["2"] = 700 // below the offset: the remote counter was reset

	require.True(t, svc.SyncServer(server).OK)

	var updated models.AccessKey
	require.NoError(t, svc.db.First(&updated, key.ID).Error)
	require.EqualValues(t, 700, updated.UsedBytes)
	require.Zero(t, updated.UsageOffset)
}

func TestSyncServerPeriodRollover(t *testing.T) {
	svc, fake, server := newSyncedFixture(t)

	yesterday := time.Now().UTC().AddDate(0, 0, -1)
	limit := int64(10_000)
	key := &models.AccessKey{
		ServerID:          server.ID,
		RemoteID:          "4",
		Status:            models.KeyStatusActive,
		UsedBytes:         9000,
		DataLimitBytes:    &limit,
		ResetStrategy:     models.ResetDaily,
		LastPeriodResetAt: &yesterday,
	}
	mustCreate(t, svc.db, key)
	fake.keys["4"] = outline.AccessKey{ID: "4"}
	fake.metrics["4"] = 9000

	require.True(t, svc.SyncServer(server).OK)

	// New period: usage restarts at zero instead of depleting the key
	var updated models.AccessKey
	require.NoError(t, svc.db.First(&updated, key.ID).Error)
	require.Equal(t, models.KeyStatusActive, updated.Status)
	require.Zero(t, updated.UsedBytes)
	require.EqualValues(t, 9000, updated.UsageOffset)
	require.NotNil(t, updated.LastPeriodResetAt)
	require.True(t, updated.LastPeriodResetAt.After(yesterday))
}

func TestSyncServerRemoteDeleteFailureStillArchives(t *testing.T) {
	svc, fake, server := newSyncedFixture(t)

	past := time.Now().UTC().Add(-time.Minute)
	key := &models.AccessKey{
		ServerID:  server.ID,
		RemoteID:  "6",
		Status:    models.KeyStatusActive,
		UsedBytes: 100,
		ExpiresAt: &past,
	}
	mustCreate(t, svc.db, key)
	fake.keys["6"] = outline.AccessKey{ID: "6"}
	fake.metrics["6"] = 100

	// Remote reads succeed but the delete call fails
	svc.clientFor = func(*models.Server) RemoteAPI {
		return &deleteFailingRemote{fakeRemote: fake, err: errors.New("boom")}
	}

	result := svc.SyncServer(server)
	require.True(t, result.OK, result.Error)
	require.Equal(t, 1, result.KeysArchived)

	var archived models.ArchivedKey
	require.NoError(t, svc.db.Where("key_id = ?", key.ID).First(&archived).Error)
	require.Equal(t, models.ArchiveReasonExpired, archived.ArchiveReason)
}

// deleteFailingRemote fails remote deletions but nothing else
type deleteFailingRemote struct {
	*fakeRemote
	err error
}

func (d *deleteFailingRemote) DeleteKey(ctx context.Context, id string) error {
	return d.err
}

func TestSyncAllIsolatesServerFailures(t *testing.T) {
	db := newTestDB(t)
	svc := NewSyncService(db, testConfig())

	good := newFakeRemote()
	bad := newFakeRemote()
	bad.failWith = errors.New("auth error")

	serverA := &models.Server{Name: "good", APIURL: "https://a", IsActive: true}
	serverB := &models.Server{Name: "bad", APIURL: "https://b", IsActive: true}
	mustCreate(t, db, serverA)
	mustCreate(t, db, serverB)

	svc.clientFor = func(s *models.Server) RemoteAPI {
		if s.Name == "good" {
			return good
		}
		return bad
	}

	key := &models.AccessKey{ServerID: serverA.ID, RemoteID: "1", Status: models.KeyStatusActive}
	mustCreate(t, db, key)
	good.keys["1"] = outline.AccessKey{ID: "1"}
	good.metrics["1"] = 4096

	result, err := svc.SyncAll()
	require.NoError(t, err)
	require.Len(t, result.Servers, 2)

	byName := map[string]ServerSyncResult{}
	for _, r := range result.Servers {
		byName[r.ServerName] = r
	}
	require.True(t, byName["good"].OK)
	require.False(t, byName["bad"].OK)
	require.Contains(t, byName["bad"].Error, "auth error")

	// The healthy server's pass committed despite its neighbor failing
	var updated models.AccessKey
	require.NoError(t, db.First(&updated, key.ID).Error)
	require.EqualValues(t, 4096, updated.UsedBytes)

	// The lock was released: another pass may start immediately
	held, _, err := svc.Status()
	require.NoError(t, err)
	require.False(t, held)
}

func TestSyncAllInactiveServersExcluded(t *testing.T) {
	db := newTestDB(t)
	svc := NewSyncService(db, testConfig())
	fake := newFakeRemote()
	svc.clientFor = func(*models.Server) RemoteAPI { return fake }

	mustCreate(t, db, &models.Server{Name: "off", APIURL: "https://x", IsActive: false})

	// The false must survive the insert; a column default would swallow it
	var stored models.Server
	require.NoError(t, db.Where("name = ?", "off").First(&stored).Error)
	require.False(t, stored.IsActive)

	result, err := svc.SyncAll()
	require.NoError(t, err)
	require.Empty(t, result.Servers)
}

func TestDisableEnablePreservesUsage(t *testing.T) {
	db := newTestDB(t)
	cfg := testConfig()
	fake := newFakeRemote()

	keySvc := NewKeyService(db, cfg)
	keySvc.clientFor = func(*models.Server) RemoteAPI { return fake }
	syncSvc := NewSyncService(db, cfg)
	syncSvc.clientFor = func(*models.Server) RemoteAPI { return fake }

	server := &models.Server{Name: "fra-1", APIURL: "https://x", IsActive: true}
	mustCreate(t, db, server)

	const used = int64(900_000)
	firstUsed := time.Now().UTC().Add(-time.Hour)
	limit := int64(2_000_000)
	key := &models.AccessKey{
		ServerID:         server.ID,
		RemoteID:         "10",
		Name:             "bob",
		Status:           models.KeyStatusActive,
		UsedBytes:        used,
		DataLimitBytes:   &limit,
		FirstUsedAt:      &firstUsed,
		EstimatedDevices: 2,
	}
	mustCreate(t, db, key)
	fake.keys["10"] = outline.AccessKey{ID: "10", Name: "bob"}
	mustCreate(t, db, &models.ConnectionSession{KeyID: key.ID, StartedAt: firstUsed, LastActiveAt: firstUsed, IsActive: true})

	// Disable: remote key goes away, usage and audit trail stay
	disabled, err := keySvc.Disable(context.Background(), key.ID)
	require.NoError(t, err)
	require.Equal(t, models.KeyStatusDisabled, disabled.Status)
	require.Equal(t, "10", disabled.DisabledRemoteID)
	require.NotNil(t, disabled.DisabledAt)
	require.Zero(t, disabled.EstimatedDevices)
	require.EqualValues(t, used, disabled.UsedBytes)
	require.Contains(t, fake.deletedIDs(), "10")

	var session models.ConnectionSession
	require.NoError(t, db.Where("key_id = ?", key.ID).First(&session).Error)
	require.False(t, session.IsActive)

	// Enable: new remote key, offset rebased to -usedBytes, remaining bytes
	// pushed as the remote limit
	enabled, err := keySvc.Enable(context.Background(), key.ID)
	require.NoError(t, err)
	require.Equal(t, models.KeyStatusActive, enabled.Status)
	require.NotEqual(t, "10", enabled.RemoteID)
	require.EqualValues(t, -used, enabled.UsageOffset)
	require.Nil(t, enabled.DisabledAt)
	require.EqualValues(t, limit-used, fake.dataLimits[enabled.RemoteID])

	// Fresh remote counter C reconciles to C + usedBytes
	const c = int64(123_456)
	fake.metrics[enabled.RemoteID] = c
	require.True(t, syncSvc.SyncServer(server).OK)

	var after models.AccessKey
	require.NoError(t, db.First(&after, key.ID).Error)
	require.EqualValues(t, c+used, after.UsedBytes)
}

func TestEnableRequiresDisabledKey(t *testing.T) {
	db := newTestDB(t)
	keySvc := NewKeyService(db, testConfig())
	keySvc.clientFor = func(*models.Server) RemoteAPI { return newFakeRemote() }

	server := &models.Server{Name: "fra-1", APIURL: "https://x"}
	mustCreate(t, db, server)
	key := &models.AccessKey{ServerID: server.ID, RemoteID: "1", Status: models.KeyStatusActive}
	mustCreate(t, db, key)

	_, err := keySvc.Enable(context.Background(), key.ID)
	require.ErrorIs(t, err, ErrKeyNotDisabled)
}

func TestBulkDisableIsolatesFailures(t *testing.T) {
	db := newTestDB(t)
	keySvc := NewKeyService(db, testConfig())
	keySvc.clientFor = func(*models.Server) RemoteAPI { return newFakeRemote() }

	server := &models.Server{Name: "fra-1", APIURL: "https://x"}
	mustCreate(t, db, server)
	key := &models.AccessKey{ServerID: server.ID, RemoteID: "1", Status: models.KeyStatusActive}
	mustCreate(t, db, key)

	results := keySvc.BulkDisable(context.Background(), []uint{key.ID, 424242})
	require.Len(t, results, 2)
	require.True(t, results[0].OK)
	require.False(t, results[1].OK)

	var updated models.AccessKey
	require.NoError(t, db.First(&updated, key.ID).Error)
	require.Equal(t, models.KeyStatusDisabled, updated.Status)
}

func TestKeyServiceDeleteArchiveReasons(t *testing.T) {
	db := newTestDB(t)
	keySvc := NewKeyService(db, testConfig())
	fake := newFakeRemote()
	keySvc.clientFor = func(*models.Server) RemoteAPI { return fake }

	server := &models.Server{Name: "fra-1", APIURL: "https://x"}
	mustCreate(t, db, server)

	active := &models.AccessKey{ServerID: server.ID, RemoteID: "1", Status: models.KeyStatusActive}
	disabledAt := time.Now().UTC()
	disabled := &models.AccessKey{ServerID: server.ID, Status: models.KeyStatusDisabled, DisabledAt: &disabledAt}
	mustCreate(t, db, active)
	mustCreate(t, db, disabled)

	require.NoError(t, keySvc.Delete(context.Background(), active.ID))
	require.NoError(t, keySvc.Delete(context.Background(), disabled.ID))

	var activeArchive, disabledArchive models.ArchivedKey
	require.NoError(t, db.Where("key_id = ?", active.ID).First(&activeArchive).Error)
	require.NoError(t, db.Where("key_id = ?", disabled.ID).First(&disabledArchive).Error)
	require.Equal(t, models.ArchiveReasonDeleted, activeArchive.ArchiveReason)
	require.Equal(t, models.ArchiveReasonDisabled, disabledArchive.ArchiveReason)

	// Only the active key had a remote counterpart to delete
	require.Equal(t, []string{"1"}, fake.deletedIDs())
}

func TestKeyServiceCreate(t *testing.T) {
	db := newTestDB(t)
	keySvc := NewKeyService(db, testConfig())
	fake := newFakeRemote()
	keySvc.clientFor = func(*models.Server) RemoteAPI { return fake }

	server := &models.Server{Name: "fra-1", APIURL: "https://x"}
	mustCreate(t, db, server)

	limit := int64(1 << 30)
	key, err := keySvc.Create(context.Background(), CreateKeyParams{
		ServerID:       server.ID,
		Name:           "carol",
		Method:         "chacha20-ietf-poly1305",
		DataLimitBytes: &limit,
		ExpirationType: models.ExpirationOnFirstUse,
		DurationDays:   30,
	})
	require.NoError(t, err)
	require.Equal(t, models.KeyStatusPending, key.Status)
	require.NotEmpty(t, key.RemoteID)
	require.NotEmpty(t, key.AccessURL)
	require.EqualValues(t, limit, fake.dataLimits[key.RemoteID])
	require.Equal(t, models.ResetNever, key.ResetStrategy)

	msg := fmt.Sprintf("remote key %s should exist", key.RemoteID)
	_, ok := fake.keys[key.RemoteID]
	require.True(t, ok, msg)
}
