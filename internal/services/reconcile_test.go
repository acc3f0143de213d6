package services

import (
	"testing"
	"time"

	"github.com/proxyfleet/backend/internal/models"
	"github.com/stretchr/testify/require"
)

func TestReconcileCounterFirstTraffic(t *testing.T) {
	effective, delta, reset := ReconcileCounter(5000, 0, 0)
	require.False(t, reset)
	require.EqualValues(t, 5000, effective)
	require.EqualValues(t, 5000, delta)
}

func TestReconcileCounterDelta(t *testing.T) {
	effective, delta, reset := ReconcileCounter(8000, 0, 5000)
	require.False(t, reset)
	require.EqualValues(t, 8000, effective)
	require.EqualValues(t, 3000, delta)
}

func TestReconcileCounterOffsetPreservesUsage(t *testing.T) {
	// Key disabled with usedBytes = U, re-enabled with offset = -U. A fresh
	// remote counter C must yield effective = C + U.
	const u = 900_000
	const c = 12_345

	effective, delta, reset := ReconcileCounter(c, -u, u)
	require.False(t, reset)
	require.EqualValues(t, c+u, effective)
	require.EqualValues(t, c, delta)
}

func TestReconcileCounterRemoteReset(t *testing.T) {
	// Positive offset above the raw counter means the remote counter was
	// reset; everything currently on it is new traffic.
	effective, delta, reset := ReconcileCounter(700, 5000, 10_000)
	require.True(t, reset)
	require.EqualValues(t, 700, effective)
	require.EqualValues(t, 700, delta)
}

func TestReconcileCounterMonotonic(t *testing.T) {
	// A stale report must not move usage backwards absent a reset
	effective, delta, reset := ReconcileCounter(4000, 0, 5000)
	require.False(t, reset)
	require.EqualValues(t, 5000, effective)
	require.Zero(t, delta)
}

func TestReconcileCounterIdempotent(t *testing.T) {
	effective, delta, _ := ReconcileCounter(8000, 0, 5000)
	require.EqualValues(t, 3000, delta)

	// Same report again: no change
	effective2, delta2, reset := ReconcileCounter(8000, 0, effective)
	require.False(t, reset)
	require.Equal(t, effective, effective2)
	require.Zero(t, delta2)
}

func TestReconcileCounterMissingCounter(t *testing.T) {
	// A key absent from the metrics report reads as zero
	effective, delta, reset := ReconcileCounter(0, 0, 5000)
	require.False(t, reset)
	require.EqualValues(t, 5000, effective)
	require.Zero(t, delta)

	effective, _, reset = ReconcileCounter(-10, 0, 0)
	require.False(t, reset)
	require.Zero(t, effective)
}

func TestShouldResetPeriod(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

	key := &models.AccessKey{ResetStrategy: models.ResetNever}
	require.False(t, shouldResetPeriod(key, now))

	yesterday := now.AddDate(0, 0, -1)
	key = &models.AccessKey{ResetStrategy: models.ResetDaily, LastPeriodResetAt: &yesterday}
	require.True(t, shouldResetPeriod(key, now))

	today := now.Add(-time.Hour)
	key = &models.AccessKey{ResetStrategy: models.ResetDaily, LastPeriodResetAt: &today}
	require.False(t, shouldResetPeriod(key, now))

	lastMonth := now.AddDate(0, -1, 0)
	key = &models.AccessKey{ResetStrategy: models.ResetMonthly, LastPeriodResetAt: &lastMonth}
	require.True(t, shouldResetPeriod(key, now))

	// Never reset yet: the key's creation date anchors the first period
	key = &models.AccessKey{ResetStrategy: models.ResetWeekly}
	key.CreatedAt = now.AddDate(0, 0, -14)
	require.True(t, shouldResetPeriod(key, now))
}

func TestApplyPeriodReset(t *testing.T) {
	now := time.Now().UTC()
	key := &models.AccessKey{UsedBytes: 10_000, UsageOffset: -3000}

	applyPeriodReset(key, 42_000, now)
	require.EqualValues(t, 42_000, key.UsageOffset)
	require.Zero(t, key.UsedBytes)
	require.NotNil(t, key.LastPeriodResetAt)

	// The rebased offset makes the very next reconciliation read zero
	effective, delta, reset := ReconcileCounter(42_000, key.UsageOffset, key.UsedBytes)
	require.False(t, reset)
	require.Zero(t, effective)
	require.Zero(t, delta)
}
