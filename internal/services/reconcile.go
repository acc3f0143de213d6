package services

import (
	"time"

	"github.com/proxyfleet/backend/internal/models"
)

// ReconcileCounter converts a raw cumulative counter reported by a remote
// server into the locally meaningful effective usage for a key.
//
// The stored offset corrects for remote key re-creation: when a key is
// re-enabled the offset is set to -usedBytes, so a fresh remote counter C
// yields effective = C + usedBytes and total usage survives the gap.
//
// raw < offset means the remote counter went backwards past the offset —
// the server was reinstalled or the key recreated out-of-band. The raw
// value is taken as-is and the caller must zero the stored offset.
//
// Absent a detected reset, effective never drops below prevUsed; a stale or
// repeated report therefore produces delta 0 and no state change.
func ReconcileCounter(raw, offset, prevUsed int64) (effective, delta int64, resetDetected bool) {
	if raw < 0 {
		raw = 0
	}

	if raw < offset {
		// Remote counter reset: everything currently on the counter is new
		return raw, raw, true
	}

	effective = raw - offset
	if effective < prevUsed {
		return prevUsed, 0, false
	}

	return effective, effective - prevUsed, false
}

// periodStart returns the beginning of the current reset period in UTC
func periodStart(strategy models.ResetStrategy, now time.Time) time.Time {
	now = now.UTC()
	switch strategy {
	case models.ResetDaily:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	case models.ResetWeekly:
		day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		// Monday-based weeks
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case models.ResetMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Time{}
	}
}

// shouldResetPeriod reports whether the key's data-limit period has rolled
// over since the last reset (or since creation, for keys never reset).
func shouldResetPeriod(key *models.AccessKey, now time.Time) bool {
	if key.ResetStrategy == "" || key.ResetStrategy == models.ResetNever {
		return false
	}

	start := periodStart(key.ResetStrategy, now)
	last := key.LastPeriodResetAt
	if last == nil {
		return key.CreatedAt.UTC().Before(start)
	}
	return last.UTC().Before(start)
}

// applyPeriodReset rebases the key's offset onto the current raw counter so
// effective usage restarts at zero for the new period. This is an explicit
// reset event: the usedBytes decrease is intentional.
func applyPeriodReset(key *models.AccessKey, raw int64, now time.Time) {
	key.UsageOffset = raw
	key.UsedBytes = 0
	t := now
	key.LastPeriodResetAt = &t
}
