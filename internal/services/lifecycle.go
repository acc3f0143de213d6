package services

import (
	"time"

	"github.com/proxyfleet/backend/internal/models"
)

// transitionContext carries the inputs of one automatic lifecycle evaluation
type transitionContext struct {
	Key       *models.AccessKey
	Effective int64
	Delta     int64
	Now       time.Time
}

// statusTransition is one row of the lifecycle transition table
type statusTransition struct {
	from  models.KeyStatus
	to    models.KeyStatus
	when  func(*transitionContext) bool
	apply func(*transitionContext)
}

// keyTransitions is the automatic state machine, evaluated in order during
// each reconciliation pass. Disabled keys never match: they are immune to
// automatic transitions until explicitly re-enabled. Admin-initiated
// enable/disable lives in KeyService, not here.
var keyTransitions = []statusTransition{
	{
		// First traffic activates the key
		from: models.KeyStatusPending,
		to:   models.KeyStatusActive,
		when: func(tc *transitionContext) bool {
			return tc.Effective > 0
		},
		apply: func(tc *transitionContext) {
			now := tc.Now
			tc.Key.FirstUsedAt = &now
			// Duration-based expiry starts counting at first use, not at creation
			if tc.Key.ExpirationType == models.ExpirationOnFirstUse && tc.Key.DurationDays > 0 {
				expires := now.AddDate(0, 0, tc.Key.DurationDays)
				tc.Key.ExpiresAt = &expires
			}
		},
	},
	{
		// Expiry passed; the archival pipeline handles the remote deletion
		from: models.KeyStatusActive,
		to:   models.KeyStatusExpired,
		when: func(tc *transitionContext) bool {
			return tc.Key.ExpiresAt != nil && tc.Now.After(*tc.Key.ExpiresAt)
		},
	},
	{
		// Depletion is judged against the local limit only: the remote limit
		// is offset-adjusted and not a trustworthy signal by itself
		from: models.KeyStatusActive,
		to:   models.KeyStatusDepleted,
		when: func(tc *transitionContext) bool {
			return tc.Key.DataLimitBytes != nil && tc.Effective >= *tc.Key.DataLimitBytes
		},
	},
}

// applyLifecycle runs the automatic transition table against one key and
// returns whether the status changed. Transitions chain within a single
// pass (a pending key whose first sample already exceeds its limit goes
// pending -> active -> depleted, never skipping active).
func applyLifecycle(key *models.AccessKey, effective, delta int64, now time.Time) bool {
	tc := &transitionContext{Key: key, Effective: effective, Delta: delta, Now: now}

	changed := false
	for _, t := range keyTransitions {
		if key.Status != t.from {
			continue
		}
		if !t.when(tc) {
			continue
		}
		key.Status = t.to
		if t.apply != nil {
			t.apply(tc)
		}
		changed = true
	}
	return changed
}
