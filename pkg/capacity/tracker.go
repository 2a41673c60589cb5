// Package capacity tracks concurrent agent sessions per model tier. The
// tracker is the authoritative answer to "can another agent start right now";
// the scheduler reserves slots and the main loop's event handlers release
// them.
package capacity

import (
	"log/slog"
	"sync"

	"github.com/droverhq/drover/pkg/agent"
)

// TierStats is a point-in-time view of one tier's usage.
type TierStats struct {
	Current     int     `json:"current"`
	Limit       int     `json:"limit"`
	Available   int     `json:"available"`
	Utilization float64 `json:"utilization"`
}

// Tracker counts active sessions per tier, bounded by configured limits.
// Every mutating call is serialized under one mutex; critical sections are
// O(1) in the number of sessions except Sync, which is O(active).
type Tracker struct {
	mu     sync.Mutex
	limits map[agent.ModelTier]int
	active map[agent.ModelTier]map[string]struct{}
	logger *slog.Logger
}

// NewTracker creates a tracker with the given per-tier limits. Tiers absent
// from limits get a limit of zero and never admit sessions.
func NewTracker(limits map[agent.ModelTier]int) *Tracker {
	t := &Tracker{
		limits: make(map[agent.ModelTier]int, len(agent.Tiers)),
		active: make(map[agent.ModelTier]map[string]struct{}, len(agent.Tiers)),
		logger: slog.Default().With("component", "capacity"),
	}
	for _, tier := range agent.Tiers {
		t.limits[tier] = limits[tier]
		t.active[tier] = make(map[string]struct{})
	}
	return t
}

// Reserve records sessionID as active on tier if a slot is free. Returns
// false without side effect at the limit. Re-reserving an id already present
// is a no-op that still succeeds.
func (t *Tracker) Reserve(tier agent.ModelTier, sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.active[tier]
	if !ok {
		return false
	}
	if _, present := set[sessionID]; present {
		return true
	}
	if len(set) >= t.limits[tier] {
		return false
	}
	set[sessionID] = struct{}{}
	return true
}

// Release drops sessionID from tier. Idempotent on absent ids.
func (t *Tracker) Release(tier agent.ModelTier, sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if set, ok := t.active[tier]; ok {
		delete(set, sessionID)
	}
}

// Rewrite atomically replaces a provisional reservation id with the real
// session id the runtime assigned. No-op if the provisional id is absent.
func (t *Tracker) Rewrite(tier agent.ModelTier, provisionalID, sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.active[tier]
	if !ok {
		return
	}
	if _, present := set[provisionalID]; !present {
		return
	}
	delete(set, provisionalID)
	set[sessionID] = struct{}{}
}

// HasCapacity reports whether tier has at least one free slot.
func (t *Tracker) HasCapacity(tier agent.ModelTier) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.active[tier]
	return ok && len(set) < t.limits[tier]
}

// Count returns the number of active sessions on tier.
func (t *Tracker) Count(tier agent.ModelTier) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active[tier])
}

// TrackedSessions returns a copy of the active session ids on tier.
func (t *Tracker) TrackedSessions(tier agent.ModelTier) map[string]struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]struct{}, len(t.active[tier]))
	for id := range t.active[tier] {
		out[id] = struct{}{}
	}
	return out
}

// Stats returns a consistent per-tier snapshot.
func (t *Tracker) Stats() map[agent.ModelTier]TierStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[agent.ModelTier]TierStats, len(t.active))
	for _, tier := range agent.Tiers {
		current := len(t.active[tier])
		limit := t.limits[tier]
		available := limit - current
		if available < 0 {
			available = 0
		}
		var util float64
		if limit > 0 {
			util = float64(current) / float64(limit)
		}
		out[tier] = TierStats{
			Current:     current,
			Limit:       limit,
			Available:   available,
			Utilization: util,
		}
	}
	return out
}

// Sync reconciles tracked reservations against the runtime's live session
// set. Tracked ids the runtime no longer knows are dropped; live sessions we
// never tracked are logged but not added (confirm with operators before
// changing that).
func (t *Tracker) Sync(live []agent.Session) {
	liveByID := make(map[string]agent.ModelTier, len(live))
	for _, s := range live {
		liveByID[s.ID] = s.Model
	}

	t.mu.Lock()
	for tier, set := range t.active {
		for id := range set {
			if _, ok := liveByID[id]; !ok {
				t.logger.Warn("Dropping stale capacity reservation",
					"tier", tier, "session_id", id)
				delete(set, id)
			}
		}
	}
	tracked := make(map[string]struct{})
	for _, set := range t.active {
		for id := range set {
			tracked[id] = struct{}{}
		}
	}
	t.mu.Unlock()

	for id, tier := range liveByID {
		if _, ok := tracked[id]; !ok {
			t.logger.Warn("Live session is not capacity-tracked",
				"tier", tier, "session_id", id)
		}
	}
}
