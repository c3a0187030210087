package session

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// DefaultActivatedCap bounds the activated working set per session.
const DefaultActivatedCap = 32

// DefaultMentionCap bounds the active-entity mention stack (K).
const DefaultMentionCap = 5

// Manager hands out per-session states. Session state is memory-only and
// discarded, not mutated, when a session ends; the TTL cache reclaims
// states for sessions that never said goodbye.
type Manager struct {
	states       *gocache.Cache
	activatedCap int
	mentionCap   int
}

// NewManager creates a Manager whose idle sessions expire after ttl.
func NewManager(activatedCap, mentionCap int, ttl time.Duration) *Manager {
	if activatedCap <= 0 {
		activatedCap = DefaultActivatedCap
	}
	if mentionCap <= 0 {
		mentionCap = DefaultMentionCap
	}
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Manager{
		states:       gocache.New(ttl, 30*time.Minute),
		activatedCap: activatedCap,
		mentionCap:   mentionCap,
	}
}

// Get returns the state for a session, creating it at epoch 0 with empty
// stacks on first use. Each access renews the TTL.
func (m *Manager) Get(sessionID string) *State {
	if v, ok := m.states.Get(sessionID); ok {
		st := v.(*State)
		m.states.SetDefault(sessionID, st)
		return st
	}
	st := newState(m.activatedCap, m.mentionCap)
	// Two concurrent first touches must agree on one state.
	if err := m.states.Add(sessionID, st, gocache.DefaultExpiration); err != nil {
		if v, ok := m.states.Get(sessionID); ok {
			return v.(*State)
		}
	}
	return st
}

// End discards a session's state.
func (m *Manager) End(sessionID string) {
	m.states.Delete(sessionID)
}
