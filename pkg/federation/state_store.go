package federation

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/torchstack/federation/pkg/observability"
)

// AuthStateStore correlates a login attempt across the initiation and callback
// requests without a database. Entries expire after the TTL and the store is
// capacity-bounded; expired entries are reclaimed lazily on access, on insert,
// or by a Janitor sweep.
//
// The store is safe for concurrent use. Entries are owned exclusively by the
// flow that created them until consumed; no two concurrent callbacks can
// succeed against the same state value.
type AuthStateStore struct {
	mu      sync.Mutex
	entries map[string]*AuthState
	ttl     time.Duration
	max     int

	metrics *Metrics
	now     func() time.Time // test hook
}

// NewAuthStateStore creates a store with the given TTL and capacity. Zero or
// negative arguments fall back to the documented defaults (600s, 10000).
func NewAuthStateStore(ttl time.Duration, maxEntries int, metrics *Metrics) *AuthStateStore {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxStates
	}
	return &AuthStateStore{
		entries: make(map[string]*AuthState),
		ttl:     ttl,
		max:     maxEntries,
		metrics: metrics,
		now:     time.Now,
	}
}

// Store inserts an in-flight login attempt under its state value. It first
// runs an opportunistic cleanup of expired entries; if the store is still at
// capacity it evicts the oldest 50% by CreatedAt before inserting.
func (s *AuthStateStore) Store(state string, auth *AuthState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cleanupLocked()
	if len(s.entries) >= s.max {
		s.evictOldestLocked(s.max / 2)
	}
	s.entries[state] = auth
	s.metrics.setAuthStates(len(s.entries))
}

// Get returns the entry for state if present and not expired. Expired entries
// are deleted on access. A nil result means "invalid or expired login
// attempt"; the flow must be rejected.
func (s *AuthStateStore) Get(state string) *AuthState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(state)
}

// Consume is Get plus deletion on success: it guarantees at-most-once use of
// any state value, which is the core CSRF/replay defense.
func (s *AuthStateStore) Consume(state string) *AuthState {
	s.mu.Lock()
	defer s.mu.Unlock()

	auth := s.getLocked(state)
	if auth != nil {
		delete(s.entries, state)
		s.metrics.setAuthStates(len(s.entries))
	}
	return auth
}

// Cleanup removes all expired entries and returns how many were removed.
func (s *AuthStateStore) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := s.cleanupLocked()
	s.metrics.setAuthStates(len(s.entries))
	return removed
}

// Len returns the number of live entries, counting any not yet reclaimed
// expired ones.
func (s *AuthStateStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *AuthStateStore) getLocked(state string) *AuthState {
	auth, ok := s.entries[state]
	if !ok {
		return nil
	}
	if s.expired(auth) {
		delete(s.entries, state)
		s.metrics.setAuthStates(len(s.entries))
		return nil
	}
	return auth
}

func (s *AuthStateStore) expired(auth *AuthState) bool {
	return s.now().Sub(auth.CreatedAt) > s.ttl
}

func (s *AuthStateStore) cleanupLocked() int {
	removed := 0
	for state, auth := range s.entries {
		if s.expired(auth) {
			delete(s.entries, state)
			removed++
		}
	}
	return removed
}

// evictOldestLocked removes the n entries with the oldest CreatedAt.
func (s *AuthStateStore) evictOldestLocked(n int) {
	if n <= 0 {
		return
	}
	type aged struct {
		state   string
		created time.Time
	}
	all := make([]aged, 0, len(s.entries))
	for state, auth := range s.entries {
		all = append(all, aged{state, auth.CreatedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].created.Before(all[j].created) })
	if n > len(all) {
		n = len(all)
	}
	for _, a := range all[:n] {
		delete(s.entries, a.state)
	}
	s.metrics.evictions(n)
}

// Janitor periodically sweeps expired entries out of an AuthStateStore.
// Optional: the store is fully functional without one, reclaiming lazily.
type Janitor struct {
	cron *cron.Cron
	log  *observability.Logger
}

// NewJanitor schedules store.Cleanup on the given cron spec (for example
// "@every 1m"). Call Start to begin sweeping and Stop on shutdown.
func NewJanitor(store *AuthStateStore, spec string, log *observability.Logger) (*Janitor, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		if removed := store.Cleanup(); removed > 0 && log != nil {
			log.WithField("removed", removed).Debug("swept expired auth states")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid janitor schedule %q: %w", spec, err)
	}
	return &Janitor{cron: c, log: log}, nil
}

// Start begins the sweep schedule in its own goroutine.
func (j *Janitor) Start() {
	j.cron.Start()
}

// Stop halts the schedule; running sweeps finish.
func (j *Janitor) Stop() {
	j.cron.Stop()
}
