package status

import (
	"sync"
	"time"
)

// DefaultObservedTTL bounds how long an id is remembered after its last
// observation when the instance is never terminated through kiln.
const DefaultObservedTTL = 24 * time.Hour

// pruneThreshold is the map size above which MarkObserved sweeps expired
// entries before inserting.
const pruneThreshold = 1024

// ObservedStore remembers which instance ids have been observed at least
// once. Implementations must be safe for concurrent use.
type ObservedStore interface {
	// MarkObserved records id and reports whether this call was the first
	// to do so. The check and the insert are atomic. Every call restarts
	// the id's TTL, so only ids left unobserved for a whole TTL expire.
	MarkObserved(id string) (first bool, err error)

	// Forget drops id so the store does not grow without bound.
	Forget(id string) error

	Close() error
}

// MemoryStore is an in-process ObservedStore. Entries expire once they go
// unobserved for the configured TTL; a zero TTL keeps them until Forget.
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:     ttl,
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (s *MemoryStore) MarkObserved(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if seen, ok := s.entries[id]; ok && !s.expired(seen, now) {
		s.entries[id] = now
		return false, nil
	}
	if len(s.entries) >= pruneThreshold {
		s.pruneLocked(now)
	}
	s.entries[id] = now
	return true, nil
}

func (s *MemoryStore) Forget(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

// Prune removes expired entries and returns how many were dropped.
func (s *MemoryStore) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruneLocked(s.now())
}

func (s *MemoryStore) pruneLocked(now time.Time) int {
	dropped := 0
	for id, seen := range s.entries {
		if s.expired(seen, now) {
			delete(s.entries, id)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of remembered ids, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) expired(seen, now time.Time) bool {
	return s.ttl > 0 && now.Sub(seen) >= s.ttl
}
