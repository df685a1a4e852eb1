package abuse

import (
	"context"
	"sync"
	"time"
)

// SubjectType identifies what a blacklist entry targets
type SubjectType string

const (
	SubjectIP   SubjectType = "IP"
	SubjectCode SubjectType = "CODE"
)

// BlacklistEntry flags an IP or code to unconditionally block operations.
// A match is equivalent to an infinite risk score and is checked before
// any state mutation.
type BlacklistEntry struct {
	SubjectType  SubjectType `json:"subject_type"`
	SubjectValue string      `json:"subject_value"`
	Reason       string      `json:"reason"`
	CreatedAt    time.Time   `json:"created_at"`
	ExpiresAt    *time.Time  `json:"expires_at,omitempty"`
}

// expired reports whether the entry has lapsed at the given instant
func (e *BlacklistEntry) expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

// BlacklistChecker is the lookup interface the detection engine consumes.
// Lookups must be strongly consistent: they gate every mutation.
type BlacklistChecker interface {
	Match(ctx context.Context, subjectType SubjectType, value string) (*BlacklistEntry, error)
}

// BlacklistStore holds blacklist entries behind a single RWMutex, which
// gives the strong consistency the security gate requires (no cache, no
// stale window).
type BlacklistStore struct {
	mu      sync.RWMutex
	entries map[blacklistKey]*BlacklistEntry
	now     func() time.Time
}

type blacklistKey struct {
	subjectType SubjectType
	value       string
}

// NewBlacklistStore creates an empty blacklist store
func NewBlacklistStore() *BlacklistStore {
	return &BlacklistStore{
		entries: make(map[blacklistKey]*BlacklistEntry),
		now:     time.Now,
	}
}

// Add inserts or replaces an entry
func (s *BlacklistStore) Add(ctx context.Context, entry BlacklistEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.CreatedAt = s.now()
	s.entries[blacklistKey{entry.SubjectType, entry.SubjectValue}] = &entry
	return nil
}

// Remove deletes an entry and reports whether it existed
func (s *BlacklistStore) Remove(ctx context.Context, subjectType SubjectType, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := blacklistKey{subjectType, value}
	_, ok := s.entries[key]
	delete(s.entries, key)
	return ok, nil
}

// Match returns the active entry for the subject, or nil. Lapsed entries
// are treated as absent; they are purged opportunistically.
func (s *BlacklistStore) Match(ctx context.Context, subjectType SubjectType, value string) (*BlacklistEntry, error) {
	s.mu.RLock()
	entry, ok := s.entries[blacklistKey{subjectType, value}]
	s.mu.RUnlock()

	if !ok {
		return nil, nil
	}
	if entry.expired(s.now()) {
		s.mu.Lock()
		// Re-check under the write lock; another goroutine may have
		// replaced the entry meanwhile.
		if cur, ok := s.entries[blacklistKey{subjectType, value}]; ok && cur.expired(s.now()) {
			delete(s.entries, blacklistKey{subjectType, value})
		}
		s.mu.Unlock()
		return nil, nil
	}
	cp := *entry
	return &cp, nil
}

// List returns all active entries
func (s *BlacklistStore) List(ctx context.Context) ([]BlacklistEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	out := make([]BlacklistEntry, 0, len(s.entries))
	for _, e := range s.entries {
		if !e.expired(now) {
			out = append(out, *e)
		}
	}
	return out, nil
}
