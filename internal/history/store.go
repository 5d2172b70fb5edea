// Package history keeps a bounded, time-ordered record of detection results
package history

import (
	"encoding/json"
	"sync"
	"time"
)

// DefaultMaxEntries bounds the store when no size is given.
const DefaultMaxEntries = 256

// Entry is one recorded detection result.
type Entry struct {
	ReceivedAt time.Time       `json:"receivedAt"`
	Session    string          `json:"session,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

// Store is an in-memory ring of the most recent entries.
type Store struct {
	mu      sync.RWMutex
	entries []Entry
	maxSize int
	now     func() time.Time
}

// NewStore creates a store holding at most maxEntries results.
func NewStore(maxEntries int) *Store {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Store{
		entries: make([]Entry, 0, maxEntries),
		maxSize: maxEntries,
		now:     time.Now,
	}
}

// Add records a result. A nil store ignores it.
func (s *Store) Add(session string, payload json.RawMessage, at time.Time) {
	if s == nil {
		return
	}
	if at.IsZero() {
		at = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = append(s.entries, Entry{ReceivedAt: at, Session: session, Payload: payload})
	if len(s.entries) > s.maxSize {
		s.entries = s.entries[len(s.entries)-s.maxSize:]
	}
}

// Recent returns entries received within the last window, oldest first.
// A non-positive window returns everything held.
func (s *Store) Recent(window time.Duration) []Entry {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if window <= 0 {
		return append([]Entry(nil), s.entries...)
	}
	cutoff := s.now().Add(-window)
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if !e.ReceivedAt.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

// Len reports how many entries are held.
func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
