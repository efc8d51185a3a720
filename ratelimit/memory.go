package ratelimit

import (
	"context"
	"sync"
	"time"
)

// compile-time interface check.
var _ WindowStore = (*MemoryStore)(nil)

// MemoryStore is a process-local WindowStore. Slide is atomic.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	entries   []time.Time // ascending
	expiresAt time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*window)}
}

// Slide implements WindowStore.
func (s *MemoryStore) Slide(_ context.Context, key string, now time.Time, win time.Duration, limit int, ttl time.Duration) (SlideResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || !now.Before(w.expiresAt) {
		w = &window{}
		s.windows[key] = w
	}

	cutoff := now.Add(-win)
	keep := 0
	for keep < len(w.entries) && !w.entries[keep].After(cutoff) {
		keep++
	}
	w.entries = w.entries[keep:]

	if len(w.entries) >= limit {
		return SlideResult{Count: len(w.entries), Oldest: w.entries[0]}, nil
	}

	w.entries = append(w.entries, now)
	w.expiresAt = now.Add(ttl)
	return SlideResult{Allowed: true, Count: len(w.entries), Oldest: w.entries[0]}, nil
}

// Reset clears the window for key.
func (s *MemoryStore) Reset(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.windows, key)
}
