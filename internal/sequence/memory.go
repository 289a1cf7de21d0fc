package sequence

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process CounterStore for tests and single-node runs.
type MemoryStore struct {
	mu      sync.Mutex
	values  map[string]int64
	expires map[string]time.Time
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:  make(map[string]int64),
		expires: make(map[string]time.Time),
		now:     time.Now,
	}
}

// WithClock replaces the clock used to expire keys.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

func (s *MemoryStore) IncrExisting(_ context.Context, key string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.lookup(key)
	if !ok {
		return 0, false, nil
	}
	value++
	s.values[key] = value
	return value, true, nil
}

func (s *MemoryStore) IncrFrom(_ context.Context, key string, floor int64, expireAt time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.lookup(key)
	if !ok {
		s.expires[key] = expireAt
	}
	if value < floor {
		value = floor
	}
	value++
	s.values[key] = value
	return value, nil
}

func (s *MemoryStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.values, key)
		delete(s.expires, key)
	}
	return nil
}

// Flush drops every counter, as a cache restart would.
func (s *MemoryStore) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]int64)
	s.expires = make(map[string]time.Time)
}

func (s *MemoryStore) lookup(key string) (int64, bool) {
	value, ok := s.values[key]
	if !ok {
		return 0, false
	}
	if at, ok := s.expires[key]; ok && !s.now().Before(at) {
		delete(s.values, key)
		delete(s.expires, key)
		return 0, false
	}
	return value, true
}
