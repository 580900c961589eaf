package callcache

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryStore is a process-local Store for tests and single-process development.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[string]Entry{}, now: time.Now}
}

func (s *MemoryStore) Get(_ context.Context, callID string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[callID]
	return e, ok, nil
}

func (s *MemoryStore) Put(_ context.Context, e Entry) error {
	if e.CallID == "" {
		return errors.New("callcache: call id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.entries[e.CallID]; ok && prev.DataStatus.Terminal() {
		return nil
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = s.now().UTC()
	}
	s.entries[e.CallID] = e
	return nil
}
