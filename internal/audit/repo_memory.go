package audit

import (
	"context"
	"sort"
	"sync"
)

// MemoryRepo is a simple in-memory append-only repository useful for tests.
// It is not intended for production use.
type MemoryRepo struct {
	mu      sync.Mutex
	entries []Entry
	keys    map[string]struct{}
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{keys: map[string]struct{}{}} }

func (r *MemoryRepo) Append(_ context.Context, e Entry) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.DedupeKey != "" {
		if _, dup := r.keys[e.DedupeKey]; dup {
			return false, nil
		}
		r.keys[e.DedupeKey] = struct{}{}
	}
	r.entries = append(r.entries, e)
	return true, nil
}

func (r *MemoryRepo) ListByRequest(_ context.Context, serviceRequestID string) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Entry
	for _, e := range r.entries {
		if e.ServiceRequestID == serviceRequestID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRepo) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}
