package directory

import (
	"context"
	"sort"
	"sync"
)

// MemoryRepo is a simple in-memory repository useful for tests and early
// development.
type MemoryRepo struct {
	mu           sync.RWMutex
	destinations map[string]Destination
}

func NewMemoryRepo(seed []Destination) *MemoryRepo {
	m := &MemoryRepo{destinations: make(map[string]Destination, len(seed))}
	for _, d := range seed {
		m.destinations[d.Key] = d
	}
	return m
}

func (r *MemoryRepo) ListDestinations(ctx context.Context) ([]Destination, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Destination, 0, len(r.destinations))
	for _, d := range r.destinations {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (r *MemoryRepo) UpsertDestination(ctx context.Context, d Destination) error {
	_ = ctx

	if err := d.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.destinations[d.Key] = d
	return nil
}
