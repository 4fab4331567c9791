package directory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type memCache struct {
	mu   sync.Mutex
	data map[string]string
	gets int
	sets int
}

func newMemCache() *memCache {
	return &memCache{data: make(map[string]string)}
}

func (c *memCache) Get(ctx context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *memCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	c.data[key] = value
	return nil
}

func (c *memCache) Del(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

type countingRepo struct {
	*MemoryRepo
	lists int
}

func (r *countingRepo) ListDestinations(ctx context.Context) ([]Destination, error) {
	r.lists++
	return r.MemoryRepo.ListDestinations(ctx)
}

func seedRepo() *countingRepo {
	return &countingRepo{MemoryRepo: NewMemoryRepo([]Destination{
		{Key: "sales", DisplayName: "Sales Team", TargetURI: "tel:+15557654321"},
		{Key: "support", DisplayName: "Support Desk", TargetURI: "tel:+15550001111"},
	})}
}

func TestResolve_KnownKey(t *testing.T) {
	svc := NewService(seedRepo(), nil, nil)

	d, err := svc.Resolve(context.Background(), "sales")
	if err != nil {
		t.Fatalf("expected resolve to succeed, got %v", err)
	}
	if d.DisplayName != "Sales Team" || d.TargetURI != "tel:+15557654321" {
		t.Fatalf("unexpected destination: %+v", d)
	}
}

func TestResolve_UnknownKeyFailsFast(t *testing.T) {
	svc := NewService(seedRepo(), nil, nil)

	_, err := svc.Resolve(context.Background(), "warehouse")
	if !errors.Is(err, ErrUnknownDestination) {
		t.Fatalf("expected ErrUnknownDestination, got %v", err)
	}
}

func TestResolve_EmptyKeyInvalid(t *testing.T) {
	svc := NewService(seedRepo(), nil, nil)
	if _, err := svc.Resolve(context.Background(), ""); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestList_PopulatesAndUsesCache(t *testing.T) {
	repo := seedRepo()
	cache := newMemCache()
	svc := NewService(repo, cache, nil)

	if _, err := svc.List(context.Background()); err != nil {
		t.Fatalf("list: %v", err)
	}
	if _, err := svc.List(context.Background()); err != nil {
		t.Fatalf("list: %v", err)
	}
	if repo.lists != 1 {
		t.Fatalf("expected one repo read with warm cache, got %d", repo.lists)
	}
	if cache.sets != 1 {
		t.Fatalf("expected one cache write, got %d", cache.sets)
	}
}

func TestInvalidateCache_ForcesRepoRead(t *testing.T) {
	repo := seedRepo()
	cache := newMemCache()
	svc := NewService(repo, cache, nil)

	if _, err := svc.List(context.Background()); err != nil {
		t.Fatalf("list: %v", err)
	}
	if err := svc.InvalidateCache(context.Background()); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, err := svc.List(context.Background()); err != nil {
		t.Fatalf("list: %v", err)
	}
	if repo.lists != 2 {
		t.Fatalf("expected repo re-read after invalidation, got %d reads", repo.lists)
	}
}

func TestUpsert_WritesThroughAndInvalidates(t *testing.T) {
	repo := seedRepo()
	cache := newMemCache()
	svc := NewService(repo, cache, nil)

	if _, err := svc.List(context.Background()); err != nil {
		t.Fatalf("list: %v", err)
	}

	err := svc.Upsert(context.Background(), Destination{Key: "billing", DisplayName: "Billing", TargetURI: "tel:+15552223333"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	d, err := svc.Resolve(context.Background(), "billing")
	if err != nil {
		t.Fatalf("expected new destination resolvable, got %v", err)
	}
	if d.DisplayName != "Billing" {
		t.Fatalf("unexpected destination: %+v", d)
	}
}

func TestUpsert_RejectsIncompleteDestination(t *testing.T) {
	svc := NewService(seedRepo(), nil, nil)
	err := svc.Upsert(context.Background(), Destination{Key: "x"})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}
