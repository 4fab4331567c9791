package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

const cacheKey = "voice-gateway:directory:destinations"

// Repo is the source of truth for transfer destinations.
type Repo interface {
	ListDestinations(ctx context.Context) ([]Destination, error)
	UpsertDestination(ctx context.Context, d Destination) error
}

// Service resolves destination keys to routing addresses, with an optional
// read-through cache. Destination data is read-only within a call's
// lifetime; invalidation is an explicit out-of-band operation, never tied
// to call lifecycle.
type Service struct {
	repo     Repo
	cache    Cache
	cacheTTL time.Duration
	log      *slog.Logger
}

func NewService(repo Repo, cache Cache, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		repo:     repo,
		cache:    cache,
		cacheTTL: 10 * time.Minute,
		log:      log,
	}
}

// Resolve maps a destination key to its routing address. Unknown keys fail
// fast with ErrUnknownDestination; callers must not attempt an outbound
// transfer in that case.
func (s *Service) Resolve(ctx context.Context, key string) (Destination, error) {
	if key == "" {
		return Destination{}, ErrInvalidArgument
	}
	all, err := s.load(ctx)
	if err != nil {
		return Destination{}, err
	}
	for _, d := range all {
		if d.Key == key {
			return d, nil
		}
	}
	return Destination{}, fmt.Errorf("%w: %q", ErrUnknownDestination, key)
}

// List returns all destinations (cache-aware), ordered by key.
func (s *Service) List(ctx context.Context) ([]Destination, error) {
	return s.load(ctx)
}

// Upsert writes through to the repo and drops the cached snapshot.
func (s *Service) Upsert(ctx context.Context, d Destination) error {
	if err := s.repo.UpsertDestination(ctx, d); err != nil {
		return err
	}
	return s.InvalidateCache(ctx)
}

// InvalidateCache drops all cached destination reads. Explicit out-of-band
// operation exposed on the admin API.
func (s *Service) InvalidateCache(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Del(ctx, cacheKey)
}

func (s *Service) load(ctx context.Context) ([]Destination, error) {
	if s.cache != nil {
		raw, ok, err := s.cache.Get(ctx, cacheKey)
		if err != nil {
			// Cache trouble must not take down call handling.
			s.log.Warn("directory cache read failed", "err", err)
		} else if ok {
			var out []Destination
			if err := json.Unmarshal([]byte(raw), &out); err == nil {
				return out, nil
			}
			s.log.Warn("directory cache entry malformed, dropping", "key", cacheKey)
			_ = s.cache.Del(ctx, cacheKey)
		}
	}

	all, err := s.repo.ListDestinations(ctx)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if raw, err := json.Marshal(all); err == nil {
			if err := s.cache.Set(ctx, cacheKey, string(raw), s.cacheTTL); err != nil {
				s.log.Warn("directory cache write failed", "err", err)
			}
		}
	}
	return all, nil
}
