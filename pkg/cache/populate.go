package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// PopulatorConfig configures a Populator.
type PopulatorConfig struct {
	// L2 is the optional Redis tier consulted for persistent regions.
	L2 *RedisTier

	// Logger defaults to the global logger with component=cache.
	Logger *zerolog.Logger
}

// Populator fills a Tiered cache from loader functions.
//
// GetOrSetDeduped collapses concurrent populations of the same region and key
// into a single loader call. Loader errors are returned to every waiter and
// are never cached.
type Populator struct {
	cache  *Tiered
	l2     *RedisTier
	group  singleflight.Group
	logger zerolog.Logger
}

// NewPopulator wraps c. A configured L2 is attached to c, so removals made
// directly on c also reach the Redis tier for persistent regions.
func NewPopulator(c *Tiered, cfg PopulatorConfig) *Populator {
	if c == nil {
		panic("cache cannot be nil")
	}
	logger := log.With().Str("component", "cache").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	if cfg.L2 != nil {
		c.attachL2(cfg.L2)
	}
	return &Populator{cache: c, l2: cfg.L2, logger: logger}
}

// Cache returns the underlying memory cache.
func (p *Populator) Cache() *Tiered {
	return p.cache
}

// Invalidate removes key from both tiers.
func (p *Populator) Invalidate(ctx context.Context, region Region, key string) error {
	if _, err := p.cache.delete(ctx, region, key); err != nil {
		return fmt.Errorf("invalidate: %w", err)
	}
	return nil
}

func (p *Populator) persistent(region Region) bool {
	if p.l2 == nil {
		return false
	}
	rc, ok := p.cache.RegionConfig(region)
	return ok && rc.Persistent
}

// GetOrSet returns the cached value for key, or calls load, stores its result
// with ttl (zero means the region default) and returns it.
func GetOrSet[T any](ctx context.Context, p *Populator, region Region, key string, ttl time.Duration, load func(context.Context) (T, error)) (T, error) {
	var zero T
	if _, ok := p.cache.RegionConfig(region); !ok {
		return zero, fmt.Errorf("%w: %s", ErrUnknownRegion, region)
	}

	if v, ok := lookup[T](p, region, key); ok {
		return v, nil
	}
	return populate(ctx, p, region, key, ttl, load)
}

// GetOrSetDeduped behaves like GetOrSet, except that a caller arriving while
// a population for the same region and key is in flight waits for that result
// instead of calling load again.
//
// The shared loader runs detached from any single caller's cancellation;
// a caller whose ctx ends stops waiting and gets ctx.Err().
func GetOrSetDeduped[T any](ctx context.Context, p *Populator, region Region, key string, ttl time.Duration, load func(context.Context) (T, error)) (T, error) {
	var zero T
	if _, ok := p.cache.RegionConfig(region); !ok {
		return zero, fmt.Errorf("%w: %s", ErrUnknownRegion, region)
	}

	if v, ok := lookup[T](p, region, key); ok {
		return v, nil
	}

	loadCtx := context.WithoutCancel(ctx)
	ch := p.group.DoChan(compositeKey(region, key), func() (any, error) {
		// A population that settled between our lookup and registration
		// has already filled the cache.
		if v, ok := peek[T](p, region, key); ok {
			return v, nil
		}
		return populate(loadCtx, p, region, key, ttl, load)
	})

	select {
	case res := <-ch:
		if res.Shared {
			CacheDedupShared.WithLabelValues(region.String()).Inc()
		}
		if res.Err != nil {
			return zero, res.Err
		}
		v, _ := res.Val.(T)
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// lookup reads L1, counting a hit or miss.
func lookup[T any](p *Populator, region Region, key string) (T, bool) {
	var zero T
	v, ok := p.cache.Get(region, key)
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	if !ok {
		p.logger.Warn().
			Str("region", region.String()).
			Str("key", key).
			Str("type", fmt.Sprintf("%T", v)).
			Msg("Cached value has unexpected type, repopulating")
		return zero, false
	}
	return typed, true
}

// peek reads L1 only when a live entry exists, so a miss is not counted twice.
func peek[T any](p *Populator, region Region, key string) (T, bool) {
	var zero T
	if !p.cache.Has(region, key) {
		return zero, false
	}
	return lookup[T](p, region, key)
}

// populate consults the Redis tier, then the loader, and stores the result.
func populate[T any](ctx context.Context, p *Populator, region Region, key string, ttl time.Duration, load func(context.Context) (T, error)) (T, error) {
	if v, ok := fromL2[T](ctx, p, region, key); ok {
		return v, nil
	}

	CacheInFlight.Inc()
	v, err := load(ctx)
	CacheInFlight.Dec()
	if err != nil {
		CacheLoads.WithLabelValues(region.String(), "error").Inc()
		var zero T
		return zero, err
	}
	CacheLoads.WithLabelValues(region.String(), "success").Inc()

	if err := p.cache.SetWithTTL(region, key, v, ttl); err != nil {
		return v, err
	}

	if p.persistent(region) {
		l2TTL := ttl
		if l2TTL <= 0 {
			rc, _ := p.cache.RegionConfig(region)
			l2TTL = rc.TTL
		}
		if err := p.l2.Set(ctx, region, key, v, l2TTL); err != nil {
			p.logger.Warn().Err(err).
				Str("region", region.String()).
				Str("key", key).
				Msg("Redis tier write failed")
		}
	}
	return v, nil
}

// fromL2 reads the Redis tier and backfills L1 with the remaining TTL.
// Every failure is degraded to a miss.
func fromL2[T any](ctx context.Context, p *Populator, region Region, key string) (T, bool) {
	var zero T
	if !p.persistent(region) {
		return zero, false
	}

	entry, err := p.l2.Get(ctx, region, key)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			p.logger.Warn().Err(err).
				Str("region", region.String()).
				Str("key", key).
				Msg("Redis tier read failed, treating as miss")
		}
		return zero, false
	}

	raw, _ := entry.Value.(json.RawMessage)
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		CacheErrors.WithLabelValues("decode").Inc()
		p.logger.Warn().Err(err).
			Str("region", region.String()).
			Str("key", key).
			Msg("Redis tier entry undecodable, treating as miss")
		return zero, false
	}

	ttl := entry.TTL()
	if entry.ExpiresAt.IsZero() {
		ttl = 0
	} else if ttl <= 0 {
		return zero, false
	}
	_ = p.cache.SetWithTTL(region, key, v, ttl)
	return v, true
}
