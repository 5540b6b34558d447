package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrCacheMiss indicates the requested key was not found in the Redis tier
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the stored entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// DefaultRedisPrefix namespaces every key written by a RedisTier.
const DefaultRedisPrefix = "mw:cache"

// record is the JSON document stored per key.
type record struct {
	Data      json.RawMessage `json:"data"`
	ExpiresAt time.Time       `json:"expires_at"`
	CachedAt  time.Time       `json:"cached_at"`
}

// RedisTier is the second cache tier backing persistent regions.
// Values are stored as JSON and expire through Redis TTLs.
type RedisTier struct {
	redis  *redis.Client
	prefix string
}

// NewRedisTier creates a Redis tier using DefaultRedisPrefix.
func NewRedisTier(redisClient *redis.Client) *RedisTier {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisTier{
		redis:  redisClient,
		prefix: DefaultRedisPrefix,
	}
}

func (t *RedisTier) key(region Region, key string) string {
	return t.prefix + ":" + compositeKey(region, key)
}

// Get retrieves an entry. The returned Entry's Value is the raw JSON payload.
// Returns ErrCacheMiss if the key doesn't exist or the entry is expired.
func (t *RedisTier) Get(ctx context.Context, region Region, key string) (*Entry, error) {
	data, err := t.redis.Get(ctx, t.key(region, key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			CacheMisses.WithLabelValues("redis", region.String()).Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		CacheErrors.WithLabelValues("decode").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	entry := &Entry{Value: rec.Data, ExpiresAt: rec.ExpiresAt, CachedAt: rec.CachedAt}
	if entry.IsExpired() {
		_ = t.Delete(ctx, region, key)
		CacheMisses.WithLabelValues("redis", region.String()).Inc()
		return nil, ErrCacheMiss
	}

	CacheHits.WithLabelValues("redis", region.String()).Inc()
	return entry, nil
}

// Set marshals value to JSON and stores it for ttl. A ttl of zero stores
// the entry without expiry.
func (t *RedisTier) Set(ctx context.Context, region Region, key string, value any, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("marshal cache value: %w", err)
	}

	now := time.Now()
	rec := record{Data: payload, CachedAt: now}
	if ttl > 0 {
		rec.ExpiresAt = now.Add(ttl)
	} else {
		ttl = 0
	}

	data, err := json.Marshal(rec)
	if err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if err := t.redis.Set(ctx, t.key(region, key), data, ttl).Err(); err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes an entry.
func (t *RedisTier) Delete(ctx context.Context, region Region, key string) error {
	if err := t.redis.Del(ctx, t.key(region, key)).Err(); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Clear removes every entry of a region and returns how many keys were deleted.
func (t *RedisTier) Clear(ctx context.Context, region Region) (int, error) {
	deleted, err := t.deleteMatching(ctx, region, nil)
	return len(deleted), err
}

// deleteMatching removes every entry of region whose cache key satisfies
// match (nil matches all) and returns the removed cache keys.
func (t *RedisTier) deleteMatching(ctx context.Context, region Region, match func(string) bool) ([]string, error) {
	regionPrefix := t.prefix + ":" + compositeKey(region, "")

	deleted := []string{}
	batch := make([]string, 0, 100)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := t.redis.Del(ctx, batch...).Err(); err != nil {
			CacheErrors.WithLabelValues("clear").Inc()
			return fmt.Errorf("redis del: %w", err)
		}
		for _, k := range batch {
			deleted = append(deleted, strings.TrimPrefix(k, regionPrefix))
		}
		batch = batch[:0]
		return nil
	}

	iter := t.redis.Scan(ctx, 0, regionPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		full := iter.Val()
		if match != nil && !match(strings.TrimPrefix(full, regionPrefix)) {
			continue
		}
		batch = append(batch, full)
		if len(batch) == cap(batch) {
			if err := flush(); err != nil {
				return deleted, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		CacheErrors.WithLabelValues("clear").Inc()
		return deleted, fmt.Errorf("redis scan: %w", err)
	}
	if err := flush(); err != nil {
		return deleted, err
	}
	return deleted, nil
}

// Ping checks connectivity, for readiness probes.
func (t *RedisTier) Ping(ctx context.Context) error {
	return t.redis.Ping(ctx).Err()
}
