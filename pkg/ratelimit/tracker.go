package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for shared penalty tracking.
var (
	penaltyRemainingSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "marketwatch_ratelimit_penalty_remaining_seconds",
		Help: "Seconds left in the shared rate-limit penalty window",
	}, []string{"provider"})

	penaltyStoreErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketwatch_ratelimit_store_errors_total",
		Help: "Total number of penalty store errors by operation",
	}, []string{"operation"})
)

// hitRetention bounds how long hit counters survive without new hits.
const hitRetention = time.Hour

// Tracker is a PenaltyStore backed by Redis, shared by every process that
// talks to the same provider.
type Tracker struct {
	redis  *redis.Client
	logger zerolog.Logger
}

// NewTracker creates a new Redis penalty tracker.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:  redisClient,
		logger: logger,
	}
}

// GetState retrieves the current penalty state from Redis.
// Returns a zero state if no data exists in Redis.
func (t *Tracker) GetState(ctx context.Context, provider string) (*PenaltyState, error) {
	state := &PenaltyState{Provider: provider}

	pipe := t.redis.Pipeline()
	untilCmd := pipe.Get(ctx, redisKey(RedisKeyPenaltyUntil, provider))
	lastCmd := pipe.Get(ctx, redisKey(RedisKeyLastHit, provider))
	hitsCmd := pipe.Get(ctx, redisKey(RedisKeyHits, provider))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		penaltyStoreErrorsTotal.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("get penalty state: %w", err)
	}

	until, err := untilCmd.Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("parse penalty until: %w", err)
	}
	if err == nil {
		state.PenaltyUntil = time.UnixMilli(until)
	}

	last, err := lastCmd.Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("parse last hit: %w", err)
	}
	if err == nil {
		state.LastHitAt = time.UnixMilli(last)
	}

	hits, err := hitsCmd.Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("parse hits: %w", err)
	}
	state.Hits = hits

	penaltyRemainingSeconds.WithLabelValues(provider).Set(state.Remaining(time.Now()).Seconds())
	return state, nil
}

// recordScript extends the penalty window only when the new end lies later,
// then stamps the hit. It returns the effective window end in milliseconds.
var recordScript = redis.NewScript(`
local until_ms = tonumber(ARGV[1])
local until_ttl = tonumber(ARGV[2])
local at_ms = ARGV[3]
local hit_ttl = tonumber(ARGV[4])

local current = tonumber(redis.call('GET', KEYS[1]))
if not current or until_ms > current then
	redis.call('SET', KEYS[1], until_ms, 'PX', until_ttl)
	current = until_ms
end

redis.call('SET', KEYS[2], at_ms, 'PX', hit_ttl)
redis.call('INCR', KEYS[3])
redis.call('PEXPIRE', KEYS[3], hit_ttl)
return current
`)

// RecordRateLimit stores a rate-limit hit. The penalty window is only ever
// extended, never shortened, by concurrent writers.
func (t *Tracker) RecordRateLimit(ctx context.Context, provider string, at time.Time, penalty time.Duration) error {
	until := at.Add(penalty)

	keys := []string{
		redisKey(RedisKeyPenaltyUntil, provider),
		redisKey(RedisKeyLastHit, provider),
		redisKey(RedisKeyHits, provider),
	}
	effective, err := recordScript.Run(ctx, t.redis, keys,
		until.UnixMilli(),
		(penalty + time.Second).Milliseconds(),
		at.UnixMilli(),
		hitRetention.Milliseconds(),
	).Int64()
	if err != nil {
		penaltyStoreErrorsTotal.WithLabelValues("record").Inc()
		return fmt.Errorf("store penalty state in redis: %w", err)
	}
	until = time.UnixMilli(effective)

	penaltyRemainingSeconds.WithLabelValues(provider).Set(time.Until(until).Seconds())

	t.logger.Warn().
		Str("provider", provider).
		Dur("penalty", penalty).
		Time("penalty_until", until).
		Msg("Provider rate limit recorded")

	return nil
}

// Reset clears the penalty state of a provider.
func (t *Tracker) Reset(ctx context.Context, provider string) error {
	err := t.redis.Del(ctx,
		redisKey(RedisKeyPenaltyUntil, provider),
		redisKey(RedisKeyLastHit, provider),
		redisKey(RedisKeyHits, provider),
	).Err()
	if err != nil {
		penaltyStoreErrorsTotal.WithLabelValues("reset").Inc()
		return fmt.Errorf("reset penalty state: %w", err)
	}
	penaltyRemainingSeconds.WithLabelValues(provider).Set(0)
	return nil
}
