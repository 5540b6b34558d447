package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/Sternrassler/market-watch/pkg/cache"
)

// CacheStore keeps penalty state in the rate-limit region of an in-memory
// cache. It serves single-process deployments; entries expire with the
// region's TTL. Reads do not count toward the region's hit and miss stats.
//
// Hits older than the Tracker's retention window are forgotten once the
// penalty window has closed, so both stores count hits the same way.
type CacheStore struct {
	cache *cache.Tiered
	mu    sync.Mutex
}

// NewCacheStore creates a CacheStore on c, which must have cache.RegionRateLimit.
func NewCacheStore(c *cache.Tiered) *CacheStore {
	if c == nil {
		panic("cache cannot be nil")
	}
	return &CacheStore{cache: c}
}

func penaltyKey(provider string) string {
	return "penalty:" + provider
}

// RecordRateLimit implements PenaltyStore.
func (s *CacheStore) RecordRateLimit(_ context.Context, provider string, at time.Time, penalty time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.load(provider)
	state.record(at, penalty)
	return s.cache.Set(cache.RegionRateLimit, penaltyKey(provider), state)
}

// GetState implements PenaltyStore.
func (s *CacheStore) GetState(_ context.Context, provider string) (*PenaltyState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.load(provider)
	return &state, nil
}

func (s *CacheStore) load(provider string) PenaltyState {
	if v, ok := s.cache.Peek(cache.RegionRateLimit, penaltyKey(provider)); ok {
		if state, ok := v.(PenaltyState); ok && !expired(state) {
			return state
		}
	}
	return PenaltyState{Provider: provider}
}

func expired(state PenaltyState) bool {
	return state.IsStale(hitRetention) && !state.Active(time.Now())
}
