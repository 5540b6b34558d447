// Package ratelimit serializes calls to providers that enforce a strict
// minimum spacing between requests and penalize bursts with 429 responses.
//
// A Queue dispatches tasks in FIFO order with adaptive spacing. Failed tasks
// re-enter at the front of the queue so older work is retried before newer
// work proceeds. Rate-limit penalties can be shared between processes through
// a PenaltyStore.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Redis key templates for penalty state storage, formatted with the provider name.
const (
	RedisKeyPenaltyUntil = "mw:ratelimit:%s:penalty_until"
	RedisKeyLastHit      = "mw:ratelimit:%s:last_hit"
	RedisKeyHits         = "mw:ratelimit:%s:hits"
)

func redisKey(tmpl, provider string) string {
	return fmt.Sprintf(tmpl, provider)
}

// PenaltyStore records rate-limit signals so that every queue talking to the
// same provider backs off together.
type PenaltyStore interface {
	// RecordRateLimit registers a rate-limit hit at time at with the given penalty.
	RecordRateLimit(ctx context.Context, provider string, at time.Time, penalty time.Duration) error

	// GetState returns the current penalty state. A provider that was never
	// throttled returns a zero state, not an error.
	GetState(ctx context.Context, provider string) (*PenaltyState, error)
}

// PenaltyState is the rate-limit bookkeeping for one provider.
type PenaltyState struct {
	// Provider names the throttled provider.
	Provider string `json:"provider"`

	// PenaltyUntil is when dispatching may resume. Zero means no penalty.
	PenaltyUntil time.Time `json:"penalty_until"`

	// LastHitAt is when the provider last answered "too many requests".
	LastHitAt time.Time `json:"last_hit_at"`

	// Hits counts rate-limit signals within the retention window.
	Hits int64 `json:"hits"`
}

// Active reports whether the penalty window is still open at now.
func (s *PenaltyState) Active(now time.Time) bool {
	return now.Before(s.PenaltyUntil)
}

// Remaining returns the duration until the penalty window closes.
// Returns 0 if there is no open window.
func (s *PenaltyState) Remaining(now time.Time) time.Duration {
	d := s.PenaltyUntil.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// IsStale returns true if the last hit is older than maxAge (or never happened).
func (s *PenaltyState) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastHitAt) > maxAge
}

// record folds one rate-limit hit into the state. The window only ever extends.
func (s *PenaltyState) record(at time.Time, penalty time.Duration) {
	s.LastHitAt = at
	s.Hits++
	if until := at.Add(penalty); until.After(s.PenaltyUntil) {
		s.PenaltyUntil = until
	}
}
