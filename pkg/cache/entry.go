package cache

import (
	"time"
)

// Entry is a single cached value with its absolute expiry.
type Entry struct {
	// Value is the cached payload. For entries read from the Redis tier this
	// is the raw JSON document.
	Value any `json:"value"`

	// ExpiresAt is when the entry becomes stale. The zero time means never.
	ExpiresAt time.Time `json:"expires_at"`

	// CachedAt is when the entry was stored.
	CachedAt time.Time `json:"cached_at"`
}

// Cloner is implemented by values that know how to copy themselves.
// Regions configured with CloneValues store and hand out Clone results.
type Cloner interface {
	Clone() any
}

func newEntry(value any, ttl time.Duration, now time.Time) *Entry {
	e := &Entry{Value: value, CachedAt: now}
	if ttl > 0 {
		e.ExpiresAt = now.Add(ttl)
	}
	return e
}

// IsExpired returns true if the entry has expired.
func (e *Entry) IsExpired() bool {
	return e.expiredAt(time.Now())
}

func (e *Entry) expiredAt(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// TTL returns the time until expiration.
// Returns 0 if already expired or if the entry never expires.
func (e *Entry) TTL() time.Duration {
	if e.ExpiresAt.IsZero() {
		return 0
	}
	ttl := time.Until(e.ExpiresAt)
	if ttl < 0 {
		return 0
	}
	return ttl
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Cloner:
		return t.Clone()
	case []byte:
		return append([]byte(nil), t...)
	default:
		return v
	}
}
