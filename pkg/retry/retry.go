// Package retry wraps provider calls with per-attempt timeouts and
// exponential backoff driven by a pluggable failure classifier.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketwatch_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "marketwatch_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketwatch_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// Policy holds the configuration for retry logic.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// InitialDelay is the base delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps every computed delay.
	MaxDelay time.Duration

	// ShouldRetry decides whether a failure is retryable. Nil means DefaultShouldRetry.
	ShouldRetry func(error) bool

	// Name labels log lines for this policy's caller.
	Name string
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     10 * time.Second,
		ShouldRetry:  DefaultShouldRetry,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialDelay < 0 {
		p.InitialDelay = 0
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.ShouldRetry == nil {
		p.ShouldRetry = DefaultShouldRetry
	}
	return p
}

// Backoff returns the delay before retry number attempt (0-based):
// min(InitialDelay * 2^attempt + jitter, MaxDelay).
//
// Jitter is drawn from [0, InitialDelay) so consecutive delays never decrease.
func (p Policy) Backoff(attempt int) time.Duration {
	if p.InitialDelay <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}

	base := p.InitialDelay << uint(attempt)
	if base <= 0 || base > p.MaxDelay {
		return p.MaxDelay
	}

	delay := base + time.Duration(rand.Int63n(int64(p.InitialDelay)))
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Do calls fn up to MaxRetries+1 times, sleeping Backoff(attempt) between attempts.
//
// When ShouldRetry rejects a failure, or the last attempt fails, the error
// returned by fn is returned as-is so callers can still inspect status codes.
// A context cancelled while waiting returns the context error.
func Do[T any](ctx context.Context, policy Policy, fn func(context.Context) (T, error)) (T, error) {
	policy = policy.normalized()

	var zero T
	var lastErr error

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				log.Debug().
					Str("policy", policy.Name).
					Int("attempt", attempt+1).
					Msg("Operation succeeded after retry")
			}
			return result, nil
		}

		lastErr = err
		class := Classify(err)

		if !policy.ShouldRetry(err) {
			return zero, err
		}

		if attempt == policy.MaxRetries {
			break
		}

		delay := policy.Backoff(attempt)
		retriesTotal.WithLabelValues(string(class)).Inc()
		retryBackoffSeconds.WithLabelValues(string(class)).Observe(delay.Seconds())

		log.Warn().
			Err(err).
			Str("policy", policy.Name).
			Str("error_class", string(class)).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("Retrying after backoff")

		if err := sleep(ctx, delay); err != nil {
			return zero, err
		}
	}

	retryExhaustedTotal.WithLabelValues(string(Classify(lastErr))).Inc()
	log.Warn().
		Err(lastErr).
		Str("policy", policy.Name).
		Int("max_retries", policy.MaxRetries).
		Msg("Retry attempts exhausted")

	return zero, lastErr
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
