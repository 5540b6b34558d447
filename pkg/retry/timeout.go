package retry

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var timeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "marketwatch_operation_timeouts_total",
	Help: "Total number of attempts abandoned by WithTimeout",
})

type outcome[T any] struct {
	value T
	err   error
}

// WithTimeout races op against a timer of the given length.
//
// The op receives a context that is cancelled once the race is decided, but an
// op that ignores its context keeps running in the background and its result
// is discarded. On timeout the returned error matches ErrTimeout. A timeout
// of zero or less runs op directly.
func WithTimeout[T any](ctx context.Context, timeout time.Duration, op func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return op(ctx)
	}

	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan outcome[T], 1)
	go func() {
		v, err := op(opCtx)
		done <- outcome[T]{value: v, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var zero T
	select {
	case res := <-done:
		return res.value, res.err
	case <-timer.C:
		timeoutsTotal.Inc()
		return zero, &TimeoutError{After: timeout}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
