package retry

import (
	"context"
	"time"
)

// FetchOptions configures ResilientFetch.
type FetchOptions struct {
	// Timeout bounds each individual attempt.
	Timeout time.Duration

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// Context names the caller in logs (for example "market.priceoverview").
	Context string

	// Policy supplies delays and the classifier. MaxRetries and Context above
	// override the corresponding Policy fields. Zero value means DefaultPolicy.
	Policy *Policy
}

// DefaultFetchOptions returns 15s attempts with the default retry policy.
func DefaultFetchOptions(name string) FetchOptions {
	return FetchOptions{
		Timeout:    15 * time.Second,
		MaxRetries: DefaultPolicy().MaxRetries,
		Context:    name,
	}
}

// ResilientFetch composes Do and WithTimeout: every attempt is individually
// bounded by opts.Timeout and failed attempts are retried per the policy.
func ResilientFetch[T any](ctx context.Context, opts FetchOptions, fn func(context.Context) (T, error)) (T, error) {
	policy := DefaultPolicy()
	if opts.Policy != nil {
		policy = *opts.Policy
	}
	policy.MaxRetries = opts.MaxRetries
	if opts.Context != "" {
		policy.Name = opts.Context
	}

	return Do(ctx, policy, func(ctx context.Context) (T, error) {
		return WithTimeout(ctx, opts.Timeout, fn)
	})
}
