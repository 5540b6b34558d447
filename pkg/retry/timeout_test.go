package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestWithTimeout_Completes(t *testing.T) {
	got, err := WithTimeout(context.Background(), 100*time.Millisecond, func(context.Context) (string, error) {
		return "done", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "done" {
		t.Errorf("result = %q, want %q", got, "done")
	}
}

func TestWithTimeout_PropagatesError(t *testing.T) {
	want := errors.New("boom")
	_, err := WithTimeout(context.Background(), 100*time.Millisecond, func(context.Context) (int, error) {
		return 0, want
	})
	if err != want {
		t.Errorf("err = %v, want %v", err, want)
	}
}

func TestWithTimeout_TimesOut(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	_, err := WithTimeout(context.Background(), 20*time.Millisecond, func(context.Context) (int, error) {
		<-release // ignores its context on purpose
		return 1, nil
	})

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if Classify(err) != ErrorClassTimeout {
		t.Errorf("Classify() = %q, want timeout", Classify(err))
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("WithTimeout returned after %v, expected ~20ms", elapsed)
	}
}

func TestWithTimeout_CancelsOperationContext(t *testing.T) {
	cancelled := make(chan struct{})
	_, err := WithTimeout(context.Background(), 10*time.Millisecond, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		close(cancelled)
		return 0, ctx.Err()
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Error("operation context was not cancelled after timeout")
	}
}

func TestWithTimeout_ParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := WithTimeout(ctx, time.Second, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestResilientFetch_RetriesTimeouts(t *testing.T) {
	var calls atomic.Int32
	policy := fastPolicy(0)

	_, err := ResilientFetch(context.Background(), FetchOptions{
		Timeout:    10 * time.Millisecond,
		MaxRetries: 2,
		Context:    "test.fetch",
		Policy:     &policy,
	}, func(ctx context.Context) (int, error) {
		calls.Add(1)
		<-ctx.Done()
		return 0, ctx.Err()
	})

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestResilientFetch_Success(t *testing.T) {
	policy := fastPolicy(0)
	attempts := 0

	got, err := ResilientFetch(context.Background(), FetchOptions{
		Timeout:    time.Second,
		MaxRetries: 3,
		Policy:     &policy,
	}, func(context.Context) (string, error) {
		attempts++
		if attempts == 1 {
			return "", &StatusError{StatusCode: 504}
		}
		return "price", nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "price" {
		t.Errorf("result = %q, want %q", got, "price")
	}
}

func TestDefaultFetchOptions(t *testing.T) {
	opts := DefaultFetchOptions("market")
	if opts.Timeout != 15*time.Second {
		t.Errorf("Timeout = %v, want 15s", opts.Timeout)
	}
	if opts.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", opts.MaxRetries)
	}
	if opts.Context != "market" {
		t.Errorf("Context = %q, want market", opts.Context)
	}
}
