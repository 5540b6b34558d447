package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{name: "nil", err: nil, want: ""},
		{name: "429", err: &StatusError{StatusCode: http.StatusTooManyRequests}, want: ErrorClassRateLimit},
		{name: "404", err: &StatusError{StatusCode: http.StatusNotFound}, want: ErrorClassClient},
		{name: "400", err: &StatusError{StatusCode: http.StatusBadRequest}, want: ErrorClassClient},
		{name: "500", err: &StatusError{StatusCode: http.StatusInternalServerError}, want: ErrorClassServer},
		{name: "503 wrapped", err: fmt.Errorf("fetch: %w", &StatusError{StatusCode: 503}), want: ErrorClassServer},
		{name: "timeout error", err: &TimeoutError{After: time.Second}, want: ErrorClassTimeout},
		{name: "deadline exceeded", err: context.DeadlineExceeded, want: ErrorClassTimeout},
		{name: "connection reset", err: fmt.Errorf("read: %w", syscall.ECONNRESET), want: ErrorClassNetwork},
		{name: "connection refused", err: syscall.ECONNREFUSED, want: ErrorClassNetwork},
		{name: "host unreachable", err: syscall.EHOSTUNREACH, want: ErrorClassNetwork},
		{name: "unexpected eof", err: io.ErrUnexpectedEOF, want: ErrorClassNetwork},
		{name: "op error", err: &net.OpError{Op: "dial", Err: errors.New("boom")}, want: ErrorClassNetwork},
		{name: "dns error", err: &net.DNSError{Err: "no such host", Name: "example.invalid"}, want: ErrorClassNetwork},
		{name: "cancelled", err: context.Canceled, want: ErrorClassUnknown},
		{name: "plain", err: errors.New("parse failure"), want: ErrorClassUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDefaultShouldRetry(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{status: http.StatusTooManyRequests, want: true},
		{status: http.StatusBadGateway, want: true},
		{status: http.StatusServiceUnavailable, want: true},
		{status: http.StatusGatewayTimeout, want: true},
		{status: http.StatusInternalServerError, want: true},
		{status: http.StatusBadRequest, want: false},
		{status: http.StatusUnauthorized, want: false},
		{status: http.StatusForbidden, want: false},
		{status: http.StatusNotFound, want: false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			err := &StatusError{StatusCode: tt.status}
			if got := DefaultShouldRetry(err); got != tt.want {
				t.Errorf("DefaultShouldRetry(%d) = %v, want %v", tt.status, got, tt.want)
			}
		})
	}

	if !DefaultShouldRetry(syscall.ECONNRESET) {
		t.Error("connection reset should be retried")
	}
	if !DefaultShouldRetry(&TimeoutError{After: time.Second}) {
		t.Error("timeout should be retried")
	}
	if DefaultShouldRetry(errors.New("unclassified")) {
		t.Error("unclassified errors should not be retried")
	}
}

func TestErrorClass_Transient(t *testing.T) {
	if !ErrorClassNetwork.Transient() || !ErrorClassTimeout.Transient() {
		t.Error("network and timeout classes should be transient")
	}
	if ErrorClassRateLimit.Transient() || ErrorClassServer.Transient() || ErrorClassClient.Transient() {
		t.Error("provider answers should not be transient")
	}
}

func TestStatusError_Error(t *testing.T) {
	err := &StatusError{StatusCode: 429, Status: "429 Too Many Requests", URL: "https://example.com/x"}
	want := "provider https://example.com/x error (status 429): 429 Too Many Requests"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if StatusCode(fmt.Errorf("wrapped: %w", err)) != 429 {
		t.Error("StatusCode should see through wrapping")
	}
	if StatusCode(errors.New("x")) != 0 {
		t.Error("StatusCode of a plain error should be 0")
	}
}

func TestTimeoutError_Is(t *testing.T) {
	err := fmt.Errorf("attempt: %w", &TimeoutError{After: 2 * time.Second})
	if !errors.Is(err, ErrTimeout) {
		t.Error("TimeoutError should match ErrTimeout")
	}
}
