package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"
)

// Common errors returned by the retry helpers.
var (
	// ErrTimeout is matched by every error produced when WithTimeout gives up on an attempt.
	ErrTimeout = errors.New("operation timed out")
)

// ErrorClass represents a classification of provider failures.
type ErrorClass string

const (
	// ErrorClassNetwork represents connection reset/refused/unreachable errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassTimeout represents an attempt that exceeded its deadline.
	ErrorClassTimeout ErrorClass = "timeout"

	// ErrorClassRateLimit represents an explicit "too many requests" signal (HTTP 429).
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassClient represents 4xx client errors other than 429.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassUnknown is anything the classifier does not recognise.
	ErrorClassUnknown ErrorClass = "unknown"
)

// Transient reports whether the class describes a transport-level failure
// (network or timeout) as opposed to a provider answer.
func (c ErrorClass) Transient() bool {
	return c == ErrorClassNetwork || c == ErrorClassTimeout
}

// StatusError is returned by provider clients for non-2xx HTTP responses.
type StatusError struct {
	StatusCode int
	Status     string
	URL        string

	// RetryAfter is the parsed Retry-After header, zero when absent.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("provider %s error (status %d): %s", e.URL, e.StatusCode, e.Status)
	}
	return fmt.Sprintf("provider error (status %d): %s", e.StatusCode, e.Status)
}

// TimeoutError is returned by WithTimeout when the operation did not settle in time.
type TimeoutError struct {
	After time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("operation timed out after %s", e.After)
}

// Is lets errors.Is(err, ErrTimeout) match.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// StatusCode extracts the HTTP status from err, or 0 if err carries none.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// Classify categorizes an error for retry decisions and observability.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}

	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == http.StatusTooManyRequests:
			return ErrorClassRateLimit
		case se.StatusCode >= 400 && se.StatusCode < 500:
			return ErrorClassClient
		case se.StatusCode >= 500:
			return ErrorClassServer
		default:
			return ErrorClassUnknown
		}
	}

	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorClassTimeout
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrorClassNetwork
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrorClassNetwork
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrorClassNetwork
	}

	return ErrorClassUnknown
}

// DefaultShouldRetry is the default failure classifier.
//
// Retries transport failures, 429 and every 5xx; never retries other 4xx
// or errors it cannot classify.
func DefaultShouldRetry(err error) bool {
	switch Classify(err) {
	case ErrorClassNetwork, ErrorClassTimeout, ErrorClassRateLimit, ErrorClassServer:
		return true
	default:
		return false
	}
}
