// Package testutil provides testing utilities for provider clients.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"
)

// MockResponse defines the behavior for one mock provider response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockProvider is a configurable mock provider server for testing.
//
// Each path serves a script of responses in order; the last response of a
// script repeats once the script is exhausted. Unscripted paths return 404.
type MockProvider struct {
	server *httptest.Server

	mu                sync.Mutex
	scripts           map[string][]MockResponse
	counts            map[string]int
	total             int
	lastRequestHeader http.Header
	lastQuery         map[string]string
}

// NewMockProvider starts a new mock provider server.
func NewMockProvider() *MockProvider {
	mock := &MockProvider{
		scripts: make(map[string][]MockResponse),
		counts:  make(map[string]int),
	}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.serve))
	return mock
}

func (m *MockProvider) serve(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	n := m.counts[r.URL.Path]
	m.counts[r.URL.Path]++
	m.total++
	m.lastRequestHeader = r.Header.Clone()
	m.lastQuery = make(map[string]string)
	for k := range r.URL.Query() {
		m.lastQuery[k] = r.URL.Query().Get(k)
	}
	script := m.scripts[r.URL.Path]
	m.mu.Unlock()

	if len(script) == 0 {
		http.NotFound(w, r)
		return
	}
	resp := script[min(n, len(script)-1)]

	if resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-r.Context().Done():
			return
		}
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		_, _ = w.Write([]byte(resp.Body))
	}
}

// URL returns the mock server URL.
func (m *MockProvider) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockProvider) Close() {
	m.server.Close()
}

// Reset clears all counters. Scripts are kept.
func (m *MockProvider) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts = make(map[string]int)
	m.total = 0
	m.lastRequestHeader = nil
	m.lastQuery = nil
}

// SetResponse serves resp for every request to path.
func (m *MockProvider) SetResponse(path string, resp MockResponse) {
	m.SetScript(path, resp)
}

// SetScript serves responses in order for path.
func (m *MockProvider) SetScript(path string, responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[path] = append([]MockResponse(nil), responses...)
	m.counts[path] = 0
}

// RequestCount returns the number of requests made to path.
func (m *MockProvider) RequestCount(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[path]
}

// TotalRequests returns the number of requests made to any path.
func (m *MockProvider) TotalRequests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// LastRequestHeader returns the headers of the most recent request.
func (m *MockProvider) LastRequestHeader() http.Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRequestHeader
}

// LastQuery returns the first value of each query parameter of the most
// recent request.
func (m *MockProvider) LastQuery() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastQuery
}

// NewJSONResponse creates a 200 OK response with a JSON body.
func NewJSONResponse(body string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewPriceOverviewResponse creates a successful marketplace price overview.
func NewPriceOverviewResponse(lowest, median string) MockResponse {
	return NewJSONResponse(fmt.Sprintf(
		`{"success":true,"lowest_price":%q,"volume":"1,204","median_price":%q}`,
		lowest, median))
}

// NewRateLimitResponse creates a 429 Too Many Requests response. A positive
// retryAfter sets the Retry-After header.
func NewRateLimitResponse(retryAfter time.Duration) MockResponse {
	resp := MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error": "Rate limit exceeded"}`,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
	if retryAfter > 0 {
		resp.Headers["Retry-After"] = strconv.Itoa(int(retryAfter.Seconds()))
	}
	return resp
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "Internal server error"}`,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewNotFoundResponse creates a 404 Not Found response.
func NewNotFoundResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusNotFound,
		Body:       `{"error": "Not found"}`,
	}
}
