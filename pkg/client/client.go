// Package client provides the HTTP client for third-party data providers.
//
// Every request runs through retry.ResilientFetch: each attempt is bounded
// by a timeout and transient failures are retried with backoff. Non-2xx
// responses become *retry.StatusError so callers can classify them.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/market-watch/pkg/retry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for provider requests.
var (
	providerRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketwatch_provider_requests_total",
		Help: "Total provider requests by provider, endpoint and status",
	}, []string{"provider", "endpoint", "status"})

	providerRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "marketwatch_provider_request_duration_seconds",
		Help:    "Provider request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 15},
	}, []string{"provider", "endpoint"})

	providerErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketwatch_provider_errors_total",
		Help: "Total provider errors by class",
	}, []string{"provider", "class"})
)

// maxBodyBytes bounds how much of a response body is read.
const maxBodyBytes = 4 << 20

// Client issues GET requests against one provider.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	config     Config
	logger     zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// Name labels logs and metrics (e.g. "market").
	Name string

	// BaseURL is the provider root, e.g. "https://steamcommunity.com".
	BaseURL string

	// UserAgent is sent with every request. Required.
	UserAgent string

	// Timeout bounds each individual attempt.
	Timeout time.Duration

	// Retry supplies backoff delays and the retry budget. ShouldRetry nil
	// means Retryable.
	Retry retry.Policy

	// HTTPClient overrides the transport, for tests.
	HTTPClient *http.Client

	// Logger defaults to the global logger with component=client.
	Logger *zerolog.Logger
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(name, baseURL, userAgent string) Config {
	return Config{
		Name:      name,
		BaseURL:   baseURL,
		UserAgent: userAgent,
		Timeout:   15 * time.Second,
		Retry:     retry.DefaultPolicy(),
	}
}

// Retryable retries transport failures and 5xx responses. Rate-limit
// responses are returned straight away so a request queue can apply its
// penalty instead of burning the retry budget.
func Retryable(err error) bool {
	switch retry.Classify(err) {
	case retry.ErrorClassNetwork, retry.ErrorClassTimeout, retry.ErrorClassServer:
		return true
	default:
		return false
	}
}

// New creates a provider client.
func New(cfg Config) (*Client, error) {
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https (got %q)", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive (got %s)", cfg.Timeout)
	}
	if cfg.Name == "" {
		cfg.Name = base.Host
	}
	if cfg.Retry.ShouldRetry == nil {
		cfg.Retry.ShouldRetry = Retryable
	}

	logger := log.With().Str("component", "client").Str("provider", cfg.Name).Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    base,
		config:     cfg,
		logger:     logger,
	}, nil
}

// Name returns the provider name.
func (c *Client) Name() string {
	return c.config.Name
}

// Get fetches endpoint with params and returns the response body of a 2xx
// response. After retries are exhausted the last attempt's error is returned.
func (c *Client) Get(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	target := c.resolve(endpoint, params)

	opts := retry.FetchOptions{
		Timeout:    c.config.Timeout,
		MaxRetries: c.config.Retry.MaxRetries,
		Context:    c.config.Name + ":" + endpoint,
		Policy:     &c.config.Retry,
	}

	return retry.ResilientFetch(ctx, opts, func(ctx context.Context) ([]byte, error) {
		return c.do(ctx, endpoint, target)
	})
}

// GetJSON fetches endpoint and decodes the JSON body into T.
func GetJSON[T any](ctx context.Context, c *Client, endpoint string, params url.Values) (T, error) {
	var out T
	body, err := c.Get(ctx, endpoint, params)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(body, &out); err != nil {
		providerErrorsTotal.WithLabelValues(c.config.Name, "decode").Inc()
		return out, fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return out, nil
}

// do performs a single attempt.
func (c *Client) do(ctx context.Context, endpoint, target string) ([]byte, error) {
	start := time.Now()
	defer func() {
		providerRequestDuration.WithLabelValues(c.config.Name, endpoint).Observe(time.Since(start).Seconds())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")

	c.logger.Debug().Str("endpoint", endpoint).Msg("Executing provider request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		class := retry.Classify(err)
		providerErrorsTotal.WithLabelValues(c.config.Name, string(class)).Inc()
		providerRequestsTotal.WithLabelValues(c.config.Name, endpoint, "network_error").Inc()
		c.logger.Warn().Err(err).Str("endpoint", endpoint).Str("error_class", string(class)).Msg("Provider request failed")
		return nil, err
	}
	defer resp.Body.Close()

	providerRequestsTotal.WithLabelValues(c.config.Name, endpoint, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))

		statusErr := &retry.StatusError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			URL:        endpoint,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
		class := retry.Classify(statusErr)
		providerErrorsTotal.WithLabelValues(c.config.Name, string(class)).Inc()
		c.logger.Warn().
			Str("endpoint", endpoint).
			Int("status", resp.StatusCode).
			Str("error_class", string(class)).
			Msg("Provider request error")
		return nil, statusErr
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		providerErrorsTotal.WithLabelValues(c.config.Name, string(retry.ErrorClassNetwork)).Inc()
		return nil, fmt.Errorf("read %s response: %w", endpoint, err)
	}
	return body, nil
}

func (c *Client) resolve(endpoint string, params url.Values) string {
	u := *c.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(endpoint, "/")
	if len(params) > 0 {
		u.RawQuery = params.Encode()
	}
	return u.String()
}

// parseRetryAfter accepts delta-seconds or an HTTP date. Invalid or past
// values yield zero.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
