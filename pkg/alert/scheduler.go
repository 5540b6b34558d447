// Package alert re-prices watched items on a fixed interval and raises
// threshold-gated, cooldown-limited price alerts.
package alert

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sternrassler/market-watch/pkg/watchlist"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// ErrSweepInProgress is returned by RunOnce while another sweep is running.
var ErrSweepInProgress = errors.New("price sweep already in progress")

// Prometheus metrics for sweeps.
var (
	sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "marketwatch_sweep_duration_seconds",
		Help:    "Duration of watchlist price sweeps",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
	})

	sweepItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketwatch_sweep_items_total",
		Help: "Total watch items processed by outcome",
	}, []string{"outcome"})

	sweepErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketwatch_sweep_errors_total",
		Help: "Total sweeps aborted by an error",
	})

	sweepsSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketwatch_sweeps_skipped_total",
		Help: "Total ticks skipped because the previous sweep was still running",
	})
)

// Outcome is the result of re-pricing one item.
type Outcome string

const (
	OutcomeUpdated Outcome = "updated"
	OutcomeAlerted Outcome = "alerted"
	OutcomeFailed  Outcome = "failed"
)

// Event is handed to the Notifier when an alert fires. It is not persisted.
type Event struct {
	ID          uuid.UUID       `json:"id"`
	WatchItemID int64           `json:"watch_item_id"`
	OwnerID     string          `json:"owner_id"`
	ItemID      string          `json:"item_id"`
	Name        string          `json:"name,omitempty"`
	OldPrice    decimal.Decimal `json:"old_price"`
	NewPrice    decimal.Decimal `json:"new_price"`
	TargetPrice decimal.Decimal `json:"target_price"`
	At          time.Time       `json:"at"`
}

// PriceSource looks up the current price of a provider item.
type PriceSource interface {
	LookupPrice(ctx context.Context, itemID string) (decimal.Decimal, error)
}

// PriceFunc adapts a function to PriceSource.
type PriceFunc func(ctx context.Context, itemID string) (decimal.Decimal, error)

// LookupPrice implements PriceSource.
func (f PriceFunc) LookupPrice(ctx context.Context, itemID string) (decimal.Decimal, error) {
	return f(ctx, itemID)
}

// Notifier delivers alert events.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Summary aggregates one sweep.
type Summary struct {
	StartedAt time.Time     `json:"started_at"`
	Total     int           `json:"total"`
	Updated   int           `json:"updated"`
	Alerted   int           `json:"alerted"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
}

func (s *Summary) add(o Outcome) {
	switch o {
	case OutcomeUpdated:
		s.Updated++
	case OutcomeAlerted:
		s.Alerted++
	default:
		s.Failed++
	}
}

// Config holds the scheduler configuration.
type Config struct {
	// Interval between sweep starts.
	Interval time.Duration

	// BatchSize is how many items are re-priced concurrently.
	BatchSize int

	// BatchDelay separates consecutive batches.
	BatchDelay time.Duration

	Policy Policy

	// Logger defaults to the global logger with component=alert.
	Logger *zerolog.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// DefaultConfig returns a 15 minute sweep in batches of 5, alerting on a 5%
// or 0.50 drop at most once a day per item.
func DefaultConfig() Config {
	return Config{
		Interval:   15 * time.Minute,
		BatchSize:  5,
		BatchDelay: 2 * time.Second,
		Policy: Policy{
			MinDropPercent: decimal.NewFromInt(5),
			MinDropAmount:  decimal.RequireFromString("0.50"),
			Cooldown:       24 * time.Hour,
		},
	}
}

// Scheduler periodically sweeps the watchlist.
type Scheduler struct {
	cfg      Config
	store    watchlist.AlertStore
	prices   PriceSource
	notifier Notifier
	logger   zerolog.Logger
	now      func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool

	sweeping atomic.Bool
	last     atomic.Pointer[Summary]
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(store watchlist.AlertStore, prices PriceSource, notifier Notifier, cfg Config) (*Scheduler, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if prices == nil {
		return nil, fmt.Errorf("price source is required")
	}
	if notifier == nil {
		return nil, fmt.Errorf("notifier is required")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive (got %s)", cfg.Interval)
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive (got %d)", cfg.BatchSize)
	}
	if cfg.BatchDelay < 0 {
		cfg.BatchDelay = 0
	}

	logger := log.With().Str("component", "alert").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Scheduler{
		cfg:      cfg,
		store:    store,
		prices:   prices,
		notifier: notifier,
		logger:   logger,
		now:      now,
	}, nil
}

// Start runs one sweep immediately and then one per interval until Stop or
// until ctx ends. Calling Start on a running scheduler does nothing; once ctx
// has ended the scheduler can be started again.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.loop(loopCtx, s.done)

	s.logger.Info().
		Dur("interval", s.cfg.Interval).
		Int("batch_size", s.cfg.BatchSize).
		Msg("Alert scheduler started")
}

// Stop cancels the loop and any running sweep and waits for it to exit.
// It is safe to call on a stopped scheduler.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.running = false
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info().Msg("Alert scheduler stopped")
}

// Running reports whether the periodic loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// LastSummary returns the most recent completed sweep, if any.
func (s *Scheduler) LastSummary() (Summary, bool) {
	if p := s.last.Load(); p != nil {
		return *p, true
	}
	return Summary{}, false
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer func() {
		// A loop ended by its Start context leaves the scheduler stopped and
		// restartable. A newer Start owns a different done channel.
		s.mu.Lock()
		if s.done == done && s.running {
			s.running = false
			s.cancel()
		}
		s.mu.Unlock()
		close(done)
	}()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs one sweep and contains its failures.
func (s *Scheduler) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			sweepErrorsTotal.Inc()
			s.logger.Error().Interface("panic", r).Msg("Price sweep panicked")
		}
	}()

	if _, err := s.RunOnce(ctx); err != nil {
		switch {
		case errors.Is(err, ErrSweepInProgress):
			sweepsSkippedTotal.Inc()
			s.logger.Warn().Msg("Previous price sweep still running, skipping tick")
		case ctx.Err() != nil:
		default:
			s.logger.Error().Err(err).Msg("Price sweep failed")
		}
	}
}

// RunOnce performs one sweep synchronously. Per-item failures are counted in
// the summary; only a failure to list the watchlist is returned as an error.
func (s *Scheduler) RunOnce(ctx context.Context) (Summary, error) {
	if !s.sweeping.CompareAndSwap(false, true) {
		return Summary{}, ErrSweepInProgress
	}
	defer s.sweeping.Store(false)

	start := time.Now()
	summary := Summary{StartedAt: s.now()}

	items, err := s.store.ListActive(ctx)
	if err != nil {
		sweepErrorsTotal.Inc()
		return summary, fmt.Errorf("list active watch items: %w", err)
	}
	summary.Total = len(items)
	if len(items) == 0 {
		s.logger.Debug().Msg("No active watch items")
		s.finish(&summary, start)
		return summary, nil
	}

	for first := 0; first < len(items); first += s.cfg.BatchSize {
		last := min(first+s.cfg.BatchSize, len(items))

		for _, o := range s.runBatch(ctx, items[first:last]) {
			summary.add(o)
		}

		if last < len(items) && s.cfg.BatchDelay > 0 {
			if err := sleep(ctx, s.cfg.BatchDelay); err != nil {
				summary.Failed += len(items) - last
				s.finish(&summary, start)
				return summary, err
			}
		}
	}

	s.finish(&summary, start)
	return summary, nil
}

func (s *Scheduler) finish(summary *Summary, start time.Time) {
	summary.Duration = time.Since(start)
	sweepDuration.Observe(summary.Duration.Seconds())
	snapshot := *summary
	s.last.Store(&snapshot)

	s.logger.Info().
		Int("total", summary.Total).
		Int("updated", summary.Updated).
		Int("alerted", summary.Alerted).
		Int("failed", summary.Failed).
		Dur("duration", summary.Duration).
		Msg("Price sweep completed")
}

// runBatch re-prices items concurrently. Every item yields an outcome;
// goroutines never return errors so one failure cannot cancel its siblings.
func (s *Scheduler) runBatch(ctx context.Context, items []watchlist.Item) []Outcome {
	outcomes := make([]Outcome, len(items))

	var g errgroup.Group
	for i, item := range items {
		g.Go(func() error {
			outcomes[i] = s.safeUpdate(ctx, item)
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

func (s *Scheduler) safeUpdate(ctx context.Context, item watchlist.Item) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Int64("watch_item_id", item.ID).Msg("Item update panicked")
			outcome = OutcomeFailed
		}
		sweepItemsTotal.WithLabelValues(string(outcome)).Inc()
	}()
	return s.updateItem(ctx, item)
}

// updateItem re-prices one item, persists the price and raises an alert
// when the policy allows it.
func (s *Scheduler) updateItem(ctx context.Context, item watchlist.Item) Outcome {
	logger := s.logger.With().Int64("watch_item_id", item.ID).Str("item_id", item.ItemID).Logger()

	price, err := s.prices.LookupPrice(ctx, item.ItemID)
	if err != nil {
		logger.Warn().Err(err).Msg("Price lookup failed")
		return OutcomeFailed
	}
	if !price.IsPositive() {
		logger.Warn().Str("price", price.String()).Msg("Price lookup returned a non-positive price")
		return OutcomeFailed
	}

	now := s.now()
	if err := s.store.UpdatePrice(ctx, item.ID, price, now); err != nil {
		logger.Warn().Err(err).Msg("Failed to store price")
		return OutcomeFailed
	}

	previous := item.CurrentPrice
	if !s.cfg.Policy.ShouldAlert(price, item.TargetPrice, previous, item.LastAlertAt, now) {
		return OutcomeUpdated
	}

	event := Event{
		ID:          uuid.New(),
		WatchItemID: item.ID,
		OwnerID:     item.OwnerID,
		ItemID:      item.ItemID,
		Name:        item.Name,
		OldPrice:    previous,
		NewPrice:    price,
		TargetPrice: item.TargetPrice,
		At:          now,
	}

	if err := s.notifier.Notify(ctx, event); err != nil {
		logger.Warn().Err(err).Str("alert_id", event.ID.String()).Msg("Alert delivery failed")
	}
	if err := s.store.RecordAlert(ctx, item.ID, now); err != nil {
		logger.Error().Err(err).Str("alert_id", event.ID.String()).Msg("Failed to record alert time")
	}

	logger.Info().
		Str("alert_id", event.ID.String()).
		Str("old_price", previous.String()).
		Str("new_price", price.String()).
		Str("target_price", item.TargetPrice.String()).
		Msg("Price alert raised")
	return OutcomeAlerted
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
