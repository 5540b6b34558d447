package ratelimit

import (
	"container/list"
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/Sternrassler/market-watch/pkg/retry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// ErrQueueClosed is returned for tasks submitted to, or still pending in, a closed queue.
var ErrQueueClosed = errors.New("request queue closed")

// Prometheus metrics for queue operations.
var (
	queuePending = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "marketwatch_queue_pending",
		Help: "Tasks waiting in the request queue",
	}, []string{"queue"})

	queueInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "marketwatch_queue_inflight",
		Help: "Tasks currently dispatched by the request queue",
	}, []string{"queue"})

	queueDelaySeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "marketwatch_queue_delay_seconds",
		Help: "Current inter-dispatch delay of the request queue",
	}, []string{"queue"})

	queueDispatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketwatch_queue_dispatches_total",
		Help: "Total task dispatches by outcome",
	}, []string{"queue", "outcome"}) // "success", "requeued", "rejected"

	queueRateLimitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketwatch_queue_rate_limits_total",
		Help: "Total rate-limit signals received by the request queue",
	}, []string{"queue"})

	queueWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "marketwatch_queue_wait_seconds",
		Help:    "Time from enqueue to first dispatch",
		Buckets: []float64{0.01, 0.1, 1, 3, 10, 30, 60, 120, 300},
	}, []string{"queue"})
)

// Config holds the queue configuration.
type Config struct {
	// Name labels logs, metrics and penalty store entries (e.g. "market").
	Name string

	// MinDelay is the minimum spacing between two dispatches.
	MinDelay time.Duration

	// MaxDelay caps the spacing after repeated transient failures.
	MaxDelay time.Duration

	// BackoffFactor multiplies the spacing after each transient failure.
	BackoffFactor float64

	// Concurrency is the number of tasks allowed in flight at once.
	Concurrency int

	// MaxRetries caps how often one task is re-queued before it is rejected.
	MaxRetries int

	// PenaltyMin and PenaltyMax bound the randomized wait after a rate-limit signal.
	PenaltyMin time.Duration
	PenaltyMax time.Duration

	// Classify maps task errors to classes. Nil means retry.Classify.
	Classify func(error) retry.ErrorClass

	// Penalties optionally shares rate-limit windows with other queues.
	Penalties PenaltyStore

	// Logger defaults to the global logger with component=ratelimit.
	Logger *zerolog.Logger
}

// DefaultConfig returns the spacing used for the throttled marketplace provider.
func DefaultConfig(name string) Config {
	return Config{
		Name:          name,
		MinDelay:      3 * time.Second,
		MaxDelay:      60 * time.Second,
		BackoffFactor: 2,
		Concurrency:   1,
		MaxRetries:    3,
		PenaltyMin:    10 * time.Second,
		PenaltyMax:    30 * time.Second,
	}
}

func (c Config) normalized() Config {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.MinDelay < 0 {
		c.MinDelay = 0
	}
	if c.MaxDelay < c.MinDelay {
		c.MaxDelay = c.MinDelay
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = 2
	}
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.PenaltyMin < 0 {
		c.PenaltyMin = 0
	}
	if c.PenaltyMax < c.PenaltyMin {
		c.PenaltyMax = c.PenaltyMin
	}
	if c.Classify == nil {
		c.Classify = retry.Classify
	}
	return c
}

// Stats is a snapshot of the queue state.
type Stats struct {
	Pending             int           `json:"pending"`
	InFlight            int           `json:"in_flight"`
	Delay               time.Duration `json:"delay"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastRateLimit       time.Time     `json:"last_rate_limit,omitempty"`
	PenaltyUntil        time.Time     `json:"penalty_until,omitempty"`
	Dispatched          uint64        `json:"dispatched"`
}

type result struct {
	value any
	err   error
}

type task struct {
	ctx        context.Context
	fn         func(context.Context) (any, error)
	done       chan result
	retries    int
	enqueuedAt time.Time
	dispatched bool
}

// Queue dispatches tasks one by one (or a few at a time) with adaptive spacing.
//
// Task lifecycle: queued, dispatched, then succeeded, re-queued at the front,
// or rejected. The shared spacing grows on transient failures, halves on a
// success after retries and drops back to MinDelay only after a clean success.
type Queue struct {
	cfg    Config
	logger zerolog.Logger
	sem    *semaphore.Weighted

	// closeCtx is cancelled by Close to abort waits in the drain loop.
	closeCtx context.Context
	cancel   context.CancelFunc

	mu                  sync.Mutex
	tasks               *list.List
	draining            bool
	closed              bool
	delay               time.Duration
	consecutiveFailures int
	lastDispatch        time.Time
	lastRateLimit       time.Time
	penaltyUntil        time.Time
	inFlight            int
	dispatched          uint64
}

// New creates a queue. Nothing runs until the first task is enqueued.
func New(cfg Config) *Queue {
	cfg = cfg.normalized()

	logger := log.With().Str("component", "ratelimit").Str("queue", cfg.Name).Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		cfg:      cfg,
		logger:   logger,
		sem:      semaphore.NewWeighted(int64(cfg.Concurrency)),
		closeCtx: ctx,
		cancel:   cancel,
		tasks:    list.New(),
		delay:    cfg.MinDelay,
	}
	queueDelaySeconds.WithLabelValues(cfg.Name).Set(cfg.MinDelay.Seconds())
	return q
}

// Enqueue appends fn to the queue and blocks until it settles.
//
// The error of the last attempt is returned unmodified. If ctx ends first,
// Enqueue returns ctx.Err() and the task is skipped if not yet dispatched.
func (q *Queue) Enqueue(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	t := &task{
		ctx:        ctx,
		fn:         fn,
		done:       make(chan result, 1),
		enqueuedAt: time.Now(),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	q.tasks.PushBack(t)
	queuePending.WithLabelValues(q.cfg.Name).Set(float64(q.tasks.Len()))
	q.startDrainLocked()
	q.mu.Unlock()

	select {
	case r := <-t.done:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Do is the typed form of Queue.Enqueue.
func Do[T any](ctx context.Context, q *Queue, fn func(context.Context) (T, error)) (T, error) {
	v, err := q.Enqueue(ctx, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	typed, _ := v.(T)
	return typed, nil
}

// Stats returns a snapshot of the queue state.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Stats{
		Pending:             q.tasks.Len(),
		InFlight:            q.inFlight,
		Delay:               q.delay,
		ConsecutiveFailures: q.consecutiveFailures,
		LastRateLimit:       q.lastRateLimit,
		PenaltyUntil:        q.penaltyUntil,
		Dispatched:          q.dispatched,
	}
}

// Close rejects every pending task with ErrQueueClosed and refuses new ones.
// Tasks already dispatched run to completion but are not re-queued.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	pending := make([]*task, 0, q.tasks.Len())
	for e := q.tasks.Front(); e != nil; e = e.Next() {
		pending = append(pending, e.Value.(*task))
	}
	q.tasks.Init()
	q.mu.Unlock()

	q.cancel()
	queuePending.WithLabelValues(q.cfg.Name).Set(0)

	for _, t := range pending {
		t.done <- result{err: ErrQueueClosed}
	}
	if len(pending) > 0 {
		q.logger.Info().Int("rejected", len(pending)).Msg("Queue closed with pending tasks")
	}
}

func (q *Queue) startDrainLocked() {
	if q.draining || q.closed {
		return
	}
	q.draining = true
	go q.drain()
}

// drain dispatches queued tasks until the queue is empty.
func (q *Queue) drain() {
	for {
		if err := q.sem.Acquire(q.closeCtx, 1); err != nil {
			q.stopDraining()
			return
		}

		if err := q.waitForSlot(); err != nil {
			q.sem.Release(1)
			q.stopDraining()
			return
		}

		q.mu.Lock()
		front := q.tasks.Front()
		if front == nil || q.closed {
			q.draining = false
			q.mu.Unlock()
			q.sem.Release(1)
			return
		}
		t := q.tasks.Remove(front).(*task)
		queuePending.WithLabelValues(q.cfg.Name).Set(float64(q.tasks.Len()))

		if err := t.ctx.Err(); err != nil {
			q.mu.Unlock()
			q.sem.Release(1)
			t.done <- result{err: err}
			continue
		}

		now := time.Now()
		sinceLast := now.Sub(q.lastDispatch)
		q.lastDispatch = now
		q.inFlight++
		q.dispatched++
		queueInFlight.WithLabelValues(q.cfg.Name).Set(float64(q.inFlight))
		q.mu.Unlock()

		if !t.dispatched {
			t.dispatched = true
			queueWaitSeconds.WithLabelValues(q.cfg.Name).Observe(now.Sub(t.enqueuedAt).Seconds())
		}

		q.logger.Debug().
			Int("attempt", t.retries+1).
			Dur("since_last", sinceLast).
			Msg("Dispatching task")

		go q.run(t)
	}
}

func (q *Queue) stopDraining() {
	q.mu.Lock()
	q.draining = false
	q.mu.Unlock()
}

// waitForSlot sleeps until both the spacing and any penalty window allow the
// next dispatch. Both are re-read after every sleep because in-flight tasks
// may have changed them meanwhile.
func (q *Queue) waitForSlot() error {
	for {
		wait := q.nextWait(time.Now())
		if shared := q.sharedPenalty(); shared > wait {
			wait = shared
		}
		if wait <= 0 {
			return nil
		}
		if err := sleep(q.closeCtx, wait); err != nil {
			return err
		}
	}
}

func (q *Queue) nextWait(now time.Time) time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()

	var wait time.Duration
	if !q.lastDispatch.IsZero() {
		wait = q.delay - now.Sub(q.lastDispatch)
	}
	if penalty := q.penaltyUntil.Sub(now); penalty > wait {
		wait = penalty
	}
	return wait
}

func (q *Queue) sharedPenalty() time.Duration {
	if q.cfg.Penalties == nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(q.closeCtx, time.Second)
	defer cancel()

	state, err := q.cfg.Penalties.GetState(ctx, q.cfg.Name)
	if err != nil {
		q.logger.Warn().Err(err).Msg("Penalty store unavailable, using local state")
		return 0
	}
	return state.Remaining(time.Now())
}

// run executes one attempt and decides the task's next state.
func (q *Queue) run(t *task) {
	defer q.sem.Release(1)

	v, err := t.fn(t.ctx)

	q.mu.Lock()
	q.inFlight--
	queueInFlight.WithLabelValues(q.cfg.Name).Set(float64(q.inFlight))

	if err == nil {
		if t.retries == 0 {
			q.delay = q.cfg.MinDelay
		} else {
			q.delay = max(q.cfg.MinDelay, q.delay/2)
		}
		q.consecutiveFailures = 0
		queueDelaySeconds.WithLabelValues(q.cfg.Name).Set(q.delay.Seconds())
		q.mu.Unlock()

		queueDispatchesTotal.WithLabelValues(q.cfg.Name, "success").Inc()
		t.done <- result{value: v}
		return
	}

	class := q.cfg.Classify(err)
	logEvent := q.logger.Warn().Err(err).Str("error_class", string(class)).Int("attempt", t.retries+1)

	switch {
	case class == retry.ErrorClassRateLimit:
		now := time.Now()
		penalty := q.penalty(err)
		q.lastRateLimit = now
		if until := now.Add(penalty); until.After(q.penaltyUntil) {
			q.penaltyUntil = until
		}
		q.consecutiveFailures++
		requeued := q.requeueLocked(t)
		q.mu.Unlock()

		queueRateLimitsTotal.WithLabelValues(q.cfg.Name).Inc()
		q.recordPenalty(now, penalty)
		logEvent.Dur("penalty", penalty).Bool("requeued", requeued).Msg("Provider rate limit, pausing queue")
		if !requeued {
			q.reject(t, err)
		}

	case class.Transient():
		q.consecutiveFailures++
		q.delay = min(q.cfg.MaxDelay, time.Duration(float64(q.delay)*q.cfg.BackoffFactor))
		queueDelaySeconds.WithLabelValues(q.cfg.Name).Set(q.delay.Seconds())
		delay := q.delay
		requeued := q.requeueLocked(t)
		q.mu.Unlock()

		logEvent.Dur("delay", delay).Bool("requeued", requeued).Msg("Transient failure, widening dispatch spacing")
		if !requeued {
			q.reject(t, err)
		}

	default:
		q.mu.Unlock()
		q.logger.Debug().Err(err).Str("error_class", string(class)).Msg("Task rejected without retry")
		q.reject(t, err)
	}
}

// requeueLocked puts t back at the head of the queue unless its retry budget,
// its caller or the queue is gone.
func (q *Queue) requeueLocked(t *task) bool {
	if t.retries >= q.cfg.MaxRetries || q.closed || t.ctx.Err() != nil {
		return false
	}
	t.retries++
	q.tasks.PushFront(t)
	queuePending.WithLabelValues(q.cfg.Name).Set(float64(q.tasks.Len()))
	queueDispatchesTotal.WithLabelValues(q.cfg.Name, "requeued").Inc()
	q.startDrainLocked()
	return true
}

func (q *Queue) reject(t *task, err error) {
	queueDispatchesTotal.WithLabelValues(q.cfg.Name, "rejected").Inc()
	t.done <- result{err: err}
}

// penalty draws the randomized rate-limit wait, honoring a longer Retry-After.
func (q *Queue) penalty(err error) time.Duration {
	d := q.cfg.PenaltyMin
	if spread := q.cfg.PenaltyMax - q.cfg.PenaltyMin; spread > 0 {
		d += time.Duration(rand.Int63n(int64(spread) + 1))
	}

	var se *retry.StatusError
	if errors.As(err, &se) && se.RetryAfter > d {
		d = se.RetryAfter
	}
	return d
}

func (q *Queue) recordPenalty(at time.Time, penalty time.Duration) {
	if q.cfg.Penalties == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := q.cfg.Penalties.RecordRateLimit(ctx, q.cfg.Name, at, penalty); err != nil {
		q.logger.Warn().Err(err).Msg("Failed to record rate limit penalty")
	}
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
