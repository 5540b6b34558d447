// Package notify delivers price alert events to log output, Redis pub/sub
// subscribers or several sinks at once.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Sternrassler/market-watch/pkg/alert"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultChannel is the pub/sub channel alert events are published on.
const DefaultChannel = "mw:alerts"

var notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "marketwatch_notifications_total",
	Help: "Total alert notifications by sink and result",
}, []string{"sink", "result"})

func observe(sink string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	notificationsTotal.WithLabelValues(sink, result).Inc()
}

// LogNotifier writes alert events to a logger.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify implements alert.Notifier.
func (n *LogNotifier) Notify(ctx context.Context, e alert.Event) error {
	n.logger.Info().
		Str("alert_id", e.ID.String()).
		Int64("watch_item_id", e.WatchItemID).
		Str("owner_id", e.OwnerID).
		Str("item_id", e.ItemID).
		Str("old_price", e.OldPrice.String()).
		Str("new_price", e.NewPrice.String()).
		Str("target_price", e.TargetPrice.String()).
		Time("at", e.At).
		Msg("Price alert")
	observe("log", nil)
	return nil
}

// RedisNotifier publishes alert events as JSON.
type RedisNotifier struct {
	redis   *redis.Client
	channel string
}

// NewRedisNotifier creates a RedisNotifier. An empty channel means DefaultChannel.
func NewRedisNotifier(redisClient *redis.Client, channel string) *RedisNotifier {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisNotifier{redis: redisClient, channel: channel}
}

// Channel returns the channel events are published on.
func (n *RedisNotifier) Channel() string {
	return n.channel
}

// Notify implements alert.Notifier.
func (n *RedisNotifier) Notify(ctx context.Context, e alert.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		observe("redis", err)
		return fmt.Errorf("marshal alert %s: %w", e.ID, err)
	}
	if err := n.redis.Publish(ctx, n.channel, payload).Err(); err != nil {
		observe("redis", err)
		return fmt.Errorf("publish alert %s: %w", e.ID, err)
	}
	observe("redis", nil)
	return nil
}

// Fanout delivers every event to all sinks, even when some fail.
type Fanout []alert.Notifier

// Notify implements alert.Notifier. Sink errors are joined.
func (f Fanout) Notify(ctx context.Context, e alert.Event) error {
	var errs []error
	for _, n := range f {
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
