package main

import (
	"context"
	"fmt"

	"github.com/Sternrassler/market-watch/pkg/alert"
	"github.com/Sternrassler/market-watch/pkg/cache"
	"github.com/Sternrassler/market-watch/pkg/client"
	"github.com/Sternrassler/market-watch/pkg/config"
	"github.com/Sternrassler/market-watch/pkg/logging"
	"github.com/Sternrassler/market-watch/pkg/notify"
	"github.com/Sternrassler/market-watch/pkg/pricing"
	"github.com/Sternrassler/market-watch/pkg/ratelimit"
	"github.com/Sternrassler/market-watch/pkg/retry"
	"github.com/Sternrassler/market-watch/pkg/watchlist/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// app owns every long-lived component. Construct with newApp, release with close.
type app struct {
	cfg    config.Config
	logger zerolog.Logger

	redis     *redis.Client
	cache     *cache.Tiered
	populator *cache.Populator
	queue     *ratelimit.Queue
	client    *client.Client
	pricer    *pricing.MarketPricer
	store     *sqlite.Store
	scheduler *alert.Scheduler
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{cfg: cfg, logger: logging.NewLogger("main")}
	if err := a.init(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	cfg := a.cfg
	var err error

	if cfg.RedisEnabled() {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		a.logger.Info().Str("addr", cfg.RedisAddr).Int("db", cfg.RedisDB).Msg("Connected to Redis")
	}

	a.cache, err = cache.New(cache.Config{Logger: logging.For("cache")})
	if err != nil {
		return fmt.Errorf("create cache: %w", err)
	}

	popCfg := cache.PopulatorConfig{Logger: logging.For("cache")}
	var penalties ratelimit.PenaltyStore = ratelimit.NewCacheStore(a.cache)
	if a.redis != nil {
		popCfg.L2 = cache.NewRedisTier(a.redis)
		penalties = ratelimit.NewTracker(a.redis, logging.NewLogger("ratelimit"))
	}
	a.populator = cache.NewPopulator(a.cache, popCfg)

	m := cfg.Market
	a.queue = ratelimit.New(ratelimit.Config{
		Name:          "market",
		MinDelay:      m.MinDelay,
		MaxDelay:      m.MaxDelay,
		BackoffFactor: 2,
		Concurrency:   m.Concurrency,
		MaxRetries:    m.QueueRetries,
		PenaltyMin:    m.PenaltyMin,
		PenaltyMax:    m.PenaltyMax,
		Penalties:     penalties,
		Logger:        logging.For("ratelimit"),
	})

	clientCfg := client.DefaultConfig("market", m.BaseURL, cfg.UserAgent)
	clientCfg.Timeout = m.Timeout
	clientCfg.Retry = retry.DefaultPolicy()
	clientCfg.Retry.MaxRetries = m.MaxRetries
	clientCfg.Retry.ShouldRetry = client.Retryable
	clientCfg.Logger = logging.For("client")
	a.client, err = client.New(clientCfg)
	if err != nil {
		return fmt.Errorf("create market client: %w", err)
	}

	a.pricer = pricing.NewMarketPricer(a.client, a.queue, a.populator, pricing.Config{
		Endpoint: pricing.DefaultConfig().Endpoint,
		AppID:    m.AppID,
		Currency: m.Currency,
		TTL:      m.CacheTTL,
		Logger:   logging.For("pricing"),
	})

	a.store, err = sqlite.Open(cfg.DBPath, cfg.Alert.HistoryLimit)
	if err != nil {
		return fmt.Errorf("open watchlist store: %w", err)
	}

	if cfg.Alert.Enabled {
		a.scheduler, err = alert.NewScheduler(a.store, a.pricer, a.notifier(), alert.Config{
			Interval:   cfg.Alert.Interval,
			BatchSize:  cfg.Alert.BatchSize,
			BatchDelay: cfg.Alert.BatchDelay,
			Policy: alert.Policy{
				MinDropPercent: cfg.Alert.MinDropPercent,
				MinDropAmount:  cfg.Alert.MinDropAmount,
				Cooldown:       cfg.Alert.Cooldown,
			},
			Logger: logging.For("alert"),
		})
		if err != nil {
			return fmt.Errorf("create alert scheduler: %w", err)
		}
	}

	return nil
}

func (a *app) notifier() alert.Notifier {
	sinks := notify.Fanout{notify.NewLogNotifier(logging.NewLogger("notify"))}
	if a.redis != nil {
		sinks = append(sinks, notify.NewRedisNotifier(a.redis, a.cfg.Alert.Channel))
	}
	return sinks
}

// start launches background work.
func (a *app) start(ctx context.Context) {
	if a.scheduler != nil {
		a.scheduler.Start(ctx)
	}
}

// close stops background work and releases resources in dependency order.
// It tolerates a partially constructed app.
func (a *app) close() {
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.queue != nil {
		a.queue.Close()
	}
	if a.client != nil {
		_ = a.client.Close()
	}
	if a.cache != nil {
		a.cache.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close watchlist store")
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close Redis client")
		}
	}
}
