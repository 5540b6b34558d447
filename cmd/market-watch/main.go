// Command market-watch re-prices watched marketplace items on a schedule,
// raises price alerts and serves health, metrics and price lookups over HTTP.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/Sternrassler/market-watch/pkg/config"
	"github.com/Sternrassler/market-watch/pkg/logging"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Setup(logging.DefaultConfig())
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.LogLevel(cfg.LogLevel)
	logCfg.Pretty = cfg.LogPretty
	logging.Setup(logCfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

// run wires the application, serves until ctx ends and shuts down in order.
func run(ctx context.Context, cfg config.Config) error {
	logger := logging.NewLogger("main")

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.start(ctx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", srv.Addr).
			Str("user_agent", cfg.UserAgent).
			Bool("redis", cfg.RedisEnabled()).
			Msg("Starting market-watch server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP server shutdown incomplete")
	}
	return nil
}
