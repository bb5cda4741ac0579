package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"marketfeed/internal/candles"
	"marketfeed/internal/config"
	"marketfeed/internal/feed"
	"marketfeed/internal/logging"
	"marketfeed/internal/market"
	"marketfeed/internal/server"
)

func main() {
	configPath := flag.String("config", "", "Path to optional yaml config overlay")
	flag.Parse()

	_ = godotenv.Load() // best-effort: .env is optional

	if *configPath == "" {
		*configPath = os.Getenv("MARKETFEED_CONFIG")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Pretty)
	logger.Info().
		Str("addr", cfg.Server.Addr).
		Strs("products", cfg.Feed.Products).
		Msg("marketfeed starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := feed.NewClient(feed.Config{
		URL:                  cfg.Feed.URL,
		Channel:              cfg.Feed.Channel,
		ReconnectBaseDelay:   cfg.Feed.ReconnectBaseDelay.Std(),
		ReconnectMaxDelay:    cfg.Feed.ReconnectMaxDelay.Std(),
		MaxReconnectAttempts: cfg.Feed.MaxReconnectAttempts,
	}, logger)
	m := market.New(client, logger)

	// Queued now, flushed in order once the feed client is up.
	for _, productID := range cfg.Feed.Products {
		m.SubscribeToProduct(productID)
	}

	if err := m.Start(ctx); err != nil {
		logger.Warn().Err(err).Msg("initial feed connect failed, reconnecting in background")
	}
	defer m.Stop()

	candleClient := candles.NewClient(cfg.Candles.BaseURL, cfg.Candles.Timeout.Std(), logger)
	srv := server.New(server.Config{
		Addr:         cfg.Server.Addr,
		PushInterval: cfg.Server.PushInterval.Std(),
	}, m, candleClient, logger)

	if err := srv.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("server failed")
		os.Exit(1)
	}
	logger.Info().Msg("shutdown complete")
}
