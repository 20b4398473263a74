package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/richardliu001/realtime-relay/internal/app"
	"github.com/richardliu001/realtime-relay/internal/config"
	"github.com/richardliu001/realtime-relay/internal/logger"
	"github.com/richardliu001/realtime-relay/internal/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	path := os.Getenv("RELAY_CONFIG")
	if path == "" {
		path = "internal/config/config.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Tracing)
	if err != nil {
		log.Fatalf("init tracing: %v", err)
	}
	defer shutdownTracing(context.Background())

	rel, err := app.Open(ctx, cfg, log)
	if err != nil {
		log.Fatalf("open relay: %v", err)
	}
	defer rel.Close()

	log.Infow("relay-poller started",
		"workers", cfg.Publisher.Workers,
		"batch_size", cfg.Publisher.BatchSize,
		"interval", cfg.Publisher.PollInterval,
		"transport", cfg.Transport)
	err = app.RunPoller(ctx, rel.Publisher, app.PollerConfig{
		Workers:   cfg.Publisher.Workers,
		BatchSize: cfg.Publisher.BatchSize,
		Interval:  cfg.Publisher.PollInterval,
	}, log)
	if err != nil {
		log.Errorf("poller: %v", err)
	}
	log.Info("relay-poller stopped")
}
