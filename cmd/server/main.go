package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/richardliu001/realtime-relay/internal/app"
	"github.com/richardliu001/realtime-relay/internal/config"
	"github.com/richardliu001/realtime-relay/internal/logger"
	"github.com/richardliu001/realtime-relay/internal/telemetry"
	httptransport "github.com/richardliu001/realtime-relay/internal/transport/http"
)

func configPath() string {
	if p := os.Getenv("RELAY_CONFIG"); p != "" {
		return p
	}
	return "internal/config/config.yaml"
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. load config
	cfg, err := config.Load(configPath())
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	// 3. tracing
	shutdownTracing, err := telemetry.Setup(ctx, cfg.Tracing)
	if err != nil {
		log.Fatalf("init tracing: %v", err)
	}
	defer shutdownTracing(context.Background())

	// 4. postgres, transport, services
	rel, err := app.Open(ctx, cfg, log)
	if err != nil {
		log.Fatalf("open relay: %v", err)
	}
	defer rel.Close()

	// 5. gin router
	router := httptransport.NewRouter(rel.Publisher, rel.Replay, cfg, log)

	// 6. serve
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorf("shutdown: %v", err)
		}
	}()

	log.Infof("relay-server listening on %s (transport=%s)", srv.Addr, cfg.Transport)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Errorf("listen: %v", err)
	}
}
