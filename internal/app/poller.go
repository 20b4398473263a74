package app

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/richardliu001/realtime-relay/internal/service"
)

// BatchPublisher runs one outbox batch.
type BatchPublisher interface {
	PublishBatch(ctx context.Context, limit int) (service.BatchResult, error)
}

// PollerConfig sizes the poll loop.
type PollerConfig struct {
	Workers   int
	BatchSize int
	Interval  time.Duration
}

// RunPoller starts cfg.Workers loops that each publish a batch per tick
// until ctx ends. A worker whose batch came back full goes again without
// waiting for the tick. Batch errors are logged and retried on the next
// tick; RunPoller only returns once every worker has stopped.
func RunPoller(ctx context.Context, pub BatchPublisher, cfg PollerConfig, log *zap.SugaredLogger) error {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	limit := service.ClampLimit(cfg.BatchSize)

	g, ctx := errgroup.WithContext(ctx)
	for worker := 0; worker < workers; worker++ {
		g.Go(func() error {
			ticker := time.NewTicker(cfg.Interval)
			defer ticker.Stop()
			for {
				res, err := pub.PublishBatch(ctx, limit)
				if err != nil {
					log.Errorw("poll outbox", "worker", worker, "error", err)
				}
				full := err == nil && res.Published+res.Failed+res.Skipped >= limit
				if full && ctx.Err() == nil {
					continue
				}
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		})
	}
	return g.Wait()
}
