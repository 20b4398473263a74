// Package app assembles the relay from configuration. The binaries under
// cmd/ share it so the server, poller and relayctl see the same wiring.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/richardliu001/realtime-relay/internal/config"
	"github.com/richardliu001/realtime-relay/internal/model"
	"github.com/richardliu001/realtime-relay/internal/repo"
	"github.com/richardliu001/realtime-relay/internal/schema"
	"github.com/richardliu001/realtime-relay/internal/service"
	"github.com/richardliu001/realtime-relay/internal/transport/realtime"
)

// Relay holds the assembled services.
type Relay struct {
	DB        *gorm.DB
	Store     *repo.GormOutboxStore
	Publisher *service.Publisher
	Replay    *service.ReplayService

	closers []func() error
}

// Open connects to postgres and the configured transport and builds the
// services on top of them.
func Open(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (*Relay, error) {
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{
		PrepareStmt: true,
		Logger:      logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.Postgres.AutoMigrate {
		if err := Migrate(gdb); err != nil {
			return nil, err
		}
	}

	tr, closeTransport, err := NewTransport(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rel, err := Build(gdb, tr, cfg, log)
	if err != nil {
		_ = closeTransport()
		return nil, err
	}
	rel.closers = append(rel.closers, closeTransport)
	if sqlDB, err := gdb.DB(); err == nil {
		rel.closers = append(rel.closers, sqlDB.Close)
	}
	return rel, nil
}

// Migrate creates the outbox table and the board tables replay reads.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&model.OutboxEvent{}, &model.Card{}, &model.Connection{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	return nil
}

// NewTransport builds the realtime publisher named by cfg.Transport. The
// returned func releases its client.
func NewTransport(ctx context.Context, cfg *config.Config) (realtime.Publisher, func() error, error) {
	switch cfg.Transport {
	case config.TransportRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		pub, err := realtime.NewRedisPublisher(rdb)
		if err != nil {
			return nil, nil, err
		}
		return pub, rdb.Close, nil
	case config.TransportKafka:
		kw := &kafka.Writer{
			Addr:         kafka.TCP(cfg.Kafka.Brokers...),
			Topic:        cfg.Kafka.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		}
		pub, err := realtime.NewKafkaPublisher(kw)
		if err != nil {
			return nil, nil, err
		}
		return pub, kw.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// Build wires the store, publisher and replay service over an open database.
func Build(db *gorm.DB, tr realtime.Publisher, cfg *config.Config, log *zap.SugaredLogger) (*Relay, error) {
	store := repo.NewGormOutboxStore(db, log, repo.WithClaimLease(cfg.Publisher.ClaimLease))

	opts := []service.PublisherOption{service.WithPublishRate(cfg.Publisher.PublishRPS, 1)}
	if cfg.Publisher.ValidateSchemas {
		opts = append(opts, service.WithRegistry(schema.DefaultRegistry()))
	}
	pub, err := service.NewPublisher(store, tr, log, opts...)
	if err != nil {
		return nil, fmt.Errorf("build publisher: %w", err)
	}

	replay := service.NewReplayService(repo.NewGormReplaySource(db), log,
		service.WithReplayWindow(cfg.Replay.Window),
		service.WithReplayMaxEvents(cfg.Replay.MaxEvents),
	)
	return &Relay{DB: db, Store: store, Publisher: pub, Replay: replay}, nil
}

// Close releases clients in reverse order of acquisition.
func (r *Relay) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i]())
	}
	return errors.Join(errs...)
}
