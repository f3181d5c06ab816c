package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/notifyhub/relay/internal/config"
	"github.com/notifyhub/relay/internal/db"
	"github.com/notifyhub/relay/internal/dedup"
	"github.com/notifyhub/relay/internal/kv"
	"github.com/notifyhub/relay/internal/lock"
	"github.com/notifyhub/relay/internal/metrics"
	"github.com/notifyhub/relay/internal/outbox"
	"github.com/notifyhub/relay/internal/queue"
	"github.com/notifyhub/relay/internal/repository"
	"github.com/notifyhub/relay/internal/service"
)

// app holds the dependencies shared by every subcommand.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	pool   *pgxpool.Pool
	client *redis.Client
	store  kv.Store

	reg       *prometheus.Registry
	metrics   *metrics.Metrics
	queue     *queue.Queue
	locker    *lock.Locker
	processor *outbox.Processor
	svc       *service.RelayService
}

// newLogger builds a production logger, or a development one for debug.
func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse LOG_LEVEL: %w", err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

// loadApp reads configuration and connects to Postgres and Redis.
func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	pool, err := db.Connect(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	client, err := kv.Connect(ctx, cfg.RedisURL, logger)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	a := &app{
		cfg:    cfg,
		logger: logger,
		pool:   pool,
		client: client,
		store:  kv.NewRedisStore(client),
		reg:    prometheus.NewRegistry(),
	}
	a.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.reg)

	keys := kv.NewKeys(cfg.Env)
	a.queue = queue.New(a.store, keys, dedup.New(a.store, keys, dedup.DefaultTTL), logger, queue.Options{
		BackoffBase:       cfg.Queue.BackoffBase,
		BackoffCap:        cfg.Queue.BackoffCap,
		DefaultMaxRetries: cfg.Queue.MaxRetries,
	})
	a.locker = lock.New(client, keys, logger)

	a.processor = outbox.NewProcessor(repository.NewPgEventRepository(pool), a.queue, outbox.Config{
		PollInterval:       cfg.Outbox.PollInterval,
		BatchSize:          cfg.Outbox.BatchSize,
		MaxRetries:         cfg.Outbox.MaxRetries,
		VisibilityTimeout:  cfg.Outbox.VisibilityTimeout,
		StopGrace:          cfg.Outbox.StopGrace,
		JobsQueue:          cfg.Outbox.JobsQueue,
		NotificationsQueue: cfg.Outbox.NotificationsQueue,
		DeadletterQueue:    cfg.Outbox.DeadletterQueue,
	}, logger, a.metrics.OutboxHooks())

	a.svc = service.NewRelayService(a.processor, a.queue, cfg.Queue.Names, logger)
	return a, nil
}

func (a *app) Close() {
	if err := a.client.Close(); err != nil {
		a.logger.Warn("redis close failed", zap.Error(err))
	}
	a.pool.Close()
	_ = a.logger.Sync()
}
