package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/notifyhub/relay/internal/api"
	"github.com/notifyhub/relay/internal/api/handler"
	"github.com/notifyhub/relay/internal/db"
	"github.com/notifyhub/relay/internal/domain"
	"github.com/notifyhub/relay/internal/provider"
	"github.com/notifyhub/relay/internal/ratelimiter"
	"github.com/notifyhub/relay/internal/worker"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the outbox processor, job workers and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg, logger := a.cfg, a.logger

	if err := db.Migrate(cfg.DatabaseURL); err != nil {
		return err
	}
	logger.Info("database migrations applied")

	// ---- job handlers ----
	prov := provider.NewWebhookProvider(cfg.ProviderBaseURL, cfg.ProviderTimeout, provider.DefaultBreakerSettings, logger)
	handlers := worker.Handlers{
		domain.JobQRGeneration:         provider.JobHandler(prov),
		domain.JobNotificationDelivery: provider.JobHandler(prov),
		domain.JobOutboxDeadletter:     worker.DeadletterTriage(logger),
	}

	// ---- background work ----
	// Context for all background goroutines; cancelled after HTTP shutdown.
	workerCtx, cancelWorkers := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWorkers()

	hooks := a.metrics.WorkerHooks()
	pool := worker.NewPool(worker.PoolConfig{
		Queues:          cfg.Queue.Names,
		WorkersPerQueue: cfg.Queue.Workers,
		PopBatch:        cfg.Queue.PopBatch,
		PollInterval:    cfg.Queue.PollInterval,
	}, a.queue, handlers, ratelimiter.New(cfg.RateLimit), logger, hooks)
	pool.Start(workerCtx)
	logger.Info("worker pool started", zap.Int("workers", pool.Size()))

	scheduler := worker.NewSchedulerWorker(a.queue, a.locker, cfg.Queue.Names,
		cfg.Queue.FlushInterval, cfg.Queue.FlushLimit, cfg.Queue.LockTTL, logger, hooks)
	go scheduler.Run(workerCtx)

	stats := worker.NewStatsWorker(a.queue, a.processor, cfg.Queue.Names, cfg.StatsInterval, logger, hooks)
	go stats.Run(workerCtx)

	if err := a.processor.Start(workerCtx); err != nil {
		return err
	}

	// ---- HTTP server ----
	router := api.NewRouter(a.svc, map[string]handler.Pinger{
		"postgres": a.pool,
		"redis":    a.store,
	}, a.reg, logger)
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// ---- graceful shutdown ----
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-serveErr:
		logger.Error("server error", zap.Error(runErr))
	}

	// 1. Stop accepting new HTTP requests.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// 2. Stop claiming outbox events; in-flight handlers get StopGrace.
	if err := a.processor.Stop(); err != nil {
		logger.Warn("outbox processor stop", zap.Error(err))
	}

	// 3. Signal workers to stop and wait for the job each is running.
	cancelWorkers()
	pool.Wait()

	if runErr != nil {
		return runErr
	}
	logger.Info("server stopped cleanly")
	return nil
}
