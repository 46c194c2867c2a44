package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"github.com/storefront/preorder/internal/client"
	"github.com/storefront/preorder/internal/config"
	"github.com/storefront/preorder/internal/dispatch"
	"github.com/storefront/preorder/internal/metrics"
	"github.com/storefront/preorder/internal/publisher"
	"github.com/storefront/preorder/internal/repository"
	"github.com/storefront/preorder/internal/service"
	"github.com/storefront/preorder/internal/timer"
	"github.com/storefront/preorder/pkg/health"
	"github.com/storefront/preorder/pkg/logger"
	pkgredis "github.com/storefront/preorder/pkg/redis"
	"github.com/storefront/preorder/pkg/snowflake"
	"github.com/storefront/preorder/pkg/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(2)
	}
	log := logger.NewWithLevel(cfg.ServiceName, os.Stdout, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Error("service stopped")
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	log.Infof("starting", map[string]interface{}{"port": cfg.HTTPPort})

	shutdownTracing, err := tracing.Init(tracing.Config{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.JaegerEndpoint,
		Enabled:     cfg.TracingEnabled,
		SampleRate:  cfg.TracingSampleRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	// 连接数据库
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = db.PingContext(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	store := repository.NewPostgresStore(db)
	if cfg.DBAutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	log.Info("connected to PostgreSQL")

	// 连接 Redis
	redisClient, err := pkgredis.NewClient(ctx, cfg.RedisConfig())
	if err != nil {
		return err
	}
	defer redisClient.Close()
	log.Info("connected to Redis")

	notifier := client.NewKafkaNotifier(client.NewKafkaWriter(cfg.KafkaBrokers, cfg.NotificationTopic))
	defer notifier.Close()

	ids, err := snowflake.New(cfg.WorkerID)
	if err != nil {
		return err
	}

	m := metrics.New()
	timers := timer.NewRedisStore(redisClient, cfg.TimerKey)
	engine, err := service.New(service.Options{
		Store:  store,
		Timers: timers,
		Collaborators: service.Collaborators{
			Payments:    client.NewPaymentClient(cfg.PaymentBaseURL, cfg.CollaboratorTimeout),
			Inventory:   client.NewInventoryClient(cfg.InventoryBaseURL, cfg.CollaboratorTimeout),
			Fulfillment: client.NewFulfillmentClient(cfg.FulfillmentBaseURL, cfg.CollaboratorTimeout),
			Notifier:    notifier,
		},
		RetryFallback:    cfg.Retry.Fallback,
		RetryOptions:     cfg.Retry.Options(),
		IDs:              ids,
		Publisher:        publisher.NewPublisher(redisClient, cfg.StatusChannel),
		Metrics:          m,
		Logger:           log,
		ReminderInterval: cfg.ReminderInterval,
		MailboxSize:      cfg.MailboxSize,
	})
	if err != nil {
		return err
	}

	// 单写者：拿到运行租约后才恢复订单、消费信号
	lease := pkgredis.NewLock(redisClient, cfg.RuntimeLeaseKey, cfg.RuntimeLeaseTTL)
	log.Info("waiting for runtime lease")
	if err := lease.WaitAcquire(ctx, cfg.RuntimeLeaseTTL/3); err != nil {
		return fmt.Errorf("acquire runtime lease: %w", err)
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = lease.Release(rctx)
	}()
	log.Info("runtime lease acquired")

	// 恢复未完成的订单
	if _, err := engine.Recover(ctx); err != nil {
		return fmt.Errorf("recover: %w", err)
	}

	scannerMon := &health.LoopMonitor{}
	scanner := timer.NewScanner(timers, engine.DeliverFiring, timer.ScannerOptions{
		Interval:  cfg.ScannerInterval,
		BatchSize: cfg.ScannerBatch,
		Logger:    log.WithField("component", "timer-scanner"),
		Monitor:   scannerMon,
		Leader:    pkgredis.NewLock(redisClient, cfg.TimerKey+":leader", 5*cfg.ScannerInterval),
		OnFired: func(p timer.Purpose, lag time.Duration) {
			m.ObserveTimerFired(string(p), lag)
		},
	})

	streams := pkgredis.NewStreamClient(redisClient)
	consumerOpts := pkgredis.DefaultConsumerOptions
	consumerOpts.MaxRetries = int(cfg.SignalMaxRetries)
	consumerOpts.PartitionKey = "orderId"
	consumerOpts.Workers = cfg.SignalWorkers
	consumerOpts.HandlerTimeout = cfg.SignalHandlerTimeout
	group := cfg.SignalConsumerGroup
	consumer := pkgredis.NewConsumer(streams, group, cfg.SignalConsumerName,
		[]string{cfg.SignalStream}, dispatch.NewHandler(engine, log), &consumerOpts).
		WithLogger(log.WithField("component", "signal-consumer")).
		WithHooks(pkgredis.ConsumerHooks{
			OnError:   func(stream string, _ error) { m.IncStreamError(stream, group) },
			OnDLQ:     func(stream string) { m.IncStreamDLQ(stream, group) },
			OnPending: func(stream string, n int64) { m.SetStreamPending(stream, group, n) },
		})

	h := health.New()
	h.Register(health.NewPostgresChecker(db))
	h.Register(health.NewRedisChecker(redisClient))
	h.Register(health.NewLoopChecker("timer-scanner", scannerMon, 10*cfg.ScannerInterval))

	mux := http.NewServeMux()
	(&api{
		orders:  engine,
		signals: dispatch.NewStream(streams, cfg.SignalStream),
		log:     log,
	}).register(mux)
	mux.HandleFunc("GET /health/live", h.LiveHandler())
	mux.HandleFunc("GET /health/ready", h.ReadyHandler())
	mux.Handle("GET /metrics", m.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           withMiddleware(mux, log.WithField("component", "http")),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("HTTP server listening", map[string]interface{}{"addr": server.Addr})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error { return scanner.Run(gctx) })
	g.Go(func() error { return consumer.Start(gctx) })
	g.Go(func() error {
		if err := lease.Keep(gctx, cfg.RuntimeLeaseTTL/3); errors.Is(err, pkgredis.ErrLeaseLost) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		h.SetReady(false)
		log.Info("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(sctx); err != nil {
			log.WithError(err).Warn("http shutdown")
		}
		return engine.Shutdown(sctx)
	})
	h.SetReady(true)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
