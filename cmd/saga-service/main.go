package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/config"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/gateway"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/httpapi"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/observability"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/order"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/payment"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/saga"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/stock"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/store/postgres"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/pkg/eventbus"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/pkg/kafka"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/pkg/logging"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/pkg/metrics"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/pkg/outbox"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger, err := logging.New(cfg.Service, cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("saga-service stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.Service, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	if cfg.RunMigrations {
		v, err := postgres.Migrate(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		logger.Info("schema migrated", zap.Uint("version", v))
	}
	store, err := postgres.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer func() { _ = rdb.Close() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sagaMetrics := metrics.NewSaga(reg)

	ledger := stock.NewLedger(rdb, logger, sagaMetrics)
	stockSvc := stock.NewService(ledger, store.Stock(), store, store, logger)
	pg := gateway.New(cfg.Gateway(), logger, sagaMetrics)
	payments := payment.NewService(store.Payments(), store, store, pg, logger)
	orders := order.NewService(store.Orders(), store, store, store.Catalog(), stockSvc, payments, logger)
	registry := saga.New(orders, payments, stockSvc, logger).Register(eventbus.NewRegistry(logger, sagaMetrics))

	relay := &outbox.Relay{
		Store:     store,
		Publisher: outbox.PublisherFunc(registry.Dispatch),
		Locker:    outbox.NewRedsyncLocker(redsync.New(goredis.NewPool(rdb)), "outbox-relay", cfg.OutboxLockTTL),
		BatchSize: cfg.OutboxBatch,
		Interval:  cfg.OutboxInterval,
		Logger:    logger.Named("outbox"),
		Metrics:   sagaMetrics,
	}

	g, ctx := errgroup.WithContext(ctx)

	kc := kafka.NewClient(cfg.KafkaBrokers)
	if kc.Enabled() {
		writer := kc.NewWriter(cfg.KafkaTopic)
		defer func() { _ = writer.Close() }()
		relay.Publisher = &kafka.Publisher{Writer: writer}

		reader := kc.NewReader(cfg.KafkaTopic, cfg.KafkaGroupID)
		defer func() { _ = reader.Close() }()
		consumer := &kafka.Consumer{Reader: reader, Dispatcher: registry, Logger: logger.Named("consumer")}
		g.Go(func() error { return consumer.Run(ctx) })
		logger.Info("events go through kafka", zap.Strings("brokers", kc.Brokers), zap.String("topic", cfg.KafkaTopic))
	} else {
		logger.Info("KAFKA_BROKERS empty, dispatching events in-process")
	}
	g.Go(func() error { return relay.Run(ctx) })

	sched := cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := stock.NewReconciler(ledger, store.Stock(), logger.Named("reconcile")).
		Schedule(sched, cfg.ReconcileSpec, cfg.ReconcileTimeout); err != nil {
		return err
	}
	sched.Start()
	defer func() { <-sched.Stop().Done() }()

	api := &httpapi.Server{
		Orders:   orders,
		Payments: payments,
		Health: func(ctx context.Context) error {
			return errors.Join(store.Ping(ctx), rdb.Ping(ctx).Err())
		},
		Metrics:  metrics.NewServerMetrics(reg, cfg.Service),
		Gatherer: reg,
		Logger:   logger.Named("http"),
		Timeout:  cfg.RequestTimeout(),
	}
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	return g.Wait()
}
