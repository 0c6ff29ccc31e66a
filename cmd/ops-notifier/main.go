package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/opsalert"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/store/postgres"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/pkg/contracts"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/pkg/eventbus"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/pkg/kafka"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/pkg/logging"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/pkg/metrics"
)

type cfg struct {
	Port         string
	DatabaseURL  string
	KafkaBrokers string
	Topic        string
	GroupID      string
	LogLevel     string
}

func readCfg() (cfg, error) {
	db := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if db == "" {
		return cfg{}, errors.New("DATABASE_URL is required")
	}
	brokers := getenv("KAFKA_BROKERS", "")
	if brokers == "" {
		return cfg{}, errors.New("KAFKA_BROKERS is required")
	}
	return cfg{
		Port:         getenv("PORT", "8081"),
		DatabaseURL:  db,
		KafkaBrokers: brokers,
		Topic:        getenv("KAFKA_TOPIC", contracts.Topic),
		GroupID:      getenv("KAFKA_GROUP_ID", "ops-notifier"),
		LogLevel:     getenv("LOG_LEVEL", "info"),
	}, nil
}

func main() {
	cfg, err := readCfg()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger, err := logging.New("ops-notifier", cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := postgres.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("db connect", zap.Error(err))
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	srvMetrics := metrics.NewServerMetrics(reg, "ops_notifier")
	sagaMetrics := metrics.NewSaga(reg)

	alerts := store.Alerts()
	registry := opsalert.New(alerts, logger).Register(eventbus.NewRegistry(logger, sagaMetrics))

	kc := kafka.NewClient(cfg.KafkaBrokers)
	reader := kc.NewReader(cfg.Topic, cfg.GroupID)
	defer func() { _ = reader.Close() }()
	consumer := &kafka.Consumer{Reader: reader, Dispatcher: registry, Logger: logger.Named("consumer")}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if err := store.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "db_error"})
			srvMetrics.Observe("health", "503", start)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		srvMetrics.Observe("health", "200", start)
	})
	mux.HandleFunc("GET /alerts", func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		list, err := alerts.Recent(r.Context(), limit)
		if err != nil {
			logger.Error("list alerts", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]any{"code": "INTERNAL", "message": "internal error"})
			srvMetrics.Observe("alerts", "500", start)
			return
		}
		if list == nil {
			list = []opsalert.Alert{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"alerts": list})
		srvMetrics.Observe("alerts", "200", start)
	})
	mux.Handle("GET /metrics", metrics.Handler(reg))

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(ctx) })
	g.Go(func() error {
		logger.Info("ops-notifier listening", zap.String("addr", srv.Addr), zap.String("topic", cfg.Topic))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if err := g.Wait(); err != nil {
		logger.Fatal("ops-notifier stopped", zap.Error(err))
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func getenv(k, def string) string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	return v
}
