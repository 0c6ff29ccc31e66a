// Package config reads the service environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/gateway"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/pkg/contracts"
)

type Config struct {
	Service  string `envconfig:"SERVICE_NAME" default:"saga-service"`
	Port     string `envconfig:"PORT" default:"8080"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	DatabaseURL      string `envconfig:"DATABASE_URL" required:"true"`
	RunMigrations    bool   `envconfig:"RUN_MIGRATIONS" default:"true"`
	RequestTimeoutMS int    `envconfig:"REQUEST_TIMEOUT_MS" default:"2500"`

	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	KafkaBrokers string `envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string `envconfig:"KAFKA_TOPIC"`
	KafkaGroupID string `envconfig:"KAFKA_GROUP_ID" default:"saga-service"`

	OutboxBatch      int           `envconfig:"OUTBOX_BATCH" default:"100"`
	OutboxInterval   time.Duration `envconfig:"OUTBOX_INTERVAL" default:"500ms"`
	OutboxLockTTL    time.Duration `envconfig:"OUTBOX_LOCK_TTL" default:"30s"`
	ReconcileSpec    string        `envconfig:"RECONCILE_CRON" default:"0 */5 * * * *"`
	ReconcileTimeout time.Duration `envconfig:"RECONCILE_TIMEOUT" default:"30s"`

	PGBaseURL        string        `envconfig:"PG_BASE_URL" default:"http://localhost:8090"`
	PGSecretKey      string        `envconfig:"PG_SECRET_KEY"`
	PGConnectTimeout time.Duration `envconfig:"PG_CONNECT_TIMEOUT" default:"3s"`
	PGReadTimeout    time.Duration `envconfig:"PG_READ_TIMEOUT" default:"10s"`
	PGFailureRatio   float64       `envconfig:"PG_BREAKER_FAILURE_RATIO" default:"0.5"`
	PGMinRequests    uint32        `envconfig:"PG_BREAKER_MIN_REQUESTS" default:"5"`
	PGOpenTimeout    time.Duration `envconfig:"PG_BREAKER_OPEN_TIMEOUT" default:"30s"`

	OTLPEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

func Load() (Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if c.KafkaTopic == "" {
		c.KafkaTopic = contracts.Topic
	}
	c.PGBaseURL = strings.TrimRight(c.PGBaseURL, "/")
	return c, c.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DatabaseURL) == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.OutboxBatch <= 0 {
		errs = append(errs, errors.New("OUTBOX_BATCH must be positive"))
	}
	if c.OutboxInterval <= 0 {
		errs = append(errs, errors.New("OUTBOX_INTERVAL must be positive"))
	}
	if c.PGFailureRatio <= 0 || c.PGFailureRatio > 1 {
		errs = append(errs, errors.New("PG_BREAKER_FAILURE_RATIO must be in (0, 1]"))
	}
	if c.RequestTimeoutMS <= 0 {
		errs = append(errs, errors.New("REQUEST_TIMEOUT_MS must be positive"))
	}
	return errors.Join(errs...)
}

func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

func (c Config) Gateway() gateway.Config {
	return gateway.Config{
		BaseURL:        c.PGBaseURL,
		SecretKey:      c.PGSecretKey,
		ConnectTimeout: c.PGConnectTimeout,
		ReadTimeout:    c.PGReadTimeout,
		FailureRatio:   c.PGFailureRatio,
		MinRequests:    c.PGMinRequests,
		OpenTimeout:    c.PGOpenTimeout,
	}
}
