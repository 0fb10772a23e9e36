// Package config loads process configuration from the environment.
package config

import (
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Database struct {
	URL    string `envconfig:"POSTGRES_URL" required:"true"`
	Schema string `envconfig:"DB_SCHEMA" default:"shop"`
}

type Telemetry struct {
	OTLPEndpoint   string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT" default:"localhost:4317"`
	ServiceVersion string `envconfig:"SERVICE_VERSION" default:"0.1.0"`
	MetricsPort    string `envconfig:"METRICS_PORT" default:"9464"`
}

type API struct {
	Database
	Telemetry
	Port            string        `envconfig:"PORT" default:"8081"`
	AMQPURL         string        `envconfig:"AMQP_URL"`
	Queue           string        `envconfig:"ORDER_QUEUE" default:"order_processing"`
	OutboxInterval  time.Duration `envconfig:"OUTBOX_INTERVAL" default:"5s"`
	OutboxGrace     time.Duration `envconfig:"OUTBOX_GRACE" default:"10s"`
	OutboxBatchSize int           `envconfig:"OUTBOX_BATCH_SIZE" default:"50"`
}

type Worker struct {
	Database
	Telemetry
	AMQPURL      string `envconfig:"AMQP_URL" required:"true"`
	Queue        string `envconfig:"ORDER_QUEUE" default:"order_processing"`
	RedisAddr    string `envconfig:"REDIS_ADDR"`
	KafkaBrokers string `envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string `envconfig:"STOCK_TOPIC" default:"stock.movements"`
}

type Inventory struct {
	Database
	Telemetry
	Port         string        `envconfig:"PORT" default:"8082"`
	RedisAddr    string        `envconfig:"REDIS_ADDR"`
	CacheTTL     time.Duration `envconfig:"STOCK_CACHE_TTL" default:"30s"`
	KafkaBrokers string        `envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string        `envconfig:"STOCK_TOPIC" default:"stock.movements"`
}

func LoadAPI() (API, error) {
	var cfg API
	err := envconfig.Process("", &cfg)
	return cfg, err
}

func LoadWorker() (Worker, error) {
	var cfg Worker
	err := envconfig.Process("", &cfg)
	return cfg, err
}

func LoadInventory() (Inventory, error) {
	var cfg Inventory
	err := envconfig.Process("", &cfg)
	return cfg, err
}

func LoadDatabase() (Database, error) {
	var cfg Database
	err := envconfig.Process("", &cfg)
	return cfg, err
}

// Brokers splits a comma separated broker list, dropping empty entries.
func Brokers(list string) []string {
	var brokers []string
	for _, b := range strings.Split(list, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
