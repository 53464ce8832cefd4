package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Every backing service is optional; without them the server runs on an
// in-memory store with no event publishing.
type ServerConfig struct {
	HTTPAddr        string        `envconfig:"HTTP_ADDR" default:":8080"`
	ReadTimeout     time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"5s"`
	WriteTimeout    time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"10s"`
	IdleTimeout     time.Duration `envconfig:"HTTP_IDLE_TIMEOUT" default:"120s"`
	ShutdownTimeout time.Duration `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"15s"`

	PGDSN         string `envconfig:"PG_DSN"`
	SQLitePath    string `envconfig:"SQLITE_PATH"`
	RunMigrations bool   `envconfig:"MIGRATE"`

	RedisAddr         string `envconfig:"REDIS_ADDR"`
	RedisPassword     string `envconfig:"REDIS_PASSWORD"`
	RedisGeoKeyPrefix string `envconfig:"REDIS_GEO_KEY_PREFIX" default:"pickups:"`

	KafkaBrokers []string `envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string   `envconfig:"KAFKA_TOPIC" default:"pairing-events"`

	OSRMEndpoint       string        `envconfig:"OSRM_ENDPOINT"`
	RouteCacheTTL      time.Duration `envconfig:"ROUTE_CACHE_TTL" default:"10m"`
	AdvisoryCentsPerKm int64         `envconfig:"ADVISORY_CENTS_PER_KM" default:"15"`

	EventDirectoryURL string `envconfig:"EVENT_DIRECTORY_URL"`

	JWTSecret string `envconfig:"AUTH_JWT_SECRET"`
	JWTIssuer string `envconfig:"AUTH_JWT_ISSUER"`

	CORSAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
	OTLPEndpoint       string   `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	LogLevel           string   `envconfig:"LOG_LEVEL" default:"info"`
}

// ConsumerConfig configures the pairing-event consumer.
type ConsumerConfig struct {
	KafkaBrokers []string `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	KafkaTopic   string   `envconfig:"KAFKA_TOPIC" default:"pairing-events"`
	KafkaGroup   string   `envconfig:"KAFKA_GROUP" default:"rideshare-consistency"`

	RedisAddr     string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string        `envconfig:"REDIS_PASSWORD"`
	DedupeTTL     time.Duration `envconfig:"DEDUPE_TTL" default:"24h"`

	PGDSN      string `envconfig:"PG_DSN"`
	SQLitePath string `envconfig:"SQLITE_PATH"`

	MetricsAddr  string `envconfig:"METRICS_ADDR" default:":2112"`
	OTLPEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info"`
}

func LoadServerConfig() (ServerConfig, error) {
	var cfg ServerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, err
	}
	cfg.KafkaBrokers = trimAll(cfg.KafkaBrokers)
	cfg.CORSAllowedOrigins = trimAll(cfg.CORSAllowedOrigins)
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))

	var errs []error
	if cfg.JWTSecret == "" {
		errs = append(errs, errors.New("AUTH_JWT_SECRET is required"))
	}
	if cfg.AdvisoryCentsPerKm < 0 {
		errs = append(errs, fmt.Errorf("ADVISORY_CENTS_PER_KM must be >= 0, got %d", cfg.AdvisoryCentsPerKm))
	}
	if cfg.RouteCacheTTL <= 0 {
		errs = append(errs, errors.New("ROUTE_CACHE_TTL must be > 0"))
	}
	if cfg.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("HTTP_SHUTDOWN_TIMEOUT must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	var cfg ConsumerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, err
	}
	cfg.KafkaBrokers = trimAll(cfg.KafkaBrokers)
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))

	var errs []error
	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS must name at least one broker"))
	}
	if cfg.PGDSN == "" && cfg.SQLitePath == "" {
		errs = append(errs, errors.New("one of PG_DSN or SQLITE_PATH is required"))
	}
	if cfg.DedupeTTL <= 0 {
		errs = append(errs, errors.New("DEDUPE_TTL must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, r := range in {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
