package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/rideshare/internal/capacity"
	"github.com/example/rideshare/internal/config"
	"github.com/example/rideshare/internal/events"
	"github.com/example/rideshare/internal/ledger"
	"github.com/example/rideshare/internal/logging"
	"github.com/example/rideshare/internal/observability"
	"github.com/example/rideshare/internal/storage"
)

const serviceName = "rideshare-consumer"

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total pairing event messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	msgsDuplicate = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_duplicate_total",
		Help: "Total messages skipped as already processed",
	})
	dedupeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_dedupe_errors_total",
		Help: "Total redis errors while claiming events",
	})
	consistencyChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_consistency_checks_total",
		Help: "Seat consistency checks by result",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, msgsDuplicate, dedupeErrors, consistencyChecks)
}

func main() {
	_ = godotenv.Load(".env")

	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(serviceName, cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("consumer stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ConsumerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	store, kind, err := storage.Open(ctx, cfg.PGDSN, cfg.SQLitePath, false)
	if err != nil {
		return err
	}
	defer store.Close()

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rc.Close()

	p := &processor{
		dedupe:   &redisAdapter{c: rc},
		checker:  ledger.New(store, capacity.NewGuard(store, logger), logger),
		ttl:      cfg.DedupeTTL,
		attempts: 3,
		delay:    200 * time.Millisecond,
		logger:   logger,
	}

	// metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaTopic,
		GroupID:  cfg.KafkaGroup,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer r.Close()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup, "store", kind)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return nil
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()
		p.handle(ctx, m.Value)
	}
}

// Deduper is the small subset of redis operations the consumer needs to
// process each event once.
type Deduper interface {
	SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return r.c.SetNX(ctx, key, 1, ttl).Result()
}

func (r *redisAdapter) Del(ctx context.Context, key string) error {
	return r.c.Del(ctx, key).Err()
}

// Checker recomputes an offer's seats from its confirmed pairings.
type Checker interface {
	CheckConsistency(ctx context.Context, offerID string) (ledger.Consistency, error)
}

type processor struct {
	dedupe   Deduper
	checker  Checker
	ttl      time.Duration
	attempts int
	delay    time.Duration
	logger   *slog.Logger
}

// handle decodes one pairing event, claims it and checks the offer's seat
// counter. It returns the outcome for logging and tests.
func (p *processor) handle(ctx context.Context, value []byte) string {
	var e events.PairingEvent
	if err := json.Unmarshal(value, &e); err != nil || e.ID == "" || e.OfferID == "" {
		msgsInvalid.Inc()
		p.logger.Warn("invalid message", "error", err)
		return "invalid"
	}

	key := "pairing-event:" + e.ID
	fresh, err := claimWithRetry(ctx, p.dedupe, key, p.ttl, p.attempts, p.delay)
	if err != nil {
		// Without a claim the event is still checked; a repeat check is harmless.
		dedupeErrors.Inc()
		p.logger.Warn("dedupe claim failed", "event_id", e.ID, "error", err)
	} else if !fresh {
		msgsDuplicate.Inc()
		return "duplicate"
	}

	c, err := p.checker.CheckConsistency(ctx, e.OfferID)
	if err != nil {
		consistencyChecks.WithLabelValues("error").Inc()
		p.logger.Warn("consistency check failed", "offer_id", e.OfferID, "event_id", e.ID, "error", err)
		if delErr := p.dedupe.Del(ctx, key); delErr != nil {
			p.logger.Warn("release claim failed", "event_id", e.ID, "error", delErr)
		}
		return "error"
	}
	if !c.OK() {
		consistencyChecks.WithLabelValues("mismatch").Inc()
		p.logger.Error("seat counter mismatch",
			"offer_id", c.OfferID,
			"event_id", e.ID,
			"event_type", e.Type,
			"stored", c.Stored,
			"recomputed", c.Recomputed,
		)
		return "mismatch"
	}
	consistencyChecks.WithLabelValues("ok").Inc()
	return "ok"
}

// claimWithRetry sets the dedupe key with retry/backoff. It reports whether
// this call created the key.
func claimWithRetry(ctx context.Context, d Deduper, key string, ttl time.Duration, attempts int, delay time.Duration) (bool, error) {
	var lastErr error
	for i := 0; i < attempts; i++ {
		ok, err := d.SetNX(ctx, key, ttl)
		if err == nil {
			return ok, nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return false, errors.Join(lastErr, ctx.Err())
		}
		delay *= 2
	}
	return false, lastErr
}
