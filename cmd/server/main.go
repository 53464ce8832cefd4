package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/example/rideshare/internal/auth"
	"github.com/example/rideshare/internal/capacity"
	"github.com/example/rideshare/internal/config"
	"github.com/example/rideshare/internal/eventdir"
	"github.com/example/rideshare/internal/events"
	"github.com/example/rideshare/internal/geo"
	httpapi "github.com/example/rideshare/internal/http"
	"github.com/example/rideshare/internal/ledger"
	"github.com/example/rideshare/internal/lifecycle"
	"github.com/example/rideshare/internal/logging"
	"github.com/example/rideshare/internal/observability"
	"github.com/example/rideshare/internal/projection"
	"github.com/example/rideshare/internal/registry"
	"github.com/example/rideshare/internal/route"
	"github.com/example/rideshare/internal/storage"
)

const serviceName = "rideshare-api"

func main() {
	_ = godotenv.Load(".env")

	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(serviceName, cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(sctx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	store, kind, err := storage.Open(ctx, cfg.PGDSN, cfg.SQLitePath, cfg.RunMigrations)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info("store ready", "kind", kind, "migrated", cfg.RunMigrations)

	var index geo.PickupIndex = geo.NewIndex()
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		if err := rc.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, pickup ranking degrades until it recovers", "addr", cfg.RedisAddr, "error", err)
		}
		index = geo.NewRedisGeo(rc, cfg.RedisGeoKeyPrefix)
	}

	var publisher events.Publisher = events.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		publisher = kp
		logger.Info("publishing pairing events", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	var router route.Router
	if cfg.OSRMEndpoint != "" {
		router = route.NewOSRMClient(cfg.OSRMEndpoint)
	}
	advisor := route.NewAdvisor(route.NewEstimator(router, route.NewCache(cfg.RouteCacheTTL), logger), cfg.AdvisoryCentsPerKm)

	var directory eventdir.Directory = eventdir.Static{}
	if cfg.EventDirectoryURL != "" {
		directory = eventdir.NewHTTPDirectory(cfg.EventDirectoryURL)
	}

	l := ledger.New(store, capacity.NewGuard(store, logger), logger)
	reg := registry.New(store, l,
		registry.WithPickupIndex(index),
		registry.WithAdvisor(advisor),
		registry.WithPublisher(publisher),
		registry.WithLogger(logger),
	)
	if n, err := reg.IndexActiveOffers(ctx); err != nil {
		logger.Warn("pickup index rebuild incomplete", "indexed", n, "error", err)
	} else {
		logger.Info("pickup index rebuilt", "indexed", n)
	}
	api := httpapi.NewServer(httpapi.Deps{
		Registry:    reg,
		Lifecycle:   lifecycle.New(store, l, publisher, logger),
		Ledger:      l,
		Projection:  projection.New(reg, l, directory, logger),
		Verifier:    auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer),
		Logger:      logger,
		CORSOrigins: cfg.CORSAllowedOrigins,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("rideshare api listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}
