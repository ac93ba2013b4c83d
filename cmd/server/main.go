package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-pooling/internal/auth"
	"github.com/example/ride-pooling/internal/config"
	"github.com/example/ride-pooling/internal/geo"
	"github.com/example/ride-pooling/internal/hub"
	httpapi "github.com/example/ride-pooling/internal/http"
	"github.com/example/ride-pooling/internal/ingest"
	"github.com/example/ride-pooling/internal/logging"
	"github.com/example/ride-pooling/internal/ride"
	"github.com/example/ride-pooling/internal/routing"
	"github.com/example/ride-pooling/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	var store storage.Store
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			if err := runMigrations(cfg.PGDSN); err != nil {
				logger.Error("migrations failed", "error", err)
				os.Exit(1)
			}
			logger.Info("migrations applied")
		}
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres connect failed", "error", err)
			os.Exit(1)
		}
		defer ps.Close()
		store = ps
		logger.Info("using postgres store")
	} else {
		store = storage.NewMemoryStore()
		logger.Warn("PG_DSN not set, using in-memory store")
	}

	h := hub.New(logger)

	svc := &ride.Service{
		Store:         store,
		Notifier:      h,
		Logger:        logger,
		BaseRatePerKm: cfg.BaseRatePerKm,
		RadiusKm:      cfg.SearchRadiusKm,
	}

	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewEventProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		svc.Events = producer
		logger.Info("kafka producer enabled", "topic", cfg.KafkaTopic)
	}

	var router routing.Client
	if cfg.RoutingEndpoint != "" {
		router = routing.NewCachedClient(
			routing.NewHTTPClient(cfg.RoutingEndpoint, cfg.RoutingAPIKey),
			10*time.Minute,
		)
		logger.Info("routing client enabled", "endpoint", cfg.RoutingEndpoint)
	}

	var index httpapi.GeoIndex
	if cfg.RedisAddr != "" {
		ri := geo.NewRedisIndex(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		defer ri.Close()
		index = ri
		logger.Info("redis geo index enabled", "key", cfg.RedisGeoKey)
	}

	authMgr := auth.NewManager(cfg.JWTSecret, cfg.TokenTTL)
	api := httpapi.NewServer(svc, store, authMgr, h, router, index, logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("shutdown failed", "error", err)
		}
	}
}

func runMigrations(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	b, err := os.ReadFile(filepath.Join("migrations", "001_create_schema.sql"))
	if err != nil {
		return err
	}
	_, err = db.Exec(string(b))
	return err
}
