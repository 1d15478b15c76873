package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/trisync/internal/api"
	"example.com/trisync/internal/auth"
	"example.com/trisync/internal/config"
	"example.com/trisync/internal/domain"
	"example.com/trisync/internal/normalize"
	"example.com/trisync/internal/observability"
	"example.com/trisync/internal/outbox"
	persistence "example.com/trisync/internal/persistence/postgres"
	"example.com/trisync/internal/strava"
	"example.com/trisync/internal/syncer"
	httptransport "example.com/trisync/internal/transport/http"
	"example.com/trisync/internal/writer"
)

func main() {
	cfg := config.Load()
	logger := observability.NewLogger(cfg.ServiceName+"-api", cfg.LogLevel)

	if err := observability.InitSentry(observability.SentryConfig{
		DSN:         cfg.SentryDSN,
		Environment: cfg.SentryEnvironment,
		Release:     cfg.SentryRelease,
		ServerName:  cfg.ServiceName + "-api",
	}, logger); err != nil {
		logger.Error("sentry init failed", "error", err)
	}
	defer observability.FlushSentry(2 * time.Second)

	table, err := normalize.LoadTable(cfg.SportMappingPath)
	if err != nil {
		logger.Error("failed to load sport mapping", "path", cfg.SportMappingPath, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	repo := persistence.NewRepository(pool)
	producer := outbox.NewKafkaProducer(cfg.KafkaBrokers)
	defer producer.Close()

	vendorClient := httptransport.NewClient(cfg.HTTPClientTimeout)

	registry := outbox.NewSchemaRegistryClient(cfg.SchemaRegistryURL, httptransport.NewClient(cfg.HTTPClientTimeout))
	dispatcher := outbox.NewDispatcher(pool, producer, registry, cfg.OutboxPollInterval, cfg.OutboxBatchSize,
		outbox.WithDispatcherLogger(logger.With("component", "outbox")))
	go dispatcher.Start(ctx)

	tokens := strava.NewTokenClient(strava.TokenConfig{
		ClientID:     cfg.StravaClientID,
		ClientSecret: cfg.StravaClientSecret,
		TokenURL:     cfg.StravaTokenURL,
		HTTPClient:   vendorClient,
	})
	activities := strava.NewActivityClient(cfg.StravaAPIBaseURL, vendorClient)
	normalizer := normalize.New(table)

	orchestrator := syncer.New(tokens, activities, normalizer,
		writer.New(repo,
			writer.WithLogger(logger.With("component", "writer")),
			writer.WithStoreTimeout(cfg.StoreTimeout)),
		syncer.WithLogger(logger.With("component", "syncer")),
		syncer.WithMaxPages(cfg.SyncMaxPages),
		syncer.WithPageSize(cfg.SyncPageSize),
		syncer.WithRefreshMargin(cfg.SyncTokenMargin),
		syncer.WithRateLimitBackoff(cfg.SyncRateLimitBackoff),
		syncer.WithMaxBackoff(cfg.SyncMaxBackoff),
	)

	handler := api.NewHandler(api.Dependencies{
		Service:      domain.NewService(repo),
		Runs:         repo,
		Syncer:       orchestrator,
		Tokens:       tokens,
		Normalizer:   normalizer,
		Logger:       logger.With("component", "api"),
		Ready:        pool.Ping,
		StoreTimeout: cfg.StoreTimeout,
	})
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	authMiddleware := auth.NewMiddleware(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer})

	server := httptransport.NewServer(httptransport.ServerConfig{
		Address:      cfg.HTTPAddress,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  60 * time.Second,
	}, httptransport.LogRequests(logger, httptransport.CORS(cfg.CORSOrigin, authMiddleware.Wrap(mux))))

	metricsSrv := &http.Server{Addr: cfg.MetricsAddress, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("metrics listening", "address", cfg.MetricsAddress)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()

	go func() {
		logger.Info("api listening", "address", cfg.HTTPAddress, "strava_client_configured", cfg.StravaClientID != "")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			shutdownCh <- syscall.SIGTERM
		}
	}()

	<-shutdownCh
	logger.Info("shutdown requested")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown failed", "error", err)
	}

	dispatcher.Wait()
}
