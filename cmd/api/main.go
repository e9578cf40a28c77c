package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"scenefit/internal/adapter/repo"
	"scenefit/internal/http/handlers"
	"scenefit/internal/http/httpapi"
	"scenefit/internal/infra"
	"scenefit/internal/infra/geoip"
	"scenefit/internal/metrics"
	"scenefit/internal/middleware"
	"scenefit/internal/notify"
	"scenefit/internal/quota"
	"scenefit/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, "api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer dbpool.Close()

	if err := repo.EnsureSchema(ctx, dbpool); err != nil {
		logger.Fatal().Err(err).Msg("failed to ensure schema")
	}

	redisClient, err := infra.NewRedisClient(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer redisClient.Close()

	storagePath := cfg.StoragePath
	if !filepath.IsAbs(storagePath) {
		if abs, err := filepath.Abs(storagePath); err == nil {
			storagePath = abs
		}
	}
	fileStore, err := storage.NewFileStore(storagePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure storage")
	}

	registry := prometheus.NewRegistry()
	meters := metrics.New(registry)

	hub := notify.NewHub(logger)
	subscriber := notify.NewSubscriber(redisClient, hub, logger)
	go func() {
		if err := subscriber.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("notification subscriber stopped")
		}
	}()

	var lookup middleware.CountryLookup
	resolver, err := geoip.NewResolver(cfg.GeoIPDBPath)
	if err != nil {
		logger.Warn().Err(err).Msg("geoip disabled")
	} else if resolver != nil {
		if closer, ok := resolver.(io.Closer); ok {
			defer closer.Close()
		}
		lookup = resolver.CountryCode
	}

	app := &handlers.App{
		Jobs:      repo.NewJobRepository(dbpool),
		Quota:     quota.NewGuard(quota.NewRedisCounters(redisClient), logger),
		Publisher: notify.NewRedisPublisher(redisClient, logger),
		Hub:       hub,
		Usage:     repo.NewUsageRepository(dbpool),
		Files:     fileStore,
		Metrics:   meters,
		Logger:    logger,
	}

	router := httpapi.NewRouter(app, cfg, logger, lookup, registry)
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}
