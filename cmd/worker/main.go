package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"scenefit/internal/adapter/repo"
	"scenefit/internal/domain"
	"scenefit/internal/infra"
	"scenefit/internal/metrics"
	"scenefit/internal/notify"
	"scenefit/internal/policy"
	"scenefit/internal/providers"
	"scenefit/internal/providers/nanobanana"
	"scenefit/internal/providers/veo"
	"scenefit/internal/queue"
	"scenefit/internal/quota"
	"scenefit/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, "worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer dbpool.Close()

	if err := repo.EnsureSchema(ctx, dbpool); err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to ensure schema")
	}

	redisClient, err := infra.NewRedisClient(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: redis connection failed")
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
		logger.Fatal().Err(err).Msg("worker: failed to configure storage")
	}

	if cfg.NanoBananaAPIKey == "" {
		logger.Warn().Msg("worker: image provider api key missing, image jobs will fail authentication")
	}
	if cfg.VeoAPIKey == "" {
		logger.Warn().Msg("worker: video provider api key missing, video jobs will fail authentication")
	}

	adapters := map[domain.JobKind]providers.Adapter{
		domain.JobKindImage: nanobanana.New(nanobanana.Options{
			APIKey:  cfg.NanoBananaAPIKey,
			BaseURL: cfg.NanoBananaBaseURL,
			Model:   cfg.NanoBananaModel,
			Logger:  &logger,
		}),
		domain.JobKindVideo: veo.New(veo.Options{
			APIKey:  cfg.VeoAPIKey,
			BaseURL: cfg.VeoBaseURL,
			Model:   cfg.VeoModel,
			Logger:  &logger,
		}),
	}

	registry := prometheus.NewRegistry()
	meters := metrics.New(registry)

	// The worker has no router of its own, so its counters get a dedicated
	// listener for scraping.
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", metricsSrv.Addr).Msg("worker: metrics listener started")
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("worker: metrics listener failed")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	guard := quota.NewGuard(quota.NewRedisCounters(redisClient), logger)

	pool := queue.New(queue.Config{
		ImageWorkers:    cfg.ImageWorkers,
		VideoWorkers:    cfg.VideoWorkers,
		ClaimInterval:   cfg.ClaimInterval,
		Lease:           cfg.WorkerLease,
		PollInterval:    cfg.PollInterval,
		PollCeiling:     cfg.PollCeiling,
		JanitorInterval: cfg.JanitorInterval,
		Retry: policy.Config{
			MaxAttempts: cfg.MaxAttempts,
		},
	}, queue.Deps{
		Store:     repo.NewJobRepository(dbpool),
		Adapters:  adapters,
		Publisher: notify.NewRedisPublisher(redisClient, logger),
		Files:     fileStore,
		Costs:     guard,
		Usage:     repo.NewUsageRepository(dbpool),
		Metrics:   meters,
		Logger:    logger,
	})

	if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker: pool stopped")
	}
	logger.Info().Msg("worker stopped")
}
