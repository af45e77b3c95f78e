package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/jamesjordanmarketing/train-data-sub012/internal/api"
	"github.com/jamesjordanmarketing/train-data-sub012/internal/config"
	"github.com/jamesjordanmarketing/train-data-sub012/internal/export"
	"github.com/jamesjordanmarketing/train-data-sub012/internal/provider"
	"github.com/jamesjordanmarketing/train-data-sub012/internal/queue"
	"github.com/jamesjordanmarketing/train-data-sub012/internal/ratelimit"
	"github.com/jamesjordanmarketing/train-data-sub012/internal/service"
	"github.com/jamesjordanmarketing/train-data-sub012/internal/store"
	"github.com/jamesjordanmarketing/train-data-sub012/internal/telemetry"
	"github.com/jamesjordanmarketing/train-data-sub012/internal/worker"
)

func main() {
	cfg := config.Load()
	log := newLogger(cfg)
	telemetry.Register()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()

	dispatch := queue.NewDispatch(redisClient, cfg.VisibilityTimeout)
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	gen := provider.NewClient(provider.ClientConfig{
		APIKey:         cfg.ProviderAPIKey,
		BaseURL:        cfg.ProviderBaseURL,
		Model:          cfg.ProviderModel,
		Timeout:        cfg.ProviderTimeout,
		MaxRetries:     cfg.ProviderRetries,
		BackoffInitial: cfg.ProviderBackoff,
		BackoffMax:     cfg.ProviderBackoffMax,
		RequestsPerSec: cfg.ProviderReqPerSec,
		Burst:          cfg.ProviderBurst,
		Pricing:        provider.Pricing{InputPer1K: 0.003, OutputPer1K: 0.015},
	})
	if !gen.Available() {
		log.Warn().Msg("PROVIDER_API_KEY not set, process-next will fail")
	}

	exporter, err := export.New(ctx, export.Config{
		S3Bucket:    cfg.ExportS3Bucket,
		S3Region:    cfg.ExportS3Region,
		S3Endpoint:  cfg.ExportS3Endpoint,
		S3PathStyle: cfg.ExportS3PathStyle,
		LocalDir:    cfg.ExportLocalDir,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("init exporter")
	}

	engine := worker.NewEngine(cfg, st, dispatch, gen, log)
	svc := service.NewBatch(cfg, st, dispatch, engine, exporter, limiter, log)

	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: api.New(svc, log).Router(),
	}

	log.Info().Str("port", cfg.HTTPPort).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Str("service", "api").Logger()
}
