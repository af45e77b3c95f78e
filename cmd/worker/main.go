package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/jamesjordanmarketing/train-data-sub012/internal/config"
	"github.com/jamesjordanmarketing/train-data-sub012/internal/provider"
	"github.com/jamesjordanmarketing/train-data-sub012/internal/queue"
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
		log.Fatal().Msg("PROVIDER_API_KEY is required for the worker")
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	engine := worker.NewEngine(cfg, st, dispatch, gen, log)
	log.Info().
		Dur("visibility", cfg.VisibilityTimeout).
		Int("max_active_jobs", cfg.MaxActiveJobs).
		Int("provider_slots", cfg.ProviderSlots).
		Msg("worker started")

	if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("worker stopped")
	}
}

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Str("service", "worker").Logger()
}
