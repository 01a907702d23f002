package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nivara-ai/museflow/internal/config"
	"github.com/nivara-ai/museflow/internal/ledger"
	"github.com/nivara-ai/museflow/internal/logging"
	"github.com/nivara-ai/museflow/internal/monitoring"
	"github.com/nivara-ai/museflow/internal/orchestrator"
	"github.com/nivara-ai/museflow/internal/provider"
	"github.com/nivara-ai/museflow/internal/search"
	"github.com/nivara-ai/museflow/internal/server"
	"github.com/nivara-ai/museflow/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

func main() {
	// Optional .env for local development
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logging.Setup(&cfg.Logging, cfg.Server.Env)

	log.Info().
		Str("env", cfg.Server.Env).
		Str("store", cfg.Store.Path).
		Msg("Starting museflow API server")

	// Durable store and the single mutation serializer over it
	serializer := store.NewSerializer(store.New(cfg.Store.Path))
	ledgerSvc := ledger.NewService(serializer, cfg.Costs, ledger.DefaultPlans)

	// Provider stack
	caller := provider.NewCaller(provider.CallerConfig{
		RequestTimeout: cfg.Providers.RequestTimeout,
		MaxTimeout:     cfg.Providers.MaxTimeout,
	})
	uploader := provider.NewUploader(caller, cfg.Providers.UploadEndpoint)
	orch := orchestrator.New(orchestrator.Config{
		ImagePrimary: provider.NewFlux(caller, cfg.Providers.FluxAPIKey, cfg.Providers.FluxBaseURL,
			cfg.Poller.ImageInterval, cfg.Poller.ImageMaxAttempts),
		ImageFallback: provider.NewRecraft(caller, cfg.Providers.RecraftAPIKey, cfg.Providers.RecraftBaseURL),
		VideoPrimary: provider.NewKling(caller, cfg.Providers.KlingAccessKey, cfg.Providers.KlingBaseURL,
			cfg.Poller.VideoInterval, cfg.Poller.VideoMaxAttempts),
		VideoFallback: provider.NewVidu(caller, cfg.Providers.ViduAPIKey, cfg.Providers.ViduBaseURL,
			cfg.Poller.VideoInterval, cfg.Poller.VideoMaxAttempts),
		Uploader: uploader,
	})

	// Knowledge search with local heuristic fallback
	searcher := search.NewFallback(
		search.NewHTTPSearcher(cfg.Search.Endpoint, cfg.Search.Timeout),
		search.NewHeuristic(nil),
		cfg.Search.Timeout,
	)

	// Optional redis for rate limiting
	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid REDIS_URL")
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	}

	monitoring.Init()
	if cfg.Monitoring.PrometheusEnabled {
		go startMetricsServer(cfg.Monitoring.PrometheusPort)
	}

	srv := server.NewAPIServer(cfg, ledgerSvc, orch, searcher, redisClient)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().
			Int("port", cfg.Server.Port).
			Msg("API server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().
		Str("signal", sig.String()).
		Msg("Shutdown signal received, gracefully shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited gracefully")
}

func startMetricsServer(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", monitoring.Handler())

	metricsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Info().
		Int("port", port).
		Msg("Prometheus metrics server listening")

	if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("Metrics server error")
	}
}
