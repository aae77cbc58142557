package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/docifyhq/engine/internal/assembly"
	"github.com/docifyhq/engine/internal/config"
	"github.com/docifyhq/engine/internal/db"
	"github.com/docifyhq/engine/internal/embeddings"
	"github.com/docifyhq/engine/internal/generation"
	"github.com/docifyhq/engine/internal/httpapi"
	"github.com/docifyhq/engine/internal/llm"
	"github.com/docifyhq/engine/internal/metrics"
	"github.com/docifyhq/engine/internal/prompt"
	"github.com/docifyhq/engine/internal/queue"
	"github.com/docifyhq/engine/internal/rerank"
	"github.com/docifyhq/engine/internal/retrieval"
	"github.com/docifyhq/engine/internal/streamcache"
	"github.com/docifyhq/engine/internal/verify"
	"github.com/docifyhq/engine/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to engine.yaml (defaults to config/engine.yaml)")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database.
	dbClient, err := db.NewClient(&db.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxConnections:  cfg.Database.MaxConnections,
		IdleConnections: cfg.Database.IdleConnections,
		MaxLifetime:     cfg.Database.MaxLifetime,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize database client", zap.Error(err))
	}
	defer dbClient.Close()
	store := db.NewStore(dbClient.DB(), logger)

	// Redis: job queue, status cache, token bus.
	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		logger.Fatal("Failed to parse redis url", zap.Error(err))
	}
	redisOpts.DialTimeout = cfg.Redis.DialTimeout
	redisOpts.ReadTimeout = cfg.Redis.ReadTimeout
	redisOpts.WriteTimeout = cfg.Redis.WriteTimeout
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("Redis not reachable at startup", zap.Error(err))
	}

	// Embeddings and LLM providers.
	embeddings.Initialize(embeddings.Config{
		BaseURL:      cfg.Embeddings.BaseURL,
		DefaultModel: cfg.Embeddings.DefaultModel,
		Timeout:      cfg.Embeddings.Timeout,
		CacheSize:    cfg.Embeddings.CacheSize,
	})
	llm.Initialize(llm.Config{
		DefaultProvider: cfg.LLM.DefaultProvider,
		DefaultModel:    cfg.LLM.DefaultModel,
		OllamaBaseURL:   cfg.LLM.OllamaBaseURL,
		OpenAIAPIKey:    cfg.LLM.OpenAIAPIKey,
		AnthropicAPIKey: cfg.LLM.AnthropicAPIKey,
		HasGPU:          cfg.LLM.HasGPU,
		GPUTimeout:      cfg.LLM.GPUTimeout,
		CPUTimeout:      cfg.LLM.CPUTimeout,
	})
	registry := llm.Get()

	// Retrieval and generation pipeline.
	expander := retrieval.NewExpander(registry, logger)
	retriever := retrieval.NewRetriever(store, embeddings.Get(), expander, logger)
	engine := generation.NewEngine(generation.Deps{
		Store:     store,
		Searcher:  retriever,
		Reranker:  rerank.NewReranker(registry, logger),
		Assembler: assembly.NewAssembler(store, logger),
		Builder:   prompt.NewBuilder(logger),
		Verifier:  verify.NewVerifier(logger),
		Registry:  registry,
		Logger:    logger,
	})

	// Async job fabric.
	consumer, err := os.Hostname()
	if err != nil || consumer == "" {
		consumer = "engine"
	}
	jobQueue := queue.New(rdb, cfg.Queue.Name, consumer, logger)
	cache := streamcache.New(rdb, logger)
	jobWorker := worker.New(jobQueue, engine, store, cache, worker.Config{
		Concurrency:  cfg.Queue.Concurrency,
		SoftDeadline: cfg.Queue.SoftDeadline,
		HardDeadline: cfg.Queue.HardDeadline,
	}, logger)
	go func() {
		if err := jobWorker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Worker stopped", zap.Error(err))
		}
	}()

	// Metrics and health on a separate port.
	adminMux := http.NewServeMux()
	adminMux.Handle("/metrics", metrics.Handler())
	adminMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		checkCtx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := dbClient.HealthCheck(checkCtx); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := rdb.Ping(checkCtx).Err(); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	adminServer := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Service.MetricsPort),
		Handler:      adminMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Admin HTTP server listening", zap.Int("port", cfg.Service.MetricsPort))
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Admin HTTP server failed", zap.Error(err))
		}
	}()

	// Front door.
	api := httpapi.NewServer(store, engine, jobQueue, cache, retriever, httpapi.Config{
		RateLimit: rate.Limit(cfg.Service.RateLimit),
		RateBurst: cfg.Service.RateLimitBurst,
	}, logger)
	apiServer := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Service.Port),
		Handler:      api.Router(),
		ReadTimeout:  cfg.Service.ReadTimeout,
		WriteTimeout: cfg.Service.WriteTimeout,
	}
	go func() {
		logger.Info("API server listening", zap.Int("port", cfg.Service.Port))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("API server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.GracefulTimeout)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API server shutdown incomplete", zap.Error(err))
	}
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Admin server shutdown incomplete", zap.Error(err))
	}
	logger.Info("Shutdown complete")
}
