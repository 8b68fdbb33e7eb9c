package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/kailas-cloud/knowd/internal/config"
	dbRedis "github.com/kailas-cloud/knowd/internal/db/redis"
	"github.com/kailas-cloud/knowd/internal/domain"
	logpkg "github.com/kailas-cloud/knowd/internal/logger"
	"github.com/kailas-cloud/knowd/internal/metrics"
	"github.com/kailas-cloud/knowd/internal/repository/embcache"
	"github.com/kailas-cloud/knowd/internal/repository/postgres"
	chiTransport "github.com/kailas-cloud/knowd/internal/transport/chi"
	openaiEmb "github.com/kailas-cloud/knowd/internal/transport/openai"
	analyticsuc "github.com/kailas-cloud/knowd/internal/usecase/analytics"
	bulkuc "github.com/kailas-cloud/knowd/internal/usecase/bulk"
	consistencyuc "github.com/kailas-cloud/knowd/internal/usecase/consistency"
	documentuc "github.com/kailas-cloud/knowd/internal/usecase/document"
	healthuc "github.com/kailas-cloud/knowd/internal/usecase/health"
	jobuc "github.com/kailas-cloud/knowd/internal/usecase/job"
	searchuc "github.com/kailas-cloud/knowd/internal/usecase/search"
	"github.com/kailas-cloud/knowd/internal/vector"
	vecLocal "github.com/kailas-cloud/knowd/internal/vector/local"
	vecMilvus "github.com/kailas-cloud/knowd/internal/vector/milvus"
	"github.com/kailas-cloud/knowd/internal/version"
)

func main() {
	// Load configuration based on ENV
	env := config.GetEnv()

	cfg, err := config.Load(env)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := logpkg.NewLogger(env, cfg.Logging.Level)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting knowd API server",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("env", env),
		zap.Int("http_port", cfg.HTTP.Port),
		zap.String("vector_backend", cfg.Vector.Backend),
	)

	ctx := context.Background()

	// Metadata store
	store, err := postgres.New(ctx, cfg.Metadata.DSN)
	if err != nil {
		logger.Fatal("Failed to create metadata store", zap.Error(err))
	}
	defer store.Close()

	if err := store.WaitForReady(ctx, time.Duration(cfg.Metadata.ReadinessTimeout)*time.Second); err != nil {
		logger.Fatal("Metadata store not ready", zap.Error(err))
	}
	if err := store.Init(ctx); err != nil {
		logger.Fatal("Failed to initialize metadata schema", zap.Error(err))
	}
	logger.Info("Connected to metadata store")

	// Register metrics explicitly (no init())
	metrics.RegisterEmbeddingMetrics()
	metrics.RegisterSearchMetrics()

	// Vector index
	var provider vector.Provider
	switch cfg.Vector.Backend {
	case "milvus":
		provider = vecMilvus.New(vecMilvus.Config{
			Address:      cfg.Vector.Milvus.Address,
			Username:     cfg.Vector.Milvus.Username,
			Password:     cfg.Vector.Milvus.Password,
			Database:     cfg.Vector.Milvus.Database,
			InitAttempts: cfg.Vector.InitAttempts,
		})
	default:
		provider = vecLocal.New(vecLocal.Config{
			Dir:          cfg.Vector.Local.Path,
			M:            cfg.Vector.Local.HNSWM,
			EfSearch:     cfg.Vector.Local.EfSearch,
			InitAttempts: cfg.Vector.InitAttempts,
		})
	}
	if err := provider.Initialize(ctx); err != nil {
		logger.Fatal("Failed to initialize vector index", zap.Error(err))
	}
	defer func() { _ = provider.Close() }()

	if err := provider.CreateCollection(ctx, cfg.Vector.Collection, cfg.Embedding.Dimensions); err != nil {
		logger.Fatal("Failed to create vector collection", zap.Error(err))
	}
	logger.Info("Vector index ready",
		zap.String("backend", cfg.Vector.Backend),
		zap.String("collection", cfg.Vector.Collection),
		zap.Int("dimensions", cfg.Embedding.Dimensions),
	)

	// Embedder, with an optional cache decorator
	base := openaiEmb.NewEmbedder(&openaiEmb.Config{
		APIKey:     cfg.Embedding.APIKey,
		BaseURL:    cfg.Embedding.BaseURL,
		Model:      cfg.Embedding.Model,
		Dimensions: cfg.Embedding.Dimensions,
		Provider:   cfg.Embedding.Provider,
		Logger:     logger,
	})

	var embedder domain.Embedder = base
	if len(cfg.Cache.Addrs) > 0 {
		cache, err := dbRedis.NewStore(dbRedis.Config{
			Addrs:    cfg.Cache.Addrs,
			Username: cfg.Cache.Username,
			Password: cfg.Cache.Password,
			DB:       cfg.Cache.DB,
		})
		if err != nil {
			logger.Fatal("Failed to create embedding cache", zap.Error(err))
		}
		defer cache.Close()
		embedder = embcache.New(base, cache, cfg.Embedding.Model, metrics.EmbeddingCacheTotal, logger)
		logger.Info("Embedding cache enabled", zap.Strings("addrs", cfg.Cache.Addrs))
	}
	logger.Info("Embedder created",
		zap.String("provider", cfg.Embedding.Provider),
		zap.String("model", cfg.Embedding.Model),
		zap.Int("dimensions", cfg.Embedding.Dimensions),
	)

	// Use case services
	analyticsSvc := analyticsuc.New()
	docSvc := documentuc.New(store, provider, embedder, cfg.Vector.Collection).
		WithPagination(cfg.Search.DefaultPageSize, cfg.Search.MaxPageSize)
	searchSvc := searchuc.New(provider, store, embedder, analyticsSvc, cfg.Vector.Collection).
		WithLimits(cfg.Search.DefaultLimit, cfg.Search.MaxLimit, cfg.Search.MaxQueryLen, cfg.Search.KeywordScanCap)

	jobs := jobuc.NewManager(
		time.Duration(cfg.Jobs.RetentionHours)*time.Hour,
		time.Duration(cfg.Jobs.SweepIntervalMin)*time.Minute,
		logger,
	)
	jobs.Start()

	bulkSvc := bulkuc.New(docSvc, jobs, logger)
	consSvc := consistencyuc.New(store, provider, cfg.Vector.Collection)
	healthSvc := healthuc.New(store, provider, base)

	// Create chi server
	server := chiTransport.NewServer(docSvc, searchSvc, bulkSvc, jobs, analyticsSvc, consSvc, healthSvc, logger)

	r := chi.NewRouter()
	r.Use(jsonRecoverer(logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(wideEventMiddleware(logger))
	r.Use(chiTransport.UserIDMiddleware())
	r.Use(metrics.Middleware())
	server.Routes(r)

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	// Let in-flight bulk jobs finish and stop the sweeper.
	bulkSvc.Wait()
	jobs.Stop()

	logger.Info("Server stopped gracefully")
}

// jsonRecoverer is a recovery middleware that returns JSON instead of a plain text stacktrace.
func jsonRecoverer(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					logger.Error("panic recovered",
						zap.Any("panic", rvr),
						zap.Stack("stacktrace"),
					)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(w).Encode(map[string]string{
						"code":    "internal_error",
						"message": "internal error",
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// wideEventMiddleware emits a canonical log line per request and propagates X-Request-ID.
func wideEventMiddleware(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// chi.middleware.RequestID already placed request_id in context
			requestID := chiMiddleware.GetReqID(r.Context())

			// Set X-Request-ID in response header
			if requestID != "" {
				w.Header().Set("X-Request-ID", requestID)
			}

			// Per-request logger with request_id
			reqLogger := logger.With(zap.String("request_id", requestID))
			ctx := logpkg.ContextWithLogger(r.Context(), reqLogger)

			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			// Canonical log line — one line per request
			reqLogger.Info("http_request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("latency", time.Since(start)),
				zap.String("ip", r.RemoteAddr),
				zap.Int64("content_length", r.ContentLength),
				zap.String("user_agent", r.UserAgent()),
				zap.Int("response_bytes", ww.BytesWritten()),
			)
		})
	}
}
