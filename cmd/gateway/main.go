package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mrmushfiq/ollama-key-gateway/internal/gateway/backend"
	"github.com/mrmushfiq/ollama-key-gateway/internal/gateway/handlers"
	"github.com/mrmushfiq/ollama-key-gateway/internal/gateway/ledger"
	"github.com/mrmushfiq/ollama-key-gateway/internal/gateway/policy"
	"github.com/mrmushfiq/ollama-key-gateway/internal/shared/config"
	"github.com/mrmushfiq/ollama-key-gateway/internal/shared/database"
	"github.com/mrmushfiq/ollama-key-gateway/internal/shared/logger"
	"github.com/mrmushfiq/ollama-key-gateway/internal/shared/metrics"
	"github.com/mrmushfiq/ollama-key-gateway/internal/shared/redis"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		boot, _ := zap.NewProduction()
		boot.Fatal("failed to load config", zap.Error(err))
	}

	log, err := logger.New(logger.Config{
		ServiceName: "ollama-key-gateway",
		Environment: cfg.Env,
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
	})
	if err != nil {
		boot, _ := zap.NewProduction()
		boot.Fatal("failed to build logger", zap.Error(err))
	}
	defer log.Sync()

	log.Info("starting gateway", zap.String("port", cfg.Port), zap.String("env", cfg.Env))

	// Setup context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	log.Info("connected to PostgreSQL")

	if cfg.AutoMigrate {
		if err := db.EnsureSchema(ctx); err != nil {
			log.Fatal("failed to apply schema", zap.Error(err))
		}
		log.Info("schema applied")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	engineOpts := []policy.Option{policy.WithLogger(log)}
	ready := map[string]handlers.Pinger{"postgres": db}

	// Redis is optional; without it spend counters start from zero on restart
	if cfg.RedisURL != "" {
		redisClient, err := redis.New(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatal("failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		log.Info("connected to Redis")

		engineOpts = append(engineOpts, policy.WithSpendStore(redisClient))
		ready["redis"] = redisClient
	}

	engine := policy.NewEngine(engineOpts...)
	if err := engine.Restore(ctx); err != nil {
		log.Warn("failed to restore spend counters", zap.Error(err))
	}

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		engine.Run(ctx, cfg.SpendFlushInterval)
	}()

	bopts := backend.OptionsFromConfig(cfg)
	bopts.Logger = log
	bopts.Metrics = m
	backendClient := backend.NewClient(bopts)
	ready["backend"] = backendClient
	log.Info("backend configured", zap.String("url", cfg.BackendURL), zap.String("api", cfg.BackendAPI))

	usage := ledger.New(db, log, m)

	// Initialize handlers
	middleware := handlers.NewMiddleware(db, cfg.AdminToken, m)
	chatHandler := handlers.NewChatHandler(db, db, engine, backendClient, usage, m, log)
	modelsHandler := handlers.NewModelsHandler(db, log)

	var adminHandler *handlers.AdminHandler
	if cfg.AdminToken != "" {
		adminHandler = handlers.NewAdminHandler(db, engine, log)
	} else {
		log.Warn("ADMIN_TOKEN not set, admin API disabled")
	}

	router := handlers.NewRouter(handlers.Router{
		Middleware: middleware,
		Chat:       chatHandler,
		Models:     modelsHandler,
		Admin:      adminHandler,
		Ready:      ready,
		Gatherer:   reg,
		Logger:     log,
	})

	// HTTP server. No write timeout: generations may stream for minutes.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Info("server listening",
			zap.String("addr", srv.Addr),
			zap.Strings("routes", []string{
				"POST /v1/chat/completions",
				"GET /v1/models",
				"GET /health",
				"GET /ready",
				"GET /metrics",
			}))

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down gracefully")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", zap.Error(err))
	}

	if err := usage.Close(shutdownCtx); err != nil {
		log.Error("pending usage events not written", zap.Error(err))
	}

	// stop the flush loop; it writes the remaining spend on the way out
	cancel()
	<-engineDone

	log.Info("server stopped")
}
