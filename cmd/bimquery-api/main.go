package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bimquery/bimquery/internal/api"
	"github.com/bimquery/bimquery/internal/ask"
	"github.com/bimquery/bimquery/internal/config"
	"github.com/bimquery/bimquery/internal/observability"
	"github.com/bimquery/bimquery/internal/reason"
	"github.com/bimquery/bimquery/internal/store/postgres"
	"github.com/bimquery/bimquery/internal/task"
)

func main() {
	cfg, err := config.LoadFromEnv("bimquery-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	db, err := postgres.Open(context.Background(), postgres.DBConfig{
		DSN:             cfg.Store.DSN,
		MaxOpenConns:    cfg.Store.MaxOpenConns,
		MaxIdleConns:    cfg.Store.MaxIdleConns,
		ConnMaxIdleTime: cfg.Store.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to open store db", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	repo := postgres.NewRepository(db)
	reasoner, err := reason.NewOpenAIClient(reason.OpenAIConfig{
		BaseURL:     cfg.AI.BaseURL,
		APIKey:      cfg.AI.APIKey,
		ChatModel:   cfg.AI.ChatModel,
		EmbedModel:  cfg.AI.EmbedModel,
		Temperature: cfg.AI.Temperature,
		Timeout:     cfg.AI.Timeout,
	})
	if err != nil {
		logger.Error("failed to initialize reasoning client", slog.Any("error", err))
		os.Exit(1)
	}

	executor := task.NewExecutor(repo, reasoner, logger, cfg.Ask.SumMaxRows)
	askService := ask.NewService(repo, executor, reasoner, logger, cfg.Ask)

	deps := api.Dependencies{
		Logger: logger,
		Ask:    askService,
		Readiness: api.CombineReadinessChecks(
			api.CheckStore(repo.HealthCheck),
			api.CheckReasoningConfig(cfg),
		),
		DependencyTimeout: time.Second,
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}
