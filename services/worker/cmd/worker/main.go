package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"docbrain/internal/util"
	"docbrain/services/worker/internal/app"
	"docbrain/services/worker/internal/config"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	util.InitLogger(cfg.LogLevel)

	appCore, err := app.New(app.Config{
		DatabaseURL:          cfg.DatabaseURL,
		RedisAddr:            cfg.RedisAddr,
		RedisPassword:        cfg.RedisPassword,
		Broker:               cfg.Broker,
		AmqpURL:              cfg.AmqpURL,
		QueueName:            cfg.QueueName,
		QueueGroup:           cfg.QueueGroup,
		Concurrency:          cfg.QueueConcurrency,
		MaxRetries:           cfg.QueueMaxRetries,
		RetryDelay:           time.Duration(cfg.QueueRetryDelaySeconds) * time.Second,
		JobRetention:         time.Duration(cfg.JobRetentionHours) * time.Hour,
		MinioEndpoint:        cfg.MinioEndpoint,
		MinioAccessKey:       cfg.MinioAccessKey,
		MinioSecretKey:       cfg.MinioSecretKey,
		MinioBucket:          cfg.MinioBucket,
		MinioUseSSL:          cfg.MinioUseSSL,
		ChunkSize:            cfg.ChunkSize,
		ChunkOverlap:         cfg.ChunkOverlap,
		EmbedWorkers:         cfg.EmbedWorkers,
		OllamaBaseURL:        cfg.OllamaBaseURL,
		EmbeddingModel:       cfg.EmbeddingModel,
		EmbeddingDim:         cfg.EmbeddingDim,
		GenerationProvider:   cfg.GenerationProvider,
		GenerationModel:      cfg.GenerationModel,
		OpenAIBaseURL:        cfg.OpenAIBaseURL,
		OpenAIAPIKey:         cfg.OpenAIAPIKey,
		RecoverFailedOnStart: cfg.RecoverFailedOnStart,
		CleanupInterval:      time.Duration(cfg.CleanupIntervalHours) * time.Hour,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("worker started", "concurrency", cfg.QueueConcurrency, "broker", cfg.Broker)
	if err := appCore.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("worker stopped", "err", err)
	}
	slog.Info("worker shut down")
}
