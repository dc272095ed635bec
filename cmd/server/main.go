// Lectern server - turns uploaded lectures into notes, quizzes, and Q&A sessions
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/lectern-ai/platform/internal/config"
	"github.com/lectern-ai/platform/internal/llm"
	"github.com/lectern-ai/platform/internal/media"
	"github.com/lectern-ai/platform/internal/pipeline"
	"github.com/lectern-ai/platform/internal/server"
	"github.com/lectern-ai/platform/internal/session"
	"github.com/lectern-ai/platform/internal/store"
	"github.com/lectern-ai/platform/internal/stt"
)

func main() {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	cfg := config.Load()

	// Setup structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	blobs, err := store.NewBlobStore(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open blob store", "dir", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	prompts, err := llm.LoadPrompts(cfg.PromptsPath)
	if err != nil {
		slog.Error("failed to load prompts", "path", cfg.PromptsPath, "error", err)
		os.Exit(1)
	}

	transcriber := stt.New(stt.Options{
		Endpoint:     cfg.STTEndpoint,
		AppID:        cfg.STTAppID,
		AccessKey:    cfg.STTAccessKey,
		PollInterval: cfg.STTPollInterval,
		PollAttempts: cfg.STTPollAttempts,
		Timeout:      cfg.STTCallTimeout,
	})
	generator := llm.New(llm.Options{
		Endpoint:    cfg.LLMEndpoint,
		APIKey:      cfg.LLMAPIKey,
		Model:       cfg.LLMModel,
		MaxTokens:   cfg.LLMMaxTokens,
		Temperature: cfg.LLMTemperature,
		Timeout:     cfg.LLMCallTimeout,
	}, prompts)

	registry := session.NewRegistry()
	runner := pipeline.New(cfg, media.NewSplitter(), transcriber, generator, db, blobs, registry)

	srv := server.New(runner, db, blobs, registry)

	httpServer := &http.Server{
		Addr:        cfg.HTTPAddr,
		Handler:     srv.Handler(),
		ReadTimeout: 10 * time.Second,
		// Writes stay open for the lifetime of a session channel
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("lectern server starting", "http", cfg.HTTPAddr, "model", cfg.LLMModel)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	slog.Info("shutdown complete")
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
