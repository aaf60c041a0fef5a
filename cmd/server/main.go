package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"notekeep/internal/server/api"
	"notekeep/internal/server/config"
	"notekeep/internal/server/database"
	"notekeep/internal/server/service"
	"notekeep/internal/server/staging"
	"notekeep/internal/server/storage"
)

func main() {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Structured logging
	level, _ := config.ParseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	slog.Info("configuration loaded",
		"port", cfg.Port,
		"staging_path", cfg.StagingPath,
		"storage_path", cfg.StoragePath,
		"max_file_size", cfg.MaxFileSize,
		"hash_algorithm", cfg.HashAlgorithm,
		"session_ttl", cfg.SessionTTL,
		"token_auth", cfg.JWTSecret != "",
	)

	// Connect to database
	ctx := context.Background()
	db, err := database.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Run migrations
	if err := db.RunMigrations(ctx); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	slog.Info("database migrations complete")

	// Initialize staging and storage
	chunks := staging.NewChunkStore(cfg.StagingPath, cfg.HashAlgorithm)
	if err := chunks.EnsureDir(); err != nil {
		slog.Error("failed to initialize staging area", "error", err)
		os.Exit(1)
	}
	store := storage.NewFileSystemStore(cfg.StoragePath)
	if err := store.EnsureDir(); err != nil {
		slog.Error("failed to initialize storage", "error", err)
		os.Exit(1)
	}
	slog.Info("file storage initialized", "staging", cfg.StagingPath, "path", cfg.StoragePath)

	svc := service.NewUploadService(db, chunks, store, cfg)

	// Start sweeper
	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	sweeper := storage.NewSweeper(chunks, db, store, cfg.SweepInterval, cfg.SessionTTL, cfg.PendingTTL)
	sweeper.Start(sweepCtx)

	// Setup HTTP router
	handler := api.NewHandler(svc, db)
	e := api.SetupRouter(handler, cfg)

	// Start server in a goroutine
	go func() {
		addr := fmt.Sprintf(":%s", cfg.Port)
		slog.Info("starting server", "addr", addr)
		if err := e.Start(addr); err != nil {
			slog.Info("server stopped", "reason", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutting down", "signal", sig)

	// Stop accepting new requests, finish in-flight with 30s timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Stop sweeper
	sweepCancel()
	sweeper.Wait()

	slog.Info("server exited cleanly")
}
