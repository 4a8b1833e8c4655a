package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"dealwatch/internal/config"
	"dealwatch/internal/notifier"
	"dealwatch/internal/scheduler"
	"dealwatch/internal/scraper"
	"dealwatch/internal/server"
	"dealwatch/internal/storage"
	"dealwatch/internal/watch"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Error("create data directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		log.Error("open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	sched := scheduler.New(store, notifier.NewWebhook(http.DefaultClient), log)
	scr := scraper.New(cfg.SourceURL, cfg.ScrapeIntervalMinutes, store, log)
	queries := watch.NewService(store, sched, log)
	srv := server.New(store, queries, scr, log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := sched.Bootstrap(ctx); err != nil {
		log.Error("bootstrap scheduler", "error", err)
		os.Exit(1)
	}
	defer sched.Stop()

	go scr.Run(ctx)

	log.Info("starting dealwatch")

	if err := srv.Run(ctx, cfg.ListenAddr); err != nil {
		log.Error("http server", "error", err)
		os.Exit(1)
	}

	log.Info("dealwatch stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
