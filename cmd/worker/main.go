package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"concierge/internal/app"
	"concierge/internal/config"
	"concierge/pkg/logger"
)

func main() {
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log, closeLog := logger.New(cfg.App.Env, cfg.Log.File)
	slog.SetDefault(log)

	a, err := app.New(rootCtx, cfg, log)
	if err != nil {
		log.Error("app init failed", "err", err)
		os.Exit(1)
	}
	defer a.Close()

	log.Info("worker starting", "queue", cfg.Worker.Queue, "concurrency", cfg.Worker.Concurrency)
	a.NewWorker().Run(rootCtx)
	log.Info("worker stopped")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second, closeLog)
}
