package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cli-gateway/internal/config"
	"cli-gateway/internal/gateway"
	"cli-gateway/internal/logger"
	"cli-gateway/internal/session"
	"cli-gateway/internal/watcher"
)

func main() {
	logger.Init(os.Getenv)

	cfg, err := config.Load(os.Getenv)
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if cfg.SecretGenerated {
		slog.Warn("SECRET_KEY not set, using a random key; sessions will not survive a restart")
	}

	catalog := session.DefaultCatalog()
	if cfg.ModelsFile != "" {
		c, err := session.LoadCatalog(cfg.ModelsFile)
		if err != nil {
			slog.Error("failed to load models file", "file", cfg.ModelsFile, "error", err)
			os.Exit(1)
		}
		catalog = c
	}

	registry := session.NewRegistry(session.Options{
		Launcher: &session.ExecLauncher{
			Command:   cfg.WorkerCommand,
			Args:      cfg.WorkerArgs,
			APIKeyEnv: cfg.WorkerAPIKeyEnv,
			ModelEnv:  cfg.WorkerModelEnv,
			Dir:       cfg.WorkerDir,
		},
		StopTimeout: cfg.StopTimeout,
		MaxSessions: cfg.MaxSessions,
		Catalog:     catalog,
	})

	fileWatch := watcher.New()
	if cfg.ModelsFile != "" {
		err := fileWatch.Watch(cfg.ModelsFile, func(path string) {
			c, err := session.LoadCatalog(path)
			if err != nil {
				slog.Warn("ignoring invalid models file", "file", path, "error", err)
				return
			}
			if err := registry.SetCatalog(c); err != nil {
				slog.Warn("ignoring invalid models file", "file", path, "error", err)
				return
			}
			slog.Info("model catalog reloaded", "file", path, "default", c.Default, "models", len(c.Models))
		})
		if err != nil {
			slog.Warn("models file will not be reloaded", "file", cfg.ModelsFile, "error", err)
		}
	}

	reapCtx, stopReaper := context.WithCancel(context.Background())
	reaper := session.NewReaper(registry, cfg.IdleTimeout, cfg.ReapInterval)
	go reaper.Run(reapCtx)

	srv := gateway.New(cfg, registry)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	slog.Info("server listening",
		"port", cfg.Port,
		"worker", cfg.WorkerCommand,
		"idleTimeout", cfg.IdleTimeout,
		"reapInterval", cfg.ReapInterval,
		"adminEnabled", cfg.AdminToken != "",
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "error", err)
			stopReaper()
			registry.Shutdown()
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stopReaper()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Warn("gateway shutdown", "error", err)
	}
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Warn("http server shutdown", "error", err)
	}
	fileWatch.Shutdown()
	registry.Shutdown()
}
