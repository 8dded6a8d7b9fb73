// Kifulab - a single-user shogi game-record analyzer.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hikaet/kifulab/internal/config"
	"github.com/hikaet/kifulab/internal/engine"
	"github.com/hikaet/kifulab/internal/server"
	"github.com/hikaet/kifulab/internal/storage"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to config.toml")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	var store *storage.Store
	if cfg.DataDir != "" {
		store, err = storage.Open(cfg.DataDir)
	} else {
		store, err = storage.OpenDefault()
	}
	if err != nil {
		slog.Error("storage open failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	runtime := server.NewRuntime(store)
	if err := runtime.Startup(); err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}

	driver, err := engine.New(store, cfg.Engine)
	if err != nil {
		slog.Error("engine setup failed", "error", err)
		os.Exit(1)
	}
	defer driver.Shutdown()

	app := server.New(runtime, server.NewHub(), driver, cfg.StaticDir)
	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: app}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown", "error", err)
		}
	}()

	slog.Info("listening", "addr", cfg.ListenAddr, "engine", driver.Available())
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}
