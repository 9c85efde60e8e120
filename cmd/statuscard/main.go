// Package main is the entry point for statuscard, a small HTTP service that
// serves a user's live presence as JSON, as an HTML status card, or as a PNG
// screenshot of that card.
//
// Requests pass a layered admission stack (burst guard, fixed window,
// progressive slowdown) before any upstream or rendering work. PNGs come
// from a bounded pool of headless browser tabs. A supervisor keeps the
// single upstream gateway connection alive and shuts the process down when
// it cannot.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/statuscard/statuscard/internal/config"
	"github.com/statuscard/statuscard/internal/observability"
	"github.com/statuscard/statuscard/internal/server"
)

// version is set at build time via ldflags: -ldflags "-X main.version=v1.0.0".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("statuscard %s\n", version)
		return 0
	}

	// Load configuration from YAML file + environment variable overrides.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: configuration error: %v\n", err)
		return 1
	}

	logger := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("starting statuscard", "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(cfg, logger, version)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		return 1
	}

	watcher := config.NewWatcher(config.ConfigFilePath(), func(newCfg *config.Config) {
		if reloadErr := srv.Reload(newCfg); reloadErr != nil {
			logger.Error("config reload failed", "error", reloadErr)
		}
	}, logger)
	go func() {
		if watchErr := watcher.Start(ctx); watchErr != nil {
			logger.Error("config watcher error", "error", watchErr)
		}
	}()
	defer watcher.Stop()

	code := srv.Run(ctx)
	if code == 0 {
		logger.Info("statuscard shut down gracefully")
	} else {
		logger.Error("statuscard shut down with errors", "exit_code", code)
	}
	return code
}
