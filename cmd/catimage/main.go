// Package main is the entry point for the catimage server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"catimage/config"
	"catimage/internal/app"
	"catimage/internal/logging"
	"catimage/internal/version"
)

func main() {
	versionFlag := flag.Bool("version", false, "Print version information")
	flag.Parse()

	if *versionFlag {
		fmt.Println(version.Info())
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		// logging is not configured yet
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := logging.Setup(logging.Options{Format: cfg.Logging.Format, Level: cfg.Logging.Level}); err != nil {
		slog.Error("failed to configure logging", "error", err)
		os.Exit(1)
	}

	slog.Info("starting catimage",
		"version", version.Version,
		"commit", version.Commit,
		"build_date", version.Date,
	)

	if cfg.Server.MasterKey == "" {
		slog.Warn("CATIMAGE_MASTER_KEY not set, /v1 routes are unauthenticated")
	} else {
		slog.Info("authentication enabled", "mode", "master_key")
	}

	application, err := app.New(context.Background(), cfg)
	if err != nil {
		slog.Error("failed to initialize application", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- application.Start(":" + cfg.Server.Port)
	}()

	exitCode := 0
	select {
	case err := <-serveErr:
		if err != nil {
			slog.Error("server failed", "error", err)
			exitCode = 1
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
		exitCode = 1
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}
