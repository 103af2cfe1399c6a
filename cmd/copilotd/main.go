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

	"github.com/loqalabs/loqa-copilot/internal/config"
	"github.com/loqalabs/loqa-copilot/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		logLevel    string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file (defaults only when empty)")
	flag.StringVar(&logLevel, "log-level", "", "Override telemetry.log_level")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		runtime.NewLogger(os.Stdout, "info").Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if logLevel != "" {
		cfg.Telemetry.LogLevel = logLevel
	}
	logger := runtime.NewLogger(os.Stdout, cfg.Telemetry.LogLevel)
	slog.SetDefault(logger)

	rt := runtime.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}
