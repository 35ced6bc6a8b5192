package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"pulsebridge/capture"
	"pulsebridge/config"
	"pulsebridge/metrics"
	"pulsebridge/monitoring"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	appName    = "PulseBridge"
	appVersion = "1.0.0"
)

func main() {
	// Parse command-line flags
	configPath := flag.String("config", "", "Path to configuration file (defaults apply when omitted)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	version := flag.Bool("version", false, "Show version and exit")
	dump := flag.Bool("dump", false, "Print raw sensor lines and their decode result, then exit on interrupt")
	flag.Parse()

	// Handle version flag
	if *version {
		fmt.Printf("%s v%s\n", appName, appVersion)
		os.Exit(0)
	}

	// Load configuration
	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
		cfg = loaded
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *dump {
		runDump(ctx, cfg, *debug)
		return
	}

	// Setup logging
	logger := setupLogging(cfg, *debug)
	logger.Info("Starting PulseBridge",
		"version", appVersion,
		"instance", cfg.App.InstanceID,
		"config", *configPath)

	m, err := metrics.New()
	if err != nil {
		logger.Error("Failed to register metrics", "error", err)
		os.Exit(1)
	}

	manager := capture.NewManager(cfg, appVersion, m, logger)
	if err := manager.Start(ctx); err != nil {
		logger.Error("Failed to start bridge manager", "error", err)
		os.Exit(1)
	}

	monServer := monitoring.NewServer(&cfg.Monitoring, manager.Gateway(), manager, m.Handler(), logger)
	if err := monServer.Start(); err != nil {
		logger.Error("Failed to start HTTP server", "error", err)
		manager.Stop()
		os.Exit(1)
	}

	logger.Info("PulseBridge started successfully",
		"instance", cfg.App.InstanceID,
		"port", cfg.Monitoring.Port)

	// Wait for shutdown signal
	<-ctx.Done()
	stop()
	logger.Info("Received shutdown signal")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	logger.Info("Shutting down gracefully...")

	if err := monServer.Stop(shutdownCtx); err != nil {
		logger.Warn("Error stopping HTTP server", "error", err)
	}

	done := make(chan struct{})
	go func() {
		manager.Stop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("Shutdown complete")
	case <-shutdownCtx.Done():
		logger.Warn("Shutdown timed out, forcing exit")
	}

	logger.Info("PulseBridge stopped")
}

// runDump is the bench mode: no subscribers, just raw lines on stdout.
// Diagnostics go to stderr so stdout stays greppable.
func runDump(ctx context.Context, cfg *config.Config, debug bool) {
	level := slog.LevelWarn
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	locator := capture.NewLocator(&cfg.Serial, logger)
	tr := capture.TransformFromConfig(&cfg.Transform)

	if err := capture.Dump(ctx, locator, tr, cfg.Serial.PollInterval(), os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "dump: %v\n", err)
		os.Exit(1)
	}
}

// setupLogging configures logging with optional file rotation
func setupLogging(cfg *config.Config, debug bool) *slog.Logger {
	// Determine log level
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	} else {
		switch cfg.Logging.Level {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Logging.BasePath == "" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}

	if err := os.MkdirAll(cfg.Logging.BasePath, 0755); err != nil {
		log.Printf("Warning: failed to create log directory: %v", err)
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}

	writer := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Logging.BasePath, "pulsebridge.log"),
		MaxSize:    cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
	}
	return slog.New(slog.NewJSONHandler(writer, opts))
}
