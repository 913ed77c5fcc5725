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

	"github.com/kkotobuki/realtime-moziokosi/internal/config"
	"github.com/kkotobuki/realtime-moziokosi/internal/diagram"
	"github.com/kkotobuki/realtime-moziokosi/internal/metrics"
	"github.com/kkotobuki/realtime-moziokosi/internal/server"
	"github.com/kkotobuki/realtime-moziokosi/internal/session"
	"github.com/kkotobuki/realtime-moziokosi/internal/sheets"
	"github.com/kkotobuki/realtime-moziokosi/internal/transcription"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "realtime-moziokosi"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	// Log service startup
	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.Int("ws_port", cfg.Server.Port),
		slog.String("bind_address", cfg.Server.BindAddress),
		slog.String("ws_path", cfg.Server.Path),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Int("max_buffer_bytes", cfg.Session.MaxBufferBytes),
		slog.Int("session_idle_timeout", cfg.Session.IdleTimeout),
		slog.String("transcription_endpoint", cfg.Transcription.Endpoint),
		slog.String("transcription_model", cfg.Transcription.Model),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics()
	logger.Info("Prometheus metrics initialized")

	// Initialize session store and start the idle sweep
	store := session.NewStore(session.StoreConfig{
		MaxBufferBytes: cfg.Session.MaxBufferBytes,
		IdleTimeout:    cfg.Session.GetIdleTimeout(),
		SweepInterval:  cfg.Session.GetSweepInterval(),
	}, logger)
	store.Start()
	logger.Info("Session store initialized",
		slog.Duration("idle_timeout", cfg.Session.GetIdleTimeout()),
		slog.Duration("sweep_interval", cfg.Session.GetSweepInterval()),
	)

	// Initialize transcription client
	sttClient, err := transcription.NewClient(transcription.Config{
		Endpoint: cfg.Transcription.Endpoint,
		APIKey:   cfg.Transcription.APIKey,
		Model:    cfg.Transcription.Model,
		Timeout:  cfg.Transcription.GetTimeoutDuration(),
	}, logger)
	if err != nil {
		logger.Error("Failed to create transcription client", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Initialize spreadsheet transcript log
	sheetsLogger := sheets.NewLogger(sheets.Config{
		Endpoint: cfg.Sheets.Endpoint,
		APIKey:   cfg.Sheets.APIKey,
		SheetID:  cfg.Sheets.SpreadsheetID,
		Timeout:  cfg.Sheets.GetTimeoutDuration(),
	}, logger)

	// Initialize diagram generator
	diagramGen := diagram.NewClient(diagram.Config{
		Endpoint: cfg.Diagram.Endpoint,
		APIKey:   cfg.Diagram.APIKey,
		Model:    cfg.Diagram.Model,
		Timeout:  cfg.Diagram.GetTimeoutDuration(),
	}, logger)

	// Initialize protocol handler
	handler := server.NewHandler(server.HandlerConfig{
		DefaultLang:   cfg.Session.DefaultLang,
		DefaultMode:   cfg.Session.DefaultMode,
		DefaultMinSec: cfg.Session.DefaultMinSec,
	}, store, sttClient, sheetsLogger, appMetrics, logger)

	// Initialize WebSocket server
	wsServer := server.NewWSServer(cfg.Server, handler, appMetrics, logger)
	logger.Info("WebSocket server initialized")

	// Initialize HTTP API server (if enabled)
	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, cfg, store, wsServer,
			handler, sttClient, diagramGen, appMetrics)
		logger.Info("HTTP API server initialized",
			slog.String("address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
		)
	}

	// Start WebSocket server
	if err := wsServer.Start(); err != nil {
		logger.Error("Failed to start WebSocket server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Start HTTP server (if enabled)
	if httpServer != nil {
		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("ws_address", fmt.Sprintf("%s:%d%s", cfg.Server.BindAddress, cfg.Server.Port, cfg.Server.Path)),
	)

	// Wait for shutdown signal
	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	// Stop HTTP server first (stop accepting new requests)
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	// Stop WebSocket server (close connections and drain in-flight work)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := wsServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping WebSocket server", slog.String("error", err.Error()))
	}

	// Stop session store (sweep goroutine)
	store.Stop()

	// Get final statistics
	wsStats := wsServer.GetStats()
	storeStats := store.GetStats()
	logger.Info("Final server statistics",
		slog.Uint64("connections_total", wsStats.ConnectionsTotal),
		slog.Uint64("messages_total", wsStats.MessagesTotal),
		slog.Uint64("frames_total", wsStats.FramesTotal),
		slog.Uint64("parse_errors", wsStats.ParseErrors),
		slog.Uint64("sessions_created", storeStats.SessionsCreated),
	)

	logger.Info("Service stopped")
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo // default fallback
	}

	// Configure handler options
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug, // Add source info for debug level
	}

	// Determine output destination
	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	// Create handler based on format
	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	case "text", "":
		handler = slog.NewTextHandler(output, opts)
	default:
		// Default to text format
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
