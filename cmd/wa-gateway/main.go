// Package main is the entry point for the WhatsApp gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mdp/qrterminal/v3"
	"github.com/skip2/go-qrcode"

	"github.com/harundwi/wa-gateway/internal/config"
	"github.com/harundwi/wa-gateway/internal/dispatch"
	"github.com/harundwi/wa-gateway/internal/health"
	"github.com/harundwi/wa-gateway/internal/phone"
	"github.com/harundwi/wa-gateway/internal/session"
	"github.com/harundwi/wa-gateway/internal/state"
	"github.com/harundwi/wa-gateway/internal/store"
	"github.com/harundwi/wa-gateway/internal/whatsapp"
	"github.com/harundwi/wa-gateway/pkg/api"
)

var (
	configPath = flag.String("config", "config.yaml", "Path to config file")
	logLevel   = flag.String("log-level", "", "Log level (debug, info, warn, error)")
	listenAddr = flag.String("listen", "", "HTTP listen address (overrides config)")
)

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Flag overrides
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	// Setup logging
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var logHandler slog.Handler
	if cfg.LogFormat == "text" {
		logHandler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		logHandler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	logger := slog.New(logHandler)
	slog.SetDefault(logger)

	logger.Info("WhatsApp gateway starting",
		"config", *configPath,
		"listen", cfg.ListenAddr,
		"log_level", cfg.LogLevel,
	)

	// Ensure data directories exist
	if err := os.MkdirAll(filepath.Dir(cfg.StorePath), 0700); err != nil {
		logger.Error("Failed to create data directory", "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.SessionPath), 0700); err != nil {
		logger.Error("Failed to create data directory", "error", err)
		os.Exit(1)
	}

	// Dispatch history and transition log
	storeDB, err := store.Open(cfg.StorePath)
	if err != nil {
		logger.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	defer storeDB.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Transport
	waClient, err := whatsapp.NewClient(ctx, cfg.SessionPath, logger)
	if err != nil {
		logger.Error("Failed to create WhatsApp client", "error", err)
		os.Exit(1)
	}
	defer waClient.Close()

	// Lifecycle machine and session
	machine := state.NewMachine(state.Timings{
		AuthGrace:    cfg.GraceAuth,
		LoadingGrace: cfg.GraceLoading,
	})
	sess := session.New(cfg, machine, waClient, storeDB, logger)
	defer sess.Stop()

	monitor := health.NewMonitor(machine)
	dispatcher := dispatch.New(machine, waClient, cfg.PacingDelay, logger)
	normalizer := phone.NewNormalizer(cfg.CountryCode)

	// Render pairing codes out of band: PNG on disk plus terminal QR.
	qrFilePath := filepath.Join(filepath.Dir(cfg.StorePath), "qrcode.png")
	go func() {
		for qr := range sess.QRChannel() {
			if err := qrcode.WriteFile(qr, qrcode.Medium, 256, qrFilePath); err == nil {
				logger.Info("QR code saved, scan it with WhatsApp mobile", "path", qrFilePath)
			} else {
				logger.Error("Failed to save QR code", "error", err)
			}
			fmt.Fprintln(os.Stderr, "Scan this QR code with WhatsApp mobile:")
			qrterminal.GenerateHalfBlock(qr, qrterminal.L, os.Stderr)
			fmt.Fprintln(os.Stderr, "")
		}
	}()

	// Connect in the background; the HTTP surface is up regardless and
	// reports not-ready until the session comes online.
	go func() {
		if err := sess.Initialize(ctx); err != nil {
			logger.Error("WhatsApp connection error", "error", err)
		}
	}()

	srv := api.NewServer(cfg, sess, dispatcher, normalizer, storeDB, monitor, logger)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- httpServer.ListenAndServe()
	}()

	logger.Info("Gateway initialized",
		"store_path", cfg.StorePath,
		"session_path", cfg.SessionPath,
		"state", machine.MustState(),
	)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", "signal", sig)
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
		}
	}

	// Graceful shutdown
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", "error", err)
	}

	logger.Info("WhatsApp gateway stopped")
}
