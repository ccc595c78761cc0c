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
	"strings"
	"syscall"
	"time"

	"tz01-bridge/internal/coordinator"
	"tz01-bridge/internal/driver"
	"tz01-bridge/internal/ncp"
	"tz01-bridge/internal/store"
	"tz01-bridge/internal/web"
	"tz01-bridge/internal/zcl"
	"tz01-bridge/internal/zcl/clusters"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to the YAML config file")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("tz01-bridge starting", "version", version)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "err", err)
		os.Exit(1)
	}
	logger.Info("goodbye")
}

func run(cfg *Config, logger *slog.Logger) error {
	registry := zcl.NewRegistry(logger)
	clusters.RegisterAll(registry)

	drivers := driver.NewRegistry()
	deviceDB, err := coordinator.LoadDeviceDir(cfg.DevicesDir, registry, drivers.Has, logger)
	if err != nil {
		return fmt.Errorf("load device definitions: %w", err)
	}
	logger.Info("device definitions loaded", "devices", deviceDB.Len(), "drivers", strings.Join(drivers.Names(), ","))

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	logger.Info("opening ZBOSS NCP", "port", cfg.NCP.Port, "baud", cfg.NCP.Baud)
	backend, err := ncp.OpenZBOSS(cfg.NCP.Port, cfg.NCP.Baud, logger)
	if err != nil {
		return fmt.Errorf("open ncp: %w", err)
	}
	defer backend.Close()

	events := coordinator.NewEventBus(logger)
	coord := coordinator.New(coordinator.Config{
		RequestTimeout: cfg.Reporting.RequestTimeout,
		QueueSize:      cfg.Sink.QueueSize,
	}, backend, db, registry, deviceDB, drivers, events, logger)

	// Subscribers attach before Start so no early capability update is missed.
	mqtt := initMQTT(coord, cfg, logger)
	defer mqtt.Stop()
	auto, autoWebOpts := initAutomation(coord, cfg, logger)
	defer auto.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = coord.Start(ctx)
	cancel()
	if err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}
	defer coord.Stop()

	webOpts := []web.ServerOption{web.WithVersion(version)}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, autoWebOpts...)
	webServer := web.NewServer(coord, logger, webOpts...)
	defer webServer.Stop()

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	httpErr := make(chan error, 1)
	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig)
	case err := <-httpErr:
		logger.Error("http server", "err", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	return nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
