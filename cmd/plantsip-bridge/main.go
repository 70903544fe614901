package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"plantsip-bridge/internal/coordinator"
	"plantsip-bridge/internal/plantsip"
	"plantsip-bridge/internal/store"
	"plantsip-bridge/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

// startupTimeout bounds credential bootstrap plus the first refresh.
const startupTimeout = 2 * time.Minute

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		logSetupError(bootLogger, "invalid config", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("plantsip-bridge starting", "version", version, "host", cfg.API.Host)

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := coordinator.NewMetrics(reg)

	newClient := func(apiKey string) (*plantsip.Client, error) {
		return plantsip.NewClient(plantsip.Config{
			BaseURL:   cfg.API.Host,
			APIKey:    apiKey,
			Timeout:   cfg.API.Timeout,
			UserAgent: "plantsip-bridge/" + version,
			Retry: plantsip.RetryConfig{
				MaxAttempts:     cfg.API.Retry.MaxAttempts,
				InitialInterval: cfg.API.Retry.InitialInterval,
			},
			Breaker: plantsip.BreakerConfig{
				Failures: cfg.API.Breaker.Failures,
				OpenFor:  cfg.API.Breaker.OpenFor,
			},
		}, logger, plantsip.WithObserver(metrics))
	}

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	client, err := bootstrap(ctx, cfg, db, newClient, logger)
	if err != nil {
		cancel()
		logSetupError(logger, "authenticate", err)
		db.Close()
		os.Exit(1)
	}

	events := coordinator.NewEventBus(logger)
	coord := coordinator.New(client, coordinator.Config{
		Interval:      cfg.API.RefreshInterval,
		MaxParallel:   cfg.API.MaxParallel,
		DeviceTimeout: cfg.API.DeviceTimeout,
	}, events, logger,
		coordinator.WithRegistry(db),
		coordinator.WithMetrics(metrics),
	)

	// The first refresh must succeed before anything is exposed.
	if err := coord.Start(ctx); err != nil {
		cancel()
		logSetupError(logger, "start coordinator", setupErr(err, "api.api_key", codeInvalidAPIKey))
		db.Close()
		os.Exit(1)
	}
	cancel()

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(coord, cfg, logger)

	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version), web.WithGatherer(reg))
	webOpts = append(webOpts, autoWebOpts...)

	webServer := web.NewServer(coord, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * cfg.API.Timeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(coord, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	coord.Stop()

	logger.Info("goodbye")
}

// logSetupError logs err, naming the field and code of a SetupError.
func logSetupError(logger *slog.Logger, msg string, err error) {
	var se *SetupError
	if errors.As(err, &se) {
		logger.Error(msg, "field", se.Field, "code", se.Code, "err", se.Err)
		return
	}
	logger.Error(msg, "err", err)
}
