// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// pulsed is the metrics pipeline daemon. It serves the dashboard API,
// ingests campaign events, evaluates sliding-window queries, and fronts
// the ad platform reporting API with quota and cache layers.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adxyz/pulse/pkg/analytics"
	"github.com/adxyz/pulse/pkg/bus"
	"github.com/adxyz/pulse/pkg/cache"
	"github.com/adxyz/pulse/pkg/config"
	"github.com/adxyz/pulse/pkg/log"
	"github.com/adxyz/pulse/pkg/metric"
	"github.com/adxyz/pulse/pkg/ratelimit"
	"github.com/adxyz/pulse/pkg/server"
	"github.com/adxyz/pulse/pkg/storage"
	"github.com/adxyz/pulse/pkg/upstream"
)

const shutdownTimeout = 10 * time.Second

var (
	configPath = flag.String("config", "", "Path to the YAML configuration file")
	watch      = flag.Bool("watch", true, "Reload rate limit tiers when the config file changes")
	version    = flag.Bool("version", false, "Print version and exit")
)

// Version is set at build time
var Version = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("pulsed %s\n", Version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := log.NewWithLevel(cfg.LogLevel)
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("pulsed failed", log.Error(err))
	}
}

func run(cfg *config.Config, logger log.Logger) error {
	metrics := metric.New("pulse")
	signals := bus.New(0, logger)

	store, err := storage.New(cfg.Storage.Type, cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}

	cacheMgr := cache.NewManager(cfg.Cache, store, logger, metrics)
	registry := ratelimit.NewRegistry(cfg.RateLimit.Tiers, cfg.RateLimit.DefaultTier, logger, metrics)
	engine := analytics.NewEngine(cfg.Analytics, signals, logger, metrics)

	var client *upstream.Client
	if cfg.Upstream.Enabled {
		client = upstream.NewClient(cfg.Upstream.Config,
			registry.Get(cfg.RateLimit.DefaultTier), cacheMgr, logger)
		logger.Info("upstream client enabled", log.String("base_url", cfg.Upstream.BaseURL))
	}

	api := server.New(server.Config{
		ListenAddr:     cfg.Server.ListenAddr,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
	}, engine, cacheMgr, registry, signals, metrics, client, logger)
	admin := server.NewAdmin(cfg.Server.AdminAddr, registry, cacheMgr, metrics, logger)

	errCh := make(chan error, 2)
	go func() { errCh <- api.Start() }()
	go func() { errCh <- admin.Start() }()

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	defer cancelWatch()
	if *watch && *configPath != "" {
		go func() {
			err := config.Watch(watchCtx, *configPath, logger, func(next *config.Config) {
				registry.Update(next.RateLimit.Tiers)
			})
			if err != nil && err != context.Canceled {
				logger.Warn("config watcher stopped", log.Error(err))
			}
		}()
	}

	logger.Info("pulsed started",
		log.String("version", Version),
		log.String("api", cfg.Server.ListenAddr),
		log.String("admin", cfg.Server.AdminAddr))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("shutting down", log.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", log.Error(err))
		}
	}

	cancelWatch()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := api.Shutdown(ctx); err != nil {
		logger.Warn("api shutdown", log.Error(err))
	}
	if err := admin.Shutdown(ctx); err != nil {
		logger.Warn("admin shutdown", log.Error(err))
	}

	engine.Shutdown()
	cacheMgr.Close() // persists the snapshot
	signals.Close()
	if err := store.Close(); err != nil {
		logger.Warn("store close", log.Error(err))
	}

	logger.Info("pulsed stopped")
	return nil
}
