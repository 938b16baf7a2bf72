package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/devrev/pairkv/internal/config"
	"github.com/devrev/pairkv/internal/coordinator"
	"github.com/devrev/pairkv/internal/metrics"
	"github.com/devrev/pairkv/internal/server"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadCoordinatorConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := config.BuildLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting coordinator",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.Duration("lock_timeout", cfg.Membership.LockTimeout))

	registry := prometheus.NewRegistry()
	m := metrics.NewCoordinatorMetrics(registry)

	coord := coordinator.New(&coordinator.Config{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		LockTimeout: cfg.Membership.LockTimeout,
		SendTimeout: cfg.Membership.SendTimeout,
	}, m, logger)

	if err := coord.Start(); err != nil {
		logger.Fatal("Failed to start coordinator", zap.Error(err))
	}

	var admin *server.AdminServer
	if cfg.Metrics.Enabled {
		admin = server.NewAdminServer(&server.AdminServerConfig{
			Port:              cfg.Metrics.Port,
			RequestsPerSecond: cfg.Metrics.RequestsPerSecond,
			Burst:             cfg.Metrics.Burst,
		}, registry, func() (bool, string) { return true, "" }, logger)
		if err := admin.Start(); err != nil {
			logger.Fatal("Failed to start admin server", zap.Error(err))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("Shutting down gracefully...")
	if admin != nil {
		if err := admin.Stop(); err != nil {
			logger.Error("Failed to stop admin server", zap.Error(err))
		}
	}
	if err := coord.Stop(); err != nil {
		logger.Error("Failed to stop coordinator", zap.Error(err))
	}
}
