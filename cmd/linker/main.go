package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dyluth/linker/internal/config"
	"github.com/dyluth/linker/internal/instance"
	"github.com/dyluth/linker/internal/logging"
	"github.com/dyluth/linker/internal/metrics"
	"github.com/dyluth/linker/internal/orchestrator"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultConfigPath is read when LINKER_CONFIG is unset
	DefaultConfigPath = "/etc/linker/linker.yml"

	// connectWait bounds how long startup waits for Redis
	connectWait = 30 * time.Second

	shutdownTimeout = 5 * time.Second
)

func main() {
	os.Exit(run())
}

// run contains the main logic and returns an exit code.
func run() int {
	logger := logging.New(os.Stderr, os.Getenv("LINKER_LOG_LEVEL"), os.Getenv("LINKER_LOG_FORMAT"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	configPath := os.Getenv("LINKER_CONFIG")
	if configPath == "" {
		configPath = DefaultConfigPath
	}

	if err := serve(ctx, os.Getenv(instance.EnvName), instance.ResolveRedisURL(""), configPath, logger); err != nil {
		logger.WithError(err).Error("Linker exited with error")
		return 1
	}
	return 0
}

// serve runs one linker process until ctx is cancelled.
func serve(ctx context.Context, instanceName, redisURL, configPath string, logger *logrus.Logger) error {
	name, err := instance.ResolveName(instanceName)
	if err != nil {
		return err
	}
	log := logger.WithField("instance", name)

	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return err
	}

	client, err := instance.Connect(ctx, name, redisURL, connectWait)
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			log.WithError(err).Error("Error closing blackboard client")
		}
	}()
	log.Info("Connected to Redis")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	daemon, err := orchestrator.NewDaemon(client, cfg, log, m)
	if err != nil {
		return err
	}

	health := orchestrator.NewHealthServer(client, daemon.Engine, reg, log)
	if err := health.Start(cfg.Server.HealthAddr); err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"config":      configPath,
		"parallelism": cfg.Linking.Parallelism,
		"background":  *cfg.Linking.BackgroundLinkingEnabled,
	}).Info("Linker starting")

	runErr := daemon.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := health.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.WithError(err).Error("Health server shutdown error")
	}
	return runErr
}
