package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/driftkv/replica-node/internal/config"
	"github.com/driftkv/replica-node/internal/metrics"
	"github.com/driftkv/replica-node/internal/replica"
	"github.com/driftkv/replica-node/internal/server"
	"github.com/driftkv/replica-node/internal/service"
	"github.com/driftkv/replica-node/internal/storage/engine"
	"github.com/driftkv/replica-node/internal/storage/lsm"
	"github.com/driftkv/replica-node/internal/util/workerpool"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("node_id", cfg.Server.NodeID),
		zap.Int32("app_id", cfg.Server.AppID),
		zap.Int32("partition_index", cfg.Server.PartitionIndex),
		zap.Uint8("local_cluster_id", cfg.Cluster.LocalClusterID))

	if err := os.MkdirAll(cfg.Ingestion.BulkLoadDir, 0755); err != nil {
		logger.Fatal("Failed to create bulk-load directory", zap.Error(err))
	}

	db, err := engine.Open(cfg.Engine.DataDir, logger)
	if err != nil {
		logger.Fatal("Failed to open storage engine", zap.Error(err))
	}
	defer db.Close()

	base := replica.NewBase(cfg.Server.AppID, cfg.Server.PartitionIndex, cfg.Server.Address)
	pm := metrics.New(prometheus.DefaultRegisterer).ForPartition(base.Gpid())

	wrapper, err := lsm.NewWrapper(db, cfg.Cluster.LocalClusterID, pm.ExpiredReads, logger)
	if err != nil {
		logger.Fatal("Failed to initialize LSM wrapper", zap.Error(err))
	}
	wrapper.SetDefaultTTL(cfg.Table.DefaultTTLSeconds)

	ingestPool := workerpool.New(&workerpool.Config{
		Name:       "ingestion",
		MaxWorkers: cfg.Ingestion.Workers,
		QueueSize:  cfg.Ingestion.QueueSize,
		Logger:     logger,
	})
	defer ingestPool.Stop(cfg.Server.ShutdownTimeout)

	cu := service.NewCapacityUnitCalculator(cfg.Capacity, pm)
	writeSvc := service.NewWriteService(base, wrapper, cu, pm, ingestPool, service.Options{
		LocalClusterID:             cfg.Cluster.LocalClusterID,
		ClusterNames:               cfg.Cluster.Clusters,
		DupLaggingWriteThresholdMs: cfg.Cluster.DupLaggingWriteThresholdMs,
		BulkLoadDir:                cfg.Ingestion.BulkLoadDir,
	}, logger)

	// serverWrite is the entry point the replication layer drives with
	// finalized (decree, timestamp, requests) tuples on the apply thread.
	serverWrite := service.NewServerWrite(writeSvc, cfg.Server.VerboseWriteLog, logger)

	// SIGHUP re-reads the config and pushes table-level settings, the way
	// the control plane updates the default TTL on a live replica.
	hupChan := make(chan os.Signal, 1)
	signal.Notify(hupChan, syscall.SIGHUP)
	go func() {
		for range hupChan {
			newCfg, rerr := config.LoadConfig(configPath)
			if rerr != nil {
				logger.Error("Config reload failed", zap.Error(rerr))
				continue
			}
			serverWrite.SetDefaultTTL(newCfg.Table.DefaultTTLSeconds)
			logger.Info("Table config reloaded",
				zap.Uint32("default_ttl_seconds", newCfg.Table.DefaultTTLSeconds))
		}
	}()

	var metricsServer *server.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = server.NewMetricsServer(&server.MetricsServerConfig{
			Port: cfg.Metrics.Port,
			Path: cfg.Metrics.Path,
		}, base, wrapper, logger)
		metricsServer.Start()
	}

	logger.Info("Replica write path ready",
		zap.String("gpid", base.Gpid()),
		zap.String("data_dir", cfg.Engine.DataDir))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully...")
	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error("Metrics server stop failed", zap.Error(err))
		}
	}
	if err := ingestPool.Stop(cfg.Server.ShutdownTimeout); err != nil {
		logger.Error("Ingestion pool stop failed", zap.Error(err))
	}
}

// initLogger initializes the zap logger from config.
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zapCfg.Level = level
	if cfg.Format == "console" {
		zapCfg.Encoding = "console"
	}
	return zapCfg.Build()
}
