package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/phroun/anchorage"
	"github.com/phroun/anchorage/internal/config"
	"github.com/phroun/anchorage/internal/logger"
	"github.com/phroun/anchorage/journal"
	"github.com/phroun/anchorage/redisbus"
)

// addGlobalFlags adds the flags every subcommand understands.
func addGlobalFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringP("config", "c", "", "config file (default: ~/.anchorage/config.yaml)")
	cmd.PersistentFlags().String("log-level", "", "log level: debug/info/warn/error (env: ANCHORAGE_LOG_LEVEL)")
	cmd.PersistentFlags().String("journal", "", "bbolt journal path (env: ANCHORAGE_JOURNAL)")
	cmd.PersistentFlags().String("redis", "", "redis address for replication (env: ANCHORAGE_REDIS_ADDR)")
	cmd.PersistentFlags().String("replica", "", "replica id (env: ANCHORAGE_REPLICA_ID)")
}

// loadConfig reads the config file and environment, then applies flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	required := path != ""
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path, required)
	if err != nil {
		return nil, err
	}

	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if v, _ := cmd.Flags().GetString("journal"); v != "" {
		cfg.Journal.Path = v
	}
	if v, _ := cmd.Flags().GetString("redis"); v != "" {
		cfg.Redis.Addr = v
	}
	if v, _ := cmd.Flags().GetString("replica"); v != "" {
		cfg.ReplicaID = v
	}
	return cfg, nil
}

// app bundles everything a command needs to work with documents.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	lib      *anchorage.Library
	registry *prometheus.Registry
	journal  *journal.Journal
	bus      *redisbus.Bus
	redis    *redis.Client

	closers []io.Closer
}

// newApp builds the logger, metrics, journal, redis bus and library
// described by cfg.
func newApp(cfg *config.Config) (*app, error) {
	log, logCloser, err := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Environment: cfg.Log.Environment,
		WithSource:  cfg.Log.WithSource,
		File: logger.FileConfig{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		},
	})
	if err != nil {
		return nil, err
	}
	rt := &app{cfg: cfg, log: log, registry: prometheus.NewRegistry(), closers: []io.Closer{logCloser}}

	metrics, err := anchorage.NewMetrics(rt.registry)
	if err != nil {
		rt.Close()
		return nil, err
	}
	opts := anchorage.LibraryOptions{
		Logger:    log,
		Metrics:   metrics,
		ReplicaID: cfg.ReplicaID,
	}

	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal.Path, journal.Options{Timeout: cfg.Journal.Timeout, Logger: log})
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.journal = j
		rt.closers = append(rt.closers, j)
		opts.Components = append(opts.Components, j.ComponentType())
	}

	if cfg.Redis.Addr != "" {
		rt.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rt.closers = append(rt.closers, rt.redis)
		rt.bus = redisbus.New(rt.redis, redisbus.Options{
			Prefix:     cfg.Redis.Prefix,
			Logger:     log,
			MaxRetries: cfg.Redis.MaxRetries,
		})
		opts.Broadcaster = rt.bus
	}

	rt.lib, err = anchorage.Init(opts)
	if err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

// startReplication subscribes to the redis bus in the background.
func (rt *app) startReplication(ctx context.Context) error {
	if rt.bus == nil {
		return nil
	}
	if err := rt.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis %s: %w", rt.cfg.Redis.Addr, err)
	}
	go func() {
		if err := rt.bus.Run(ctx, rt.lib); err != nil {
			rt.log.Error("replication stopped", "error", err)
		}
	}()
	return nil
}

// Close releases the journal, the redis client and the log file in
// reverse order of acquisition.
func (rt *app) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
