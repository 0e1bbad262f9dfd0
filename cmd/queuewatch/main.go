package main

import (
	"context"
	"database/sql"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aevon-lab/queuewatch/internal/config"
	"github.com/aevon-lab/queuewatch/internal/core/stats"
	"github.com/aevon-lab/queuewatch/internal/core/storage/postgres"
	"github.com/aevon-lab/queuewatch/internal/host"
	"github.com/aevon-lab/queuewatch/internal/metrics"
	"github.com/aevon-lab/queuewatch/internal/migrations"
	"github.com/aevon-lab/queuewatch/internal/retention"
	"github.com/aevon-lab/queuewatch/internal/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "queuewatch.yaml", "Path to configuration file")
	flag.Parse()

	// 1. Load Configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger, _ := zap.NewProduction()
		bootLogger.Fatal("failed to load config", zap.Error(err))
	}

	// 2. Initialize Logger
	logger, err := newLogger(cfg.Server.Mode)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("loaded config",
		zap.Int("hosts", len(cfg.Hosts)),
		zap.Int("seed_rules", len(cfg.Seeds)),
		zap.String("catchup_source", cfg.CatchUp.Source))

	if err := run(cfg, logger); err != nil {
		logger.Fatal("queuewatch stopped with error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func newLogger(mode string) (*zap.Logger, error) {
	if mode == "debug" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	// 3. Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return err
	}

	// 4. Event archive (PostgreSQL), optional
	var archive *postgres.ArchiveAdapter
	if cfg.Archive.Enabled {
		db, err := postgres.Open(cfg.Archive.DSN, cfg.Archive.MaxOpenConns, cfg.Archive.MaxIdleConns)
		if err != nil {
			return err
		}
		archive, err = openArchive(db, cfg.Archive.AutoMigrate, logger)
		if err != nil {
			_ = db.Close()
			return err
		}
		defer archive.Close()
	}

	// 5. Hosts
	opts := host.Options{
		Stats:   cfg.Stats,
		Lock:    cfg.Lock,
		CatchUp: cfg.CatchUp,
		Seeds:   cfg.Seeds,
		Logger:  logger,
		Metrics: m,
	}
	if archive != nil {
		opts.Archive = archive
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := host.NewRegistry()
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer closeCancel()
		if err := registry.Close(closeCtx); err != nil {
			logger.Error("closing hosts", zap.Error(err))
		}
	}()
	for _, hc := range cfg.Hosts {
		h, err := host.New(hc, opts)
		if err != nil {
			return err
		}
		if err := registry.Register(h); err != nil {
			_ = h.Close(ctx)
			return err
		}
		if err := h.Start(ctx); err != nil {
			return err
		}
	}

	// 6. Retention janitor
	var pruner retention.Pruner
	if archive != nil {
		pruner = archive
	}
	janitor, err := retention.New(func() []retention.Target { return retentionTargets(registry) }, retention.Options{
		Schedule: cfg.Retention.Schedule,
		Policy: retention.Policy{
			Series: map[stats.Granularity]time.Duration{
				stats.Minute: cfg.Retention.Minute,
				stats.Hour:   cfg.Retention.Hour,
				stats.Day:    cfg.Retention.Day,
				stats.Week:   cfg.Retention.Week,
			},
			Alerts:  cfg.Rules.AlertRetention,
			Archive: cfg.Archive.Retention,
		},
		Archive: pruner,
		Logger:  logger.Named("retention"),
		Metrics: m,
	})
	if err != nil {
		return err
	}
	janitor.Start(ctx)
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stopCancel()
		janitor.Stop(stopCtx)
	}()

	// 7. Ops server
	srv := server.New(cfg.Server.Addr(), cfg.Server.Mode, func() []server.HealthChecker {
		hosts := registry.Hosts()
		out := make([]server.HealthChecker, len(hosts))
		for i, h := range hosts {
			out[i] = h
		}
		return out
	}, reg, logger.Named("server"))

	// Signal handler triggers the shutdown sequence below.
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		logger.Info("signal received, shutting down")
		cancel()
	}()

	// HTTP server blocks until ctx is cancelled.
	return srv.Run(ctx)
}

func openArchive(db *sql.DB, autoMigrate bool, logger *zap.Logger) (*postgres.ArchiveAdapter, error) {
	if err := migrations.RunMigrations(db, autoMigrate, logger.Named("migrations")); err != nil {
		return nil, err
	}
	return postgres.NewArchiveAdapter(db, logger.Named("archive"))
}

func retentionTargets(registry *host.Registry) []retention.Target {
	var out []retention.Target
	for _, h := range registry.Hosts() {
		for _, qm := range h.Queues() {
			out = append(out, retention.Target{
				Host:   h.Name(),
				Client: h.Client(),
				Keys:   qm.Keys(),
				Owner:  h.Lock(),
			})
		}
	}
	return out
}
