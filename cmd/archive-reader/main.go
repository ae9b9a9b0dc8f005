package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/checkpoint-archive/internal/archive"
	"github.com/kenneth/checkpoint-archive/internal/audit"
	"github.com/kenneth/checkpoint-archive/internal/config"
	"github.com/kenneth/checkpoint-archive/internal/debug"
	"github.com/kenneth/checkpoint-archive/internal/metrics"
	"github.com/kenneth/checkpoint-archive/internal/middleware"
	"github.com/kenneth/checkpoint-archive/internal/store"
)

func main() {
	var (
		configPath   = flag.String("config", "config.yaml", "Path to config file")
		start        = flag.Uint64("start", 0, "First checkpoint sequence number (inclusive)")
		end          = flag.Uint64("end", 0, "End of checkpoint range (exclusive); 0 reads through the latest available")
		waitReady    = flag.Duration("wait-ready", 30*time.Second, "How long to wait for the first manifest sync")
		serveMetrics = flag.Bool("serve-metrics", false, "Serve /metrics and health endpoints while reading")
		verbose      = flag.Bool("verbose", false, "Enable verbose logging")
	)

	flag.Parse()

	logger := logrus.New()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load config")
	}

	configureLogger(logger, cfg.Logging, *verbose)
	debug.InitFromLogLevel(cfg.Logging.Level)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled || *serveMetrics {
		m = metrics.NewMetrics()
		m.StartSystemMetricsCollector()
	}

	var auditLogger audit.Logger
	if cfg.Audit.Enabled {
		auditLogger, err = audit.NewLoggerFromConfig(cfg.Audit)
		if err != nil {
			logger.WithError(err).Fatal("Failed to build audit logger")
		}
		defer auditLogger.Close()
	}

	reader, err := archive.New(&cfg.Archive, archive.Options{
		Logger:  logger,
		Metrics: m,
		Audit:   auditLogger,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to construct archive reader")
	}
	defer reader.Close()

	// Log level tracks the config file while the process runs.
	stopWatch, err := config.Watch(*configPath, logger, func(c *config.Config) {
		configureLogger(logger, c.Logging, *verbose)
	})
	if err != nil {
		logger.WithError(err).Warn("Config watch unavailable")
	} else {
		defer stopWatch()
	}

	if m != nil && (cfg.Metrics.Enabled || *serveMetrics) {
		go serveOps(cfg.Metrics.Listen, logger, m, reader)
	}

	sink, closeSink, err := buildSink(&cfg.CheckpointStore)
	if err != nil {
		logger.WithError(err).Fatal("Failed to build checkpoint store")
	}
	defer closeSink()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	latest, err := awaitReady(ctx, reader, *waitReady)
	if err != nil {
		logger.WithError(err).Fatal("Archive not ready")
	}

	endSeq := *end
	if endSeq == 0 {
		endSeq = latest + 1
	}

	logger.WithFields(logrus.Fields{
		"start":  *start,
		"end":    endSeq,
		"latest": latest,
	}).Info("Reading checkpoint range from archive")

	began := time.Now()
	if err := reader.Read(ctx, sink, *start, endSeq); err != nil {
		logger.WithError(err).Error("Archive read failed")
		os.Exit(1)
	}

	logger.WithFields(logrus.Fields{
		"checkpoints": endSeq - *start,
		"duration":    time.Since(began).Round(time.Millisecond),
	}).Info("Archive read complete")
}

func configureLogger(logger *logrus.Logger, cfg config.LoggingConfig, verbose bool) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	if verbose {
		level = logrus.DebugLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
}

// buildSink constructs the checkpoint sink named by the config.
func buildSink(cfg *config.CheckpointStoreConfig) (store.Store, func(), error) {
	switch cfg.Backend {
	case "memory":
		return store.NewMemoryStore(), func() {}, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
			DB:   cfg.RedisDB,
		})
		return store.NewRedisStore(client), func() { client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown checkpoint store backend %q", cfg.Backend)
	}
}

// awaitReady polls until the manifest sync has produced a usable snapshot.
func awaitReady(ctx context.Context, reader *archive.Reader, timeout time.Duration) (uint64, error) {
	deadline := time.Now().Add(timeout)
	for {
		latest, err := reader.LatestAvailableCheckpoint()
		if err == nil {
			return latest, nil
		}
		if !errors.Is(err, archive.ErrNotReady) {
			return 0, err
		}
		if time.Now().After(deadline) {
			return 0, err
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// serveOps exposes metrics and health endpoints behind the logging and
// recovery middleware.
func serveOps(listen string, logger *logrus.Logger, m *metrics.Metrics, reader *archive.Reader) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", metrics.HealthHandler())
	mux.HandleFunc("/livez", metrics.LivenessHandler())
	mux.HandleFunc("/readyz", metrics.ReadinessHandler(func(ctx context.Context) (uint64, error) {
		return reader.LatestAvailableCheckpoint()
	}))

	handler := middleware.RecoveryMiddleware(logger)(middleware.LoggingMiddleware(logger)(mux))

	logger.WithField("listen", listen).Info("Serving ops endpoints")
	if err := http.ListenAndServe(listen, handler); err != nil {
		logger.WithError(err).Error("Ops server exited")
	}
}
