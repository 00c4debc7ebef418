package server

import (
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/regionplacer/placer/internal/config"
	"github.com/regionplacer/placer/internal/executor"
	"github.com/regionplacer/placer/internal/metrics"
	"github.com/regionplacer/placer/internal/placement"
	"github.com/regionplacer/placer/internal/store"
	"github.com/regionplacer/placer/internal/traffic"
)

// Runtime is a fully wired placer: stores, traffic source, executor and engine
type Runtime struct {
	Provider  config.Provider
	Backend   store.Backend
	Collector traffic.Collector
	Engine    *placement.Engine
	Registry  *prometheus.Registry
	Metrics   *metrics.Metrics
}

// Open wires a runtime from the configuration currently held by provider.
// Storage settings take effect at Open. The traffic source, the app name and
// executor settings, thresholds, policy and dry_run follow the provider on every cycle.
func Open(provider config.Provider) (*Runtime, error) {
	cfg := provider.Current()

	// Startup check
	if !cfg.DryRun && cfg.FlyAppName == "" {
		return nil, fmt.Errorf("fly_app_name is required in live mode")
	}

	backend, err := store.Open(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s storage: %w", cfg.Storage.Backend, err)
	}

	sources := traffic.NewSwitch(provider, placement.StateFor(provider, backend))
	if _, err := sources.For(cfg); err != nil {
		backend.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	engine := placement.New(provider, backend,
		executor.NewFly(provider),
		placement.WithTraffic(sources),
		placement.WithMetrics(m),
		placement.WithJournal(cfg.Storage.JournalDir),
	)

	return &Runtime{
		Provider:  provider,
		Backend:   backend,
		Collector: sources,
		Engine:    engine,
		Registry:  reg,
		Metrics:   m,
	}, nil
}

// Close releases the engine journals and the storage backend
func (r *Runtime) Close() error {
	if err := r.Engine.Close(); err != nil {
		logrus.WithError(err).Warn("Failed to close cycle journal")
	}
	return r.Backend.Close()
}

// SetupLogging applies the configured level and format to the standard logrus logger
func SetupLogging(cfg config.LoggingConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	logrus.SetLevel(level)
	logrus.SetOutput(os.Stderr)

	switch cfg.Format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
