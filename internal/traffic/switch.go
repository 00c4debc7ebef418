package traffic

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/regionplacer/placer/internal/config"
)

// Selector returns the collector that serves a configuration
type Selector interface {
	For(cfg *config.Config) (Collector, error)
}

// Fixed serves every configuration from the same collector
type Fixed struct {
	Collector
}

// For returns the wrapped collector
func (f Fixed) For(*config.Config) (Collector, error) {
	return f.Collector, nil
}

// sourceKey holds every setting that shapes a collector
type sourceKey struct {
	mock      bool
	seed      uint64
	url       string
	token     string
	app       string
	window    time.Duration
	timeout   time.Duration
	cacheTTL  time.Duration
	cacheSize int
}

func keyFor(cfg *config.Config) sourceKey {
	k := sourceKey{
		mock:      cfg.MockTraffic(),
		cacheTTL:  cfg.Traffic.CacheTTL,
		cacheSize: cfg.Traffic.CacheSize,
	}
	if k.mock {
		k.seed = cfg.Traffic.MockSeed
		return k
	}
	k.url = cfg.Traffic.PrometheusURL
	k.token = cfg.Traffic.APIToken
	k.app = cfg.FlyAppName
	k.window = cfg.Traffic.Range
	k.timeout = cfg.Traffic.Timeout
	return k
}

// Switch follows the configuration: the collector is rebuilt whenever the
// traffic settings, the app name or the dry-run flag select a different source.
type Switch struct {
	provider config.Provider
	state    StateLoader

	mu      sync.Mutex
	key     sourceKey
	current Collector
}

// NewSwitch creates a switch reading provider. state is handed to the mock source.
func NewSwitch(provider config.Provider, state StateLoader) *Switch {
	return &Switch{provider: provider, state: state}
}

// For returns the collector for cfg, building it on first use or after a change
func (s *Switch) For(cfg *config.Config) (Collector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := keyFor(cfg)
	if s.current != nil && key == s.key {
		return s.current, nil
	}

	c, err := FromConfig(cfg, s.state)
	if err != nil {
		return nil, err
	}
	if s.current != nil {
		logrus.WithFields(logrus.Fields{"mock": key.mock, "dry_run": cfg.DryRun}).Info("Traffic source changed")
	}
	s.key, s.current = key, c
	return c, nil
}

// Collect collects from the source selected by the current configuration
func (s *Switch) Collect(ctx context.Context) (map[string]float64, error) {
	c, err := s.For(s.provider.Current())
	if err != nil {
		return nil, err
	}
	return c.Collect(ctx)
}
