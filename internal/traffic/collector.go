// Package traffic obtains per-region request counts for an evaluation cycle.
package traffic

import (
	"context"
	"fmt"

	"github.com/regionplacer/placer/internal/api"
	"github.com/regionplacer/placer/internal/config"
)

// Collector returns the request counts observed per region over the last interval
type Collector interface {
	Collect(ctx context.Context) (map[string]float64, error)
}

// StateLoader returns the current deployment state; the mock source biases its output on it
type StateLoader interface {
	Load(ctx context.Context) (api.DeploymentState, error)
}

// FromConfig builds the collector selected by cfg. state is only used by the mock source.
func FromConfig(cfg *config.Config, state StateLoader) (Collector, error) {
	var c Collector
	if cfg.MockTraffic() {
		c = NewMock(cfg.Traffic.MockSeed, state)
	} else {
		p, err := NewPrometheus(cfg.Traffic, cfg.FlyAppName)
		if err != nil {
			return nil, fmt.Errorf("traffic source: %w", err)
		}
		c = p
	}

	if cfg.Traffic.CacheTTL <= 0 {
		return c, nil
	}
	return NewCached(c, cfg.Traffic.CacheSize, cfg.Traffic.CacheTTL)
}

func copyCounts(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
