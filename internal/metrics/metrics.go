package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/regionplacer/placer/internal/api"
)

// Cycle outcomes
const (
	OutcomeOK      = "ok"
	OutcomeFailed  = "failed"
	OutcomeRefused = "refused"
)

// Metrics holds all Prometheus collectors of the placer
type Metrics struct {
	Cycles         *prometheus.CounterVec
	CycleDuration  prometheus.Histogram
	Actions        *prometheus.CounterVec
	Skips          *prometheus.CounterVec
	ExecutorErrors *prometheus.CounterVec
	StorageErrors  prometheus.Counter
	JournalErrors  prometheus.Counter

	// Per-region view of the last cycle
	PlacedRegions *prometheus.GaugeVec
	Estimate      *prometheus.GaugeVec
	ScaleUp       *prometheus.GaugeVec
	ScaleDown     *prometheus.GaugeVec
}

// New creates all metrics and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Cycles: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "placer_cycles_total",
				Help: "Number of evaluation cycles by outcome",
			},
			[]string{"mode", "outcome"},
		),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "placer_cycle_duration_seconds",
			Help:    "Duration of evaluation cycles including executor calls",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		Actions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "placer_actions_total",
				Help: "Number of committed placement actions per region",
			},
			[]string{"mode", "region", "action"},
		),
		Skips: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "placer_skips_total",
				Help: "Number of regions left unchanged by reason",
			},
			[]string{"mode", "reason"},
		),
		ExecutorErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "placer_executor_errors_total",
				Help: "Number of placement executor failures per region",
			},
			[]string{"region", "action"},
		),
		StorageErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "placer_storage_errors_total",
			Help: "Number of cycles aborted by a storage failure",
		}),
		JournalErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "placer_journal_errors_total",
			Help: "Number of cycle journal write errors",
		}),
		PlacedRegions: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "placer_placed_regions",
				Help: "Number of regions currently placed",
			},
			[]string{"mode"},
		),
		Estimate: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "placer_traffic_estimate",
				Help: "Smoothed traffic estimate per region from the last cycle",
			},
			[]string{"region"},
		),
		ScaleUp: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "placer_scale_up_threshold",
				Help: "Deploy threshold per region from the last cycle",
			},
			[]string{"region"},
		),
		ScaleDown: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "placer_scale_down_threshold",
				Help: "Remove threshold per region from the last cycle",
			},
			[]string{"region"},
		),
	}
}

// ObserveCycle records a committed cycle
func (m *Metrics) ObserveCycle(mode string, res *api.CycleResult, elapsed time.Duration) {
	m.Cycles.WithLabelValues(mode, OutcomeOK).Inc()
	m.CycleDuration.Observe(elapsed.Seconds())

	for _, region := range res.Deployed {
		m.Actions.WithLabelValues(mode, region, string(api.ActionDeploy)).Inc()
	}
	for _, region := range res.Removed {
		m.Actions.WithLabelValues(mode, region, string(api.ActionRemove)).Inc()
	}
	for _, s := range res.Skipped {
		m.Skips.WithLabelValues(mode, api.ReasonKind(s.Reason)).Inc()
	}
	for _, e := range res.Errors {
		m.ExecutorErrors.WithLabelValues(e.Region, string(e.Action)).Inc()
	}

	m.PlacedRegions.WithLabelValues(mode).Set(float64(len(res.UpdatedDeployment)))
	for region, est := range res.Estimates {
		m.Estimate.WithLabelValues(region).Set(est.Estimate)
		m.ScaleUp.WithLabelValues(region).Set(est.ScaleUp)
		m.ScaleDown.WithLabelValues(region).Set(est.ScaleDown)
	}
}

// ObserveFailure records a cycle that did not commit
func (m *Metrics) ObserveFailure(mode, outcome string, elapsed time.Duration) {
	m.Cycles.WithLabelValues(mode, outcome).Inc()
	m.CycleDuration.Observe(elapsed.Seconds())
	if outcome == OutcomeFailed {
		m.StorageErrors.Inc()
	}
}
