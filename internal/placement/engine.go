// Package placement decides, once per evaluation cycle, which regions gain or
// lose capacity, commits the decision and dispatches it to the executor.
package placement

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	"github.com/regionplacer/placer/internal/api"
	"github.com/regionplacer/placer/internal/config"
	"github.com/regionplacer/placer/internal/executor"
	"github.com/regionplacer/placer/internal/journal"
	"github.com/regionplacer/placer/internal/metrics"
	"github.com/regionplacer/placer/internal/store"
	"github.com/regionplacer/placer/internal/traffic"
	"github.com/regionplacer/placer/pkg/otel"
)

var (
	// ErrStorage wraps history or state failures; the cycle committed nothing
	ErrStorage = errors.New("storage error")

	// ErrConfig wraps configuration problems detected at cycle start; the cycle was refused
	ErrConfig = errors.New("invalid configuration")

	// ErrNoCollector is returned by RunCycle when the engine has no traffic source
	ErrNoCollector = errors.New("no traffic collector configured")
)

// Engine runs evaluation cycles one at a time
type Engine struct {
	mu sync.Mutex

	provider config.Provider
	backend  store.Backend
	executor executor.Executor
	traffic  traffic.Selector
	metrics  *metrics.Metrics

	journalDir string
	journals   map[store.Mode]*journal.Journal

	now   func() time.Time
	newID func() string
}

// Option customizes an Engine
type Option func(*Engine)

// WithCollector sets a traffic source used by RunCycle whatever the configuration
func WithCollector(c traffic.Collector) Option {
	return func(e *Engine) { e.traffic = traffic.Fixed{Collector: c} }
}

// WithTraffic sets the selector that picks the traffic source of each cycle
func WithTraffic(s traffic.Selector) Option {
	return func(e *Engine) { e.traffic = s }
}

// WithMetrics records cycle metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithJournal appends every committed cycle to a journal under dir
func WithJournal(dir string) Option {
	return func(e *Engine) { e.journalDir = dir }
}

// WithClock replaces the wall clock
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDs replaces the cycle id generator
func WithIDs(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

// New creates an engine.
//
// Args:
//   - provider: Configuration source, read once at the start of every cycle
//   - backend: History and state stores for both modes
//   - exec: Executor receiving every committed action
//
// Returns:
//   - *Engine ready to run cycles
func New(provider config.Provider, backend store.Backend, exec executor.Executor, opts ...Option) *Engine {
	e := &Engine{
		provider: provider,
		backend:  backend,
		executor: exec,
		journals: make(map[store.Mode]*journal.Journal),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunCycle collects traffic from the source selected by the cycle's
// configuration and evaluates it
func (e *Engine) RunCycle(ctx context.Context) (*api.CycleResult, error) {
	if e.traffic == nil {
		return nil, ErrNoCollector
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cfg := e.provider.Current()
	collector, err := e.traffic.For(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: traffic source: %w", ErrConfig, err)
	}
	counts, err := collector.Collect(ctx)
	if err != nil {
		return nil, fmt.Errorf("collect traffic: %w", err)
	}
	return e.run(ctx, cfg, counts)
}

// Evaluate runs one cycle on the given observation.
//
// A cycle either commits (state saved, actions dispatched) and returns its
// result, or fails and leaves history and state as they were.
func (e *Engine) Evaluate(ctx context.Context, counts map[string]float64) (*api.CycleResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.run(ctx, e.provider.Current(), counts)
}

func (e *Engine) run(ctx context.Context, cfg *config.Config, counts map[string]float64) (*api.CycleResult, error) {
	start := e.now()
	mode := store.ModeFor(cfg.DryRun)
	id := e.newID()

	ctx, span := otel.StartSpan(ctx, "placement.cycle", otel.CycleAttributes(id, string(mode), cfg.DryRun)...)
	defer span.End()

	log := logrus.WithFields(logrus.Fields{"cycle_id": id, "mode": mode})

	res, err := e.evaluateLocked(ctx, log, cfg, mode, id, counts)
	elapsed := e.now().Sub(start)
	if err != nil {
		otel.RecordError(span, err, "cycle failed")
		outcome := metrics.OutcomeFailed
		if errors.Is(err, ErrConfig) {
			outcome = metrics.OutcomeRefused
		}
		if e.metrics != nil {
			e.metrics.ObserveFailure(string(mode), outcome, elapsed)
		}
		log.WithError(err).Error("Evaluation cycle failed")
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.ObserveCycle(string(mode), res, elapsed)
	}
	log.WithFields(logrus.Fields{
		"deployed": res.Deployed,
		"removed":  res.Removed,
		"skipped":  len(res.Skipped),
		"errors":   len(res.Errors),
		"duration": elapsed,
	}).Info("Evaluation cycle completed")
	return res, nil
}

func (e *Engine) evaluateLocked(ctx context.Context, log *logrus.Entry, cfg *config.Config, mode store.Mode, id string, counts map[string]float64) (*api.CycleResult, error) {
	pol := cfg.Policy()
	if err := pol.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	params := cfg.ThresholdParams()
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	// Microsecond precision survives every backend
	now := e.now().UTC().Truncate(time.Microsecond)
	snap := api.NewTrafficSnapshot(now, counts)
	for region, v := range snap.Counts {
		if !api.ValidCount(v) {
			log.WithFields(logrus.Fields{"region": region, "value": v}).Warn("Ignoring invalid traffic value")
			snap.Invalid = append(snap.Invalid, region)
		}
	}

	history := e.backend.History(mode)
	states := e.backend.State(mode)

	current, err := states.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load state: %w", ErrStorage, err)
	}

	if err := history.Append(ctx, snap, cfg.MaxHistoryEntries); err != nil {
		return nil, fmt.Errorf("%w: append history: %w", ErrStorage, err)
	}
	undo := func() {
		if err := history.Delete(context.WithoutCancel(ctx), snap.Timestamp); err != nil {
			log.WithError(err).Error("Failed to undo history append")
		}
	}

	snaps, err := history.Load(ctx)
	if err != nil {
		undo()
		return nil, fmt.Errorf("%w: load history: %w", ErrStorage, err)
	}

	decision, err := Decide(Input{
		Now:      now,
		Snapshot: snap,
		History:  snaps,
		State:    current,
		Policy:   pol,
		Params:   params,
		Cooldown: cfg.Cooldown(),
	})
	if err != nil {
		undo()
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	// From here on the cycle commits regardless of the caller going away
	ctx = context.WithoutCancel(ctx)

	if err := states.Save(ctx, decision.State); err != nil {
		undo()
		return nil, fmt.Errorf("%w: save state: %w", ErrStorage, err)
	}

	res := api.NewCycleResult(id, now, cfg.DryRun)
	res.CurrentDeployment = current.PlacedRegions()
	res.UpdatedDeployment = decision.State.PlacedRegions()
	res.Skipped = decision.Skipped
	res.Estimates = decision.Estimates

	span := trace.SpanFromContext(ctx)
	for region, est := range decision.Estimates {
		otel.AddEvent(span, "region.estimate",
			append(otel.ThresholdAttributes(est.Estimate, est.ScaleUp, est.ScaleDown), otel.AttrRegion.String(region))...)
		log.WithFields(logrus.Fields{
			"region":     region,
			"estimate":   est.Estimate,
			"scale_up":   est.ScaleUp,
			"scale_down": est.ScaleDown,
			"samples":    est.Samples,
		}).Debug("Region estimate")
	}
	for _, s := range decision.Skipped {
		log.WithFields(logrus.Fields{"region": s.Region, "action": s.Action}).Debugf("Skipped: %s", s.Reason)
	}

	for _, actions := range [][]api.ActionResult{decision.Deploy, decision.Remove} {
		for _, a := range actions {
			if a.Action == api.ActionDeploy {
				res.Deployed = append(res.Deployed, a.Region)
			} else {
				res.Removed = append(res.Removed, a.Region)
			}
			e.dispatch(ctx, log, res, a, cfg.DryRun)
		}
	}

	e.record(log, mode, res)
	return res, nil
}

// dispatch applies one committed action. Failures are recorded, the state is not rolled back.
func (e *Engine) dispatch(ctx context.Context, log *logrus.Entry, res *api.CycleResult, a api.ActionResult, dryRun bool) {
	log = log.WithFields(logrus.Fields{"region": a.Region, "action": a.Action})
	log.Infof("Committed %s: %s", a.Action, a.Reason)

	if e.executor == nil {
		return
	}
	if err := e.executor.Apply(ctx, a.Region, a.Action, dryRun); err != nil {
		log.WithError(err).Error("Placement executor failed")
		res.Errors = append(res.Errors, api.ActionError{Region: a.Region, Action: a.Action, Error: err.Error()})
	}
}

// record appends res to the journal of mode. A journal failure does not undo the cycle.
func (e *Engine) record(log *logrus.Entry, mode store.Mode, res *api.CycleResult) {
	if e.journalDir == "" {
		return
	}

	j, ok := e.journals[mode]
	if !ok {
		var err error
		if j, err = journal.Open(e.journalDir, string(mode)); err != nil {
			e.journalFailed(log, err)
			return
		}
		e.journals[mode] = j
	}
	if err := j.Append(res); err != nil {
		e.journalFailed(log, err)
	}
}

func (e *Engine) journalFailed(log *logrus.Entry, err error) {
	log.WithError(err).Error("Failed to write cycle journal")
	if e.metrics != nil {
		e.metrics.JournalErrors.Inc()
	}
}

// State returns the deployment state of the current mode
func (e *Engine) State(ctx context.Context) (api.DeploymentState, store.Mode, error) {
	mode := store.ModeFor(e.provider.Current().DryRun)
	st, err := e.backend.State(mode).Load(ctx)
	return st, mode, err
}

// History returns the traffic history of the current mode, newest first
func (e *Engine) History(ctx context.Context) ([]api.TrafficSnapshot, store.Mode, error) {
	mode := store.ModeFor(e.provider.Current().DryRun)
	h, err := e.backend.History(mode).Load(ctx)
	return h, mode, err
}

// JournalDir returns the journal directory of mode, or "" when journaling is off
func (e *Engine) JournalDir(mode store.Mode) string {
	if e.journalDir == "" {
		return ""
	}
	return filepath.Join(e.journalDir, string(mode))
}

// Close closes the journals
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	for mode, j := range e.journals {
		if err := j.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(e.journals, mode)
	}
	return errors.Join(errs...)
}

// StateFor returns a loader of the deployment state of whichever mode provider currently selects
func StateFor(provider config.Provider, backend store.Backend) traffic.StateLoader {
	return currentState{provider: provider, backend: backend}
}

type currentState struct {
	provider config.Provider
	backend  store.Backend
}

func (c currentState) Load(ctx context.Context) (api.DeploymentState, error) {
	return c.backend.State(store.ModeFor(c.provider.Current().DryRun)).Load(ctx)
}
