// Package executor adds or removes capacity in a region.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"github.com/regionplacer/placer/internal/api"
	"github.com/regionplacer/placer/internal/config"
	"github.com/regionplacer/placer/pkg/otel"
)

// Executor applies one committed placement action.
// It is called after the deployment state has been written.
type Executor interface {
	Apply(ctx context.Context, region string, action api.Action, dryRun bool) error
}

// Runner runs an external command and returns its combined output
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// FlyExecutor scales a Fly.io app with the fly CLI:
//
//	fly scale count 1|0 --region <region> --app <app> --yes
//
// The app name and the executor settings are read from the provider on every call.
type FlyExecutor struct {
	provider config.Provider
	initial  time.Duration
	run      Runner
}

// Option customizes a FlyExecutor
type Option func(*FlyExecutor)

// WithRunner replaces the command runner
func WithRunner(r Runner) Option {
	return func(e *FlyExecutor) { e.run = r }
}

// WithInitialBackoff sets the first retry delay
func WithInitialBackoff(d time.Duration) Option {
	return func(e *FlyExecutor) { e.initial = d }
}

// NewFly creates an executor for the app configured in provider
func NewFly(provider config.Provider, opts ...Option) *FlyExecutor {
	e := &FlyExecutor{
		provider: provider,
		initial:  time.Second,
		run:      execRunner,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Command returns the fly CLI arguments for action in region of app
func Command(app, region string, action api.Action) ([]string, error) {
	var count string
	switch action {
	case api.ActionDeploy:
		count = "1"
	case api.ActionRemove:
		count = "0"
	default:
		return nil, fmt.Errorf("unsupported action %q", action)
	}
	return []string{"scale", "count", count, "--region", region, "--app", app, "--yes"}, nil
}

// Apply scales region. In dry-run mode the command is only logged.
func (e *FlyExecutor) Apply(ctx context.Context, region string, action api.Action, dryRun bool) error {
	cfg := e.provider.Current()
	app := cfg.FlyAppName

	args, err := Command(app, region, action)
	if err != nil {
		return err
	}

	log := logrus.WithFields(logrus.Fields{"region": region, "action": action, "app": app})
	if dryRun {
		verb := "deploy to"
		if action == api.ActionRemove {
			verb = "remove from"
		}
		log.Infof("[DRY RUN] would %s region %s", verb, region)
		return nil
	}
	if app == "" {
		return fmt.Errorf("cannot %s %s: fly_app_name is not set", action, region)
	}

	binary := cfg.Executor.FlyBinary
	if binary == "" {
		binary = "fly"
	}
	timeout := cfg.Executor.Timeout

	ctx, span := otel.StartSpan(ctx, "executor.apply", otel.RegionAttributes(region, string(action), "")...)
	defer span.End()

	attempt := 0
	operation := func() (struct{}, error) {
		attempt++
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		out, err := e.run(runCtx, binary, args...)
		if err == nil {
			return struct{}{}, nil
		}

		wrapped := fmt.Errorf("%s %s failed: %w: %s", binary, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
		if errors.Is(err, exec.ErrNotFound) {
			return struct{}{}, backoff.Permanent(wrapped)
		}
		log.WithError(err).WithField("attempt", attempt).Warn("Placement command failed")
		return struct{}{}, wrapped
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = e.initial

	_, err = backoff.Retry(ctx, operation,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(cfg.Executor.MaxRetries+1),
	)
	span.SetAttributes(otel.AttrAttempt.Int(attempt))
	if err != nil {
		otel.RecordError(span, err, "placement command failed")
		return err
	}

	log.WithField("attempts", attempt).Info("Placement command succeeded")
	return nil
}
