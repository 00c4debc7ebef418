package server

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/regionplacer/placer/internal/config"
)

// idlePoll is how often a disabled scheduler checks whether it was re-enabled
const idlePoll = 30 * time.Second

// Scheduler runs a cycle every evaluation_interval. The interval is re-read
// after every cycle so a configuration reload takes effect without restart.
type Scheduler struct {
	run      func(ctx context.Context) error
	provider config.Provider
}

// NewScheduler creates a scheduler calling run
func NewScheduler(provider config.Provider, run func(ctx context.Context) error) *Scheduler {
	return &Scheduler{run: run, provider: provider}
}

// Run blocks until ctx is done
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		interval := s.provider.Current().EvaluationInterval
		wait := interval
		if interval <= 0 {
			wait = idlePoll
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		if interval <= 0 {
			continue
		}
		if err := s.run(ctx); err != nil {
			// The engine already logged the details; keep the schedule going
			logrus.WithError(err).Warn("Scheduled cycle failed")
		}
	}
}
