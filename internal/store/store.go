// Package store persists traffic history and deployment state.
//
// Live and dry-run modes are kept in disjoint namespaces in every backend so
// simulated cycles can never touch the live deployment state.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/regionplacer/placer/internal/api"
)

// Mode selects the persisted namespace
type Mode string

const (
	ModeLive   Mode = "live"
	ModeDryRun Mode = "dry_run"
)

// ModeFor returns the namespace for a dry-run flag
func ModeFor(dryRun bool) Mode {
	if dryRun {
		return ModeDryRun
	}
	return ModeLive
}

// ErrCorruptState is returned when the persisted deployment state cannot be decoded.
// Unlike history, a corrupt state is never silently replaced.
var ErrCorruptState = errors.New("corrupt deployment state")

// HistoryStore is an append-and-trim sequence of traffic snapshots
type HistoryStore interface {
	// Append adds snap, replacing any entry with the same timestamp, and keeps the newest maxEntries by timestamp
	Append(ctx context.Context, snap api.TrafficSnapshot, maxEntries int) error

	// Load returns the snapshots newest first. A missing or empty store is an empty history.
	// Malformed entries are skipped with a warning.
	Load(ctx context.Context) ([]api.TrafficSnapshot, error)

	// Delete removes the entry stamped ts, if any
	Delete(ctx context.Context, ts time.Time) error
}

// StateStore holds the deployment state
type StateStore interface {
	// Load returns the stored state. Legacy list documents load with unknown transition times.
	Load(ctx context.Context) (api.DeploymentState, error)

	// Save replaces the stored state, always in map form
	Save(ctx context.Context, state api.DeploymentState) error
}

// Backend opens the stores of each mode
type Backend interface {
	History(mode Mode) HistoryStore
	State(mode Mode) StateStore
	Close() error
}
