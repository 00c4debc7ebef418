package api

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Action is a placement transition requested for a region
type Action string

const (
	ActionDeploy Action = "deploy"
	ActionRemove Action = "remove"
	ActionNone   Action = "none"
)

// TrafficSnapshot is one timestamped observation of request counts per region
type TrafficSnapshot struct {
	Timestamp time.Time          `json:"timestamp"`
	Counts    map[string]float64 `json:"counts"`

	// Invalid lists regions whose value in this snapshot could not be used.
	// It is populated at load time and never persisted.
	Invalid []string `json:"-"`
}

// NewTrafficSnapshot creates a snapshot stamped with the UTC form of at.
// Region ids are normalized; counts of ids that normalize to the same region are added.
func NewTrafficSnapshot(at time.Time, counts map[string]float64) TrafficSnapshot {
	c := make(map[string]float64, len(counts))
	for region, v := range counts {
		region = NormalizeRegion(region)
		if region == "" {
			continue
		}
		AddCount(c, region, v)
	}
	return TrafficSnapshot{Timestamp: at.UTC(), Counts: c}
}

// NormalizeRegion trims and lowercases a region id
func NormalizeRegion(region string) string {
	return strings.ToLower(strings.TrimSpace(region))
}

// AddCount adds v to counts[region]. An unusable value poisons the sum so the
// region is still reported as invalid.
func AddCount(counts map[string]float64, region string, v float64) {
	prev, ok := counts[region]
	switch {
	case !ok:
		counts[region] = v
	case !ValidCount(prev):
	case !ValidCount(v):
		counts[region] = math.NaN()
	default:
		counts[region] = prev + v
	}
}

// Regions returns every region mentioned by the snapshot, including invalid ones, sorted
func (s TrafficSnapshot) Regions() []string {
	seen := make(map[string]struct{}, len(s.Counts)+len(s.Invalid))
	for region := range s.Counts {
		seen[region] = struct{}{}
	}
	for _, region := range s.Invalid {
		seen[region] = struct{}{}
	}
	return sortedKeys(seen)
}

// Value returns the usable sample for region. Negative, NaN and infinite counts are unusable.
func (s TrafficSnapshot) Value(region string) (float64, bool) {
	v, ok := s.Counts[region]
	if !ok || !ValidCount(v) {
		return 0, false
	}
	return v, true
}

// ValidCount reports whether v can be used as a traffic sample
func ValidCount(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}

// DeploymentState is the persisted placement of the fleet.
//
// A region present in Regions is placed; its value is the time of its last
// transition, or nil when the transition time is unknown (legacy state).
// Removed keeps the time of the last removal for regions that are no longer
// placed, so a fresh deploy still honours the cooldown.
type DeploymentState struct {
	Regions map[string]*time.Time
	Removed map[string]time.Time
}

// NewDeploymentState returns an empty state
func NewDeploymentState() DeploymentState {
	return DeploymentState{
		Regions: make(map[string]*time.Time),
		Removed: make(map[string]time.Time),
	}
}

// Placed reports whether region currently has capacity
func (s DeploymentState) Placed(region string) bool {
	_, ok := s.Regions[region]
	return ok
}

// LastTransition returns the most recent deploy or remove time for region, or nil
func (s DeploymentState) LastTransition(region string) *time.Time {
	if ts, ok := s.Regions[region]; ok {
		return ts
	}
	if ts, ok := s.Removed[region]; ok {
		return &ts
	}
	return nil
}

// Deploy marks region as placed at the given time
func (s *DeploymentState) Deploy(region string, at time.Time) {
	if s.Regions == nil {
		s.Regions = make(map[string]*time.Time)
	}
	ts := at.UTC()
	s.Regions[region] = &ts
	delete(s.Removed, region)
}

// Remove marks region as not placed and records the removal time
func (s *DeploymentState) Remove(region string, at time.Time) {
	if s.Removed == nil {
		s.Removed = make(map[string]time.Time)
	}
	delete(s.Regions, region)
	s.Removed[region] = at.UTC()
}

// PruneRemoved drops removal records older than horizon; they can no longer block a deploy
func (s *DeploymentState) PruneRemoved(now time.Time, horizon time.Duration) {
	for region, ts := range s.Removed {
		if now.Sub(ts) >= horizon {
			delete(s.Removed, region)
		}
	}
}

// Clone returns a deep copy
func (s DeploymentState) Clone() DeploymentState {
	out := NewDeploymentState()
	for region, ts := range s.Regions {
		if ts == nil {
			out.Regions[region] = nil
			continue
		}
		t := *ts
		out.Regions[region] = &t
	}
	for region, ts := range s.Removed {
		out.Removed[region] = ts
	}
	return out
}

// PlacedRegions returns the placed regions sorted
func (s DeploymentState) PlacedRegions() []string {
	out := make([]string, 0, len(s.Regions))
	for region := range s.Regions {
		out = append(out, region)
	}
	sort.Strings(out)
	return out
}

// ActionResult reports what happened to one region in a cycle
type ActionResult struct {
	Region string `json:"region"`
	Action Action `json:"action"`
	Reason string `json:"reason"`
}

// ActionError records a placement executor failure for one region
type ActionError struct {
	Region string `json:"region"`
	Action Action `json:"action"`
	Error  string `json:"error"`
}

// RegionEstimate is the smoothed traffic signal and thresholds computed for a region
type RegionEstimate struct {
	Estimate     float64 `json:"estimate"`
	LongEstimate float64 `json:"long_estimate"`
	ScaleUp      float64 `json:"scale_up_threshold"`
	ScaleDown    float64 `json:"scale_down_threshold"`
	Volatility   float64 `json:"volatility"`
	Samples      int     `json:"samples"`
}

// CycleResult is the summary of one evaluation cycle, suitable as a response body
type CycleResult struct {
	CycleID           string                    `json:"cycle_id"`
	Timestamp         time.Time                 `json:"timestamp"`
	DryRun            bool                      `json:"dry_run"`
	Deployed          []string                  `json:"deployed"`
	Removed           []string                  `json:"removed"`
	Skipped           []ActionResult            `json:"skipped"`
	Errors            []ActionError             `json:"errors"`
	CurrentDeployment []string                  `json:"current_deployment"`
	UpdatedDeployment []string                  `json:"updated_deployment"`
	Estimates         map[string]RegionEstimate `json:"estimates,omitempty"`
}

// NewCycleResult returns a result with empty, non-nil lists so it encodes as []
func NewCycleResult(id string, at time.Time, dryRun bool) *CycleResult {
	return &CycleResult{
		CycleID:           id,
		Timestamp:         at.UTC(),
		DryRun:            dryRun,
		Deployed:          []string{},
		Removed:           []string{},
		Skipped:           []ActionResult{},
		Errors:            []ActionError{},
		CurrentDeployment: []string{},
		UpdatedDeployment: []string{},
		Estimates:         make(map[string]RegionEstimate),
	}
}

// Outcome returns where region ended up in the cycle: deploy, remove, or none when skipped
func (r *CycleResult) Outcome(region string) (Action, error) {
	found := []Action{}
	for _, d := range r.Deployed {
		if d == region {
			found = append(found, ActionDeploy)
		}
	}
	for _, d := range r.Removed {
		if d == region {
			found = append(found, ActionRemove)
		}
	}
	for _, s := range r.Skipped {
		if s.Region == region {
			found = append(found, ActionNone)
		}
	}
	switch len(found) {
	case 0:
		return "", fmt.Errorf("region %s not present in cycle result", region)
	case 1:
		return found[0], nil
	default:
		return "", fmt.Errorf("region %s appears %d times in cycle result", region, len(found))
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
