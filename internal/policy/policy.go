package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/regionplacer/placer/internal/api"
)

// RegionPolicy restricts where capacity may be placed.
//
// An empty allow list means every region is allowed. Always-running regions
// are kept placed regardless of traffic and win over the allow list.
type RegionPolicy struct {
	allowed       map[string]struct{}
	excluded      map[string]struct{}
	alwaysRunning map[string]struct{}
}

// New builds a policy from region lists. Region ids are trimmed and lowercased.
func New(allowed, excluded, alwaysRunning []string) *RegionPolicy {
	return &RegionPolicy{
		allowed:       toSet(allowed),
		excluded:      toSet(excluded),
		alwaysRunning: toSet(alwaysRunning),
	}
}

// ValidationError represents a policy validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("policy validation error [%s]: %s", e.Field, e.Message)
}

// ConflictError reports regions that are both excluded and always running
type ConflictError struct {
	Regions []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("regions both excluded and always running: %s", strings.Join(e.Regions, ", "))
}

// Validate rejects contradictory policies
func (p *RegionPolicy) Validate() error {
	var conflicts []string
	for region := range p.alwaysRunning {
		if _, ok := p.excluded[region]; ok {
			conflicts = append(conflicts, region)
		}
	}
	if len(conflicts) > 0 {
		sort.Strings(conflicts)
		return &ConflictError{Regions: conflicts}
	}

	for field, set := range map[string]map[string]struct{}{
		"allowed_regions":        p.allowed,
		"excluded_regions":       p.excluded,
		"always_running_regions": p.alwaysRunning,
	} {
		for region := range set {
			if !validRegion(region) {
				return &ValidationError{Field: field, Message: fmt.Sprintf("invalid region id %q", region)}
			}
		}
	}
	return nil
}

// Classify filters a proposed action for region.
//
// Returns the action unchanged with an empty reason when it passes, or
// ActionNone with the skip reason when the policy forbids it.
func (p *RegionPolicy) Classify(region string, action api.Action) (api.Action, string) {
	switch action {
	case api.ActionDeploy:
		if p.IsExcluded(region) {
			return api.ActionNone, api.ReasonExcluded
		}
		if !p.IsAllowed(region) && !p.IsAlwaysRunning(region) {
			return api.ActionNone, api.ReasonNotAllowed
		}
	case api.ActionRemove:
		if p.IsAlwaysRunning(region) {
			return api.ActionNone, api.ReasonAlwaysRunning
		}
	}
	return action, ""
}

// IsAllowed reports whether the allow list admits region
func (p *RegionPolicy) IsAllowed(region string) bool {
	if len(p.allowed) == 0 {
		return true
	}
	_, ok := p.allowed[region]
	return ok
}

// IsExcluded reports whether region must never be deployed
func (p *RegionPolicy) IsExcluded(region string) bool {
	_, ok := p.excluded[region]
	return ok
}

// IsAlwaysRunning reports whether region must stay placed
func (p *RegionPolicy) IsAlwaysRunning(region string) bool {
	_, ok := p.alwaysRunning[region]
	return ok
}

// AlwaysRunning returns the always-running regions sorted
func (p *RegionPolicy) AlwaysRunning() []string {
	return sorted(p.alwaysRunning)
}

// Hash computes a stable fingerprint of the policy, logged with each cycle
func (p *RegionPolicy) Hash() (string, error) {
	canonical := map[string][]string{
		"allowed":        sorted(p.allowed),
		"excluded":       sorted(p.excluded),
		"always_running": sorted(p.alwaysRunning),
	}

	jsonBytes, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("failed to marshal policy for hashing: %w", err)
	}

	hash := sha256.Sum256(jsonBytes)
	return hex.EncodeToString(hash[:8]), nil
}

func toSet(regions []string) map[string]struct{} {
	set := make(map[string]struct{}, len(regions))
	for _, r := range regions {
		r = api.NormalizeRegion(r)
		if r != "" {
			set[r] = struct{}{}
		}
	}
	return set
}

func validRegion(region string) bool {
	for _, c := range region {
		if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-') {
			return false
		}
	}
	return true
}

func sorted(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}
