package placement

import (
	"math"
	"sort"
	"time"

	"github.com/regionplacer/placer/internal/api"
	"github.com/regionplacer/placer/internal/policy"
	"github.com/regionplacer/placer/internal/threshold"
)

// Input is everything one decision pass depends on
type Input struct {
	Now time.Time

	// Snapshot is the observation of this cycle; it may carry invalid values
	Snapshot api.TrafficSnapshot
	// History is the persisted history, newest first, normally including Snapshot
	History []api.TrafficSnapshot

	State    api.DeploymentState
	Policy   *policy.RegionPolicy
	Params   threshold.Params
	Cooldown time.Duration
}

// Decision is the outcome of a pass. Every considered region appears in exactly
// one of Deploy, Remove or Skipped.
type Decision struct {
	Deploy  []api.ActionResult
	Remove  []api.ActionResult
	Skipped []api.ActionResult

	Estimates map[string]api.RegionEstimate

	// State is the deployment state after applying Deploy and Remove
	State api.DeploymentState
}

// Decide runs one pass of the placement state machine.
//
// The only errors are configuration errors: an invalid policy or parameters.
// Values that yield no usable thresholds skip their region as invalid data.
func Decide(in Input) (Decision, error) {
	if in.Policy == nil {
		in.Policy = policy.New(nil, nil, nil)
	}
	if err := in.Policy.Validate(); err != nil {
		return Decision{}, err
	}
	if err := in.Params.Validate(); err != nil {
		return Decision{}, err
	}

	gate := CooldownGate{Window: in.Cooldown}
	window := in.History
	if n := in.Params.LongWindow; n > 0 && len(window) > n {
		window = window[:n]
	}

	d := Decision{
		Deploy:    []api.ActionResult{},
		Remove:    []api.ActionResult{},
		Skipped:   []api.ActionResult{},
		Estimates: make(map[string]api.RegionEstimate),
		State:     in.State.Clone(),
	}

	for _, region := range consideredRegions(in, window) {
		placed := in.State.Placed(region)
		last := in.State.LastTransition(region)

		values, sawInvalid := samples(region, window, in.Snapshot)

		var est *threshold.Result
		if len(values) > 0 {
			// Parameters are valid, so a failure here comes from the values themselves
			res, err := threshold.Calculate(values, in.Params)
			if err != nil || !finite(res) {
				sawInvalid = true
			} else {
				est = &res
				d.Estimates[region] = api.RegionEstimate{
					Estimate:     res.Estimate,
					LongEstimate: res.Long,
					ScaleUp:      res.ScaleUp,
					ScaleDown:    res.ScaleDown,
					Volatility:   res.Volatility,
					Samples:      res.Samples,
				}
			}
		}

		// Always-running regions are guaranteed presence; this bypasses traffic and cooldown
		if in.Policy.IsAlwaysRunning(region) && !placed {
			d.Deploy = append(d.Deploy, api.ActionResult{Region: region, Action: api.ActionDeploy, Reason: api.ReasonForcedRunning})
			continue
		}

		if est == nil {
			reason := api.ReasonNoData
			if sawInvalid {
				reason = api.ReasonInvalidData
			}
			d.Skipped = append(d.Skipped, api.ActionResult{Region: region, Action: api.ActionNone, Reason: reason})
			continue
		}

		var proposed api.Action
		var reason string
		switch {
		case est.Estimate >= est.ScaleUp:
			proposed, reason = api.ActionDeploy, api.ReasonAboveThreshold
		case est.Estimate <= est.ScaleDown:
			proposed, reason = api.ActionRemove, api.ReasonBelowThreshold
		default:
			d.Skipped = append(d.Skipped, api.ActionResult{Region: region, Action: api.ActionNone, Reason: api.ReasonDeadZone})
			continue
		}

		if action, veto := in.Policy.Classify(region, proposed); action == api.ActionNone {
			d.Skipped = append(d.Skipped, api.ActionResult{Region: region, Action: proposed, Reason: veto})
			continue
		}

		if ok, remaining := gate.Permit(in.Now, last); !ok {
			d.Skipped = append(d.Skipped, api.ActionResult{Region: region, Action: proposed, Reason: api.CooldownReason(remaining)})
			continue
		}

		switch {
		case proposed == api.ActionDeploy && placed:
			d.Skipped = append(d.Skipped, api.ActionResult{Region: region, Action: proposed, Reason: api.ReasonAlreadyPlaced})
		case proposed == api.ActionRemove && !placed:
			d.Skipped = append(d.Skipped, api.ActionResult{Region: region, Action: proposed, Reason: api.ReasonNotPlaced})
		case proposed == api.ActionDeploy:
			d.Deploy = append(d.Deploy, api.ActionResult{Region: region, Action: proposed, Reason: reason})
		default:
			d.Remove = append(d.Remove, api.ActionResult{Region: region, Action: proposed, Reason: reason})
		}
	}

	for _, a := range d.Deploy {
		d.State.Deploy(a.Region, in.Now)
	}
	for _, a := range d.Remove {
		d.State.Remove(a.Region, in.Now)
	}
	d.State.PruneRemoved(in.Now, in.Cooldown)

	return d, nil
}

// consideredRegions is every region seen in the window or the current snapshot,
// every placed region and every always-running region, sorted
func consideredRegions(in Input, window []api.TrafficSnapshot) []string {
	seen := make(map[string]struct{})
	for _, snap := range window {
		for _, region := range snap.Regions() {
			seen[region] = struct{}{}
		}
	}
	for _, region := range in.Snapshot.Regions() {
		seen[region] = struct{}{}
	}
	for region := range in.State.Regions {
		seen[region] = struct{}{}
	}
	for _, region := range in.Policy.AlwaysRunning() {
		seen[region] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for region := range seen {
		out = append(out, region)
	}
	sort.Strings(out)
	return out
}

// samples returns the usable values of region, newest first, and whether an
// unusable value was seen in the window or the current snapshot
func samples(region string, window []api.TrafficSnapshot, current api.TrafficSnapshot) ([]float64, bool) {
	var values []float64
	sawInvalid := hasInvalid(current, region)
	for _, snap := range window {
		if v, ok := snap.Value(region); ok {
			values = append(values, v)
			continue
		}
		if hasInvalid(snap, region) {
			sawInvalid = true
		}
	}
	return values, sawInvalid
}

func hasInvalid(snap api.TrafficSnapshot, region string) bool {
	if v, ok := snap.Counts[region]; ok && !api.ValidCount(v) {
		return true
	}
	for _, r := range snap.Invalid {
		if r == region {
			return true
		}
	}
	return false
}

func finite(r threshold.Result) bool {
	for _, v := range []float64{r.Estimate, r.Long, r.ScaleUp, r.ScaleDown, r.Volatility} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
