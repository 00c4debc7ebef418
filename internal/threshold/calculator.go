// Package threshold turns a region's traffic history into a smoothed traffic
// estimate and a pair of adaptive scale-up/scale-down thresholds.
//
// Two exponential moving averages are tracked over the history window. The
// long average anchors a baseline; the short average is the decision signal
// once enough samples exist. Thresholds widen with the volatility of the
// baseline and are separated by a hysteresis gap so that a region hovering
// around one threshold does not alternate between deploy and remove.
package threshold

import (
	"errors"
	"fmt"
	"math"
)

const (
	scaleUpFactor      = 1.1
	scaleDownFactor    = 0.9
	hysteresisFraction = 0.1
	volatilityWindow   = 10
	minBaselineSamples = 2

	// Epsilon is the minimum separation enforced between the thresholds
	Epsilon = 1e-6
)

var (
	// ErrNoSamples is returned when a region has no usable sample
	ErrNoSamples = errors.New("no usable traffic samples")

	// ErrCrossed is returned when the thresholds cannot be kept apart
	ErrCrossed = errors.New("scale_down threshold is not below scale_up threshold")
)

// Params configures the calculator
type Params struct {
	ShortWindow int
	LongWindow  int
	AlphaShort  float64
	AlphaLong   float64

	// BaseScaleUp is the static traffic threshold: adaptive scale-up never drops below it
	BaseScaleUp float64
	// BaseScaleDown is the static deployment threshold: adaptive scale-down never rises above it
	BaseScaleDown float64
}

// Validate checks the window sizes, smoothing factors and base thresholds
func (p Params) Validate() error {
	if p.ShortWindow < 1 {
		return fmt.Errorf("short_window must be >= 1, got %d", p.ShortWindow)
	}
	if p.LongWindow < p.ShortWindow {
		return fmt.Errorf("long_window (%d) must be >= short_window (%d)", p.LongWindow, p.ShortWindow)
	}
	if !(p.AlphaShort > 0 && p.AlphaShort <= 1) {
		return fmt.Errorf("alpha_short must be in (0, 1], got %v", p.AlphaShort)
	}
	if !(p.AlphaLong > 0 && p.AlphaLong <= 1) {
		return fmt.Errorf("alpha_long must be in (0, 1], got %v", p.AlphaLong)
	}
	if math.IsNaN(p.BaseScaleUp) || math.IsNaN(p.BaseScaleDown) || p.BaseScaleDown < 0 {
		return fmt.Errorf("base thresholds must be non-negative numbers")
	}
	if p.BaseScaleDown >= p.BaseScaleUp {
		return fmt.Errorf("%w: deployment_threshold %v >= traffic_threshold %v", ErrCrossed, p.BaseScaleDown, p.BaseScaleUp)
	}
	return nil
}

// Result is the derived threshold state of one region for one cycle
type Result struct {
	// Estimate is the signal compared against the thresholds
	Estimate float64
	Short    float64
	Long     float64
	Samples  int

	ScaleUp    float64
	ScaleDown  float64
	Volatility float64

	// Adaptive is false while the region is still warming up and the base thresholds apply
	Adaptive bool
}

// Calculate computes the estimate and thresholds from values ordered most recent first.
// At most LongWindow samples are considered.
func Calculate(values []float64, p Params) (Result, error) {
	if len(values) == 0 {
		return Result{}, ErrNoSamples
	}

	n := len(values)
	if p.LongWindow > 0 && n > p.LongWindow {
		n = p.LongWindow
	}
	window := values[:n]

	// Seed with the oldest sample in the window, then walk towards the newest
	short := window[n-1]
	long := window[n-1]
	count := 1
	longs := []float64{long}

	for i := n - 2; i >= 0; i-- {
		v := window[i]
		if count <= p.ShortWindow {
			short = p.AlphaShort*v + (1-p.AlphaShort)*short
		}
		long = p.AlphaLong*v + (1-p.AlphaLong)*long
		count++
		longs = append(longs, long)
	}

	estimate := long
	if count >= p.ShortWindow {
		estimate = short
	}

	res := Result{
		Estimate:   estimate,
		Short:      short,
		Long:       long,
		Samples:    count,
		Volatility: Volatility(longs),
		Adaptive:   count >= p.LongWindow && count >= minBaselineSamples,
	}

	up, down := p.BaseScaleUp, p.BaseScaleDown
	if res.Adaptive {
		up = math.Max(p.BaseScaleUp, long*scaleUpFactor*res.Volatility)
		down = math.Min(p.BaseScaleDown, long*scaleDownFactor/res.Volatility)
	}

	up, down, err := separate(up, down)
	if err != nil {
		return Result{}, err
	}
	res.ScaleUp = up
	res.ScaleDown = down
	return res, nil
}

// separate widens the dead zone by the hysteresis gap and keeps down strictly below up
func separate(up, down float64) (float64, float64, error) {
	if up > down {
		down += hysteresisFraction * (up - down)
	}
	if !(down < up) {
		down = up - math.Max(Epsilon, math.Abs(up)*Epsilon)
	}
	if math.IsNaN(up) || math.IsNaN(down) || !(down < up) {
		return 0, 0, fmt.Errorf("%w: scale_up=%v scale_down=%v", ErrCrossed, up, down)
	}
	return up, down, nil
}

// Volatility returns 1 + stddev/mean over the last volatilityWindow values.
// It is 1 when fewer than two values exist or the mean is zero.
func Volatility(longs []float64) float64 {
	if len(longs) > volatilityWindow {
		longs = longs[len(longs)-volatilityWindow:]
	}
	if len(longs) < 2 {
		return 1
	}

	var sum float64
	for _, v := range longs {
		sum += v
	}
	mean := sum / float64(len(longs))
	if mean == 0 {
		return 1
	}

	var sq float64
	for _, v := range longs {
		d := v - mean
		sq += d * d
	}
	stddev := math.Sqrt(sq / float64(len(longs)))
	return 1 + stddev/mean
}
