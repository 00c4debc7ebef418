package threshold

import (
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultParams() Params {
	return Params{
		ShortWindow:   3,
		LongWindow:    12,
		AlphaShort:    0.5,
		AlphaLong:     0.2,
		BaseScaleUp:   50,
		BaseScaleDown: 30,
	}
}

func TestCalculate_NoSamples(t *testing.T) {
	_, err := Calculate(nil, defaultParams())
	assert.ErrorIs(t, err, ErrNoSamples)
}

func TestCalculate_WarmupUsesBaseThresholds(t *testing.T) {
	// GIVEN two samples, oldest 60 and newest 55
	res, err := Calculate([]float64{55, 60}, defaultParams())
	require.NoError(t, err)

	// THEN the long estimate is the signal (fewer samples than short_window)
	assert.False(t, res.Adaptive)
	assert.Equal(t, 2, res.Samples)
	assert.InDelta(t, 59.0, res.Estimate, 1e-9)
	assert.InDelta(t, res.Long, res.Estimate, 1e-9)

	// AND the base thresholds apply, widened by the hysteresis gap
	assert.Equal(t, 50.0, res.ScaleUp)
	assert.InDelta(t, 32.0, res.ScaleDown, 1e-9)
	assert.GreaterOrEqual(t, res.Estimate, res.ScaleUp)
}

func TestCalculate_DegenerateWindowIsPlainCrossing(t *testing.T) {
	p := defaultParams()
	p.ShortWindow = 1
	p.LongWindow = 1

	for _, tt := range []struct {
		name   string
		values []float64
		want   float64
	}{
		{"above", []float64{55, 1, 1}, 55},
		{"below", []float64{10, 99}, 10},
	} {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Calculate(tt.values, p)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Estimate)
			assert.Equal(t, 1, res.Samples)
			assert.False(t, res.Adaptive)
			assert.Equal(t, 50.0, res.ScaleUp)
		})
	}
}

func TestCalculate_ShortEstimateOnceWindowFilled(t *testing.T) {
	p := Params{ShortWindow: 2, LongWindow: 4, AlphaShort: 0.5, AlphaLong: 0.2, BaseScaleUp: 50, BaseScaleDown: 30}

	// Oldest to newest: 10, 10, 10, 100
	res, err := Calculate([]float64{100, 10, 10, 10}, p)
	require.NoError(t, err)

	assert.Equal(t, 4, res.Samples)
	assert.InDelta(t, 10.0, res.Short, 1e-9, "short average stops after short_window updates")
	assert.InDelta(t, 28.0, res.Long, 1e-9)
	assert.Equal(t, res.Short, res.Estimate)
}

func TestCalculate_OnlyLongWindowConsidered(t *testing.T) {
	p := defaultParams()
	p.LongWindow = 3
	p.ShortWindow = 3

	a, err := Calculate([]float64{40, 40, 40}, p)
	require.NoError(t, err)
	b, err := Calculate([]float64{40, 40, 40, 1000, 1000}, p)
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestCalculate_SteadyTrafficKeepsBaseThresholds(t *testing.T) {
	p := defaultParams()
	p.LongWindow = 3

	res, err := Calculate([]float64{40, 40, 40}, p)
	require.NoError(t, err)

	assert.True(t, res.Adaptive)
	assert.Equal(t, 1.0, res.Volatility)
	assert.Equal(t, 50.0, res.ScaleUp)
	assert.InDelta(t, 32.0, res.ScaleDown, 1e-9)
	assert.Greater(t, res.Estimate, res.ScaleDown)
	assert.Less(t, res.Estimate, res.ScaleUp)
}

func TestCalculate_VolatilityRaisesScaleUp(t *testing.T) {
	p := Params{ShortWindow: 2, LongWindow: 3, AlphaShort: 0.5, AlphaLong: 0.5, BaseScaleUp: 50, BaseScaleDown: 30}

	// Oldest to newest: 20, 20, 100
	res, err := Calculate([]float64{100, 20, 20}, p)
	require.NoError(t, err)

	assert.True(t, res.Adaptive)
	assert.InDelta(t, 60.0, res.Estimate, 1e-9)
	assert.InDelta(t, 1.5657, res.Volatility, 1e-3)
	assert.InDelta(t, 60*1.1*res.Volatility, res.ScaleUp, 1e-9)
	assert.Greater(t, res.ScaleUp, p.BaseScaleUp)
	assert.InDelta(t, 30+0.1*(res.ScaleUp-30), res.ScaleDown, 1e-9)
}

func TestCalculate_ThresholdsNeverCross(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	p := Params{ShortWindow: 2, LongWindow: 6, AlphaShort: 0.7, AlphaLong: 0.3, BaseScaleUp: 50, BaseScaleDown: 30}

	for i := 0; i < 500; i++ {
		values := make([]float64, 1+rng.IntN(10))
		for j := range values {
			values[j] = rng.Float64() * 200
		}
		res, err := Calculate(values, p)
		require.NoError(t, err)
		require.Less(t, res.ScaleDown, res.ScaleUp, "values=%v", values)
	}
}

func TestSeparate_ClampsCrossedThresholds(t *testing.T) {
	up, down, err := separate(10, 10)
	require.NoError(t, err)
	assert.Less(t, down, up)
	assert.InDelta(t, 10-Epsilon*10, down, 1e-12)

	up, down, err = separate(10, 20)
	require.NoError(t, err)
	assert.Less(t, down, up)
}

func TestVolatility(t *testing.T) {
	assert.Equal(t, 1.0, Volatility(nil))
	assert.Equal(t, 1.0, Volatility([]float64{5}))
	assert.Equal(t, 1.0, Volatility([]float64{0, 0, 0}))
	assert.Equal(t, 1.0, Volatility([]float64{7, 7}))
	assert.InDelta(t, 1.5, Volatility([]float64{1, 3}), 1e-9)

	// Only the last ten values count
	long := append([]float64{1000}, []float64{5, 5, 5, 5, 5, 5, 5, 5, 5, 5}...)
	assert.Equal(t, 1.0, Volatility(long))
}

func TestParams_Validate(t *testing.T) {
	require.NoError(t, defaultParams().Validate())

	tests := []struct {
		name   string
		mutate func(*Params)
	}{
		{"zero_short", func(p *Params) { p.ShortWindow = 0 }},
		{"long_below_short", func(p *Params) { p.LongWindow = 2 }},
		{"alpha_short_zero", func(p *Params) { p.AlphaShort = 0 }},
		{"alpha_long_above_one", func(p *Params) { p.AlphaLong = 1.5 }},
		{"crossed_base", func(p *Params) { p.BaseScaleDown = 60 }},
		{"negative_down", func(p *Params) { p.BaseScaleDown = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := defaultParams()
			tt.mutate(&p)
			assert.Error(t, p.Validate())
		})
	}

	p := defaultParams()
	p.BaseScaleDown = 50
	assert.True(t, errors.Is(p.Validate(), ErrCrossed))
}
