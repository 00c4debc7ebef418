package api

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimestamp_NormalizesToUTC(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want time.Time
	}{
		{"zulu", "2024-10-01T08:30:00Z", time.Date(2024, 10, 1, 8, 30, 0, 0, time.UTC)},
		{"naive", "2024-10-01T08:30:00", time.Date(2024, 10, 1, 8, 30, 0, 0, time.UTC)},
		{"naive_micros", "2024-10-01T08:30:00.123456", time.Date(2024, 10, 1, 8, 30, 0, 123456000, time.UTC)},
		{"offset", "2024-10-01T10:30:00+02:00", time.Date(2024, 10, 1, 8, 30, 0, 0, time.UTC)},
		{"space_separated", "2024-10-01 08:30:00", time.Date(2024, 10, 1, 8, 30, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTimestamp(tt.in)
			require.NoError(t, err)
			assert.True(t, got.Equal(tt.want), "got %s want %s", got, tt.want)
			assert.Equal(t, time.UTC, got.Location())
		})
	}
}

func TestParseTimestamp_Rejects(t *testing.T) {
	for _, in := range []string{"", "yesterday", "2024-13-01T00:00:00Z"} {
		_, err := ParseTimestamp(in)
		assert.Error(t, err, "input %q", in)
	}
}

func TestTrafficSnapshot_Value(t *testing.T) {
	s := NewTrafficSnapshot(time.Now(), map[string]float64{
		"ams": 12,
		"cdg": math.NaN(),
		"iad": -1,
	})
	s.Invalid = []string{"sin"}

	v, ok := s.Value("ams")
	assert.True(t, ok)
	assert.Equal(t, 12.0, v)

	for _, region := range []string{"cdg", "iad", "sin", "nrt"} {
		_, ok := s.Value(region)
		assert.False(t, ok, region)
	}
	assert.Equal(t, []string{"ams", "cdg", "iad", "sin"}, s.Regions())
}

func TestNewTrafficSnapshot_NormalizesRegions(t *testing.T) {
	s := NewTrafficSnapshot(time.Now(), map[string]float64{
		"AMS":   10,
		" ams ": 5,
		"CDG":   3,
		"cdg":   math.NaN(),
		"  ":    7,
	})

	v, ok := s.Value("ams")
	require.True(t, ok)
	assert.Equal(t, 15.0, v)

	_, ok = s.Value("cdg")
	assert.False(t, ok, "an invalid duplicate keeps the region invalid")
	assert.Equal(t, []string{"ams", "cdg"}, s.Regions())
}

func TestDeploymentState_Transitions(t *testing.T) {
	now := time.Date(2024, 10, 1, 12, 0, 0, 0, time.UTC)
	s := NewDeploymentState()
	assert.Nil(t, s.LastTransition("ams"))

	s.Deploy("ams", now)
	require.True(t, s.Placed("ams"))
	require.NotNil(t, s.LastTransition("ams"))
	assert.True(t, s.LastTransition("ams").Equal(now))

	later := now.Add(time.Minute)
	s.Remove("ams", later)
	assert.False(t, s.Placed("ams"))
	require.NotNil(t, s.LastTransition("ams"))
	assert.True(t, s.LastTransition("ams").Equal(later))

	s.PruneRemoved(later.Add(5*time.Minute), 5*time.Minute)
	assert.Nil(t, s.LastTransition("ams"))
}

func TestDeploymentState_CloneIsDeep(t *testing.T) {
	now := time.Now().UTC()
	s := NewDeploymentState()
	s.Deploy("iad", now)
	s.Regions["cdg"] = nil

	c := s.Clone()
	c.Deploy("ams", now)
	*c.Regions["iad"] = now.Add(time.Hour)

	assert.False(t, s.Placed("ams"))
	assert.True(t, s.Regions["iad"].Equal(now))
	assert.Equal(t, []string{"ams", "cdg", "iad"}, c.PlacedRegions())
}

func TestCycleResult_Outcome(t *testing.T) {
	r := NewCycleResult("c1", time.Now(), true)
	r.Deployed = append(r.Deployed, "ams")
	r.Skipped = append(r.Skipped, ActionResult{Region: "cdg", Action: ActionNone, Reason: "within dead zone"})

	got, err := r.Outcome("ams")
	require.NoError(t, err)
	assert.Equal(t, ActionDeploy, got)

	got, err = r.Outcome("cdg")
	require.NoError(t, err)
	assert.Equal(t, ActionNone, got)

	_, err = r.Outcome("sin")
	assert.Error(t, err)

	r.Removed = append(r.Removed, "ams")
	_, err = r.Outcome("ams")
	assert.Error(t, err)
}

func TestCooldownReason(t *testing.T) {
	assert.Equal(t, "cooldown (200s remaining)", CooldownReason(200*time.Second))
	assert.Equal(t, "cooldown (1s remaining)", CooldownReason(100*time.Millisecond))

	assert.Equal(t, ReasonCooldown, ReasonKind(CooldownReason(42*time.Second)))
	assert.Equal(t, ReasonDeadZone, ReasonKind(ReasonDeadZone))
}
