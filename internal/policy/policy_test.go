package policy

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regionplacer/placer/internal/api"
)

func TestValidate_ExcludedAndAlwaysRunningConflict(t *testing.T) {
	p := New(nil, []string{"cdg"}, []string{"cdg", "iad"})

	err := p.Validate()
	require.Error(t, err)

	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, []string{"cdg"}, conflict.Regions)
	assert.Contains(t, err.Error(), "cdg")
}

func TestValidate_InvalidRegionID(t *testing.T) {
	p := New([]string{"ams", "fr/par"}, nil, nil)

	err := p.Validate()
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "allowed_regions", verr.Field)
}

func TestValidate_OK(t *testing.T) {
	p := New([]string{"AMS ", "cdg"}, []string{"sin"}, []string{"iad"})
	require.NoError(t, p.Validate())
	assert.True(t, p.IsAllowed("ams"))
	assert.Equal(t, []string{"iad"}, p.AlwaysRunning())
}

func TestClassify(t *testing.T) {
	p := New([]string{"ams", "cdg"}, []string{"sin"}, []string{"iad"})

	tests := []struct {
		name       string
		region     string
		action     api.Action
		wantAction api.Action
		wantReason string
	}{
		{"deploy_allowed", "ams", api.ActionDeploy, api.ActionDeploy, ""},
		{"deploy_excluded", "sin", api.ActionDeploy, api.ActionNone, api.ReasonExcluded},
		{"deploy_not_allowed", "nrt", api.ActionDeploy, api.ActionNone, api.ReasonNotAllowed},
		{"deploy_always_running_outside_allow_list", "iad", api.ActionDeploy, api.ActionDeploy, ""},
		{"remove_always_running", "iad", api.ActionRemove, api.ActionNone, api.ReasonAlwaysRunning},
		{"remove_excluded", "sin", api.ActionRemove, api.ActionRemove, ""},
		{"remove_not_allowed", "nrt", api.ActionRemove, api.ActionRemove, ""},
		{"none_passes", "ams", api.ActionNone, api.ActionNone, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := p.Classify(tt.region, tt.action)
			assert.Equal(t, tt.wantAction, got)
			assert.Equal(t, tt.wantReason, reason)
		})
	}
}

func TestClassify_EmptyAllowListIsUnrestricted(t *testing.T) {
	p := New(nil, nil, nil)
	got, reason := p.Classify("nrt", api.ActionDeploy)
	assert.Equal(t, api.ActionDeploy, got)
	assert.Empty(t, reason)
}

func TestHash_StableAcrossOrdering(t *testing.T) {
	a, err := New([]string{"ams", "cdg"}, nil, []string{"iad"}).Hash()
	require.NoError(t, err)
	b, err := New([]string{"cdg", "ams"}, nil, []string{"iad"}).Hash()
	require.NoError(t, err)
	c, err := New([]string{"cdg"}, nil, []string{"iad"}).Hash()
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 16)
}
