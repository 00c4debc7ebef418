package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func fieldsOf(errs []ValidationError) []string {
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		out = append(out, e.Field)
	}
	return out
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	assert.Empty(t, cfg.Validate())
	assert.True(t, cfg.MockTraffic())
	assert.Equal(t, 300*time.Second, cfg.Cooldown())
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
dry_run: false
fly_app_name: placer-demo
cooldown_seconds: 120
traffic_threshold: 80
deployment_threshold: 20
short_window: 2
long_window: 4
max_history_entries: 10
allowed_regions: [AMS, cdg]
always_running_regions:
  - iad
evaluation_interval: 90s
storage:
  backend: redis
  redis_addr: redis:6379
traffic:
  source: prometheus
  cache_ttl: 1m
logging:
  level: DEBUG
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.False(t, cfg.DryRun)
	assert.Equal(t, "placer-demo", cfg.FlyAppName)
	assert.Equal(t, 2*time.Minute, cfg.Cooldown())
	assert.Equal(t, []string{"ams", "cdg"}, cfg.AllowedRegions)
	assert.Equal(t, []string{"iad"}, cfg.AlwaysRunningRegions)
	assert.Equal(t, 90*time.Second, cfg.EvaluationInterval)
	assert.Equal(t, "redis", cfg.Storage.Backend)
	assert.Equal(t, time.Minute, cfg.Traffic.CacheTTL)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.False(t, cfg.MockTraffic())

	// Untouched keys keep their defaults
	assert.Equal(t, 0.5, cfg.AlphaShort)
	assert.Equal(t, "fly", cfg.Executor.FlyBinary)

	params := cfg.ThresholdParams()
	assert.Equal(t, 80.0, params.BaseScaleUp)
	assert.Equal(t, 20.0, params.BaseScaleDown)
	assert.Equal(t, 4, params.LongWindow)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "cooldown_seconds: 60\n")

	t.Setenv("PLACER_COOLDOWN_SECONDS", "30")
	t.Setenv("PLACER_DRY_RUN", "false")
	t.Setenv("FLY_APP_NAME", "from-env")
	t.Setenv("FLY_API_TOKEN", "secret")
	t.Setenv("PLACER_EXCLUDED_REGIONS", "sin,nrt")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 30, cfg.CooldownSeconds)
	assert.False(t, cfg.DryRun)
	assert.Equal(t, "from-env", cfg.FlyAppName)
	assert.Equal(t, "secret", cfg.Traffic.APIToken)
	assert.Equal(t, []string{"sin", "nrt"}, cfg.ExcludedRegions)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	assert.Error(t, err)
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().LongWindow, cfg.LongWindow)
}

func TestLoad_ConflictingPolicyFails(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
excluded_regions: [cdg]
always_running_regions: [cdg]
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, IsValidationError(err))

	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	assert.Contains(t, fieldsOf(verrs), "always_running_regions")
	assert.Contains(t, err.Error(), "cdg")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"live_without_app", func(c *Config) { c.DryRun = false }, "fly_app_name"},
		{"negative_cooldown", func(c *Config) { c.CooldownSeconds = -1 }, "cooldown_seconds"},
		{"crossed_thresholds", func(c *Config) { c.DeploymentThreshold = 60 }, "thresholds"},
		{"alpha_out_of_range", func(c *Config) { c.AlphaLong = 0 }, "thresholds"},
		{"history_shorter_than_window", func(c *Config) { c.MaxHistoryEntries = 5 }, "max_history_entries"},
		{"unknown_backend", func(c *Config) { c.Storage.Backend = "s3" }, "storage.backend"},
		{"postgres_without_url", func(c *Config) { c.Storage.Backend = "postgres" }, "storage.postgres_url"},
		{"unknown_source", func(c *Config) { c.Traffic.Source = "csv" }, "traffic.source"},
		{"bad_level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad_format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"bad_region", func(c *Config) { c.AllowedRegions = []string{"a b"} }, "allowed_regions"},
		{"sample_rate", func(c *Config) { c.Tracing.SampleRate = 2 }, "tracing.sample_rate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Contains(t, fieldsOf(cfg.Validate()), tt.field)
		})
	}
}

func TestValidationErrors_Error(t *testing.T) {
	one := ValidationErrors{{Field: "a", Value: 1, Message: "bad"}}
	assert.Equal(t, "a: bad (got: 1)", one.Error())

	two := append(one, ValidationError{Field: "b", Value: 2, Message: "worse"})
	assert.Contains(t, two.Error(), "2 validation errors")
}

func TestRedacted(t *testing.T) {
	cfg := Default()
	cfg.Traffic.APIToken = "tok"
	cfg.Storage.PostgresURL = "postgres://user:pw@db:5432/placer"

	r := cfg.Redacted()
	assert.Equal(t, "********", r.Traffic.APIToken)
	assert.Equal(t, "postgres://********@db:5432/placer", r.Storage.PostgresURL)
	assert.Empty(t, r.Server.MetricsPassword)
	assert.Equal(t, "tok", cfg.Traffic.APIToken)
}

func TestStatic(t *testing.T) {
	cfg := Default()
	var p Provider = NewStatic(cfg)
	assert.Same(t, cfg, p.Current())
}

func TestWatcher_ReloadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "cooldown_seconds: 100\n")

	w, err := openWatcher(path)
	require.NoError(t, err)
	assert.Equal(t, 100, w.Current().CooldownSeconds)

	var seen []*Config
	w.OnChange(func(c *Config) { seen = append(seen, c) })

	writeConfig(t, dir, "cooldown_seconds: 200\n")
	require.NoError(t, w.Reload())
	assert.Equal(t, 200, w.Current().CooldownSeconds)
	require.Len(t, seen, 1)

	writeConfig(t, dir, "excluded_regions: [cdg]\nalways_running_regions: [cdg]\n")
	err = w.Reload()
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
	assert.Equal(t, 200, w.Current().CooldownSeconds)
	assert.Len(t, seen, 1)
}

func TestWatcher_PicksUpFileChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "cooldown_seconds: 100\n")

	w, err := NewWatcher(path)
	require.NoError(t, err)

	writeConfig(t, dir, "cooldown_seconds: 250\n")

	require.Eventually(t, func() bool {
		return w.Current().CooldownSeconds == 250
	}, 5*time.Second, 20*time.Millisecond)
}

func TestNewProvider(t *testing.T) {
	p, err := NewProvider("", true)
	require.NoError(t, err)
	assert.IsType(t, &Static{}, p)

	path := writeConfig(t, t.TempDir(), "cooldown_seconds: 120\n")
	p, err = NewProvider(path, false)
	require.NoError(t, err)
	assert.IsType(t, &Static{}, p)
	assert.Equal(t, 120, p.Current().CooldownSeconds)

	_, err = NewProvider(filepath.Join(t.TempDir(), "missing.yml"), false)
	assert.Error(t, err)
}

func TestResolvePath(t *testing.T) {
	assert.Equal(t, "custom.yml", ResolvePath("custom.yml"))

	// DefaultPath is relative; the test binary runs in the package directory where it does not exist
	assert.Equal(t, "", ResolvePath(DefaultPath))
}
