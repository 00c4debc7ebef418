// Package config loads the placer configuration from a YAML file and the
// environment, validates it and hands out immutable snapshots of it.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/regionplacer/placer/internal/api"
	"github.com/regionplacer/placer/internal/policy"
	"github.com/regionplacer/placer/internal/threshold"
)

// DefaultPath is used when no configuration file is given on the command line
const DefaultPath = "config/config.yml"

// Config represents the complete placer configuration.
// A *Config handed out by a Provider must not be mutated.
type Config struct {
	// DryRun evaluates and records decisions without touching infrastructure
	DryRun     bool   `mapstructure:"dry_run" yaml:"dry_run"`
	FlyAppName string `mapstructure:"fly_app_name" yaml:"fly_app_name"`

	CooldownSeconds     int     `mapstructure:"cooldown_seconds" yaml:"cooldown_seconds"`
	TrafficThreshold    float64 `mapstructure:"traffic_threshold" yaml:"traffic_threshold"`
	DeploymentThreshold float64 `mapstructure:"deployment_threshold" yaml:"deployment_threshold"`
	ShortWindow         int     `mapstructure:"short_window" yaml:"short_window"`
	LongWindow          int     `mapstructure:"long_window" yaml:"long_window"`
	AlphaShort          float64 `mapstructure:"alpha_short" yaml:"alpha_short"`
	AlphaLong           float64 `mapstructure:"alpha_long" yaml:"alpha_long"`
	MaxHistoryEntries   int     `mapstructure:"max_history_entries" yaml:"max_history_entries"`

	AllowedRegions       []string `mapstructure:"allowed_regions" yaml:"allowed_regions"`
	ExcludedRegions      []string `mapstructure:"excluded_regions" yaml:"excluded_regions"`
	AlwaysRunningRegions []string `mapstructure:"always_running_regions" yaml:"always_running_regions"`

	// EvaluationInterval is the period of the scheduled cycle; zero disables the scheduler
	EvaluationInterval time.Duration `mapstructure:"evaluation_interval" yaml:"evaluation_interval"`

	Storage  StorageConfig  `mapstructure:"storage" yaml:"storage"`
	Traffic  TrafficConfig  `mapstructure:"traffic" yaml:"traffic"`
	Executor ExecutorConfig `mapstructure:"executor" yaml:"executor"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Tracing  TracingConfig  `mapstructure:"tracing" yaml:"tracing"`
}

// StorageConfig selects where history and deployment state are persisted
type StorageConfig struct {
	// Backend is one of "file", "redis", "postgres"
	Backend string `mapstructure:"backend" yaml:"backend"`
	// Dir is the root directory of the file backend
	Dir string `mapstructure:"dir" yaml:"dir"`

	RedisAddr     string `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password" yaml:"redis_password,omitempty"`
	RedisDB       int    `mapstructure:"redis_db" yaml:"redis_db"`
	KeyPrefix     string `mapstructure:"key_prefix" yaml:"key_prefix"`

	PostgresURL string `mapstructure:"postgres_url" yaml:"postgres_url,omitempty"`

	// JournalDir holds the cycle journal; empty disables it
	JournalDir string `mapstructure:"journal_dir" yaml:"journal_dir"`
}

// TrafficConfig selects the traffic source
type TrafficConfig struct {
	// Source is one of "auto", "prometheus", "mock". Auto uses mock in dry-run mode.
	Source        string        `mapstructure:"source" yaml:"source"`
	PrometheusURL string        `mapstructure:"prometheus_url" yaml:"prometheus_url"`
	APIToken      string        `mapstructure:"api_token" yaml:"api_token,omitempty"`
	Range         time.Duration `mapstructure:"range" yaml:"range"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// MockSeed seeds the synthetic generator
	MockSeed  uint64        `mapstructure:"mock_seed" yaml:"mock_seed"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
	CacheSize int           `mapstructure:"cache_size" yaml:"cache_size"`
}

// ExecutorConfig controls the fly CLI executor
type ExecutorConfig struct {
	FlyBinary  string        `mapstructure:"fly_binary" yaml:"fly_binary"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries uint          `mapstructure:"max_retries" yaml:"max_retries"`
}

// ServerConfig controls the HTTP surface
type ServerConfig struct {
	Addr         string  `mapstructure:"addr" yaml:"addr"`
	TriggerRPS   float64 `mapstructure:"trigger_rps" yaml:"trigger_rps"`
	TriggerBurst int     `mapstructure:"trigger_burst" yaml:"trigger_burst"`
	// MetricsUser and MetricsPassword enable basic auth on /metrics when both are set
	MetricsUser     string `mapstructure:"metrics_user" yaml:"metrics_user,omitempty"`
	MetricsPassword string `mapstructure:"metrics_password" yaml:"metrics_password,omitempty"`
}

// LoggingConfig controls log output
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error"
	Level string `mapstructure:"level" yaml:"level"`
	// Format is "text" or "json"
	Format string `mapstructure:"format" yaml:"format"`
}

// TracingConfig controls the OTLP exporter
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint"`
	ServiceName string  `mapstructure:"service_name" yaml:"service_name"`
	SampleRate  float64 `mapstructure:"sample_rate" yaml:"sample_rate"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		DryRun:              true,
		CooldownSeconds:     300,
		TrafficThreshold:    50,
		DeploymentThreshold: 30,
		ShortWindow:         3,
		LongWindow:          12,
		AlphaShort:          0.5,
		AlphaLong:           0.2,
		MaxHistoryEntries:   24,
		EvaluationInterval:  5 * time.Minute,
		Storage: StorageConfig{
			Backend:    "file",
			Dir:        "data",
			RedisAddr:  "localhost:6379",
			KeyPrefix:  "placer",
			JournalDir: "data/journal",
		},
		Traffic: TrafficConfig{
			Source:        "auto",
			PrometheusURL: "https://api.fly.io/prometheus/personal",
			Range:         5 * time.Minute,
			Timeout:       10 * time.Second,
			MockSeed:      42,
			CacheTTL:      30 * time.Second,
			CacheSize:     16,
		},
		Executor: ExecutorConfig{
			FlyBinary:  "fly",
			Timeout:    2 * time.Minute,
			MaxRetries: 3,
		},
		Server: ServerConfig{
			Addr:         ":8080",
			TriggerRPS:   1,
			TriggerBurst: 3,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: TracingConfig{
			Endpoint:    "localhost:4317",
			ServiceName: "placer",
			SampleRate:  1.0,
		},
	}
}

// SetDefaults registers every default value with v so that environment
// variables can override keys that are absent from the file
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("dry_run", d.DryRun)
	v.SetDefault("fly_app_name", d.FlyAppName)
	v.SetDefault("cooldown_seconds", d.CooldownSeconds)
	v.SetDefault("traffic_threshold", d.TrafficThreshold)
	v.SetDefault("deployment_threshold", d.DeploymentThreshold)
	v.SetDefault("short_window", d.ShortWindow)
	v.SetDefault("long_window", d.LongWindow)
	v.SetDefault("alpha_short", d.AlphaShort)
	v.SetDefault("alpha_long", d.AlphaLong)
	v.SetDefault("max_history_entries", d.MaxHistoryEntries)
	v.SetDefault("allowed_regions", []string{})
	v.SetDefault("excluded_regions", []string{})
	v.SetDefault("always_running_regions", []string{})
	v.SetDefault("evaluation_interval", d.EvaluationInterval)

	// Storage defaults
	v.SetDefault("storage.backend", d.Storage.Backend)
	v.SetDefault("storage.dir", d.Storage.Dir)
	v.SetDefault("storage.redis_addr", d.Storage.RedisAddr)
	v.SetDefault("storage.redis_password", d.Storage.RedisPassword)
	v.SetDefault("storage.redis_db", d.Storage.RedisDB)
	v.SetDefault("storage.key_prefix", d.Storage.KeyPrefix)
	v.SetDefault("storage.postgres_url", d.Storage.PostgresURL)
	v.SetDefault("storage.journal_dir", d.Storage.JournalDir)

	// Traffic defaults
	v.SetDefault("traffic.source", d.Traffic.Source)
	v.SetDefault("traffic.prometheus_url", d.Traffic.PrometheusURL)
	v.SetDefault("traffic.api_token", d.Traffic.APIToken)
	v.SetDefault("traffic.range", d.Traffic.Range)
	v.SetDefault("traffic.timeout", d.Traffic.Timeout)
	v.SetDefault("traffic.mock_seed", d.Traffic.MockSeed)
	v.SetDefault("traffic.cache_ttl", d.Traffic.CacheTTL)
	v.SetDefault("traffic.cache_size", d.Traffic.CacheSize)

	// Executor defaults
	v.SetDefault("executor.fly_binary", d.Executor.FlyBinary)
	v.SetDefault("executor.timeout", d.Executor.Timeout)
	v.SetDefault("executor.max_retries", d.Executor.MaxRetries)

	// Server defaults
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.trigger_rps", d.Server.TriggerRPS)
	v.SetDefault("server.trigger_burst", d.Server.TriggerBurst)
	v.SetDefault("server.metrics_user", d.Server.MetricsUser)
	v.SetDefault("server.metrics_password", d.Server.MetricsPassword)

	// Logging defaults
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)

	// Tracing defaults
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
}

// newViper builds a viper instance bound to path (may be empty) and the environment
func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix("PLACER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Variables understood by the deployed service before the PLACER_ prefix existed
	bindings := map[string][]string{
		"fly_app_name":           {"PLACER_FLY_APP_NAME", "FLY_APP_NAME"},
		"traffic.api_token":      {"PLACER_TRAFFIC_API_TOKEN", "FLY_API_TOKEN"},
		"traffic.prometheus_url": {"PLACER_TRAFFIC_PROMETHEUS_URL", "FLY_PROMETHEUS_URL"},
	}
	for key, envs := range bindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	return v, nil
}

// decode unmarshals v into a validated Config
func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.normalize()

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}

// Load reads the configuration file at path, applies environment overrides and validates the result.
// An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

func (c *Config) normalize() {
	c.AllowedRegions = normalizeRegions(c.AllowedRegions)
	c.ExcludedRegions = normalizeRegions(c.ExcludedRegions)
	c.AlwaysRunningRegions = normalizeRegions(c.AlwaysRunningRegions)
	c.Storage.Backend = strings.ToLower(c.Storage.Backend)
	c.Traffic.Source = strings.ToLower(c.Traffic.Source)
	c.Logging.Level = strings.ToLower(c.Logging.Level)
	c.Logging.Format = strings.ToLower(c.Logging.Format)
}

func normalizeRegions(in []string) []string {
	out := make([]string, 0, len(in))
	for _, r := range in {
		// A single env value such as "ams,cdg" arrives as one element
		for _, part := range strings.Split(r, ",") {
			part = api.NormalizeRegion(part)
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Cooldown returns the cooldown window as a duration
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

// ThresholdParams returns the calculator parameters
func (c *Config) ThresholdParams() threshold.Params {
	return threshold.Params{
		ShortWindow:   c.ShortWindow,
		LongWindow:    c.LongWindow,
		AlphaShort:    c.AlphaShort,
		AlphaLong:     c.AlphaLong,
		BaseScaleUp:   c.TrafficThreshold,
		BaseScaleDown: c.DeploymentThreshold,
	}
}

// Policy returns the region policy described by the configuration
func (c *Config) Policy() *policy.RegionPolicy {
	return policy.New(c.AllowedRegions, c.ExcludedRegions, c.AlwaysRunningRegions)
}

// MockTraffic reports whether the synthetic traffic source is selected
func (c *Config) MockTraffic() bool {
	switch c.Traffic.Source {
	case "mock":
		return true
	case "prometheus":
		return false
	default:
		return c.DryRun
	}
}

// Clone returns a deep copy that the caller may modify
func (c *Config) Clone() *Config {
	out := *c
	out.AllowedRegions = append([]string(nil), c.AllowedRegions...)
	out.ExcludedRegions = append([]string(nil), c.ExcludedRegions...)
	out.AlwaysRunningRegions = append([]string(nil), c.AlwaysRunningRegions...)
	return &out
}

// Redacted returns a copy with secrets masked, suitable for display
func (c *Config) Redacted() *Config {
	out := c.Clone()
	for _, s := range []*string{&out.Traffic.APIToken, &out.Storage.RedisPassword, &out.Server.MetricsPassword} {
		if *s != "" {
			*s = "********"
		}
	}
	if out.Storage.PostgresURL != "" {
		out.Storage.PostgresURL = redactURL(out.Storage.PostgresURL)
	}
	return out
}

func redactURL(raw string) string {
	at := strings.LastIndex(raw, "@")
	scheme := strings.Index(raw, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return raw
	}
	return raw[:scheme+3] + "********" + raw[at:]
}

// IsValidationError reports whether err came from configuration validation
func IsValidationError(err error) bool {
	var verrs ValidationErrors
	return errors.As(err, &verrs)
}
