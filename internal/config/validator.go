package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/regionplacer/placer/internal/policy"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "storage.backend")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidBackends returns the storage backends understood by the store package
func ValidBackends() []string {
	return []string{"file", "redis", "postgres"}
}

// ValidTrafficSources returns the accepted traffic sources
func ValidTrafficSources() []string {
	return []string{"auto", "prometheus", "mock"}
}

// ValidLogFormats returns the accepted log formats
func ValidLogFormats() []string {
	return []string{"text", "json"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError

	errs = append(errs, c.validateDecision()...)
	errs = append(errs, c.validatePolicy()...)
	errs = append(errs, c.validateStorage()...)
	errs = append(errs, c.validateTraffic()...)
	errs = append(errs, c.validateRuntime()...)

	return errs
}

func (c *Config) validateDecision() []ValidationError {
	var errs []ValidationError

	if c.CooldownSeconds < 0 {
		errs = append(errs, ValidationError{Field: "cooldown_seconds", Value: c.CooldownSeconds, Message: "must be >= 0"})
	}
	if err := c.ThresholdParams().Validate(); err != nil {
		errs = append(errs, ValidationError{Field: "thresholds", Value: fmt.Sprintf("%v/%v", c.TrafficThreshold, c.DeploymentThreshold), Message: err.Error()})
	}
	if c.MaxHistoryEntries < 1 {
		errs = append(errs, ValidationError{Field: "max_history_entries", Value: c.MaxHistoryEntries, Message: "must be >= 1"})
	} else if c.MaxHistoryEntries < c.LongWindow {
		errs = append(errs, ValidationError{
			Field:   "max_history_entries",
			Value:   c.MaxHistoryEntries,
			Message: fmt.Sprintf("must be >= long_window (%d)", c.LongWindow),
		})
	}
	if c.EvaluationInterval < 0 {
		errs = append(errs, ValidationError{Field: "evaluation_interval", Value: c.EvaluationInterval, Message: "must be >= 0"})
	}
	return errs
}

func (c *Config) validatePolicy() []ValidationError {
	err := c.Policy().Validate()
	if err == nil {
		return nil
	}

	var conflict *policy.ConflictError
	if errors.As(err, &conflict) {
		return []ValidationError{{Field: "always_running_regions", Value: conflict.Regions, Message: "regions cannot be both excluded and always running"}}
	}
	var verr *policy.ValidationError
	if errors.As(err, &verr) {
		return []ValidationError{{Field: verr.Field, Value: nil, Message: verr.Message}}
	}
	return []ValidationError{{Field: "regions", Message: err.Error()}}
}

func (c *Config) validateStorage() []ValidationError {
	var errs []ValidationError

	if !slices.Contains(ValidBackends(), c.Storage.Backend) {
		errs = append(errs, ValidationError{
			Field:   "storage.backend",
			Value:   c.Storage.Backend,
			Message: fmt.Sprintf("must be one of %v", ValidBackends()),
		})
		return errs
	}

	switch c.Storage.Backend {
	case "file":
		if c.Storage.Dir == "" {
			errs = append(errs, ValidationError{Field: "storage.dir", Value: "", Message: "required for the file backend"})
		}
	case "redis":
		if c.Storage.RedisAddr == "" {
			errs = append(errs, ValidationError{Field: "storage.redis_addr", Value: "", Message: "required for the redis backend"})
		}
	case "postgres":
		if c.Storage.PostgresURL == "" {
			errs = append(errs, ValidationError{Field: "storage.postgres_url", Value: "", Message: "required for the postgres backend"})
		}
	}
	return errs
}

func (c *Config) validateTraffic() []ValidationError {
	var errs []ValidationError

	if !slices.Contains(ValidTrafficSources(), c.Traffic.Source) {
		errs = append(errs, ValidationError{
			Field:   "traffic.source",
			Value:   c.Traffic.Source,
			Message: fmt.Sprintf("must be one of %v", ValidTrafficSources()),
		})
	}
	if !c.MockTraffic() && c.Traffic.PrometheusURL == "" {
		errs = append(errs, ValidationError{Field: "traffic.prometheus_url", Value: "", Message: "required when traffic comes from prometheus"})
	}
	if c.Traffic.CacheSize < 0 {
		errs = append(errs, ValidationError{Field: "traffic.cache_size", Value: c.Traffic.CacheSize, Message: "must be >= 0"})
	}
	return errs
}

func (c *Config) validateRuntime() []ValidationError {
	var errs []ValidationError

	if !c.DryRun && c.FlyAppName == "" {
		errs = append(errs, ValidationError{Field: "fly_app_name", Value: "", Message: "required when dry_run is false"})
	}
	if c.Executor.Timeout <= 0 {
		errs = append(errs, ValidationError{Field: "executor.timeout", Value: c.Executor.Timeout, Message: "must be positive"})
	}
	if c.Server.TriggerRPS <= 0 {
		errs = append(errs, ValidationError{Field: "server.trigger_rps", Value: c.Server.TriggerRPS, Message: "must be positive"})
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, ValidationError{Field: "logging.level", Value: c.Logging.Level, Message: "must be one of debug, info, warn, error"})
	}
	if !slices.Contains(ValidLogFormats(), c.Logging.Format) {
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Value:   c.Logging.Format,
			Message: fmt.Sprintf("must be one of %v", ValidLogFormats()),
		})
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, ValidationError{Field: "tracing.sample_rate", Value: c.Tracing.SampleRate, Message: "must be in [0, 1]"})
	}
	return errs
}
