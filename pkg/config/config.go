// Package config provides the typed configuration surface for Strata.
// Enumerated fields are validated eagerly so a bad config fails the run
// before any extraction or curation starts.
package config

import (
	"fmt"
	"time"

	"github.com/stratapipe/strata/pkg/models"
)

// PipelineConfig is the root configuration for one pipeline process.
type PipelineConfig struct {
	// Name identifies the pipeline instance
	Name string `yaml:"name" json:"name"`

	Storage     StorageConfig     `yaml:"storage" json:"storage"`
	State       StateConfig       `yaml:"state" json:"state"`
	Resilience  ResilienceConfig  `yaml:"resilience" json:"resilience"`
	Concurrency ConcurrencyConfig `yaml:"concurrency" json:"concurrency"`
	Logging     LoggingConfig     `yaml:"logging" json:"logging"`

	// Entities lists the datasets this pipeline curates
	Entities []EntityConfig `yaml:"entities" json:"entities"`
}

// StorageConfig selects and tunes the partition store.
type StorageConfig struct {
	// Kind selects the backend: local or s3
	Kind string `yaml:"kind" json:"kind"`
	// Root is the local backend's root directory
	Root string `yaml:"root" json:"root"`
	// Bucket, Prefix, Region, Endpoint configure the s3 backend
	Bucket   string `yaml:"bucket" json:"bucket"`
	Prefix   string `yaml:"prefix" json:"prefix"`
	Region   string `yaml:"region" json:"region"`
	Endpoint string `yaml:"endpoint" json:"endpoint"`
}

// StateConfig selects watermark/checkpoint persistence.
type StateConfig struct {
	// Path is the SQLite state database path; "memory" keeps state
	// in-process (tests, one-shot runs)
	Path string `yaml:"path" json:"path"`
}

// ResilienceConfig tunes the guard layers shared by all components.
type ResilienceConfig struct {
	Retry   RetryConfig   `yaml:"retry" json:"retry"`
	Breaker BreakerConfig `yaml:"breaker" json:"breaker"`
	// RateLimitPerSec limits guarded calls per second per component
	// (0 = unlimited)
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec" json:"rate_limit_per_sec"`
	// Burst caps the token bucket; 0 defaults to ceil(rate)
	Burst int `yaml:"burst" json:"burst"`
}

// RetryConfig tunes retry backoff.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay" json:"max_delay"`
	Multiplier  float64       `yaml:"multiplier" json:"multiplier"`
	Jitter      float64       `yaml:"jitter" json:"jitter"`
}

// BreakerConfig tunes the circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown" json:"cooldown"`
	HalfOpenMaxCalls int           `yaml:"half_open_max_calls" json:"half_open_max_calls"`
}

// ConcurrencyConfig bounds the two worker-pool levels.
type ConcurrencyConfig struct {
	// MaxParallelEntities bounds concurrent entity runs
	MaxParallelEntities int `yaml:"max_parallel_entities" json:"max_parallel_entities"`
	// MaxParallelChunks bounds concurrent chunk curation within one entity
	MaxParallelChunks int `yaml:"max_parallel_chunks" json:"max_parallel_chunks"`
	// ChunkSize is the target record count per curation chunk; chunk
	// boundaries never split one natural key's rows
	ChunkSize int `yaml:"chunk_size" json:"chunk_size"`
}

// LoggingConfig tunes the logger.
type LoggingConfig struct {
	Level       string `yaml:"level" json:"level"`
	Development bool   `yaml:"development" json:"development"`
	Encoding    string `yaml:"encoding" json:"encoding"`
}

// QualityRule is one configured data-quality check evaluated on Silver
// output.
type QualityRule struct {
	// Name labels the rule in logs and violations
	Name string `yaml:"name" json:"name"`
	// Type selects the check: not_null, unique_key, min_rows, max_rows
	Type string `yaml:"type" json:"type"`
	// Column is the target column for not_null
	Column string `yaml:"column" json:"column"`
	// Threshold parameterizes the rule: max null fraction for not_null,
	// row bound for min_rows/max_rows
	Threshold float64 `yaml:"threshold" json:"threshold"`
	// Severity is warn or fail
	Severity string `yaml:"severity" json:"severity"`
}

// EntityConfig configures curation for one (system, entity) dataset.
type EntityConfig struct {
	System string `yaml:"system" json:"system"`
	Entity string `yaml:"entity" json:"entity"`

	NaturalKeys []string `yaml:"natural_keys" json:"natural_keys"`

	// ChangeTSColumn orders state rows; EventTSColumn orders event rows
	ChangeTSColumn string `yaml:"change_ts_column" json:"change_ts_column"`
	EventTSColumn  string `yaml:"event_ts_column" json:"event_ts_column"`

	// CDCOpColumn carries insert/update/delete codes on CDC input
	CDCOpColumn string `yaml:"cdc_op_column" json:"cdc_op_column"`

	// WatermarkColumn bounds incremental extraction; empty disables
	// watermark tracking for the entity
	WatermarkColumn string           `yaml:"watermark_column" json:"watermark_column"`
	WatermarkType   models.ValueType `yaml:"watermark_type" json:"watermark_type"`

	EntityKind   models.EntityKind   `yaml:"entity_kind" json:"entity_kind"`
	HistoryMode  models.HistoryMode  `yaml:"history_mode" json:"history_mode"`
	InputMode    models.InputMode    `yaml:"input_mode" json:"input_mode"`
	DeleteMode   models.DeleteMode   `yaml:"delete_mode" json:"delete_mode"`
	SchemaMode   models.SchemaMode   `yaml:"schema_mode" json:"schema_mode"`
	ChecksumMode models.ChecksumMode `yaml:"checksum_mode" json:"checksum_mode"`

	// SchemaColumns optionally pins the expected column set for strict
	// schema mode; empty means the first row defines the baseline
	SchemaColumns []string `yaml:"schema_columns" json:"schema_columns"`

	// CadenceDays drives the reference/delta role for reference-mode
	// sources (0 disables)
	CadenceDays int `yaml:"cadence_days" json:"cadence_days"`

	Quality []QualityRule `yaml:"quality" json:"quality"`
}

// SourceKey identifies this entity's watermark.
func (e EntityConfig) SourceKey() string {
	return e.System + "." + e.Entity
}

// NewPipelineConfig returns a config with production defaults applied.
func NewPipelineConfig(name string) *PipelineConfig {
	return &PipelineConfig{
		Name: name,
		Storage: StorageConfig{
			Kind: "local",
			Root: "./data",
		},
		State: StateConfig{Path: "./strata-state.db"},
		Resilience: ResilienceConfig{
			Retry: RetryConfig{
				MaxAttempts: 5,
				BaseDelay:   500 * time.Millisecond,
				MaxDelay:    8 * time.Second,
				Multiplier:  2.0,
				Jitter:      0.2,
			},
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				Cooldown:         30 * time.Second,
				HalfOpenMaxCalls: 1,
			},
			RateLimitPerSec: 0,
		},
		Concurrency: ConcurrencyConfig{
			MaxParallelEntities: 4,
			MaxParallelChunks:   2,
			ChunkSize:           100000,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "json",
		},
	}
}

// Validate checks the configuration for correctness.
func (c *PipelineConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}

	switch c.Storage.Kind {
	case "local":
		if c.Storage.Root == "" {
			return fmt.Errorf("storage.root is required for local storage")
		}
	case "s3":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for s3 storage")
		}
	default:
		return fmt.Errorf("invalid storage.kind %q", c.Storage.Kind)
	}

	if c.Concurrency.MaxParallelEntities <= 0 {
		return fmt.Errorf("concurrency.max_parallel_entities must be positive")
	}
	if c.Concurrency.MaxParallelChunks <= 0 {
		return fmt.Errorf("concurrency.max_parallel_chunks must be positive")
	}
	if c.Resilience.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("resilience.retry.max_attempts must be positive")
	}
	if c.Resilience.RateLimitPerSec < 0 {
		return fmt.Errorf("resilience.rate_limit_per_sec cannot be negative")
	}

	if len(c.Entities) == 0 {
		return fmt.Errorf("at least one entity is required")
	}
	seen := make(map[string]bool, len(c.Entities))
	for i := range c.Entities {
		e := &c.Entities[i]
		if err := e.Validate(); err != nil {
			return fmt.Errorf("entity %d (%s): %w", i, e.SourceKey(), err)
		}
		if seen[e.SourceKey()] {
			return fmt.Errorf("duplicate entity %s", e.SourceKey())
		}
		seen[e.SourceKey()] = true
	}
	return nil
}

// Validate checks one entity configuration, applying defaults for
// optional enums.
func (e *EntityConfig) Validate() error {
	if e.System == "" || e.Entity == "" {
		return fmt.Errorf("system and entity are required")
	}

	// Defaults for optional enums
	if e.HistoryMode == "" {
		e.HistoryMode = models.HistoryCurrentOnly
	}
	if e.InputMode == "" {
		e.InputMode = models.InputAppendLog
	}
	if e.DeleteMode == "" {
		e.DeleteMode = models.DeleteIgnore
	}
	if e.SchemaMode == "" {
		e.SchemaMode = models.SchemaStrict
	}
	if e.ChecksumMode == "" {
		e.ChecksumMode = models.ChecksumWarn
	}
	if e.CDCOpColumn == "" {
		e.CDCOpColumn = "_op"
	}
	if e.WatermarkColumn != "" {
		if e.WatermarkType == "" {
			e.WatermarkType = models.ValueTimestamp
		}
		if err := e.WatermarkType.Validate(); err != nil {
			return err
		}
	}

	if err := e.EntityKind.Validate(); err != nil {
		return err
	}
	if err := e.HistoryMode.Validate(); err != nil {
		return err
	}
	if err := e.InputMode.Validate(); err != nil {
		return err
	}
	if err := e.DeleteMode.Validate(); err != nil {
		return err
	}
	if err := e.SchemaMode.Validate(); err != nil {
		return err
	}
	if err := e.ChecksumMode.Validate(); err != nil {
		return err
	}

	switch e.EntityKind {
	case models.EntityKindState, models.EntityKindDerivedEvent:
		if len(e.NaturalKeys) == 0 {
			return fmt.Errorf("natural_keys are required for %s entities", e.EntityKind)
		}
		if e.ChangeTSColumn == "" {
			return fmt.Errorf("change_ts_column is required for %s entities", e.EntityKind)
		}
	case models.EntityKindEvent, models.EntityKindDerivedState:
		if e.EventTSColumn == "" {
			return fmt.Errorf("event_ts_column is required for %s entities", e.EntityKind)
		}
		if e.EntityKind == models.EntityKindDerivedState && len(e.NaturalKeys) == 0 {
			return fmt.Errorf("natural_keys are required for derived_state entities")
		}
	}

	for i, rule := range e.Quality {
		switch rule.Type {
		case "not_null", "unique_key", "min_rows", "max_rows":
		default:
			return fmt.Errorf("quality rule %d: invalid type %q", i, rule.Type)
		}
		switch rule.Severity {
		case "", "warn", "fail":
		default:
			return fmt.Errorf("quality rule %d: invalid severity %q", i, rule.Severity)
		}
	}

	return nil
}
