package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratapipe/strata/pkg/models"
)

const sampleConfig = `
name: nightly
storage:
  kind: local
  root: ./data
state:
  path: ./state.db
resilience:
  retry:
    max_attempts: 4
    base_delay: 250ms
  rate_limit_per_sec: 50
concurrency:
  max_parallel_entities: 2
entities:
  - system: crm
    entity: customers
    entity_kind: state
    history_mode: full_history
    natural_keys: [id]
    change_ts_column: updated_at
    watermark_column: updated_at
    cadence_days: 7
    quality:
      - name: id-not-null
        type: not_null
        column: id
        severity: fail
  - system: app
    entity: clicks
    entity_kind: event
    event_ts_column: at
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "strata.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "nightly", cfg.Name)
	assert.Equal(t, "local", cfg.Storage.Kind)
	assert.Equal(t, 4, cfg.Resilience.Retry.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Resilience.Retry.BaseDelay)
	// Unset tuning falls back to defaults
	assert.Equal(t, 8*time.Second, cfg.Resilience.Retry.MaxDelay)
	assert.Equal(t, 50.0, cfg.Resilience.RateLimitPerSec)
	assert.Equal(t, 2, cfg.Concurrency.MaxParallelEntities)
	assert.Equal(t, 2, cfg.Concurrency.MaxParallelChunks)

	require.Len(t, cfg.Entities, 2)
	customers := cfg.Entities[0]
	assert.Equal(t, "crm.customers", customers.SourceKey())
	assert.Equal(t, models.EntityKindState, customers.EntityKind)
	assert.Equal(t, models.HistoryFull, customers.HistoryMode)
	assert.Equal(t, models.ValueTimestamp, customers.WatermarkType)
	assert.Equal(t, 7, customers.CadenceDays)
	require.Len(t, customers.Quality, 1)
	assert.Equal(t, "fail", customers.Quality[0].Severity)

	clicks := cfg.Entities[1]
	assert.Equal(t, models.EntityKindEvent, clicks.EntityKind)
	// Optional enums defaulted
	assert.Equal(t, models.InputAppendLog, clicks.InputMode)
	assert.Equal(t, models.ChecksumWarn, clicks.ChecksumMode)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestEntityValidate(t *testing.T) {
	base := func() EntityConfig {
		return EntityConfig{
			System:         "crm",
			Entity:         "customers",
			EntityKind:     models.EntityKindState,
			NaturalKeys:    []string{"id"},
			ChangeTSColumn: "updated_at",
		}
	}

	t.Run("valid with defaults", func(t *testing.T) {
		e := base()
		require.NoError(t, e.Validate())
		assert.Equal(t, models.HistoryCurrentOnly, e.HistoryMode)
		assert.Equal(t, models.DeleteIgnore, e.DeleteMode)
		assert.Equal(t, "_op", e.CDCOpColumn)
	})

	t.Run("invalid entity kind", func(t *testing.T) {
		e := base()
		e.EntityKind = "stateful"
		assert.Error(t, e.Validate())
	})

	t.Run("state requires natural keys", func(t *testing.T) {
		e := base()
		e.NaturalKeys = nil
		assert.Error(t, e.Validate())
	})

	t.Run("state requires change ts column", func(t *testing.T) {
		e := base()
		e.ChangeTSColumn = ""
		assert.Error(t, e.Validate())
	})

	t.Run("event requires event ts column", func(t *testing.T) {
		e := EntityConfig{System: "app", Entity: "clicks", EntityKind: models.EntityKindEvent}
		assert.Error(t, e.Validate())
		e.EventTSColumn = "at"
		assert.NoError(t, e.Validate())
	})

	t.Run("bad quality rule type", func(t *testing.T) {
		e := base()
		e.Quality = []QualityRule{{Name: "x", Type: "regex"}}
		assert.Error(t, e.Validate())
	})
}

func TestPipelineValidate(t *testing.T) {
	valid := func() *PipelineConfig {
		cfg := NewPipelineConfig("test")
		cfg.Entities = []EntityConfig{{
			System:         "crm",
			Entity:         "customers",
			EntityKind:     models.EntityKindState,
			NaturalKeys:    []string{"id"},
			ChangeTSColumn: "updated_at",
		}}
		return cfg
	}

	require.NoError(t, valid().Validate())

	cfg := valid()
	cfg.Storage.Kind = "gcs"
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.Storage.Kind = "s3"
	assert.Error(t, cfg.Validate()) // bucket required
	cfg.Storage.Bucket = "lake"
	assert.NoError(t, cfg.Validate())

	cfg = valid()
	cfg.Entities = append(cfg.Entities, cfg.Entities[0])
	assert.Error(t, cfg.Validate()) // duplicate entity

	cfg = valid()
	cfg.Entities = nil
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.Concurrency.MaxParallelChunks = 0
	assert.Error(t, cfg.Validate())
}
