package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stratapipe/strata/pkg/bronze"
	"github.com/stratapipe/strata/pkg/config"
	"github.com/stratapipe/strata/pkg/errors"
	"github.com/stratapipe/strata/pkg/metrics"
	"github.com/stratapipe/strata/pkg/models"
	"github.com/stratapipe/strata/pkg/state"
	"github.com/stratapipe/strata/pkg/storage"
)

// fakeExtractor serves a fixed record set and remembers how it was called.
type fakeExtractor struct {
	records   []models.Record
	watermark string
	calls     int
	lastSince *state.Watermark
	lastRole  state.Role
}

func (f *fakeExtractor) Extract(_ context.Context, _ config.EntityConfig, since *state.Watermark, role state.Role) (*Extraction, error) {
	f.calls++
	f.lastSince = since
	f.lastRole = role
	return &Extraction{Records: f.records, NewWatermarkValue: f.watermark}, nil
}

func stateEntityConfig() config.EntityConfig {
	return config.EntityConfig{
		System:          "crm",
		Entity:          "customers",
		EntityKind:      models.EntityKindState,
		HistoryMode:     models.HistoryCurrentOnly,
		NaturalKeys:     []string{"id"},
		ChangeTSColumn:  "updated_at",
		WatermarkColumn: "updated_at",
		WatermarkType:   models.ValueTimestamp,
		ChecksumMode:    models.ChecksumStrict,
		CadenceDays:     7,
	}
}

func newTestRunner(t *testing.T, entity config.EntityConfig, extractor Extractor) (*Runner, storage.Backend, *state.MemoryWatermarkStore, *state.MemoryCheckpointStore) {
	t.Helper()
	backend, err := storage.NewLocalBackend(t.TempDir())
	require.NoError(t, err)

	cfg := config.NewPipelineConfig("test")
	cfg.Entities = []config.EntityConfig{entity}
	require.NoError(t, cfg.Validate())

	watermarks := state.NewMemoryWatermarkStore()
	checkpoints := state.NewMemoryCheckpointStore()
	runner := NewRunner(cfg, backend, watermarks, checkpoints, extractor, nil, zap.NewNop())
	return runner, backend, watermarks, checkpoints
}

func TestRunner_LandThenCurate(t *testing.T) {
	ctx := context.Background()
	extractor := &fakeExtractor{
		records: []models.Record{
			{Data: map[string]interface{}{"id": "a", "name": "Ada", "updated_at": "2026-08-01T00:00:00Z"}},
			{Data: map[string]interface{}{"id": "b", "name": "Bo", "updated_at": "2026-08-02T00:00:00Z"}},
			{Data: map[string]interface{}{"id": "a", "name": "Ada Jr", "updated_at": "2026-08-03T00:00:00Z"}},
		},
		watermark: "2026-08-03T00:00:00Z",
	}
	runner, backend, watermarks, _ := newTestRunner(t, stateEntityConfig(), extractor)

	require.NoError(t, runner.Run(ctx, "2026-08-03", "run-1"))
	assert.Equal(t, 1, extractor.calls)
	// No prior reference extraction, so the first run is a reference run
	assert.Equal(t, state.RoleReference, extractor.lastRole)
	assert.Nil(t, extractor.lastSince)

	// Bronze landed
	bronzeFiles, err := backend.ReadPartition(ctx, storage.PartitionPath(storage.LayerBronze, "crm", "customers", "2026-08-03"))
	require.NoError(t, err)
	assert.Contains(t, bronzeFiles, storage.MetadataFile)

	// Silver holds the latest row per key
	silverFiles, err := backend.ReadPartition(ctx, storage.PartitionPath(storage.LayerSilver, "crm", "customers", "2026-08-03"))
	require.NoError(t, err)
	rows, err := bronze.DecodeFiles(silverFiles, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	byID := map[string]string{}
	for _, row := range rows {
		byID[row.Data["id"].(string)] = row.Data["name"].(string)
	}
	assert.Equal(t, map[string]string{"a": "Ada Jr", "b": "Bo"}, byID)

	// Watermark advanced and the reference date was recorded
	wm, err := watermarks.Get(ctx, "crm.customers")
	require.NoError(t, err)
	require.NotNil(t, wm)
	assert.Equal(t, "2026-08-03T00:00:00Z", wm.Value)
	assert.Equal(t, "2026-08-03", wm.LastReferenceDate)
}

func TestRunner_CurateBackfillsColumnsAcrossChunks(t *testing.T) {
	ctx := context.Background()
	entity := stateEntityConfig()
	entity.SchemaMode = models.SchemaAllowNew
	extractor := &fakeExtractor{
		records: []models.Record{
			{Data: map[string]interface{}{"id": "a", "name": "Ada", "updated_at": "2026-08-01T00:00:00Z"}},
			{Data: map[string]interface{}{"id": "b", "name": "Bo", "extra": "x", "updated_at": "2026-08-01T00:00:00Z"}},
		},
		watermark: "2026-08-01T00:00:00Z",
	}

	backend, err := storage.NewLocalBackend(t.TempDir())
	require.NoError(t, err)
	cfg := config.NewPipelineConfig("test")
	cfg.Entities = []config.EntityConfig{entity}
	// Force each key into its own chunk
	cfg.Concurrency.ChunkSize = 1
	require.NoError(t, cfg.Validate())
	runner := NewRunner(cfg, backend, state.NewMemoryWatermarkStore(), state.NewMemoryCheckpointStore(), extractor, nil, zap.NewNop())

	_, err = runner.Land(ctx, entity, "2026-08-01", "run-1")
	require.NoError(t, err)
	result, err := runner.Curate(ctx, entity)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Contains(t, result.Metadata.SchemaColumns, "extra")

	rows, err := bronze.DecodeFiles(mustRead(t, backend, result.Path), 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		// Every published row carries the full declared column set; the
		// chunk that never saw the column holds an explicit null
		val, ok := row.Data["extra"]
		assert.True(t, ok, "row for id=%v missing column backfill", row.Data["id"])
		if row.Data["id"] == "a" {
			assert.Nil(t, val)
		}
	}
}

func TestRunner_CurateWithoutBronzeIsNoop(t *testing.T) {
	entity := stateEntityConfig()
	runner, _, _, _ := newTestRunner(t, entity, nil)

	result, err := runner.Curate(context.Background(), entity)
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestRunner_CurateClearsCheckpointsAndStaging(t *testing.T) {
	ctx := context.Background()
	entity := stateEntityConfig()
	extractor := &fakeExtractor{
		records: []models.Record{
			{Data: map[string]interface{}{"id": "a", "name": "Ada", "updated_at": "2026-08-01T00:00:00Z"}},
		},
		watermark: "2026-08-01T00:00:00Z",
	}
	runner, backend, _, checkpoints := newTestRunner(t, entity, extractor)

	_, err := runner.Land(ctx, entity, "2026-08-01", "run-1")
	require.NoError(t, err)
	_, err = runner.Curate(ctx, entity)
	require.NoError(t, err)

	jobID := curateJobID("crm.customers", []string{"2026-08-01"})
	done, err := checkpoints.IsDone(ctx, jobID, 0)
	require.NoError(t, err)
	assert.False(t, done, "checkpoints should be cleared after publish")

	_, err = backend.ReadPartition(ctx, stagingChunkPath(entity, jobID, 0))
	assert.Error(t, err, "staged chunk output should be removed after publish")
}

func TestRunner_CurateRecomputesDoneChunkWithoutStagedOutput(t *testing.T) {
	ctx := context.Background()
	entity := stateEntityConfig()
	extractor := &fakeExtractor{
		records: []models.Record{
			{Data: map[string]interface{}{"id": "a", "name": "Ada", "updated_at": "2026-08-01T00:00:00Z"}},
			{Data: map[string]interface{}{"id": "a", "name": "Ada Jr", "updated_at": "2026-08-02T00:00:00Z"}},
		},
		watermark: "2026-08-02T00:00:00Z",
	}
	runner, backend, _, checkpoints := newTestRunner(t, entity, extractor)

	_, err := runner.Land(ctx, entity, "2026-08-02", "run-1")
	require.NoError(t, err)

	// Simulate a crash after the checkpoint was written but the staged
	// output was lost
	jobID := curateJobID("crm.customers", []string{"2026-08-02"})
	require.NoError(t, checkpoints.Begin(ctx, jobID, 1))
	require.NoError(t, checkpoints.MarkDone(ctx, jobID, 0))

	result, err := runner.Curate(ctx, entity)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, int64(1), result.Metadata.RecordCount)

	rows, err := bronze.DecodeFiles(mustRead(t, backend, result.Path), 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Ada Jr", rows[0].Data["name"])
}

func mustRead(t *testing.T, backend storage.Backend, path string) storage.FileSet {
	t.Helper()
	files, err := backend.ReadPartition(context.Background(), path)
	require.NoError(t, err)
	return files
}

// failingExtractor always fails with a transient error.
type failingExtractor struct{ calls int }

func (f *failingExtractor) Extract(_ context.Context, _ config.EntityConfig, _ *state.Watermark, _ state.Role) (*Extraction, error) {
	f.calls++
	return nil, errors.New(errors.ErrorTypeConnection, "connection refused")
}

func TestRunner_RetryMetricsObserveGuardedExtract(t *testing.T) {
	entity := stateEntityConfig()
	backend, err := storage.NewLocalBackend(t.TempDir())
	require.NoError(t, err)

	cfg := config.NewPipelineConfig("test")
	cfg.Entities = []config.EntityConfig{entity}
	cfg.Resilience.Retry.MaxAttempts = 2
	cfg.Resilience.Retry.BaseDelay = time.Millisecond
	require.NoError(t, cfg.Validate())

	extractor := &failingExtractor{}
	m := metrics.New(prometheus.NewRegistry())
	runner := NewRunner(cfg, backend, state.NewMemoryWatermarkStore(), state.NewMemoryCheckpointStore(), extractor, m, zap.NewNop())

	_, err = runner.Land(context.Background(), entity, "2026-08-01", "run-1")
	require.Error(t, err)
	assert.Equal(t, 2, extractor.calls)

	// The second attempt is the one retry; the counter observed it
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RetryAttempts.WithLabelValues("extract:crm.customers")))
}

func TestChunkRecords(t *testing.T) {
	row := func(id string, n int) models.Record {
		return models.Record{Data: map[string]interface{}{"id": id, "n": n}, Position: int64(n)}
	}

	t.Run("empty input yields one empty chunk", func(t *testing.T) {
		chunks := chunkRecords(nil, []string{"id"}, 10)
		require.Len(t, chunks, 1)
		assert.Empty(t, chunks[0])
	})

	t.Run("input within size stays whole", func(t *testing.T) {
		records := []models.Record{row("a", 0), row("b", 1)}
		chunks := chunkRecords(records, []string{"id"}, 10)
		require.Len(t, chunks, 1)
		assert.Len(t, chunks[0], 2)
	})

	t.Run("no natural keys never splits", func(t *testing.T) {
		var records []models.Record
		for i := 0; i < 20; i++ {
			records = append(records, row(fmt.Sprintf("k%d", i), i))
		}
		chunks := chunkRecords(records, nil, 5)
		require.Len(t, chunks, 1)
	})

	t.Run("one key is never split across chunks", func(t *testing.T) {
		var records []models.Record
		for i := 0; i < 30; i++ {
			records = append(records, row(fmt.Sprintf("k%d", i%3), i))
		}
		chunks := chunkRecords(records, []string{"id"}, 12)

		var total int
		seen := map[string]int{}
		for ci, chunk := range chunks {
			assert.LessOrEqual(t, len(chunk), 12)
			total += len(chunk)
			for _, rec := range chunk {
				key := rec.Data["id"].(string)
				if prev, ok := seen[key]; ok {
					assert.Equal(t, prev, ci, "key %s split across chunks", key)
				}
				seen[key] = ci
			}
		}
		assert.Equal(t, 30, total)
		assert.Greater(t, len(chunks), 1)
	})

	t.Run("oversized single key still becomes one chunk", func(t *testing.T) {
		var records []models.Record
		for i := 0; i < 10; i++ {
			records = append(records, row("same", i))
		}
		chunks := chunkRecords(records, []string{"id"}, 4)
		require.Len(t, chunks, 1)
		assert.Len(t, chunks[0], 10)
	})
}

func TestCurateJobID(t *testing.T) {
	a := curateJobID("crm.customers", []string{"2026-08-01", "2026-08-02"})
	b := curateJobID("crm.customers", []string{"2026-08-01", "2026-08-02"})
	c := curateJobID("crm.customers", []string{"2026-08-01", "2026-08-03"})
	d := curateJobID("crm.orders", []string{"2026-08-01", "2026-08-02"})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
}
