package bronze

import (
	"bytes"
	"context"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stratapipe/strata/pkg/errors"
	"github.com/stratapipe/strata/pkg/models"
	"github.com/stratapipe/strata/pkg/state"
	"github.com/stratapipe/strata/pkg/storage"
)

func testRecords() []models.Record {
	return []models.Record{
		{Data: map[string]interface{}{"id": "a", "amount": 10.5, "updated_at": "2026-08-01T00:00:00Z"}},
		{Data: map[string]interface{}{"id": "b", "amount": 3.0, "updated_at": "2026-08-02T00:00:00Z"}},
		{Data: map[string]interface{}{"id": "c", "amount": 7.25, "updated_at": "2026-08-03T00:00:00Z"}},
	}
}

func newTestWriter(t *testing.T) (*Writer, storage.Backend, *state.MemoryWatermarkStore) {
	t.Helper()
	backend, err := storage.NewLocalBackend(t.TempDir())
	require.NoError(t, err)
	watermarks := state.NewMemoryWatermarkStore()
	return NewWriter(backend, watermarks, nil, zap.NewNop()), backend, watermarks
}

func TestWriter_RerunProducesIdenticalDataFiles(t *testing.T) {
	ctx := context.Background()
	writer, backend, watermarks := newTestWriter(t)

	req := WriteRequest{
		System:      "erp",
		Entity:      "orders",
		Date:        "2026-08-03",
		LoadPattern: models.LoadIncremental,
		Records:     testRecords(),
		RunID:       "run-1",
		Watermark: &state.Watermark{
			SourceKey: "erp.orders",
			Column:    "updated_at",
			Value:     "2026-08-03T00:00:00Z",
			Type:      models.ValueTimestamp,
		},
	}

	first, err := writer.Write(ctx, req)
	require.NoError(t, err)
	assert.True(t, first.WatermarkAdvanced)
	firstFiles, err := backend.ReadPartition(ctx, first.Path)
	require.NoError(t, err)

	req.RunID = "run-2"
	second, err := writer.Write(ctx, req)
	require.NoError(t, err)
	secondFiles, err := backend.ReadPartition(ctx, second.Path)
	require.NoError(t, err)

	// Data files and manifest are byte-identical across reruns
	for _, name := range firstFiles.DataFiles() {
		assert.True(t, bytes.Equal(firstFiles[name], secondFiles[name]), "file %s differs", name)
	}
	assert.True(t, bytes.Equal(firstFiles[storage.ManifestFile], secondFiles[storage.ManifestFile]))

	// An unchanged watermark value does not advance
	assert.False(t, second.WatermarkAdvanced)
	wm, err := watermarks.Get(ctx, "erp.orders")
	require.NoError(t, err)
	require.NotNil(t, wm)
	assert.Equal(t, "run-1", wm.LastRunID)
}

func TestWriter_DecodeRoundTrip(t *testing.T) {
	ctx := context.Background()
	writer, backend, _ := newTestWriter(t)
	writer.recordsPerFile = 2

	result, err := writer.Write(ctx, WriteRequest{
		System:      "erp",
		Entity:      "orders",
		Date:        "2026-08-03",
		LoadPattern: models.LoadFullSnapshot,
		Records:     testRecords(),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.Partition.RecordCount)

	files, err := backend.ReadPartition(ctx, result.Path)
	require.NoError(t, err)
	// Chunked at 2 records per file
	assert.Len(t, files.DataFiles(), 2)

	decoded, err := DecodeFiles(files, 100)
	require.NoError(t, err)
	require.Len(t, decoded, 3)
	assert.Equal(t, "a", decoded[0].Data["id"])
	assert.Equal(t, int64(100), decoded[0].Position)
	assert.Equal(t, int64(102), decoded[2].Position)
}

func TestWriter_ReferenceRunMarksCadence(t *testing.T) {
	ctx := context.Background()
	writer, _, watermarks := newTestWriter(t)

	_, err := writer.Write(ctx, WriteRequest{
		System:       "erp",
		Entity:       "orders",
		Date:         "2026-08-03",
		LoadPattern:  models.LoadFullSnapshot,
		Records:      testRecords(),
		ReferenceRun: true,
	})
	require.NoError(t, err)

	wm, err := watermarks.Get(ctx, "erp.orders")
	require.NoError(t, err)
	require.NotNil(t, wm)
	assert.Equal(t, "2026-08-03", wm.LastReferenceDate)
}

func TestWriter_FailedWriteLeavesWatermarkUntouched(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	writer, _, watermarks := newTestWriter(t)

	_, err := writer.Write(ctx, WriteRequest{
		System:      "erp",
		Entity:      "orders",
		Date:        "2026-08-03",
		LoadPattern: models.LoadIncremental,
		Records:     testRecords(),
		Watermark: &state.Watermark{
			SourceKey: "erp.orders",
			Value:     "2026-08-03T00:00:00Z",
			Type:      models.ValueTimestamp,
		},
	})
	require.Error(t, err)

	wm, err := watermarks.Get(context.Background(), "erp.orders")
	require.NoError(t, err)
	assert.Nil(t, wm)
}

func TestValidator_VerifyAndEnforce(t *testing.T) {
	ctx := context.Background()
	writer, backend, _ := newTestWriter(t)

	result, err := writer.Write(ctx, WriteRequest{
		System:      "erp",
		Entity:      "orders",
		Date:        "2026-08-03",
		LoadPattern: models.LoadFullSnapshot,
		Records:     testRecords(),
	})
	require.NoError(t, err)

	files, err := backend.ReadPartition(ctx, result.Path)
	require.NoError(t, err)

	validator := NewValidator(models.ChecksumStrict, zap.NewNop())
	verify := validator.Verify(files)
	assert.True(t, verify.Valid)
	assert.Empty(t, verify.MismatchedFiles)
	require.NoError(t, validator.Enforce(ctx, result.Path, files))

	// Tamper with a data file
	name := files.DataFiles()[0]
	files[name] = append([]byte{0x00}, files[name]...)

	verify = validator.Verify(files)
	assert.False(t, verify.Valid)
	assert.Contains(t, verify.MismatchedFiles, name)

	err = validator.Enforce(ctx, result.Path, files)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeChecksum))

	// Warn and skip modes never fail the run
	assert.NoError(t, NewValidator(models.ChecksumWarn, zap.NewNop()).Enforce(ctx, result.Path, files))
	assert.NoError(t, NewValidator(models.ChecksumSkip, zap.NewNop()).Enforce(ctx, result.Path, files))
}

func TestValidator_MissingFileCountsAsMismatch(t *testing.T) {
	files, err := EncodeRecords(testRecords(), 0)
	require.NoError(t, err)
	manifest := BuildManifest(files)
	manifest["part-99999.json.gz"] = "deadbeefdeadbeef"

	raw, err := json.Marshal(manifest)
	require.NoError(t, err)
	files[storage.ManifestFile] = raw

	verify := NewValidator(models.ChecksumStrict, zap.NewNop()).Verify(files)
	assert.False(t, verify.Valid)
	assert.Contains(t, verify.MismatchedFiles, "part-99999.json.gz")
}
