package silver

import (
	"context"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratapipe/strata/pkg/models"
	"github.com/stratapipe/strata/pkg/storage"
)

func parts(patterns map[string]models.LoadPattern, dates ...string) []storage.PartitionInfo {
	out := make([]storage.PartitionInfo, 0, len(dates))
	for _, d := range dates {
		p := patterns[d]
		if p == "" {
			p = models.LoadIncremental
		}
		out = append(out, storage.PartitionInfo{System: "crm", Entity: "customers", Date: d, LoadPattern: p})
	}
	return out
}

func dates(parts []storage.PartitionInfo) []string {
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = p.Date
	}
	return out
}

func TestResolveBoundary_StopsAtMostRecentSnapshot(t *testing.T) {
	input := parts(map[string]models.LoadPattern{"2026-08-03": models.LoadFullSnapshot},
		"2026-08-01", "2026-08-02", "2026-08-03", "2026-08-04", "2026-08-05")

	got := ResolveBoundary(input)
	assert.Equal(t, []string{"2026-08-03", "2026-08-04", "2026-08-05"}, dates(got))
}

func TestResolveBoundary_NoSnapshotReadsFullHistory(t *testing.T) {
	input := parts(nil, "2026-08-01", "2026-08-02", "2026-08-03")
	got := ResolveBoundary(input)
	assert.Equal(t, []string{"2026-08-01", "2026-08-02", "2026-08-03"}, dates(got))
}

func TestResolveBoundary_MultipleSnapshotsOnlyLatestBounds(t *testing.T) {
	input := parts(map[string]models.LoadPattern{
		"2026-08-01": models.LoadFullSnapshot,
		"2026-08-04": models.LoadFullSnapshot,
	}, "2026-08-01", "2026-08-02", "2026-08-03", "2026-08-04", "2026-08-05")

	got := ResolveBoundary(input)
	assert.Equal(t, []string{"2026-08-04", "2026-08-05"}, dates(got))
}

func TestResolveBoundary_SnapshotIsNewest(t *testing.T) {
	input := parts(map[string]models.LoadPattern{"2026-08-05": models.LoadFullSnapshot},
		"2026-08-04", "2026-08-05")
	got := ResolveBoundary(input)
	assert.Equal(t, []string{"2026-08-05"}, dates(got))
}

func TestBoundaryResolver_WithBackend(t *testing.T) {
	ctx := context.Background()
	backend, err := storage.NewLocalBackend(t.TempDir())
	require.NoError(t, err)

	writePartition := func(date string, pattern models.LoadPattern) {
		meta := models.PartitionMetadata{System: "crm", Entity: "customers", Date: date, LoadPattern: pattern}
		raw, err := json.Marshal(meta)
		require.NoError(t, err)
		path := storage.PartitionPath(storage.LayerBronze, "crm", "customers", date)
		require.NoError(t, backend.WritePartition(ctx, path, storage.FileSet{storage.MetadataFile: raw}))
	}
	writePartition("2026-08-01", models.LoadIncremental)
	writePartition("2026-08-02", models.LoadFullSnapshot)
	writePartition("2026-08-03", models.LoadIncremental)

	resolver := NewBoundaryResolver(backend)

	got, err := resolver.Resolve(ctx, "crm", "customers", models.InputAppendLog)
	require.NoError(t, err)
	assert.Equal(t, []string{"2026-08-02", "2026-08-03"}, dates(got))

	got, err = resolver.Resolve(ctx, "crm", "customers", models.InputReplaceDaily)
	require.NoError(t, err)
	assert.Equal(t, []string{"2026-08-03"}, dates(got))

	got, err = resolver.Resolve(ctx, "crm", "unknown", models.InputAppendLog)
	require.NoError(t, err)
	assert.Empty(t, got)
}
