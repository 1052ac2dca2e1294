package pipeline

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stratapipe/strata/pkg/bronze"
	"github.com/stratapipe/strata/pkg/config"
	"github.com/stratapipe/strata/pkg/models"
	"github.com/stratapipe/strata/pkg/quality"
	"github.com/stratapipe/strata/pkg/silver"
	"github.com/stratapipe/strata/pkg/storage"
)

// CurateResult reports one entity's curation outcome.
type CurateResult struct {
	Path       string
	Metadata   models.SilverMetadata
	Issues     []silver.Issue
	Violations []quality.Violation
}

// chunkMeta is the sidecar written with every staged chunk so a resumed
// run can reconstruct the chunk's curation result without recomputing.
type chunkMeta struct {
	InputCount    int64    `json:"input_count"`
	DeletedCount  int64    `json:"deleted_count"`
	SchemaColumns []string `json:"schema_columns"`
}

// Curate runs the Silver promotion for one entity: resolve the Bronze
// partition set, verify integrity, union the record stream, curate in
// chunks with checkpointed resume, and atomically publish the Silver
// artifact. Checkpoints clear only after the artifact is written, so a
// crash at any point leaves a resumable job and an intact prior Silver
// partition.
func (r *Runner) Curate(ctx context.Context, entity config.EntityConfig) (*CurateResult, error) {
	sourceKey := entity.SourceKey()
	guard := r.guards.Guard("storage")
	resolver := silver.NewBoundaryResolver(r.backend)

	var parts []storage.PartitionInfo
	err := guard.Do(ctx, func(ctx context.Context) error {
		var err error
		parts, err = resolver.Resolve(ctx, entity.System, entity.Entity, entity.InputMode)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		r.logger.Info("no bronze partitions to curate", zap.String("source_key", sourceKey))
		return nil, nil
	}

	records, inputDates, cdc, err := r.readPartitions(ctx, entity, parts)
	if err != nil {
		return nil, err
	}

	chunks := chunkRecords(records, entity.NaturalKeys, r.cfg.Concurrency.ChunkSize)
	jobID := curateJobID(sourceKey, inputDates)
	if err := r.checkpoints.Begin(ctx, jobID, len(chunks)); err != nil {
		return nil, err
	}

	engine := silver.NewEngine(entity, r.logger)
	results := make([]*silver.Result, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency.MaxParallelChunks)
	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			res, err := r.curateChunk(gctx, engine, entity, jobID, i, chunk, cdc)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := mergeResults(results)

	violations, qerr := quality.NewChecker(entity.Quality, entity.NaturalKeys, r.logger).Check(merged.Records)
	for _, v := range violations {
		r.metrics.QualityViolations.WithLabelValues(sourceKey, v.Severity).Inc()
	}
	if qerr != nil {
		return nil, qerr
	}

	meta := engine.Metadata(merged, inputDates)
	files, err := bronze.EncodeRecords(merged.Records, 0)
	if err != nil {
		return nil, err
	}
	metaRaw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal silver metadata: %w", err)
	}
	files[storage.MetadataFile] = metaRaw

	silverPath := storage.PartitionPath(storage.LayerSilver, entity.System, entity.Entity, inputDates[len(inputDates)-1])
	err = guard.Do(ctx, func(ctx context.Context) error {
		return r.backend.WritePartition(ctx, silverPath, files)
	})
	if err != nil {
		return nil, err
	}

	if err := r.checkpoints.Clear(ctx, jobID); err != nil {
		return nil, err
	}
	if err := r.backend.DeletePartition(ctx, stagingRoot(entity, jobID)); err != nil {
		r.logger.Warn("failed to remove chunk staging area",
			zap.String("job_id", jobID), zap.Error(err))
	}

	r.metrics.RecordsProcessed.WithLabelValues(sourceKey, storage.LayerSilver).Add(float64(len(merged.Records)))
	r.metrics.RecordsDeleted.WithLabelValues(sourceKey).Add(float64(merged.DeletedCount))

	r.logger.Info("silver partition published",
		zap.String("partition", silverPath),
		zap.Int("records", len(merged.Records)),
		zap.Int("input_partitions", len(parts)),
		zap.Int("chunks", len(chunks)),
		zap.Int("issues", len(merged.Issues)))

	return &CurateResult{Path: silverPath, Metadata: meta, Issues: merged.Issues, Violations: violations}, nil
}

// readPartitions reads and verifies every resolved partition and unions
// the decoded records in date order, assigning stream positions across
// the whole union.
func (r *Runner) readPartitions(ctx context.Context, entity config.EntityConfig, parts []storage.PartitionInfo) ([]models.Record, []string, bool, error) {
	guard := r.guards.Guard("storage")
	validator := bronze.NewValidator(entity.ChecksumMode, r.logger)

	var (
		records    []models.Record
		inputDates []string
		cdc        bool
		basePos    int64
	)
	for _, part := range parts {
		partPath := part.Path(storage.LayerBronze)

		var files storage.FileSet
		err := guard.Do(ctx, func(ctx context.Context) error {
			var err error
			files, err = r.backend.ReadPartition(ctx, partPath)
			return err
		})
		if err != nil {
			return nil, nil, false, err
		}
		if err := validator.Enforce(ctx, partPath, files); err != nil {
			return nil, nil, false, err
		}

		decoded, err := bronze.DecodeFiles(files, basePos)
		if err != nil {
			return nil, nil, false, err
		}
		basePos += int64(len(decoded))
		records = append(records, decoded...)
		inputDates = append(inputDates, part.Date)
		if part.LoadPattern == models.LoadCDC {
			cdc = true
		}
	}
	return records, inputDates, cdc, nil
}

// curateChunk curates one chunk, or restores its staged result when a
// checkpoint marks it done. Fresh results are staged before the
// checkpoint is written, so a done chunk always has readable output.
func (r *Runner) curateChunk(ctx context.Context, engine *silver.Engine, entity config.EntityConfig, jobID string, index int, chunk []models.Record, cdc bool) (*silver.Result, error) {
	guard := r.guards.Guard("storage")
	chunkPath := stagingChunkPath(entity, jobID, index)

	done, err := r.checkpoints.IsDone(ctx, jobID, index)
	if err != nil {
		return nil, err
	}
	if done {
		if res, err := r.restoreChunk(ctx, chunkPath); err == nil {
			r.metrics.ChunksResumed.WithLabelValues(entity.SourceKey()).Inc()
			return res, nil
		}
		// Staged output unreadable; fall through and recompute
		r.logger.Warn("checkpointed chunk has no readable staged output, recomputing",
			zap.String("job_id", jobID), zap.Int("chunk", index))
	}

	res, err := engine.Curate(ctx, chunk, cdc)
	if err != nil {
		return nil, err
	}

	files, err := bronze.EncodeRecords(res.Records, 0)
	if err != nil {
		return nil, err
	}
	metaRaw, err := json.Marshal(chunkMeta{
		InputCount:    res.InputCount,
		DeletedCount:  res.DeletedCount,
		SchemaColumns: res.SchemaColumns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chunk metadata: %w", err)
	}
	files[storage.MetadataFile] = metaRaw

	err = guard.Do(ctx, func(ctx context.Context) error {
		return r.backend.WritePartition(ctx, chunkPath, files)
	})
	if err != nil {
		return nil, err
	}
	if err := r.checkpoints.MarkDone(ctx, jobID, index); err != nil {
		return nil, err
	}
	return res, nil
}

// restoreChunk rebuilds a chunk's curation result from its staged output.
func (r *Runner) restoreChunk(ctx context.Context, chunkPath string) (*silver.Result, error) {
	var files storage.FileSet
	err := r.guards.Guard("storage").Do(ctx, func(ctx context.Context) error {
		var err error
		files, err = r.backend.ReadPartition(ctx, chunkPath)
		return err
	})
	if err != nil {
		return nil, err
	}

	var meta chunkMeta
	if raw, ok := files[storage.MetadataFile]; ok {
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, err
		}
	}
	records, err := bronze.DecodeFiles(files, 0)
	if err != nil {
		return nil, err
	}
	return &silver.Result{
		Records:       records,
		SchemaColumns: meta.SchemaColumns,
		InputCount:    meta.InputCount,
		DeletedCount:  meta.DeletedCount,
	}, nil
}

// mergeResults combines per-chunk results in chunk order. Chunks
// normalize their schema independently, so a column first seen in one
// chunk is unknown to the others; the merged union is backfilled with
// nulls so every published row carries the full declared column set.
func mergeResults(results []*silver.Result) *silver.Result {
	merged := &silver.Result{}
	columns := make(map[string]bool)
	for _, res := range results {
		if res == nil {
			continue
		}
		merged.Records = append(merged.Records, res.Records...)
		merged.Issues = append(merged.Issues, res.Issues...)
		merged.InputCount += res.InputCount
		merged.DeletedCount += res.DeletedCount
		for _, c := range res.SchemaColumns {
			columns[c] = true
		}
	}
	for c := range columns {
		merged.SchemaColumns = append(merged.SchemaColumns, c)
	}
	sort.Strings(merged.SchemaColumns)

	for _, rec := range merged.Records {
		for _, c := range merged.SchemaColumns {
			if _, ok := rec.Data[c]; !ok {
				rec.Data[c] = nil
			}
		}
	}
	return merged
}

// chunkRecords splits the input into curation chunks of roughly size
// records each, never splitting one natural key's rows across chunks.
// SCD2 chain building and CDC latest-wins need a key's full history in
// one place. Entities without natural keys (plain events) curate as a
// single chunk, since exact-duplicate dedup is global.
func chunkRecords(records []models.Record, naturalKeys []string, size int) [][]models.Record {
	if len(records) == 0 {
		return [][]models.Record{nil}
	}
	if size <= 0 || len(records) <= size || len(naturalKeys) == 0 {
		return [][]models.Record{records}
	}

	index := make(map[string]int)
	var groups [][]models.Record
	for _, rec := range records {
		key := rec.KeyString(naturalKeys)
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], rec)
	}

	var chunks [][]models.Record
	var current []models.Record
	for _, group := range groups {
		if len(current) > 0 && len(current)+len(group) > size {
			chunks = append(chunks, current)
			current = nil
		}
		current = append(current, group...)
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

// curateJobID derives a stable job identity from the entity and its
// resolved input set, so a rerun over the same inputs resumes the same
// checkpoints.
func curateJobID(sourceKey string, inputDates []string) string {
	h := xxhash.Sum64String(strings.Join(inputDates, ","))
	return fmt.Sprintf("curate:%s:%016x", sourceKey, h)
}

func stagingRoot(entity config.EntityConfig, jobID string) string {
	h := xxhash.Sum64String(jobID)
	return path.Join(storage.LayerSilver, entity.System, entity.Entity, fmt.Sprintf(".staging-%016x", h))
}

func stagingChunkPath(entity config.EntityConfig, jobID string, index int) string {
	return path.Join(stagingRoot(entity, jobID), fmt.Sprintf("chunk-%05d", index))
}
