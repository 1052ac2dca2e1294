package bronze

import (
	"bytes"
	"compress/flate"
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/stratapipe/strata/pkg/models"
	"github.com/stratapipe/strata/pkg/resilience"
	"github.com/stratapipe/strata/pkg/state"
	"github.com/stratapipe/strata/pkg/storage"
)

// DefaultRecordsPerFile bounds how many records land in one data file.
const DefaultRecordsPerFile = 50000

// Writer lands extracted records as an immutable Bronze partition. The
// storage write passes through the component's resilience guard; the
// watermark is updated last, only after the write fully succeeded, so
// any upstream failure leaves the prior watermark untouched and a rerun
// is safe.
type Writer struct {
	backend        storage.Backend
	watermarks     state.WatermarkStore
	guard          *resilience.Guard
	recordsPerFile int
	logger         *zap.Logger
}

// NewWriter creates a Bronze writer. guard may be nil for unguarded
// (test) use.
func NewWriter(backend storage.Backend, watermarks state.WatermarkStore, guard *resilience.Guard, logger *zap.Logger) *Writer {
	return &Writer{
		backend:        backend,
		watermarks:     watermarks,
		guard:          guard,
		recordsPerFile: DefaultRecordsPerFile,
		logger:         logger.With(zap.String("component", "bronze_writer")),
	}
}

// WriteRequest describes one landing operation.
type WriteRequest struct {
	System      string
	Entity      string
	Date        string // YYYY-MM-DD
	LoadPattern models.LoadPattern
	Records     []models.Record
	RunID       string

	// Watermark optionally advances the source watermark after a fully
	// successful write. Nil leaves the watermark untouched.
	Watermark *state.Watermark

	// ReferenceRun marks this landing as a reference (full-snapshot)
	// extraction for cadence tracking.
	ReferenceRun bool
}

// WriteResult reports what was landed.
type WriteResult struct {
	Partition         models.BronzePartition
	Path              string
	WatermarkAdvanced bool
}

// Write serializes the records deterministically, builds the checksum
// manifest, and publishes the partition. Identical input produces
// byte-identical partition content, making reruns idempotent.
func (w *Writer) Write(ctx context.Context, req WriteRequest) (*WriteResult, error) {
	if err := req.LoadPattern.Validate(); err != nil {
		return nil, err
	}

	files, err := EncodeRecords(req.Records, w.recordsPerFile)
	if err != nil {
		return nil, err
	}

	manifest := BuildManifest(files)
	manifestRaw, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest: %w", err)
	}
	files[storage.ManifestFile] = manifestRaw

	meta := models.PartitionMetadata{
		System:      req.System,
		Entity:      req.Entity,
		Date:        req.Date,
		LoadPattern: req.LoadPattern,
		RecordCount: int64(len(req.Records)),
		ExtractedAt: time.Now().UTC(),
		RunID:       req.RunID,
	}
	if req.Watermark != nil {
		meta.Watermark = req.Watermark.Value
	}
	metaRaw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal partition metadata: %w", err)
	}
	files[storage.MetadataFile] = metaRaw

	partitionPath := storage.PartitionPath(storage.LayerBronze, req.System, req.Entity, req.Date)

	write := func(ctx context.Context) error {
		return w.backend.WritePartition(ctx, partitionPath, files)
	}
	if w.guard != nil {
		err = w.guard.Do(ctx, write)
	} else {
		err = write(ctx)
	}
	if err != nil {
		return nil, err
	}

	result := &WriteResult{
		Partition: models.BronzePartition{
			System:      req.System,
			Entity:      req.Entity,
			Date:        req.Date,
			LoadPattern: req.LoadPattern,
			RecordCount: int64(len(req.Records)),
			Manifest:    manifest,
			Metadata:    meta,
		},
		Path: partitionPath,
	}

	// Watermark last: only a fully successful write may advance it
	if req.Watermark != nil {
		wm := *req.Watermark
		wm.LastRunID = req.RunID
		advanced, err := w.watermarks.Update(ctx, wm)
		if err != nil {
			return nil, err
		}
		result.WatermarkAdvanced = advanced
	}
	if req.ReferenceRun {
		sourceKey := req.System + "." + req.Entity
		if req.Watermark != nil {
			sourceKey = req.Watermark.SourceKey
		}
		if err := w.watermarks.MarkReference(ctx, sourceKey, req.Date); err != nil {
			return nil, err
		}
	}

	w.logger.Info("bronze partition landed",
		zap.String("partition", partitionPath),
		zap.String("load_pattern", string(req.LoadPattern)),
		zap.Int("records", len(req.Records)),
		zap.Bool("watermark_advanced", result.WatermarkAdvanced))

	return result, nil
}

// EncodeRecords serializes records as gzip JSON-lines, chunked into
// files of recordsPerFile rows. Map keys serialize sorted and the gzip
// header carries no timestamp, so output bytes depend only on the
// records.
func EncodeRecords(records []models.Record, recordsPerFile int) (storage.FileSet, error) {
	files := make(storage.FileSet)
	perFile := recordsPerFile
	if perFile <= 0 {
		perFile = DefaultRecordsPerFile
	}

	for start, idx := 0, 0; start < len(records) || idx == 0; start, idx = start+perFile, idx+1 {
		end := start + perFile
		if end > len(records) {
			end = len(records)
		}

		var buf bytes.Buffer
		gz, err := gzip.NewWriterLevel(&buf, flate.BestSpeed)
		if err != nil {
			return nil, err
		}
		for _, rec := range records[start:end] {
			line, err := json.Marshal(rec.Data)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal record: %w", err)
			}
			if _, err := gz.Write(line); err != nil {
				return nil, err
			}
			if _, err := gz.Write([]byte("\n")); err != nil {
				return nil, err
			}
		}
		if err := gz.Close(); err != nil {
			return nil, err
		}

		files[fmt.Sprintf("part-%05d.json.gz", idx)] = buf.Bytes()
	}

	return files, nil
}

// DecodeFiles parses a partition's data files back into records,
// preserving file order and assigning stream positions starting at
// basePosition.
func DecodeFiles(files storage.FileSet, basePosition int64) ([]models.Record, error) {
	var records []models.Record
	pos := basePosition

	for _, name := range files.DataFiles() {
		gz, err := gzip.NewReader(bytes.NewReader(files[name]))
		if err != nil {
			return nil, fmt.Errorf("failed to open data file %s: %w", name, err)
		}

		var raw bytes.Buffer
		if _, err := raw.ReadFrom(gz); err != nil {
			gz.Close()
			return nil, fmt.Errorf("failed to decompress data file %s: %w", name, err)
		}
		gz.Close()

		for _, line := range bytes.Split(raw.Bytes(), []byte("\n")) {
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			var data map[string]interface{}
			if err := json.Unmarshal(line, &data); err != nil {
				return nil, fmt.Errorf("failed to parse record in %s: %w", name, err)
			}
			records = append(records, models.Record{Data: data, Position: pos})
			pos++
		}
	}

	return records, nil
}
