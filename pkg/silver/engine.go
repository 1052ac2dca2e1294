package silver

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stratapipe/strata/pkg/config"
	"github.com/stratapipe/strata/pkg/errors"
	"github.com/stratapipe/strata/pkg/models"
)

// Issue is a recoverable per-record outcome: the record was excluded
// from output for the stated reason, without failing the run.
type Issue struct {
	Position int64  `json:"position"`
	Key      string `json:"key,omitempty"`
	Column   string `json:"column,omitempty"`
	Reason   string `json:"reason"`
}

// Result is the output of one curation pass.
type Result struct {
	Records []models.Record
	Issues  []Issue

	// SchemaColumns is the sorted output column set, reserved columns
	// included.
	SchemaColumns []string

	// InputCount and DeletedCount feed metrics; hard deletes leave no
	// output row but still count here.
	InputCount   int64
	DeletedCount int64
}

// Engine curates one entity's unioned, time-ordered record stream. It is
// a pure transformation: no I/O, no shared state, safe to run per chunk
// as long as a chunk never splits one natural key's rows.
type Engine struct {
	cfg    config.EntityConfig
	logger *zap.Logger
}

// NewEngine creates a curation engine for the entity.
func NewEngine(cfg config.EntityConfig, logger *zap.Logger) *Engine {
	return &Engine{
		cfg: cfg,
		logger: logger.With(
			zap.String("component", "curation_engine"),
			zap.String("entity", cfg.SourceKey())),
	}
}

// Curate runs the per-kind merge over the input stream. cdc marks the
// input as a CDC operation stream, which resolves latest-wins per key
// before delete-mode handling regardless of entity kind. Fatal errors
// (strict schema violations) abort with no partial output; per-record
// problems land in Result.Issues instead.
func (e *Engine) Curate(ctx context.Context, records []models.Record, cdc bool) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &Result{InputCount: int64(len(records))}

	normalized, columns, err := e.normalizeSchema(records)
	if err != nil {
		return nil, err
	}

	var reserved []string
	switch {
	case cdc:
		reserved = e.curateCDC(normalized, result)
	case e.cfg.EntityKind == models.EntityKindState:
		reserved = e.curateState(normalized, result)
	case e.cfg.EntityKind == models.EntityKindEvent:
		e.curateEvents(normalized, result)
	case e.cfg.EntityKind == models.EntityKindDerivedState:
		e.curateDerivedState(normalized, result)
	case e.cfg.EntityKind == models.EntityKindDerivedEvent:
		reserved = e.curateDerivedEvents(normalized, result)
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unsupported entity_kind %q", string(e.cfg.EntityKind))
	}

	if cdc {
		// The operation column is consumed during resolution and never
		// reaches output
		kept := columns[:0]
		for _, c := range columns {
			if c != e.cfg.CDCOpColumn {
				kept = append(kept, c)
			}
		}
		columns = kept
	}

	result.SchemaColumns = append(columns, reserved...)
	sort.Strings(result.SchemaColumns)

	e.logger.Debug("curation pass complete",
		zap.Int64("input_records", result.InputCount),
		zap.Int("output_records", len(result.Records)),
		zap.Int("issues", len(result.Issues)),
		zap.Int64("deleted", result.DeletedCount))

	return result, nil
}

// Metadata builds the Silver output metadata for a curated result.
func (e *Engine) Metadata(result *Result, inputDates []string) models.SilverMetadata {
	return models.SilverMetadata{
		System:        e.cfg.System,
		Entity:        e.cfg.Entity,
		EntityKind:    e.cfg.EntityKind,
		HistoryMode:   e.cfg.HistoryMode,
		SchemaColumns: result.SchemaColumns,
		RecordCount:   int64(len(result.Records)),
		DeletedCount:  result.DeletedCount,
		BatchID:       uuid.NewString(),
		PipelineRunAt: time.Now().UTC(),
		InputDates:    inputDates,
	}
}

// normalizeSchema validates columns against the baseline and returns
// records with a uniform column set, nulls backfilled. The baseline is
// the configured column list, or the first record's columns when none is
// configured. Strict mode fails on any column outside the baseline;
// allow_new_columns widens the baseline instead.
func (e *Engine) normalizeSchema(records []models.Record) ([]models.Record, []string, error) {
	if len(records) == 0 {
		return nil, append([]string(nil), e.cfg.SchemaColumns...), nil
	}

	baseline := make(map[string]bool, len(e.cfg.SchemaColumns))
	for _, c := range e.cfg.SchemaColumns {
		baseline[c] = true
	}
	if len(baseline) == 0 {
		for c := range records[0].Data {
			baseline[c] = true
		}
	}

	for _, rec := range records {
		for col := range rec.Data {
			if baseline[col] {
				continue
			}
			if e.cfg.SchemaMode == models.SchemaStrict {
				return nil, nil, errors.Newf(errors.ErrorTypeSchema, "unexpected column %q", col).
					WithDetail("entity", e.cfg.SourceKey()).
					WithDetail("position", rec.Position)
			}
			baseline[col] = true
		}
	}

	columns := make([]string, 0, len(baseline))
	for c := range baseline {
		columns = append(columns, c)
	}
	sort.Strings(columns)

	normalized := make([]models.Record, len(records))
	for i, rec := range records {
		out := rec.Clone()
		for _, c := range columns {
			if _, ok := out.Data[c]; !ok {
				out.Data[c] = nil
			}
		}
		normalized[i] = out
	}
	return normalized, columns, nil
}

// keyGroup is one natural key's rows in input order.
type keyGroup struct {
	key  string
	rows []models.Record
}

// groupByKey partitions records by natural key, preserving first-seen
// key order and input order within each group.
func groupByKey(records []models.Record, naturalKeys []string) []keyGroup {
	index := make(map[string]int)
	var groups []keyGroup
	for _, rec := range records {
		key := rec.KeyString(naturalKeys)
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, keyGroup{key: key})
		}
		groups[i].rows = append(groups[i].rows, rec)
	}
	return groups
}

// parseEventTime interprets a timestamp column value. Strings accept
// RFC3339 forms, the space-separated form, and plain dates; JSON numbers
// are unix epoch seconds.
func parseEventTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02"} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts, true
			}
		}
	case float64:
		return time.Unix(int64(t), 0).UTC(), true
	case int64:
		return time.Unix(t, 0).UTC(), true
	case int:
		return time.Unix(int64(t), 0).UTC(), true
	}
	return time.Time{}, false
}

// timedRow pairs a record with its parsed ordering timestamp.
type timedRow struct {
	rec models.Record
	ts  time.Time
}

// orderRows parses the timestamp column of each row and sorts ascending
// by (timestamp, input position). Rows whose timestamp is missing or
// unparsable become issues and are excluded.
func orderRows(rows []models.Record, tsColumn, key string, result *Result) []timedRow {
	timed := make([]timedRow, 0, len(rows))
	for _, rec := range rows {
		ts, ok := parseEventTime(rec.Data[tsColumn])
		if !ok {
			result.Issues = append(result.Issues, Issue{
				Position: rec.Position,
				Key:      key,
				Column:   tsColumn,
				Reason:   "missing or unparsable timestamp",
			})
			continue
		}
		timed = append(timed, timedRow{rec: rec, ts: ts})
	}
	sort.SliceStable(timed, func(i, j int) bool {
		if !timed[i].ts.Equal(timed[j].ts) {
			return timed[i].ts.Before(timed[j].ts)
		}
		return timed[i].rec.Position < timed[j].rec.Position
	})
	return timed
}
