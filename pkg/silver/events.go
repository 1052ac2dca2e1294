package silver

import (
	"github.com/stratapipe/strata/pkg/models"
)

// curateEvents dedupes exact full-row duplicates and orders the stream
// by event timestamp. Distinct attribute values for the same key are all
// retained; events never merge.
func (e *Engine) curateEvents(records []models.Record, result *Result) {
	seen := make(map[uint64]bool, len(records))
	unique := make([]models.Record, 0, len(records))
	for _, rec := range records {
		fp := rec.Fingerprint()
		if seen[fp] {
			continue
		}
		seen[fp] = true
		unique = append(unique, rec)
	}

	for _, row := range orderRows(unique, e.cfg.EventTSColumn, "", result) {
		result.Records = append(result.Records, row.rec)
	}
}

// curateDerivedState replays an event stream per key and keeps the
// latest event's attributes as the key's current state.
func (e *Engine) curateDerivedState(records []models.Record, result *Result) {
	for _, g := range groupByKey(records, e.cfg.NaturalKeys) {
		if winner, ok := latestRow(g, e.cfg.EventTSColumn, result); ok {
			result.Records = append(result.Records, winner.rec)
		}
	}
}

// Synthetic change kinds emitted by derived_event curation.
const (
	changeInsert = "insert"
	changeUpdate = "update"
)

// curateDerivedEvents diffs adjacent state snapshots per key into
// synthetic change events: the first snapshot becomes an insert, each
// later snapshot whose attributes differ from its predecessor becomes an
// update. Unchanged adjacent snapshots emit nothing. The snapshot
// timestamp column is excluded from the comparison; only attribute
// changes count.
func (e *Engine) curateDerivedEvents(records []models.Record, result *Result) []string {
	for _, g := range groupByKey(records, e.cfg.NaturalKeys) {
		timed := orderRows(g.rows, e.cfg.ChangeTSColumn, g.key, result)
		if len(timed) == 0 {
			continue
		}

		prev := attrFingerprint(timed[0].rec, e.cfg.ChangeTSColumn)
		first := timed[0].rec.Clone()
		first.Data[models.ColChangeType] = changeInsert
		result.Records = append(result.Records, first)

		for _, row := range timed[1:] {
			fp := attrFingerprint(row.rec, e.cfg.ChangeTSColumn)
			if fp == prev {
				continue
			}
			prev = fp
			out := row.rec.Clone()
			out.Data[models.ColChangeType] = changeUpdate
			result.Records = append(result.Records, out)
		}
	}
	return []string{models.ColChangeType}
}

// attrFingerprint hashes a snapshot's attributes with the timestamp
// column removed.
func attrFingerprint(rec models.Record, tsColumn string) uint64 {
	attrs := rec.Clone()
	delete(attrs.Data, tsColumn)
	return attrs.Fingerprint()
}
