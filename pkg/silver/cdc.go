package silver

import (
	"strings"

	"github.com/stratapipe/strata/pkg/models"
)

// CDC operation kinds, in tie-break priority order.
const (
	opInsert = iota
	opUpdate
	opDelete
)

// parseOp normalizes an operation-column value. Unknown codes are not an
// operation at all; the caller records an issue.
func parseOp(v interface{}) (int, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	switch strings.ToLower(s) {
	case "i", "c", "insert", "create":
		return opInsert, true
	case "u", "update":
		return opUpdate, true
	case "d", "delete":
		return opDelete, true
	}
	return 0, false
}

// curateCDC resolves a CDC operation stream to one outcome per key:
// the operation with the maximum change timestamp wins. Identical
// timestamps break first by operation priority (insert < update <
// delete), then by later input position. A winning delete applies the
// configured delete mode; hard deletes leave no row but still count in
// DeletedCount. The operation column never reaches output.
func (e *Engine) curateCDC(records []models.Record, result *Result) []string {
	var reserved []string
	if e.cfg.DeleteMode == models.DeleteTombstone {
		reserved = []string{models.ColDeleted}
	}

	for _, g := range groupByKey(records, e.cfg.NaturalKeys) {
		winner, ok := e.resolveKey(g, result)
		if !ok {
			continue
		}

		if winner.op == opDelete {
			result.DeletedCount++
			switch e.cfg.DeleteMode {
			case models.DeleteTombstone:
				out := winner.rec.Clone()
				delete(out.Data, e.cfg.CDCOpColumn)
				out.Data[models.ColDeleted] = true
				result.Records = append(result.Records, out)
			default:
				// ignore and hard_delete both drop the row
			}
			continue
		}

		out := winner.rec.Clone()
		delete(out.Data, e.cfg.CDCOpColumn)
		result.Records = append(result.Records, out)
	}
	return reserved
}

// cdcRow is one parsed CDC operation.
type cdcRow struct {
	timedRow
	op int
}

// resolveKey picks the winning operation for one key's CDC rows.
func (e *Engine) resolveKey(g keyGroup, result *Result) (cdcRow, bool) {
	timed := orderRows(g.rows, e.cfg.ChangeTSColumn, g.key, result)

	var winner cdcRow
	found := false
	for _, row := range timed {
		op, ok := parseOp(row.rec.Data[e.cfg.CDCOpColumn])
		if !ok {
			result.Issues = append(result.Issues, Issue{
				Position: row.rec.Position,
				Key:      g.key,
				Column:   e.cfg.CDCOpColumn,
				Reason:   "missing or unknown cdc operation code",
			})
			continue
		}
		cand := cdcRow{timedRow: row, op: op}
		if !found || candBeats(cand, winner) {
			winner = cand
			found = true
		}
	}
	return winner, found
}

// candBeats reports whether cand wins over cur under the (timestamp,
// operation priority, input position) order.
func candBeats(cand, cur cdcRow) bool {
	if !cand.ts.Equal(cur.ts) {
		return cand.ts.After(cur.ts)
	}
	if cand.op != cur.op {
		return cand.op > cur.op
	}
	return cand.rec.Position >= cur.rec.Position
}
