package silver

import (
	"github.com/stratapipe/strata/pkg/models"
)

// curateState dispatches a state entity to its history mode and returns
// any reserved columns the mode adds.
func (e *Engine) curateState(records []models.Record, result *Result) []string {
	groups := groupByKey(records, e.cfg.NaturalKeys)

	switch e.cfg.HistoryMode {
	case models.HistoryFull:
		for _, g := range groups {
			e.appendVersionChain(g, result)
		}
		return []string{models.ColEffectiveFrom, models.ColEffectiveTo, models.ColIsCurrent}
	default:
		// current_only and latest_only both keep one latest row per key;
		// they differ only in that current_only is the SCD1 contract
		for _, g := range groups {
			if winner, ok := latestRow(g, e.cfg.ChangeTSColumn, result); ok {
				result.Records = append(result.Records, winner.rec)
			}
		}
		return nil
	}
}

// latestRow resolves one key's rows to the row with the maximum change
// timestamp. Ties on the timestamp go to the later input position.
func latestRow(g keyGroup, tsColumn string, result *Result) (timedRow, bool) {
	timed := orderRows(g.rows, tsColumn, g.key, result)
	if len(timed) == 0 {
		return timedRow{}, false
	}
	return timed[len(timed)-1], true
}

// appendVersionChain builds the SCD2 effective-dated chain for one key.
// Rows sort ascending by change timestamp; each version runs from its
// own timestamp to the next version's timestamp, the last version stays
// open. Adjacent rows with identical timestamps collapse into a single
// version (the later input position wins), so no zero-length intervals
// are emitted.
func (e *Engine) appendVersionChain(g keyGroup, result *Result) {
	timed := orderRows(g.rows, e.cfg.ChangeTSColumn, g.key, result)
	if len(timed) == 0 {
		return
	}

	versions := []timedRow{timed[0]}
	for _, row := range timed[1:] {
		if row.ts.Equal(versions[len(versions)-1].ts) {
			versions[len(versions)-1] = row
			continue
		}
		versions = append(versions, row)
	}

	for i, v := range versions {
		out := v.rec.Clone()
		out.Data[models.ColEffectiveFrom] = v.rec.Data[e.cfg.ChangeTSColumn]
		if i < len(versions)-1 {
			out.Data[models.ColEffectiveTo] = versions[i+1].rec.Data[e.cfg.ChangeTSColumn]
			out.Data[models.ColIsCurrent] = false
		} else {
			out.Data[models.ColEffectiveTo] = nil
			out.Data[models.ColIsCurrent] = true
		}
		result.Records = append(result.Records, out)
	}
}
