// Package models provides the data model for Strata: records flowing
// through the pipeline, Bronze partition descriptors, checksum manifests,
// Silver output metadata, and the validated enumerations that configure
// curation behavior.
package models

import (
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-json"
)

// Record is a single structured row moving through the pipeline.
// Position is the row's index within the unioned, time-ordered input
// stream; curation uses it as the deterministic tie-breaker.
type Record struct {
	// Data contains the actual record payload
	Data map[string]interface{} `json:"data"`
	// Position is the input position within the unioned stream
	Position int64 `json:"-"`
}

// NewRecord creates a record with the given payload
func NewRecord(data map[string]interface{}) Record {
	return Record{Data: data}
}

// Columns returns the sorted column names of the record
func (r Record) Columns() []string {
	cols := make([]string, 0, len(r.Data))
	for k := range r.Data {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

// Clone returns a shallow copy of the record with its own data map
func (r Record) Clone() Record {
	data := make(map[string]interface{}, len(r.Data))
	for k, v := range r.Data {
		data[k] = v
	}
	return Record{Data: data, Position: r.Position}
}

// Fingerprint returns a stable content hash of the record payload.
// Map keys are serialized in sorted order, so two records with equal
// values produce equal fingerprints regardless of construction order.
func (r Record) Fingerprint() uint64 {
	// goccy/go-json sorts map keys, matching encoding/json semantics
	b, err := json.Marshal(r.Data)
	if err != nil {
		return 0
	}
	return xxhash.Sum64(b)
}

// KeyString builds the natural-key identity of the record from the given
// key columns. Missing key columns serialize as null.
func (r Record) KeyString(naturalKeys []string) string {
	vals := make([]interface{}, len(naturalKeys))
	for i, k := range naturalKeys {
		vals[i] = r.Data[k]
	}
	b, _ := json.Marshal(vals)
	return string(b)
}
