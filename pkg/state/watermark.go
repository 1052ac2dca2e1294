// Package state tracks pipeline progress that must survive restarts:
// per-dataset watermarks (the highest successfully processed source
// value) and chunk-level checkpoints for resumable Silver runs. Stores
// are explicit instances passed by reference; updates for one source key
// or job ID assume a single active writer, but the stores themselves are
// safe under concurrent access.
package state

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/stratapipe/strata/pkg/errors"
	"github.com/stratapipe/strata/pkg/models"
)

// Watermark records the last successfully processed source value for one
// dataset. It only ever advances, unless explicitly reset by an operator.
type Watermark struct {
	SourceKey string           `json:"source_key"`
	Column    string           `json:"column"`
	Value     string           `json:"value"`
	Type      models.ValueType `json:"value_type"`
	LastRunID string           `json:"last_run_id,omitempty"`
	UpdatedAt time.Time        `json:"updated_at"`

	// LastReferenceDate is the date of the last full-snapshot
	// ("reference") extraction, persisted alongside the watermark for
	// cadence-based role decisions.
	LastReferenceDate string `json:"last_reference_date,omitempty"`
}

// WatermarkStore persists watermarks keyed by source.
type WatermarkStore interface {
	// Get returns the watermark for the source key, or nil if none exists.
	Get(ctx context.Context, sourceKey string) (*Watermark, error)

	// Update persists the new value iff it compares strictly greater than
	// the stored value under the type-aware comparator, and reports
	// whether it advanced. An equal value is a no-op (false, nil). A
	// smaller value is rejected with a state_transition error and leaves
	// the prior watermark untouched.
	Update(ctx context.Context, wm Watermark) (bool, error)

	// Reset deletes the watermark; the only way to move it backwards.
	Reset(ctx context.Context, sourceKey string) error

	// MarkReference records the date of a successful reference
	// (full-snapshot) extraction for the source key.
	MarkReference(ctx context.Context, sourceKey string, date string) error
}

// CompareValues compares two watermark values under the type-aware
// comparator: chronological for timestamp/date, numeric for integer,
// lexicographic for string. Returns <0, 0, >0.
func CompareValues(t models.ValueType, a, b string) (int, error) {
	switch t {
	case models.ValueTimestamp:
		ta, err := parseTimestamp(a)
		if err != nil {
			return 0, err
		}
		tb, err := parseTimestamp(b)
		if err != nil {
			return 0, err
		}
		return ta.Compare(tb), nil
	case models.ValueDate:
		ta, err := time.Parse("2006-01-02", a)
		if err != nil {
			return 0, errors.Wrap(err, errors.ErrorTypeValidation, "invalid date watermark value")
		}
		tb, err := time.Parse("2006-01-02", b)
		if err != nil {
			return 0, errors.Wrap(err, errors.ErrorTypeValidation, "invalid date watermark value")
		}
		return ta.Compare(tb), nil
	case models.ValueInteger:
		ia, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return 0, errors.Wrap(err, errors.ErrorTypeValidation, "invalid integer watermark value")
		}
		ib, err := strconv.ParseInt(b, 10, 64)
		if err != nil {
			return 0, errors.Wrap(err, errors.ErrorTypeValidation, "invalid integer watermark value")
		}
		switch {
		case ia < ib:
			return -1, nil
		case ia > ib:
			return 1, nil
		default:
			return 0, nil
		}
	case models.ValueString:
		return strings.Compare(a, b), nil
	default:
		return 0, errors.Newf(errors.ErrorTypeValidation, "invalid watermark value_type %q", string(t))
	}
}

// parseTimestamp accepts RFC3339 with or without fractional seconds, and
// the common space-separated form.
func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.Newf(errors.ErrorTypeValidation, "invalid timestamp watermark value %q", s)
}

// MemoryWatermarkStore is an in-memory WatermarkStore for tests and
// single-run invocations.
type MemoryWatermarkStore struct {
	mu         sync.Mutex
	watermarks map[string]Watermark
}

// NewMemoryWatermarkStore creates an empty in-memory store.
func NewMemoryWatermarkStore() *MemoryWatermarkStore {
	return &MemoryWatermarkStore{watermarks: make(map[string]Watermark)}
}

// Get returns the stored watermark or nil.
func (s *MemoryWatermarkStore) Get(_ context.Context, sourceKey string) (*Watermark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wm, ok := s.watermarks[sourceKey]
	if !ok {
		return nil, nil
	}
	return &wm, nil
}

// Update advances the watermark if the new value is strictly greater.
func (s *MemoryWatermarkStore) Update(_ context.Context, wm Watermark) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.watermarks[wm.SourceKey]
	if ok {
		advanced, err := checkAdvance(existing, wm)
		if err != nil || !advanced {
			return false, err
		}
		// Preserve the reference date across value updates
		if wm.LastReferenceDate == "" {
			wm.LastReferenceDate = existing.LastReferenceDate
		}
	}

	wm.UpdatedAt = time.Now().UTC()
	s.watermarks[wm.SourceKey] = wm
	return true, nil
}

// Reset deletes the watermark for the source key.
func (s *MemoryWatermarkStore) Reset(_ context.Context, sourceKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.watermarks, sourceKey)
	return nil
}

// MarkReference records the last reference extraction date.
func (s *MemoryWatermarkStore) MarkReference(_ context.Context, sourceKey string, date string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wm := s.watermarks[sourceKey]
	wm.SourceKey = sourceKey
	wm.LastReferenceDate = date
	s.watermarks[sourceKey] = wm
	return nil
}

// checkAdvance applies the monotonicity rules shared by all store
// implementations: greater advances, equal no-ops, smaller is rejected,
// and a type change without reset is rejected.
func checkAdvance(existing, next Watermark) (bool, error) {
	if existing.Value == "" {
		return true, nil
	}
	if existing.Type != "" && next.Type != existing.Type {
		return false, errors.Newf(errors.ErrorTypeStateTransition,
			"watermark type change from %q to %q requires explicit reset", existing.Type, next.Type).
			WithDetail("source_key", next.SourceKey)
	}

	cmp, err := CompareValues(next.Type, next.Value, existing.Value)
	if err != nil {
		return false, err
	}
	switch {
	case cmp > 0:
		return true, nil
	case cmp == 0:
		return false, nil
	default:
		return false, errors.New(errors.ErrorTypeStateTransition,
			"watermark decrease requires explicit reset").
			WithDetail("source_key", next.SourceKey).
			WithDetail("stored", existing.Value).
			WithDetail("proposed", next.Value)
	}
}
