// Package silver curates Bronze partitions into deduplicated, historized
// Silver datasets. The boundary resolver picks the minimal sufficient
// partition set to read; the curation engine applies per-entity-kind
// merge semantics: SCD1/SCD2 state tracking, event deduplication, CDC
// latest-wins resolution with delete modes, derived-state replay, and
// derived-event diffing.
package silver

import (
	"context"

	"github.com/stratapipe/strata/pkg/models"
	"github.com/stratapipe/strata/pkg/storage"
)

// BoundaryResolver selects which Bronze partitions Silver must read for
// one entity.
type BoundaryResolver struct {
	backend storage.Backend
}

// NewBoundaryResolver creates a resolver over the given backend.
func NewBoundaryResolver(backend storage.Backend) *BoundaryResolver {
	return &BoundaryResolver{backend: backend}
}

// Resolve lists the entity's Bronze partitions and returns the minimal
// sufficient set in ascending date order. In replace_daily mode only the
// newest partition is read; in append_log mode the set is bounded by the
// most recent full snapshot.
func (r *BoundaryResolver) Resolve(ctx context.Context, system, entity string, mode models.InputMode) ([]storage.PartitionInfo, error) {
	parts, err := r.backend.ListPartitions(ctx, system, entity)
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return nil, nil
	}

	if mode == models.InputReplaceDaily {
		return parts[len(parts)-1:], nil
	}
	return ResolveBoundary(parts), nil
}

// ResolveBoundary scans the date-sorted partition list backward,
// accumulating partitions until a full_snapshot is included. A full
// snapshot is self-sufficient for current-state reconstruction, so
// anything strictly older is redundant. With no snapshot in history the
// whole list is returned.
func ResolveBoundary(parts []storage.PartitionInfo) []storage.PartitionInfo {
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i].LoadPattern == models.LoadFullSnapshot {
			return parts[i:]
		}
	}
	return parts
}
