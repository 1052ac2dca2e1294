// Package storage abstracts the partition store Bronze writes to and
// Silver reads from. A partition is an immutable set of files at a
// layer/system/entity/date path; backends provide atomic write, read,
// and listing. Concrete wire protocols live behind the Backend interface
// so the curation core never touches SDK types.
package storage

import (
	"context"
	"path"
	"sort"

	"github.com/stratapipe/strata/pkg/models"
)

// FileSet maps file names to contents within one partition.
type FileSet map[string][]byte

// Well-known file names within a partition.
const (
	// MetadataFile carries the partition metadata record
	MetadataFile = "_metadata.json"
	// ManifestFile carries the checksum manifest
	ManifestFile = "_manifest.json"
)

// PartitionInfo summarizes one listed partition.
type PartitionInfo struct {
	System      string
	Entity      string
	Date        string // YYYY-MM-DD
	LoadPattern models.LoadPattern
	RecordCount int64
	Metadata    models.PartitionMetadata
}

// Path returns the partition's path under the given layer.
func (p PartitionInfo) Path(layer string) string {
	return PartitionPath(layer, p.System, p.Entity, p.Date)
}

// Backend is the storage contract the core consumes. WritePartition must
// be atomic per path: a rerun for the same (system, entity, date)
// overwrites the whole partition idempotently, and readers never observe
// a partial write.
type Backend interface {
	// WritePartition atomically replaces the partition at path with files.
	WritePartition(ctx context.Context, partitionPath string, files FileSet) error

	// ReadPartition returns all files of the partition at path.
	ReadPartition(ctx context.Context, partitionPath string) (FileSet, error)

	// ListPartitions returns the Bronze partitions for (system, entity),
	// sorted ascending by date.
	ListPartitions(ctx context.Context, system, entity string) ([]PartitionInfo, error)

	// DeletePartition removes the partition at path. Deleting a missing
	// partition is not an error.
	DeletePartition(ctx context.Context, partitionPath string) error
}

// Layer names within the store.
const (
	LayerBronze = "bronze"
	LayerSilver = "silver"
)

// PartitionPath builds the canonical partition path
// layer/system/entity/date.
func PartitionPath(layer, system, entity, date string) string {
	return path.Join(layer, system, entity, date)
}

// SortPartitions orders partitions ascending by date in place.
func SortPartitions(parts []PartitionInfo) {
	sort.Slice(parts, func(i, j int) bool { return parts[i].Date < parts[j].Date })
}

// FileNames returns the sorted file names of a FileSet.
func (fs FileSet) FileNames() []string {
	names := make([]string, 0, len(fs))
	for name := range fs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DataFiles returns the sorted names of non-metadata files.
func (fs FileSet) DataFiles() []string {
	names := make([]string, 0, len(fs))
	for name := range fs {
		if name == MetadataFile || name == ManifestFile {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
