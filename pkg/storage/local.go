package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/goccy/go-json"

	"github.com/stratapipe/strata/pkg/models"
)

// LocalBackend stores partitions on the local filesystem under a root
// directory. Writes land in a temp directory and move into place with a
// rename, so readers never see partial partitions.
type LocalBackend struct {
	root string
}

var _ Backend = (*LocalBackend)(nil)

// NewLocalBackend creates a filesystem backend rooted at dir.
func NewLocalBackend(dir string) (*LocalBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &LocalBackend{root: dir}, nil
}

// WritePartition atomically replaces the partition directory.
func (b *LocalBackend) WritePartition(ctx context.Context, partitionPath string, files FileSet) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	target := filepath.Join(b.root, filepath.FromSlash(partitionPath))
	parent := filepath.Dir(target)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("failed to create partition parent: %w", err)
	}

	tmp, err := os.MkdirTemp(parent, ".staging-")
	if err != nil {
		return fmt.Errorf("failed to create staging dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	for name, content := range files {
		if err := os.WriteFile(filepath.Join(tmp, name), content, 0o644); err != nil {
			return fmt.Errorf("failed to stage file %s: %w", name, err)
		}
	}

	// Replace any prior partition, then move the staged one into place
	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("failed to remove prior partition: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("failed to publish partition: %w", err)
	}
	return nil
}

// DeletePartition removes the partition directory.
func (b *LocalBackend) DeletePartition(ctx context.Context, partitionPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(b.root, filepath.FromSlash(partitionPath)))
}

// ReadPartition returns all files of the partition.
func (b *LocalBackend) ReadPartition(ctx context.Context, partitionPath string) (FileSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir := filepath.Join(b.root, filepath.FromSlash(partitionPath))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read partition %s: %w", partitionPath, err)
	}

	files := make(FileSet, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		content, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read file %s: %w", entry.Name(), err)
		}
		files[entry.Name()] = content
	}
	return files, nil
}

// ListPartitions returns Bronze partitions for (system, entity) sorted
// ascending by date. Partitions without readable metadata are skipped.
func (b *LocalBackend) ListPartitions(ctx context.Context, system, entity string) ([]PartitionInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir := filepath.Join(b.root, LayerBronze, system, entity)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions for %s/%s: %w", system, entity, err)
	}

	var parts []PartitionInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		metaPath := filepath.Join(dir, entry.Name(), MetadataFile)
		content, err := os.ReadFile(metaPath)
		if err != nil {
			continue
		}
		var meta models.PartitionMetadata
		if err := json.Unmarshal(content, &meta); err != nil {
			continue
		}
		parts = append(parts, PartitionInfo{
			System:      system,
			Entity:      entity,
			Date:        entry.Name(),
			LoadPattern: meta.LoadPattern,
			RecordCount: meta.RecordCount,
			Metadata:    meta,
		})
	}

	sort.Slice(parts, func(i, j int) bool { return parts[i].Date < parts[j].Date })
	return parts, nil
}
