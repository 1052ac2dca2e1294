// Package bronze lands raw source data as immutable partitions: one
// partition per (system, entity, date), carrying gzip JSON-lines data
// files, a partition metadata record, and a checksum manifest. Reruns
// for the same date overwrite idempotently, and the validator lets
// Silver verify a partition's integrity before reading it.
package bronze

import (
	"context"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/stratapipe/strata/pkg/errors"
	"github.com/stratapipe/strata/pkg/models"
	"github.com/stratapipe/strata/pkg/storage"
)

// ChecksumFile computes the content hash of one partition file as
// recorded in the manifest: xxhash64 of the stored bytes, hex encoded.
func ChecksumFile(content []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(content))
}

// BuildManifest computes the checksum manifest for a file set, covering
// data files only.
func BuildManifest(files storage.FileSet) models.ChecksumManifest {
	manifest := make(models.ChecksumManifest, len(files))
	for _, name := range files.DataFiles() {
		manifest[name] = ChecksumFile(files[name])
	}
	return manifest
}

// VerifyResult reports the outcome of a partition integrity check.
type VerifyResult struct {
	Valid           bool     `json:"valid"`
	MismatchedFiles []string `json:"mismatched_files,omitempty"`
}

// Validator verifies Bronze partition integrity against the stored
// checksum manifest before Silver reads it.
type Validator struct {
	mode   models.ChecksumMode
	logger *zap.Logger
}

// NewValidator creates a validator with the given mode.
func NewValidator(mode models.ChecksumMode, logger *zap.Logger) *Validator {
	return &Validator{
		mode:   mode,
		logger: logger.With(zap.String("component", "checksum_validator")),
	}
}

// Verify recomputes each data file's hash and compares it to the stored
// manifest. Files missing from the manifest, or manifest entries missing
// from the partition, count as mismatches.
func (v *Validator) Verify(files storage.FileSet) VerifyResult {
	var manifest models.ChecksumManifest
	if raw, ok := files[storage.ManifestFile]; ok {
		if err := json.Unmarshal(raw, &manifest); err != nil {
			return VerifyResult{Valid: false, MismatchedFiles: []string{storage.ManifestFile}}
		}
	}

	var mismatched []string
	seen := make(map[string]bool, len(manifest))

	for _, name := range files.DataFiles() {
		seen[name] = true
		want, ok := manifest[name]
		if !ok || want != ChecksumFile(files[name]) {
			mismatched = append(mismatched, name)
		}
	}
	for name := range manifest {
		if !seen[name] {
			mismatched = append(mismatched, name)
		}
	}

	return VerifyResult{Valid: len(mismatched) == 0, MismatchedFiles: mismatched}
}

// Enforce runs Verify under the configured mode: strict returns a fatal
// checksum error, warn logs and continues, skip bypasses entirely.
func (v *Validator) Enforce(ctx context.Context, partitionPath string, files storage.FileSet) error {
	if v.mode == models.ChecksumSkip {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	result := v.Verify(files)
	if result.Valid {
		return nil
	}

	switch v.mode {
	case models.ChecksumStrict:
		return errors.New(errors.ErrorTypeChecksum, "bronze partition failed integrity check").
			WithDetail("partition", partitionPath).
			WithDetail("mismatched_files", result.MismatchedFiles)
	default:
		v.logger.Warn("bronze partition failed integrity check",
			zap.String("partition", partitionPath),
			zap.Strings("mismatched_files", result.MismatchedFiles))
		return nil
	}
}
