package models

import "time"

// ChecksumManifest maps partition file names to their content hashes.
// Written beside the data files at land time, consumed by the validator
// before Silver reads the partition.
type ChecksumManifest map[string]string

// PartitionMetadata is the structured record written with every Bronze
// partition. Immutable once written; reruns for the same date overwrite
// it idempotently.
type PartitionMetadata struct {
	System      string      `json:"system"`
	Entity      string      `json:"entity"`
	Date        string      `json:"date"` // YYYY-MM-DD
	LoadPattern LoadPattern `json:"load_pattern"`
	RecordCount int64       `json:"record_count"`
	ExtractedAt time.Time   `json:"extracted_at"`
	Watermark   string      `json:"watermark,omitempty"`
	RunID       string      `json:"run_id,omitempty"`
}

// BronzePartition identifies one landed partition and carries the
// metadata Silver needs for boundary resolution and verification.
type BronzePartition struct {
	System      string            `json:"system"`
	Entity      string            `json:"entity"`
	Date        string            `json:"date"`
	LoadPattern LoadPattern       `json:"load_pattern"`
	RecordCount int64             `json:"record_count"`
	Manifest    ChecksumManifest  `json:"manifest,omitempty"`
	Metadata    PartitionMetadata `json:"metadata"`
}

// SilverMetadata is the output metadata produced with every Silver
// artifact.
type SilverMetadata struct {
	System        string      `json:"system"`
	Entity        string      `json:"entity"`
	EntityKind    EntityKind  `json:"entity_kind"`
	HistoryMode   HistoryMode `json:"history_mode"`
	SchemaColumns []string    `json:"schema_columns"`
	RecordCount   int64       `json:"record_count"`
	DeletedCount  int64       `json:"deleted_count,omitempty"`
	BatchID       string      `json:"batch_id"`
	PipelineRunAt time.Time   `json:"pipeline_run_at"`
	InputDates    []string    `json:"input_dates,omitempty"`
}

// Reserved Silver column names produced by the curation engine.
const (
	// ColEffectiveFrom is the SCD2 version start timestamp
	ColEffectiveFrom = "_effective_from"
	// ColEffectiveTo is the SCD2 version end timestamp; null while current
	ColEffectiveTo = "_effective_to"
	// ColIsCurrent flags the open SCD2 version
	ColIsCurrent = "_is_current"
	// ColDeleted flags a tombstoned row
	ColDeleted = "_deleted"
	// ColChangeType carries the synthetic change kind on derived events
	ColChangeType = "_change_type"
)
