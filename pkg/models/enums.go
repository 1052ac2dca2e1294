package models

import "fmt"

// EntityKind classifies how an entity's records relate over time
type EntityKind string

const (
	// EntityKindState holds mutable state rows keyed by natural key
	EntityKindState EntityKind = "state"
	// EntityKindEvent holds immutable event rows
	EntityKindEvent EntityKind = "event"
	// EntityKindDerivedState replays an event stream into current state
	EntityKindDerivedState EntityKind = "derived_state"
	// EntityKindDerivedEvent diffs state snapshots into synthetic events
	EntityKindDerivedEvent EntityKind = "derived_event"
)

// HistoryMode controls how much temporal history Silver retains
type HistoryMode string

const (
	// HistoryCurrentOnly keeps one current row per key (SCD1)
	HistoryCurrentOnly HistoryMode = "current_only"
	// HistoryFull keeps effective-dated version chains (SCD2)
	HistoryFull HistoryMode = "full_history"
	// HistoryLatestOnly keeps the most recent row per key without
	// effective dating
	HistoryLatestOnly HistoryMode = "latest_only"
)

// InputMode describes how Bronze partitions combine into Silver input
type InputMode string

const (
	// InputAppendLog unions multiple Bronze partitions
	InputAppendLog InputMode = "append_log"
	// InputReplaceDaily reads only the newest partition
	InputReplaceDaily InputMode = "replace_daily"
)

// DeleteMode controls how CDC delete operations materialize
type DeleteMode string

const (
	// DeleteIgnore drops the deleted row from output
	DeleteIgnore DeleteMode = "ignore"
	// DeleteTombstone keeps the row flagged _deleted=true
	DeleteTombstone DeleteMode = "tombstone"
	// DeleteHard removes the row while still counting it in metrics
	DeleteHard DeleteMode = "hard_delete"
)

// SchemaMode controls handling of unexpected columns
type SchemaMode string

const (
	// SchemaStrict fails on any unexpected column
	SchemaStrict SchemaMode = "strict"
	// SchemaAllowNew merges new columns and backfills prior rows with null
	SchemaAllowNew SchemaMode = "allow_new_columns"
)

// ChecksumMode controls Bronze integrity verification before Silver reads
type ChecksumMode string

const (
	// ChecksumStrict aborts before any Silver write on mismatch
	ChecksumStrict ChecksumMode = "strict"
	// ChecksumWarn logs mismatches and continues
	ChecksumWarn ChecksumMode = "warn"
	// ChecksumSkip bypasses verification entirely
	ChecksumSkip ChecksumMode = "skip"
)

// LoadPattern describes how a Bronze partition was produced
type LoadPattern string

const (
	// LoadFullSnapshot is a complete extract, self-sufficient for
	// current-state reconstruction
	LoadFullSnapshot LoadPattern = "full_snapshot"
	// LoadIncremental is a watermark-bounded delta extract
	LoadIncremental LoadPattern = "incremental"
	// LoadCDC is a change-data-capture operation stream
	LoadCDC LoadPattern = "cdc"
)

// ValueType is the comparator type of a watermark value
type ValueType string

const (
	ValueTimestamp ValueType = "timestamp"
	ValueDate      ValueType = "date"
	ValueInteger   ValueType = "integer"
	ValueString    ValueType = "string"
)

// Validate checks an EntityKind against its allowed values
func (k EntityKind) Validate() error {
	switch k {
	case EntityKindState, EntityKindEvent, EntityKindDerivedState, EntityKindDerivedEvent:
		return nil
	}
	return fmt.Errorf("invalid entity_kind %q", string(k))
}

// Validate checks a HistoryMode against its allowed values
func (m HistoryMode) Validate() error {
	switch m {
	case HistoryCurrentOnly, HistoryFull, HistoryLatestOnly:
		return nil
	}
	return fmt.Errorf("invalid history_mode %q", string(m))
}

// Validate checks an InputMode against its allowed values
func (m InputMode) Validate() error {
	switch m {
	case InputAppendLog, InputReplaceDaily:
		return nil
	}
	return fmt.Errorf("invalid input_mode %q", string(m))
}

// Validate checks a DeleteMode against its allowed values
func (m DeleteMode) Validate() error {
	switch m {
	case DeleteIgnore, DeleteTombstone, DeleteHard:
		return nil
	}
	return fmt.Errorf("invalid delete_mode %q", string(m))
}

// Validate checks a SchemaMode against its allowed values
func (m SchemaMode) Validate() error {
	switch m {
	case SchemaStrict, SchemaAllowNew:
		return nil
	}
	return fmt.Errorf("invalid schema_mode %q", string(m))
}

// Validate checks a ChecksumMode against its allowed values
func (m ChecksumMode) Validate() error {
	switch m {
	case ChecksumStrict, ChecksumWarn, ChecksumSkip:
		return nil
	}
	return fmt.Errorf("invalid checksum_mode %q", string(m))
}

// Validate checks a LoadPattern against its allowed values
func (p LoadPattern) Validate() error {
	switch p {
	case LoadFullSnapshot, LoadIncremental, LoadCDC:
		return nil
	}
	return fmt.Errorf("invalid load_pattern %q", string(p))
}

// Validate checks a ValueType against its allowed values
func (t ValueType) Validate() error {
	switch t {
	case ValueTimestamp, ValueDate, ValueInteger, ValueString:
		return nil
	}
	return fmt.Errorf("invalid value_type %q", string(t))
}
