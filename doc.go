// Package strata is a config-driven medallion data pipeline: it lands
// raw source data as immutable Bronze partitions and curates them into
// deduplicated, historized Silver datasets.
//
// # Architecture
//
// The pipeline is organized around two layers and the machinery that
// makes repeated, partial, and incremental runs safe:
//
// Bronze: one immutable partition per (system, entity, date), written
// idempotently as gzip JSON-lines files with a checksum manifest and a
// metadata record. Reruns for the same date produce byte-identical
// content.
//
// Silver: curated output per entity. The boundary resolver reads only
// the minimal sufficient partition set (bounded by the most recent full
// snapshot); the curation engine applies per-entity-kind semantics —
// SCD1/SCD2 state tracking, exact-duplicate event dedup, CDC latest-wins
// resolution with ignore/tombstone/hard-delete modes, derived-state
// replay, and derived-event diffing.
//
// Every extractor and storage call passes through a resilience guard:
// token-bucket rate limiter, per-component circuit breaker, then retry
// with exponential backoff and jitter. Watermarks advance only after a
// fully successful write; chunk-level checkpoints let long Silver runs
// resume after a crash.
//
// # Key Packages
//
//	pkg/silver      - boundary resolution and the curation engine
//	pkg/bronze      - idempotent partition writer and checksum validation
//	pkg/resilience  - rate limiter, circuit breaker, retry, guard
//	pkg/state       - watermark and checkpoint stores (memory, SQLite)
//	pkg/storage     - partition store abstraction (local FS, S3)
//	pkg/quality     - configurable data-quality rules
//	pkg/config      - typed, validated pipeline configuration
//	internal/pipeline - the runner orchestrating land and curate
//
// # Quick Start
//
// Configure entities in strata.yaml and run:
//
//	strata run --config strata.yaml --date 2026-08-25
//	strata status
//	strata reset-watermark crm.customers
package strata
