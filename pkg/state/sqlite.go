package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go sqlite driver

	"github.com/stratapipe/strata/pkg/errors"
	"github.com/stratapipe/strata/pkg/models"
)

// SQLiteStore persists watermarks and checkpoints in a local SQLite
// database. It implements both WatermarkStore and CheckpointStore so a
// single file carries all pipeline state.
type SQLiteStore struct {
	db *sql.DB
}

var (
	_ WatermarkStore  = (*SQLiteStore)(nil)
	_ CheckpointStore = (*SQLiteStore)(nil)
)

const stateSchema = `
CREATE TABLE IF NOT EXISTS watermarks (
	source_key          TEXT PRIMARY KEY,
	column_name         TEXT NOT NULL DEFAULT '',
	value               TEXT NOT NULL DEFAULT '',
	value_type          TEXT NOT NULL DEFAULT '',
	last_run_id         TEXT NOT NULL DEFAULT '',
	last_reference_date TEXT NOT NULL DEFAULT '',
	updated_at          TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS checkpoints (
	job_id      TEXT NOT NULL,
	chunk_index INTEGER NOT NULL,
	status      TEXT NOT NULL DEFAULT 'pending',
	created_at  TIMESTAMP NOT NULL,
	PRIMARY KEY (job_id, chunk_index)
);
`

// OpenSQLiteStore opens (creating if needed) the state database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state db: %w", err)
	}

	// Single writer; serialized access keeps sqlite happy under the
	// worker pools
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(stateSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize state schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Get returns the watermark for the source key, or nil if none exists.
func (s *SQLiteStore) Get(ctx context.Context, sourceKey string) (*Watermark, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT source_key, column_name, value, value_type, last_run_id, last_reference_date, updated_at
		FROM watermarks WHERE source_key = ?`, sourceKey)

	var wm Watermark
	var valueType string
	err := row.Scan(&wm.SourceKey, &wm.Column, &wm.Value, &valueType, &wm.LastRunID, &wm.LastReferenceDate, &wm.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read watermark: %w", err)
	}
	wm.Type = models.ValueType(valueType)
	return &wm, nil
}

// Update advances the watermark if the new value is strictly greater
// under the type-aware comparator.
func (s *SQLiteStore) Update(ctx context.Context, wm Watermark) (bool, error) {
	existing, err := s.Get(ctx, wm.SourceKey)
	if err != nil {
		return false, err
	}

	if existing != nil {
		advanced, err := checkAdvance(*existing, wm)
		if err != nil || !advanced {
			return false, err
		}
		if wm.LastReferenceDate == "" {
			wm.LastReferenceDate = existing.LastReferenceDate
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO watermarks (source_key, column_name, value, value_type, last_run_id, last_reference_date, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_key) DO UPDATE SET
			column_name = excluded.column_name,
			value = excluded.value,
			value_type = excluded.value_type,
			last_run_id = excluded.last_run_id,
			last_reference_date = excluded.last_reference_date,
			updated_at = excluded.updated_at`,
		wm.SourceKey, wm.Column, wm.Value, string(wm.Type), wm.LastRunID, wm.LastReferenceDate, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to persist watermark: %w", err)
	}
	return true, nil
}

// Reset deletes the watermark for the source key.
func (s *SQLiteStore) Reset(ctx context.Context, sourceKey string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM watermarks WHERE source_key = ?`, sourceKey); err != nil {
		return fmt.Errorf("failed to reset watermark: %w", err)
	}
	return nil
}

// MarkReference records the last reference extraction date.
func (s *SQLiteStore) MarkReference(ctx context.Context, sourceKey string, date string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO watermarks (source_key, last_reference_date, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(source_key) DO UPDATE SET
			last_reference_date = excluded.last_reference_date,
			updated_at = excluded.updated_at`,
		sourceKey, date, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark reference run: %w", err)
	}
	return nil
}

// Begin registers the job's chunks as pending, keeping existing progress.
func (s *SQLiteStore) Begin(ctx context.Context, jobID string, chunkCount int) error {
	var existing int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM checkpoints WHERE job_id = ?`, jobID).Scan(&existing); err != nil {
		return fmt.Errorf("failed to inspect checkpoints: %w", err)
	}
	if existing > 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin checkpoint transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for i := 0; i < chunkCount; i++ {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO checkpoints (job_id, chunk_index, status, created_at) VALUES (?, ?, 'pending', ?)`,
			jobID, i, now); err != nil {
			return fmt.Errorf("failed to register chunk %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// MarkDone records chunk completion.
func (s *SQLiteStore) MarkDone(ctx context.Context, jobID string, chunkIndex int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE checkpoints SET status = 'done' WHERE job_id = ? AND chunk_index = ?`,
		jobID, chunkIndex)
	if err != nil {
		return fmt.Errorf("failed to mark chunk done: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Newf(errors.ErrorTypeStateTransition, "chunk %d unknown for job %q", chunkIndex, jobID)
	}
	return nil
}

// IsDone reports whether the chunk completed.
func (s *SQLiteStore) IsDone(ctx context.Context, jobID string, chunkIndex int) (bool, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM checkpoints WHERE job_id = ? AND chunk_index = ?`,
		jobID, chunkIndex).Scan(&status)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return status == string(ChunkDone), nil
}

// Clear removes all chunk state for the job.
func (s *SQLiteStore) Clear(ctx context.Context, jobID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("failed to clear checkpoints: %w", err)
	}
	return nil
}
