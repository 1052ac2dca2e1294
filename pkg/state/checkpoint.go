package state

import (
	"context"
	"sync"
	"time"

	"github.com/stratapipe/strata/pkg/errors"
)

// ChunkStatus is the processing state of one chunk within a job
type ChunkStatus string

const (
	// ChunkPending means the chunk has not completed
	ChunkPending ChunkStatus = "pending"
	// ChunkDone means the chunk completed successfully
	ChunkDone ChunkStatus = "done"
)

// Checkpoint marks chunk-level progress for one streaming job.
type Checkpoint struct {
	JobID      string      `json:"job_id"`
	ChunkIndex int         `json:"chunk_index"`
	Status     ChunkStatus `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
}

// CheckpointStore tracks chunk progress so long Silver runs resume after
// a crash. On resume, every chunk with IsDone true is skipped; Clear runs
// only after the job's final chunk succeeds.
type CheckpointStore interface {
	// Begin registers a job with the given chunk count. Re-beginning an
	// existing job is a no-op so that resumed runs keep their progress.
	Begin(ctx context.Context, jobID string, chunkCount int) error

	// MarkDone records successful completion of one chunk.
	MarkDone(ctx context.Context, jobID string, chunkIndex int) error

	// IsDone reports whether the chunk already completed.
	IsDone(ctx context.Context, jobID string, chunkIndex int) (bool, error)

	// Clear removes all state for the job.
	Clear(ctx context.Context, jobID string) error
}

// MemoryCheckpointStore is an in-memory CheckpointStore.
type MemoryCheckpointStore struct {
	mu   sync.Mutex
	jobs map[string]map[int]Checkpoint
}

// NewMemoryCheckpointStore creates an empty in-memory store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{jobs: make(map[string]map[int]Checkpoint)}
}

// Begin registers the job's chunks as pending, keeping existing progress.
func (s *MemoryCheckpointStore) Begin(_ context.Context, jobID string, chunkCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[jobID]; ok {
		return nil
	}

	chunks := make(map[int]Checkpoint, chunkCount)
	now := time.Now().UTC()
	for i := 0; i < chunkCount; i++ {
		chunks[i] = Checkpoint{JobID: jobID, ChunkIndex: i, Status: ChunkPending, CreatedAt: now}
	}
	s.jobs[jobID] = chunks
	return nil
}

// MarkDone records chunk completion.
func (s *MemoryCheckpointStore) MarkDone(_ context.Context, jobID string, chunkIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chunks, ok := s.jobs[jobID]
	if !ok {
		return errors.Newf(errors.ErrorTypeStateTransition, "checkpoint job %q not begun", jobID)
	}
	cp, ok := chunks[chunkIndex]
	if !ok {
		return errors.Newf(errors.ErrorTypeStateTransition, "chunk %d out of range for job %q", chunkIndex, jobID)
	}
	cp.Status = ChunkDone
	chunks[chunkIndex] = cp
	return nil
}

// IsDone reports whether the chunk completed.
func (s *MemoryCheckpointStore) IsDone(_ context.Context, jobID string, chunkIndex int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chunks, ok := s.jobs[jobID]
	if !ok {
		return false, nil
	}
	return chunks[chunkIndex].Status == ChunkDone, nil
}

// Clear removes all chunk state for the job.
func (s *MemoryCheckpointStore) Clear(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
	return nil
}
