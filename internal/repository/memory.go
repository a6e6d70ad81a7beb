package repository

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/forgeml/orchestrator/internal/types"
)

// Ensure MemoryRepository implements Repository interface.
var _ Repository = (*MemoryRepository)(nil)

type MemoryRepository struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]JobRecord
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{jobs: map[uuid.UUID]JobRecord{}}
}

func (r *MemoryRepository) Create(_ context.Context, record *JobRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[record.ID] = *record
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id uuid.UUID) (*JobRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &record, nil
}

func (r *MemoryRepository) Save(_ context.Context, record *JobRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[record.ID] = *record
	return nil
}

func (r *MemoryRepository) Counts(_ context.Context) (types.StatusCounts, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var counts types.StatusCounts
	for _, record := range r.jobs {
		applyCount(&counts, record.Status, 1)
	}
	return counts, nil
}
