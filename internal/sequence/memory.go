package sequence

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryRepository is an in-process counter store for tests and single-node use.
type MemoryRepository struct {
	mu       sync.Mutex
	counters map[string]int64
}

// NewMemoryRepository constructs MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{counters: make(map[string]int64)}
}

// Increment bumps the counter under the store mutex.
func (r *MemoryRepository) Increment(_ context.Context, tenant uuid.UUID, series string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := tenant.String() + ":" + series
	r.counters[key]++
	return r.counters[key], nil
}

// Current returns the last issued number without consuming one.
func (r *MemoryRepository) Current(tenant uuid.UUID, series string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[tenant.String()+":"+series]
}
