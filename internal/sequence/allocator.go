// Package sequence hands out gap-free, per-tenant, per-series monotonic
// numbers for posted documents.
package sequence

import (
	"context"

	"github.com/google/uuid"

	"github.com/atelier-erp/atelier-erp/internal/shared"
)

// RepositoryPort performs the atomic increment for a (tenant, series) counter.
// Implementations must use a single server-side increment, never read-then-write.
type RepositoryPort interface {
	Increment(ctx context.Context, tenant uuid.UUID, series string) (int64, error)
}

// Allocator issues strictly increasing numbers per (tenant, series). A number
// consumed by an aborted transaction is never reclaimed; gaps are the accepted
// cost of never reusing a number.
type Allocator struct {
	repo RepositoryPort
}

// NewAllocator constructs an Allocator.
func NewAllocator(repo RepositoryPort) *Allocator {
	return &Allocator{repo: repo}
}

// Next returns the next number in the series. Concurrent callers receive a
// permutation of consecutive integers with no duplicates.
func (a *Allocator) Next(ctx context.Context, tenant uuid.UUID, series string) (int64, error) {
	if tenant == uuid.Nil {
		return 0, shared.Validationf("tenant_id", "required")
	}
	if series == "" {
		return 0, shared.Validationf("series", "required")
	}
	n, err := a.repo.Increment(ctx, tenant, series)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, &shared.InvariantBreach{Reason: "sequence counter returned a non-positive number"}
	}
	return n, nil
}
