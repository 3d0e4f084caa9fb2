package sequence

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists sequence counters in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Increment bumps the counter in a single server-side statement. The upsert
// serialises concurrent callers on the counter row, so no two callers can
// observe the same value.
func (r *Repository) Increment(ctx context.Context, tenant uuid.UUID, series string) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO sequence_counters (tenant_id, series, last_value)
		VALUES ($1, $2, 1)
		ON CONFLICT (tenant_id, series)
		DO UPDATE SET last_value = sequence_counters.last_value + 1
		RETURNING last_value`,
		tenant, series).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sequence: increment %s/%s: %w", tenant, series, err)
	}
	return n, nil
}
