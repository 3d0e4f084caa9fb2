package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists audit events in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert appends an event row. The audit_events table carries no update path.
func (r *Repository) Insert(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("audit: marshal payload: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO audit_events (tenant_id, actor_id, action, subject_type, subject_id, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.TenantID, event.ActorID, event.Action, event.SubjectType, event.SubjectID, payload, event.At)
	if err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}

// List returns events for a subject, newest first.
func (r *Repository) List(ctx context.Context, filter Filter) ([]Event, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, tenant_id, actor_id, action, subject_type, subject_id, payload, occurred_at
		FROM audit_events
		WHERE tenant_id = $1
		  AND ($2 = '' OR subject_type = $2)
		  AND ($3 = '' OR subject_id = $3)
		ORDER BY occurred_at DESC, id DESC
		LIMIT $4`,
		filter.TenantID, filter.SubjectType, filter.SubjectID, filter.Limit)
	if err != nil {
		return nil, fmt.Errorf("audit: list events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			payload []byte
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &e.ActorID, &e.Action, &e.SubjectType, &e.SubjectID, &payload, &e.At); err != nil {
			return nil, fmt.Errorf("audit: scan event: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, fmt.Errorf("audit: unmarshal payload: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
