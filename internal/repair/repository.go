package repair

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atelier-erp/atelier-erp/internal/inventory"
	"github.com/atelier-erp/atelier-erp/internal/platform/db"
	"github.com/atelier-erp/atelier-erp/internal/shared"
)

// Repository persists repair tickets in PostgreSQL. The ticket's notes, time
// entries and charge lines live as JSONB on the ticket row; they are only
// ever read and written through the aggregate.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

// GetTicket loads a ticket scoped to the tenant.
func (r *Repository) GetTicket(ctx context.Context, tenant, id uuid.UUID) (Ticket, error) {
	var (
		t           Ticket
		notes       []byte
		timeEntries []byte
		lines       []byte
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, tenant_id, customer_id, status, store_location, intake_at,
		       notes, time_entries, charge_lines,
		       manager_override, override_reason, invoice_id, cancel_reason, updated_at
		FROM repair_tickets
		WHERE tenant_id = $1 AND id = $2`,
		tenant, id).Scan(
		&t.ID, &t.TenantID, &t.CustomerID, &t.Status, &t.StoreLocation, &t.IntakeAt,
		&notes, &timeEntries, &lines,
		&t.ManagerOverride, &t.OverrideReason, &t.InvoiceID, &t.CancelReason, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Ticket{}, shared.ErrNotFound
		}
		return Ticket{}, fmt.Errorf("repair: get ticket: %w", err)
	}
	if err := json.Unmarshal(notes, &t.Notes); err != nil {
		return Ticket{}, fmt.Errorf("repair: decode notes: %w", err)
	}
	if err := json.Unmarshal(timeEntries, &t.TimeEntries); err != nil {
		return Ticket{}, fmt.Errorf("repair: decode time entries: %w", err)
	}
	if err := json.Unmarshal(lines, &t.Lines); err != nil {
		return Ticket{}, fmt.Errorf("repair: decode charge lines: %w", err)
	}
	return t, nil
}

type txRepo struct {
	tx pgx.Tx
}

func (t *txRepo) Inventory() inventory.TxRepository {
	return inventory.TxView(t.tx)
}

// SaveTicket upserts the full aggregate.
func (t *txRepo) SaveTicket(ctx context.Context, ticket Ticket) error {
	notes, err := json.Marshal(ticket.Notes)
	if err != nil {
		return fmt.Errorf("repair: encode notes: %w", err)
	}
	timeEntries, err := json.Marshal(ticket.TimeEntries)
	if err != nil {
		return fmt.Errorf("repair: encode time entries: %w", err)
	}
	lines, err := json.Marshal(ticket.Lines)
	if err != nil {
		return fmt.Errorf("repair: encode charge lines: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO repair_tickets (id, tenant_id, customer_id, status, store_location, intake_at,
		                            notes, time_entries, charge_lines,
		                            manager_override, override_reason, invoice_id, cancel_reason, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			notes = EXCLUDED.notes,
			time_entries = EXCLUDED.time_entries,
			charge_lines = EXCLUDED.charge_lines,
			manager_override = EXCLUDED.manager_override,
			override_reason = EXCLUDED.override_reason,
			invoice_id = EXCLUDED.invoice_id,
			cancel_reason = EXCLUDED.cancel_reason,
			updated_at = EXCLUDED.updated_at`,
		ticket.ID, ticket.TenantID, ticket.CustomerID, string(ticket.Status), ticket.StoreLocation, ticket.IntakeAt,
		notes, timeEntries, lines,
		ticket.ManagerOverride, ticket.OverrideReason, ticket.InvoiceID, ticket.CancelReason, ticket.UpdatedAt)
	if err != nil {
		return fmt.Errorf("repair: save ticket: %w", err)
	}
	return nil
}
