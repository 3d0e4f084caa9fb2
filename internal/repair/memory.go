package repair

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/atelier-erp/atelier-erp/internal/inventory"
	"github.com/atelier-erp/atelier-erp/internal/shared"
)

// MemoryRepository is an in-process ticket store for tests and single-node
// use. It shares an inventory.MemoryRepository so parts consumption commits
// atomically with the ticket.
type MemoryRepository struct {
	mu      sync.Mutex
	tickets map[uuid.UUID]Ticket
	inv     *inventory.MemoryRepository
}

// NewMemoryRepository constructs MemoryRepository over an inventory store.
func NewMemoryRepository(inv *inventory.MemoryRepository) *MemoryRepository {
	return &MemoryRepository{tickets: make(map[uuid.UUID]Ticket), inv: inv}
}

// WithTx runs fn against copies of both stores, committing on success.
func (r *MemoryRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tickets := make(map[uuid.UUID]Ticket, len(r.tickets))
	for k, v := range r.tickets {
		tickets[k] = v
	}
	invTx, commit, rollback := r.inv.Begin()
	tx := &memoryTx{tickets: tickets, inv: invTx}
	if err := fn(ctx, tx); err != nil {
		rollback()
		return err
	}
	r.tickets = tx.tickets
	commit()
	return nil
}

// GetTicket loads a committed ticket scoped to the tenant.
func (r *MemoryRepository) GetTicket(_ context.Context, tenant, id uuid.UUID) (Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tickets[id]
	if !ok || t.TenantID != tenant {
		return Ticket{}, shared.ErrNotFound
	}
	return cloneTicket(t), nil
}

type memoryTx struct {
	tickets map[uuid.UUID]Ticket
	inv     inventory.TxRepository
}

func (t *memoryTx) Inventory() inventory.TxRepository {
	return t.inv
}

func (t *memoryTx) SaveTicket(_ context.Context, ticket Ticket) error {
	t.tickets[ticket.ID] = cloneTicket(ticket)
	return nil
}

func cloneTicket(t Ticket) Ticket {
	notes := make([]Note, len(t.Notes))
	copy(notes, t.Notes)
	t.Notes = notes
	entries := make([]TimeEntry, len(t.TimeEntries))
	copy(entries, t.TimeEntries)
	t.TimeEntries = entries
	lines := make([]ChargeLine, len(t.Lines))
	copy(lines, t.Lines)
	t.Lines = lines
	return t
}
