package posting

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atelier-erp/atelier-erp/internal/inventory"
	"github.com/atelier-erp/atelier-erp/internal/shared"
)

// MemoryRepository is an in-process document store for tests and single-node
// use. It shares an inventory.MemoryRepository so both commit atomically.
type MemoryRepository struct {
	mu   sync.Mutex
	docs map[uuid.UUID]Document
	inv  *inventory.MemoryRepository
}

// NewMemoryRepository constructs MemoryRepository over an inventory store.
func NewMemoryRepository(inv *inventory.MemoryRepository) *MemoryRepository {
	return &MemoryRepository{docs: make(map[uuid.UUID]Document), inv: inv}
}

// WithTx runs fn against copies of both stores, committing on success.
func (r *MemoryRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	docs := make(map[uuid.UUID]Document, len(r.docs))
	for k, v := range r.docs {
		docs[k] = v
	}
	invTx, commit, rollback := r.inv.Begin()
	tx := &memoryTx{docs: docs, inv: invTx}
	if err := fn(ctx, tx); err != nil {
		rollback()
		return err
	}
	r.docs = tx.docs
	commit()
	return nil
}

// GetDocument loads a committed document scoped to the tenant.
func (r *MemoryRepository) GetDocument(_ context.Context, tenant, id uuid.UUID) (Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok || doc.TenantID != tenant {
		return Document{}, shared.ErrNotFound
	}
	return cloneDocument(doc), nil
}

type memoryTx struct {
	docs map[uuid.UUID]Document
	inv  inventory.TxRepository
}

func (t *memoryTx) Inventory() inventory.TxRepository {
	return t.inv
}

func (t *memoryTx) InsertDocument(_ context.Context, doc Document) error {
	t.docs[doc.ID] = cloneDocument(doc)
	return nil
}

func (t *memoryTx) MarkVoided(_ context.Context, tenant, id uuid.UUID, at time.Time, reason string) error {
	doc, ok := t.docs[id]
	if !ok || doc.TenantID != tenant || doc.Status != StatusPosted {
		return shared.ErrNotFound
	}
	doc.Status = StatusVoided
	doc.VoidedAt = &at
	doc.VoidReason = reason
	t.docs[id] = doc
	return nil
}

func (t *memoryTx) ReversedQuantities(_ context.Context, tenant, invoiceID uuid.UUID) (map[int]decimal.Decimal, error) {
	out := make(map[int]decimal.Decimal)
	for _, doc := range t.docs {
		if doc.TenantID != tenant || doc.Kind != KindCreditNote || doc.Status != StatusPosted {
			continue
		}
		if doc.ReversesID == nil || *doc.ReversesID != invoiceID {
			continue
		}
		for _, l := range doc.Lines {
			out[l.LineNo] = out[l.LineNo].Add(l.Quantity)
		}
	}
	return out, nil
}

func cloneDocument(doc Document) Document {
	lines := make([]Line, len(doc.Lines))
	copy(lines, doc.Lines)
	doc.Lines = lines
	return doc
}
