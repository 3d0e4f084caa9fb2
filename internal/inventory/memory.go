package inventory

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryRepository is an in-process store for tests and single-node use.
// Transactions copy state and swap it back on success, so a failing callback
// leaves no partial effects.
type MemoryRepository struct {
	mu        sync.Mutex
	positions map[string]Position
	moves     []Move
}

// NewMemoryRepository constructs MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{positions: make(map[string]Position)}
}

// WithTx runs fn against a copy of the store, committing on success.
func (r *MemoryRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx := &memoryTx{positions: make(map[string]Position, len(r.positions))}
	for k, v := range r.positions {
		tx.positions[k] = v
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	r.positions = tx.positions
	r.moves = append(r.moves, tx.moves...)
	return nil
}

// GetPosition reads the committed position.
func (r *MemoryRepository) GetPosition(_ context.Context, tenant, product, warehouse uuid.UUID) (Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pos, ok := r.positions[positionKey(tenant, product, warehouse)]
	if !ok {
		return Position{}, ErrPositionNotFound
	}
	return pos, nil
}

// Moves returns all committed moves, oldest first.
func (r *MemoryRepository) Moves() []Move {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Move, len(r.moves))
	copy(out, r.moves)
	return out
}

type memoryTx struct {
	positions map[string]Position
	moves     []Move
}

// Begin opens a transaction view for callers embedding ledger effects into
// their own in-memory transaction. Exactly one of commit or rollback must be
// called.
func (r *MemoryRepository) Begin() (tx TxRepository, commit func(), rollback func()) {
	r.mu.Lock()
	view := &memoryTx{positions: make(map[string]Position, len(r.positions))}
	for k, v := range r.positions {
		view.positions[k] = v
	}
	commit = func() {
		r.positions = view.positions
		r.moves = append(r.moves, view.moves...)
		r.mu.Unlock()
	}
	rollback = func() {
		r.mu.Unlock()
	}
	return view, commit, rollback
}

func (t *memoryTx) GetPositionForUpdate(_ context.Context, tenant, product, warehouse uuid.UUID) (Position, error) {
	pos, ok := t.positions[positionKey(tenant, product, warehouse)]
	if !ok {
		return Position{}, ErrPositionNotFound
	}
	return pos, nil
}

func (t *memoryTx) UpsertPosition(_ context.Context, position Position) error {
	t.positions[positionKey(position.TenantID, position.ProductID, position.WarehouseID)] = position
	return nil
}

func (t *memoryTx) InsertMove(_ context.Context, move Move) error {
	t.moves = append(t.moves, move)
	return nil
}
