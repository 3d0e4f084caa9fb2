package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atelier-erp/atelier-erp/internal/platform/db"
)

// Repository persists stock moves and positions in PostgreSQL.
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

// GetPosition reads the current position outside a transaction.
func (r *Repository) GetPosition(ctx context.Context, tenant, product, warehouse uuid.UUID) (Position, error) {
	return scanPosition(r.pool.QueryRow(ctx, `
		SELECT tenant_id, product_id, warehouse_id, on_hand, avg_cost, updated_at
		FROM inventory_positions
		WHERE tenant_id = $1 AND product_id = $2 AND warehouse_id = $3`,
		tenant, product, warehouse))
}

// TxView adapts a caller-owned pgx transaction to the ledger's TxRepository,
// so document posting can fold stock effects into its own commit scope.
func TxView(tx pgx.Tx) TxRepository {
	return &txRepo{tx: tx}
}

type txRepo struct {
	tx pgx.Tx
}

func (t *txRepo) GetPositionForUpdate(ctx context.Context, tenant, product, warehouse uuid.UUID) (Position, error) {
	return scanPosition(t.tx.QueryRow(ctx, `
		SELECT tenant_id, product_id, warehouse_id, on_hand, avg_cost, updated_at
		FROM inventory_positions
		WHERE tenant_id = $1 AND product_id = $2 AND warehouse_id = $3
		FOR UPDATE`,
		tenant, product, warehouse))
}

func (t *txRepo) UpsertPosition(ctx context.Context, position Position) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO inventory_positions (tenant_id, product_id, warehouse_id, on_hand, avg_cost, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, product_id, warehouse_id)
		DO UPDATE SET on_hand = EXCLUDED.on_hand, avg_cost = EXCLUDED.avg_cost, updated_at = EXCLUDED.updated_at`,
		position.TenantID, position.ProductID, position.WarehouseID,
		position.OnHand, position.AvgCost, position.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inventory: upsert position: %w", err)
	}
	return nil
}

func (t *txRepo) InsertMove(ctx context.Context, move Move) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO stock_moves (id, tenant_id, product_id, warehouse_id, direction, quantity, unit_cost, source_ref, moved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		move.ID, move.TenantID, move.ProductID, move.WarehouseID,
		string(move.Direction), move.Quantity, move.UnitCost, move.SourceRef, move.At)
	if err != nil {
		return fmt.Errorf("inventory: insert move: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (Position, error) {
	var pos Position
	err := row.Scan(&pos.TenantID, &pos.ProductID, &pos.WarehouseID, &pos.OnHand, &pos.AvgCost, &pos.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Position{}, ErrPositionNotFound
		}
		return Position{}, fmt.Errorf("inventory: scan position: %w", err)
	}
	return pos, nil
}
