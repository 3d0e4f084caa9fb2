package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atelier-erp/atelier-erp/internal/audit"
	"github.com/atelier-erp/atelier-erp/internal/shared"
)

// TxRepository exposes transactional operations used while applying a move.
type TxRepository interface {
	GetPositionForUpdate(ctx context.Context, tenant, product, warehouse uuid.UUID) (Position, error)
	UpsertPosition(ctx context.Context, position Position) error
	InsertMove(ctx context.Context, move Move) error
}

// RepositoryPort abstracts repository usage for the ledger.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetPosition(ctx context.Context, tenant, product, warehouse uuid.UUID) (Position, error)
}

// AuditPort abstracts audit recording.
type AuditPort interface {
	Record(ctx context.Context, event audit.Event) error
}

// Ledger applies stock moves and maintains running weighted-average cost.
// Applications to the same (tenant, product, warehouse) key serialize;
// unrelated keys proceed concurrently. No cross-key ordering is guaranteed.
type Ledger struct {
	repo  RepositoryPort
	audit AuditPort
	keys  *shared.KeyedMutex
}

// NewLedger constructs a Ledger. audit may be nil when the caller records
// audit events itself.
func NewLedger(repo RepositoryPort, auditPort AuditPort) *Ledger {
	return &Ledger{repo: repo, audit: auditPort, keys: shared.NewKeyedMutex()}
}

func validateMove(move Move) error {
	if move.TenantID == uuid.Nil {
		return shared.Validationf("tenant_id", "required")
	}
	if move.ProductID == uuid.Nil || move.WarehouseID == uuid.Nil {
		return shared.Validationf("product_id/warehouse_id", "required")
	}
	switch move.Direction {
	case DirectionIn:
		if move.UnitCost.IsNegative() {
			return shared.Validationf("unit_cost", "must not be negative")
		}
	case DirectionOut:
	default:
		return shared.Validationf("direction", "unknown direction %q", move.Direction)
	}
	if !move.Quantity.IsPositive() {
		return shared.Validationf("quantity", "must be positive")
	}
	return nil
}

// Apply validates and applies a move against the supplied transaction scope.
// The per-key mutex keeps read-modify-write of the position single-writer even
// when several transactions embed ledger effects. The returned Position is the
// state after the move.
func (l *Ledger) Apply(ctx context.Context, tx TxRepository, move Move) (Position, error) {
	if err := validateMove(move); err != nil {
		return Position{}, err
	}
	if move.ID == uuid.Nil {
		move.ID = uuid.New()
	}
	if move.At.IsZero() {
		move.At = time.Now().UTC()
	}

	key := positionKey(move.TenantID, move.ProductID, move.WarehouseID)
	l.keys.Lock(key)
	defer l.keys.Unlock(key)

	pos, err := tx.GetPositionForUpdate(ctx, move.TenantID, move.ProductID, move.WarehouseID)
	if err != nil {
		if err != ErrPositionNotFound {
			return Position{}, err
		}
		pos = Position{
			TenantID:    move.TenantID,
			ProductID:   move.ProductID,
			WarehouseID: move.WarehouseID,
			OnHand:      decimal.Zero,
			AvgCost:     decimal.Zero,
		}
	}

	switch move.Direction {
	case DirectionIn:
		pos.AvgCost = weightedAverage(pos.OnHand, pos.AvgCost, move.Quantity, move.UnitCost)
		pos.OnHand = pos.OnHand.Add(move.Quantity)
	case DirectionOut:
		remaining := pos.OnHand.Sub(move.Quantity)
		if remaining.IsNegative() {
			return Position{}, fmt.Errorf("%w: product %s warehouse %s on hand %s requested %s",
				shared.ErrInsufficientStock, move.ProductID, move.WarehouseID, pos.OnHand, move.Quantity)
		}
		// Average cost is unchanged by issues; the move carries it for costing.
		move.UnitCost = pos.AvgCost
		pos.OnHand = remaining
	}
	pos.UpdatedAt = move.At

	if err := tx.InsertMove(ctx, move); err != nil {
		return Position{}, err
	}
	if err := tx.UpsertPosition(ctx, pos); err != nil {
		return Position{}, err
	}
	return pos, nil
}

// ApplyMove applies a move in its own transaction and records an audit event.
func (l *Ledger) ApplyMove(ctx context.Context, move Move) (Position, error) {
	if err := validateMove(move); err != nil {
		return Position{}, err
	}
	if move.ID == uuid.Nil {
		move.ID = uuid.New()
	}
	if move.At.IsZero() {
		move.At = time.Now().UTC()
	}
	var pos Position
	err := l.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var applyErr error
		pos, applyErr = l.Apply(ctx, tx, move)
		return applyErr
	})
	if err != nil {
		return Position{}, err
	}
	if l.audit != nil {
		_ = l.audit.Record(ctx, audit.Event{
			TenantID:    move.TenantID,
			Action:      fmt.Sprintf("inventory:%s", move.Direction),
			SubjectType: "stock_move",
			SubjectID:   move.ID.String(),
			Payload: map[string]any{
				"product_id":   move.ProductID.String(),
				"warehouse_id": move.WarehouseID.String(),
				"quantity":     move.Quantity.String(),
				"source_ref":   move.SourceRef,
			},
		})
	}
	return pos, nil
}

// CurrentPosition returns the position for a key; an untouched key reports
// zero on hand at zero cost.
func (l *Ledger) CurrentPosition(ctx context.Context, tenant, product, warehouse uuid.UUID) (Position, error) {
	if tenant == uuid.Nil || product == uuid.Nil || warehouse == uuid.Nil {
		return Position{}, shared.Validationf("key", "tenant, product and warehouse required")
	}
	pos, err := l.repo.GetPosition(ctx, tenant, product, warehouse)
	if err != nil {
		if err == ErrPositionNotFound {
			return Position{
				TenantID:    tenant,
				ProductID:   product,
				WarehouseID: warehouse,
				OnHand:      decimal.Zero,
				AvgCost:     decimal.Zero,
			}, nil
		}
		return Position{}, err
	}
	return pos, nil
}
