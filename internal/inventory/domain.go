package inventory

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Direction enumerates stock move directions.
type Direction string

const (
	// DirectionIn represents an inbound movement carrying a unit cost.
	DirectionIn Direction = "IN"
	// DirectionOut represents an outbound movement issued at average cost.
	DirectionOut Direction = "OUT"
)

// Move is an append-only stock movement. A correction is a new offsetting
// move, never an edit.
type Move struct {
	ID          uuid.UUID
	TenantID    uuid.UUID
	ProductID   uuid.UUID
	WarehouseID uuid.UUID
	Direction   Direction
	Quantity    decimal.Decimal
	UnitCost    decimal.Decimal // set for IN moves; resolved to average cost for OUT
	SourceRef   string
	At          time.Time
}

// Position summarises on-hand quantity and running average unit cost for one
// (tenant, product, warehouse) key.
type Position struct {
	TenantID    uuid.UUID
	ProductID   uuid.UUID
	WarehouseID uuid.UUID
	OnHand      decimal.Decimal
	AvgCost     decimal.Decimal
	UpdatedAt   time.Time
}

// ErrPositionNotFound indicates no position row exists yet for a key.
var ErrPositionNotFound = errors.New("inventory position not found")

func positionKey(tenant, product, warehouse uuid.UUID) string {
	return fmt.Sprintf("%s:%s:%s", tenant, product, warehouse)
}

// weightedAverage blends the existing and incoming unit costs by quantity:
// (onHand*avg + qty*cost) / (onHand+qty).
func weightedAverage(onHand, avg, qty, cost decimal.Decimal) decimal.Decimal {
	sum := onHand.Add(qty)
	if sum.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	num := onHand.Mul(avg).Add(qty.Mul(cost))
	return num.Div(sum)
}
