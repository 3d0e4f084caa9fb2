package posting

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atelier-erp/atelier-erp/internal/inventory"
)

// Kind enumerates financial document kinds.
type Kind string

const (
	KindVendorBill Kind = "VENDOR_BILL"
	KindInvoice    Kind = "INVOICE"
	KindCreditNote Kind = "CREDIT_NOTE"
)

// Series returns the numbering series key for the kind. Each (tenant, series)
// pair numbers independently.
func (k Kind) Series() string {
	switch k {
	case KindVendorBill:
		return "BILL"
	case KindInvoice:
		return "INV"
	case KindCreditNote:
		return "CN"
	}
	return string(k)
}

// Status enumerates document statuses. A Posted document is immutable except
// for the transition to Voided, which never renumbers.
type Status string

const (
	StatusDraft  Status = "DRAFT"
	StatusPosted Status = "POSTED"
	StatusVoided Status = "VOIDED"
)

// Line is a document line item. On a credit note, LineNo references the line
// of the reversed invoice and Quantity holds the reversal quantity.
type Line struct {
	LineNo       int
	ProductID    uuid.UUID // Nil for service lines
	Description  string
	Quantity     decimal.Decimal
	UnitPrice    decimal.Decimal
	TaxRate      decimal.Decimal // percent, e.g. 7 for 7%
	GoodsReceipt bool
	WarehouseID  uuid.UUID // set for goods-receipt lines
}

// Net returns qty x price for the line.
func (l Line) Net() decimal.Decimal {
	return l.Quantity.Mul(l.UnitPrice)
}

// Tax returns the tax amount for the line.
func (l Line) Tax() decimal.Decimal {
	return l.Net().Mul(l.TaxRate).Div(decimal.NewFromInt(100))
}

// Document is a financial document. Once Posted it carries a sequence number
// and is immutable; Voided keeps the number forever.
type Document struct {
	ID             uuid.UUID
	TenantID       uuid.UUID
	Kind           Kind
	Status         Status
	CounterpartyID uuid.UUID
	Lines          []Line
	Net            decimal.Decimal
	Tax            decimal.Decimal
	Gross          decimal.Decimal
	Number         int64 // present iff Posted or Voided
	PostedAt       *time.Time
	PostedBy       int64
	VoidedAt       *time.Time
	VoidReason     string
	ReversesID     *uuid.UUID // credit note: the reversed invoice
	TicketID       *uuid.UUID // repair ticket that requested the posting
	SourceRef      string
	CreatedAt      time.Time
}

// FormattedNumber renders the human-facing document number, e.g. INV-000042.
func (d Document) FormattedNumber() string {
	if d.Number == 0 {
		return ""
	}
	return fmt.Sprintf("%s-%06d", d.Kind.Series(), d.Number)
}

// Draft describes a document to be posted. Totals are never taken from the
// draft; the engine recomputes them from the lines.
type Draft struct {
	TenantID       uuid.UUID
	CounterpartyID uuid.UUID
	Lines          []LineInput
	SourceRef      string
	TicketID       *uuid.UUID
	ActorID        int64
}

// LineInput is a draft line item.
type LineInput struct {
	ProductID    uuid.UUID
	Description  string
	Quantity     decimal.Decimal
	UnitPrice    decimal.Decimal
	TaxRate      *decimal.Decimal // percent; nil means use the engine default
	GoodsReceipt bool
	WarehouseID  uuid.UUID
}

// ReversalLine requests a partial or full reversal of one invoice line.
type ReversalLine struct {
	LineNo   int
	Quantity decimal.Decimal
}

// CreditNoteRequest asks for a credit note against a posted invoice.
type CreditNoteRequest struct {
	TenantID  uuid.UUID
	InvoiceID uuid.UUID
	Lines     []ReversalLine
	ActorID   int64
	SourceRef string
}

// VoidInput asks for a Posted document to be voided. Voiding never reverses
// stock moves automatically; a goods-receipt bill requires explicit
// compensating moves from the caller.
type VoidInput struct {
	TenantID      uuid.UUID
	DocumentID    uuid.UUID
	ActorID       int64
	Reason        string
	Compensations []inventory.Move
}
