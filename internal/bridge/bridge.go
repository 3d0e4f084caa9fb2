// Package bridge translates inbound paid-order events from the storefront
// into repair tickets or posted invoices.
package bridge

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atelier-erp/atelier-erp/internal/posting"
	"github.com/atelier-erp/atelier-erp/internal/repair"
	"github.com/atelier-erp/atelier-erp/internal/shared"
)

// Order kinds accepted on the webhook.
const (
	KindService = "service"
	KindSale    = "sale"
)

// OrderEvent is the storefront's paid-order payload.
type OrderEvent struct {
	EventID       string      `json:"event_id" validate:"required"`
	TenantID      uuid.UUID   `json:"tenant_id" validate:"required"`
	Kind          string      `json:"kind" validate:"required,oneof=service sale"`
	CustomerID    uuid.UUID   `json:"customer_id" validate:"required"`
	StoreLocation string      `json:"store_location"`
	Reference     string      `json:"reference"`
	Lines         []OrderLine `json:"lines" validate:"dive"`
}

// OrderLine is one billable position on a sale order.
type OrderLine struct {
	ProductID   uuid.UUID        `json:"product_id"`
	Description string           `json:"description" validate:"required"`
	Quantity    decimal.Decimal  `json:"quantity"`
	UnitPrice   decimal.Decimal  `json:"unit_price"`
	TaxRate     *decimal.Decimal `json:"tax_rate,omitempty"`
}

// Result reports what the event produced.
type Result struct {
	Outcome    string     `json:"outcome"` // "ticket" or "invoice"
	TicketID   *uuid.UUID `json:"ticket_id,omitempty"`
	DocumentID *uuid.UUID `json:"document_id,omitempty"`
	Number     string     `json:"number,omitempty"`
}

// TicketPort is the slice of the repair workflow the bridge consumes.
type TicketPort interface {
	OpenTicket(ctx context.Context, input repair.OpenTicketInput) (repair.Ticket, error)
}

// InvoicePort is the slice of the posting engine the bridge consumes.
type InvoicePort interface {
	PostInvoice(ctx context.Context, draft posting.Draft) (posting.Document, error)
}

// NotifierPort enqueues a post-processing notification. Failures are logged,
// never surfaced to the caller.
type NotifierPort interface {
	OrderProcessed(ctx context.Context, tenant uuid.UUID, eventID string, res Result) error
}

// Bridge routes paid-order events to the right back-office operation.
type Bridge struct {
	tickets  TicketPort
	invoices InvoicePort
	notify   NotifierPort
	logger   *slog.Logger
}

// New constructs a Bridge. notify may be nil.
func New(tickets TicketPort, invoices InvoicePort, notify NotifierPort, logger *slog.Logger) *Bridge {
	return &Bridge{tickets: tickets, invoices: invoices, notify: notify, logger: logger}
}

// Process turns a service order into an intake ticket and a sale order into a
// posted invoice.
func (b *Bridge) Process(ctx context.Context, ev OrderEvent) (Result, error) {
	var (
		res Result
		err error
	)
	switch ev.Kind {
	case KindService:
		res, err = b.openTicket(ctx, ev)
	case KindSale:
		res, err = b.postInvoice(ctx, ev)
	default:
		return Result{}, shared.Validationf("kind", "unknown order kind %q", ev.Kind)
	}
	if err != nil {
		return Result{}, err
	}

	if b.notify != nil {
		if nErr := b.notify.OrderProcessed(ctx, ev.TenantID, ev.EventID, res); nErr != nil && b.logger != nil {
			b.logger.Warn("order notification enqueue failed",
				slog.String("event_id", ev.EventID),
				slog.Any("error", nErr))
		}
	}
	return res, nil
}

func (b *Bridge) openTicket(ctx context.Context, ev OrderEvent) (Result, error) {
	if ev.StoreLocation == "" {
		return Result{}, shared.Validationf("store_location", "required for service orders")
	}
	ticket, err := b.tickets.OpenTicket(ctx, repair.OpenTicketInput{
		TenantID:      ev.TenantID,
		CustomerID:    ev.CustomerID,
		StoreLocation: ev.StoreLocation,
	})
	if err != nil {
		return Result{}, err
	}
	id := ticket.ID
	return Result{Outcome: "ticket", TicketID: &id}, nil
}

func (b *Bridge) postInvoice(ctx context.Context, ev OrderEvent) (Result, error) {
	if len(ev.Lines) == 0 {
		return Result{}, shared.Validationf("lines", "a sale order needs at least one line")
	}
	draft := posting.Draft{
		TenantID:       ev.TenantID,
		CounterpartyID: ev.CustomerID,
		SourceRef:      "order:" + ev.EventID,
	}
	for _, l := range ev.Lines {
		draft.Lines = append(draft.Lines, posting.LineInput{
			ProductID:   l.ProductID,
			Description: l.Description,
			Quantity:    l.Quantity,
			UnitPrice:   l.UnitPrice,
			TaxRate:     l.TaxRate,
		})
	}
	doc, err := b.invoices.PostInvoice(ctx, draft)
	if err != nil {
		return Result{}, err
	}
	id := doc.ID
	return Result{Outcome: "invoice", DocumentID: &id, Number: doc.FormattedNumber()}, nil
}
