package posting

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atelier-erp/atelier-erp/internal/audit"
	"github.com/atelier-erp/atelier-erp/internal/inventory"
	"github.com/atelier-erp/atelier-erp/internal/sequence"
	"github.com/atelier-erp/atelier-erp/internal/shared"
)

// TxRepository exposes transactional operations used while posting.
type TxRepository interface {
	InsertDocument(ctx context.Context, doc Document) error
	MarkVoided(ctx context.Context, tenant, id uuid.UUID, at time.Time, reason string) error
	ReversedQuantities(ctx context.Context, tenant, invoiceID uuid.UUID) (map[int]decimal.Decimal, error)
	Inventory() inventory.TxRepository
}

// RepositoryPort abstracts repository usage for the engine.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetDocument(ctx context.Context, tenant, id uuid.UUID) (Document, error)
}

// AuditPort abstracts audit recording.
type AuditPort interface {
	Record(ctx context.Context, event audit.Event) error
}

// NotifierPort receives post-commit side effects. Failures are logged and
// never undo the committed posting.
type NotifierPort interface {
	DocumentPosted(ctx context.Context, doc Document) error
}

// EngineConfig groups tunables for the posting engine.
type EngineConfig struct {
	LockTTL        time.Duration
	DefaultTaxRate decimal.Decimal // percent
}

// Engine posts vendor bills, sales invoices and credit notes: it validates,
// locks, numbers and commits, folding goods-receipt stock moves into the same
// transaction.
type Engine struct {
	repo    RepositoryPort
	seq     *sequence.Allocator
	ledger  *inventory.Ledger
	audit   AuditPort
	locks   shared.Locker
	notify  NotifierPort
	logger  *slog.Logger
	lockTTL time.Duration
	taxRate decimal.Decimal
}

// NewEngine constructs an Engine. audit and notify may be nil.
func NewEngine(repo RepositoryPort, seq *sequence.Allocator, ledger *inventory.Ledger, auditPort AuditPort, locks shared.Locker, notify NotifierPort, logger *slog.Logger, cfg EngineConfig) *Engine {
	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &Engine{
		repo:    repo,
		seq:     seq,
		ledger:  ledger,
		audit:   auditPort,
		locks:   locks,
		notify:  notify,
		logger:  logger,
		lockTTL: ttl,
		taxRate: cfg.DefaultTaxRate,
	}
}

// PostVendorBill posts a vendor bill. Goods-receipt lines apply an inbound
// stock move at the line's unit price, updating the running average cost.
func (e *Engine) PostVendorBill(ctx context.Context, draft Draft) (Document, error) {
	if err := e.validateDraft(draft, KindVendorBill); err != nil {
		return Document{}, err
	}
	return e.post(ctx, buildDocument(KindVendorBill, draft, e.taxRate), draft.ActorID)
}

// PostInvoice posts a sales invoice. Invoices carry no goods-receipt lines.
func (e *Engine) PostInvoice(ctx context.Context, draft Draft) (Document, error) {
	if err := e.validateDraft(draft, KindInvoice); err != nil {
		return Document{}, err
	}
	return e.post(ctx, buildDocument(KindInvoice, draft, e.taxRate), draft.ActorID)
}

// PostCreditNote posts a credit note reversing lines of a posted invoice.
// Reversal quantities are checked against the invoice's original quantities
// minus quantities already reversed by prior credit notes.
func (e *Engine) PostCreditNote(ctx context.Context, req CreditNoteRequest) (Document, error) {
	if req.TenantID == uuid.Nil {
		return Document{}, shared.Validationf("tenant_id", "required")
	}
	if req.InvoiceID == uuid.Nil {
		return Document{}, shared.Validationf("invoice_id", "required")
	}
	if len(req.Lines) == 0 {
		return Document{}, shared.Validationf("lines", "at least one reversal line is required")
	}
	for _, l := range req.Lines {
		if !l.Quantity.IsPositive() {
			return Document{}, shared.Validationf("lines", "reversal quantity for line %d must be positive", l.LineNo)
		}
	}

	invoice, err := e.repo.GetDocument(ctx, req.TenantID, req.InvoiceID)
	if err != nil {
		return Document{}, err
	}
	if invoice.Kind != KindInvoice || invoice.Status != StatusPosted {
		return Document{}, shared.Validationf("invoice_id", "credit note must reference a posted invoice")
	}

	doc := Document{
		ID:             uuid.New(),
		TenantID:       req.TenantID,
		Kind:           KindCreditNote,
		Status:         StatusDraft,
		CounterpartyID: invoice.CounterpartyID,
		ReversesID:     &invoice.ID,
		SourceRef:      req.SourceRef,
		CreatedAt:      time.Now().UTC(),
	}
	original := make(map[int]Line, len(invoice.Lines))
	for _, l := range invoice.Lines {
		original[l.LineNo] = l
	}
	for _, rl := range req.Lines {
		ol, ok := original[rl.LineNo]
		if !ok {
			return Document{}, shared.Validationf("lines", "invoice has no line %d", rl.LineNo)
		}
		doc.Lines = append(doc.Lines, Line{
			LineNo:      ol.LineNo,
			ProductID:   ol.ProductID,
			Description: ol.Description,
			Quantity:    rl.Quantity,
			UnitPrice:   ol.UnitPrice,
			TaxRate:     ol.TaxRate,
		})
	}

	return e.post(ctx, doc, req.ActorID)
}

// VoidDocument marks a Posted document Voided. The sequence number is never
// freed and stock moves are never reversed automatically; callers submit
// explicit compensating moves where needed.
func (e *Engine) VoidDocument(ctx context.Context, input VoidInput) (Document, error) {
	if input.TenantID == uuid.Nil || input.DocumentID == uuid.Nil {
		return Document{}, shared.Validationf("id", "tenant and document required")
	}
	if input.Reason == "" {
		return Document{}, shared.Validationf("reason", "required")
	}
	doc, err := e.repo.GetDocument(ctx, input.TenantID, input.DocumentID)
	if err != nil {
		return Document{}, err
	}
	if doc.Status != StatusPosted {
		return Document{}, &shared.GuardViolation{From: string(doc.Status), To: string(StatusVoided), Reason: "only posted documents can be voided"}
	}
	for _, move := range input.Compensations {
		if move.TenantID != input.TenantID {
			return Document{}, shared.Validationf("compensations", "move tenant does not match document tenant")
		}
	}

	release, err := e.acquire(ctx, input.TenantID, doc.Kind)
	if err != nil {
		return Document{}, err
	}
	defer release()

	now := time.Now().UTC()
	err = e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.MarkVoided(ctx, input.TenantID, doc.ID, now, input.Reason); err != nil {
			return err
		}
		for _, move := range input.Compensations {
			if _, err := e.ledger.Apply(ctx, tx.Inventory(), move); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Document{}, err
	}

	doc.Status = StatusVoided
	doc.VoidedAt = &now
	doc.VoidReason = input.Reason
	e.record(ctx, doc, input.ActorID, "document:voided", map[string]any{"reason": input.Reason})
	return doc, nil
}

// GetDocument loads a document within the tenant.
func (e *Engine) GetDocument(ctx context.Context, tenant, id uuid.UUID) (Document, error) {
	if tenant == uuid.Nil || id == uuid.Nil {
		return Document{}, shared.Validationf("id", "tenant and document required")
	}
	return e.repo.GetDocument(ctx, tenant, id)
}

func (e *Engine) validateDraft(draft Draft, kind Kind) error {
	if draft.TenantID == uuid.Nil {
		return shared.Validationf("tenant_id", "required")
	}
	if draft.CounterpartyID == uuid.Nil {
		return shared.Validationf("counterparty_id", "required")
	}
	if len(draft.Lines) == 0 {
		return shared.Validationf("lines", "at least one line is required")
	}
	for i, l := range draft.Lines {
		if !l.Quantity.IsPositive() {
			return shared.Validationf("lines", "line %d: quantity must be positive", i+1)
		}
		if l.UnitPrice.IsNegative() {
			return shared.Validationf("lines", "line %d: unit price must not be negative", i+1)
		}
		if l.TaxRate != nil && l.TaxRate.IsNegative() {
			return shared.Validationf("lines", "line %d: tax rate must not be negative", i+1)
		}
		if l.GoodsReceipt {
			if kind != KindVendorBill {
				return shared.Validationf("lines", "line %d: goods receipt is only valid on vendor bills", i+1)
			}
			if l.ProductID == uuid.Nil || l.WarehouseID == uuid.Nil {
				return shared.Validationf("lines", "line %d: goods receipt requires product and warehouse", i+1)
			}
		}
	}
	return nil
}

// post runs the posting protocol: lock, recompute totals, number, commit,
// audit. Failures after the lock roll back the document and any stock moves;
// a consumed sequence number is never reclaimed.
func (e *Engine) post(ctx context.Context, doc Document, actor int64) (Document, error) {
	release, err := e.acquire(ctx, doc.TenantID, doc.Kind)
	if err != nil {
		return Document{}, err
	}
	defer release()

	computeTotals(&doc)

	if doc.Kind == KindCreditNote {
		if err := e.checkReversable(ctx, doc); err != nil {
			return Document{}, err
		}
	}

	number, err := e.seq.Next(ctx, doc.TenantID, doc.Kind.Series())
	if err != nil {
		return Document{}, err
	}
	now := time.Now().UTC()
	doc.Number = number
	doc.Status = StatusPosted
	doc.PostedAt = &now
	doc.PostedBy = actor

	err = e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.InsertDocument(ctx, doc); err != nil {
			return err
		}
		if doc.Kind == KindVendorBill {
			for _, l := range doc.Lines {
				if !l.GoodsReceipt {
					continue
				}
				move := inventory.Move{
					TenantID:    doc.TenantID,
					ProductID:   l.ProductID,
					WarehouseID: l.WarehouseID,
					Direction:   inventory.DirectionIn,
					Quantity:    l.Quantity,
					UnitCost:    l.UnitPrice,
					SourceRef:   doc.FormattedNumber(),
					At:          now,
				}
				if _, err := e.ledger.Apply(ctx, tx.Inventory(), move); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return Document{}, err
	}

	e.record(ctx, doc, actor, "document:posted", map[string]any{
		"kind":   string(doc.Kind),
		"number": doc.Number,
		"gross":  doc.Gross.String(),
	})
	if e.notify != nil {
		if err := e.notify.DocumentPosted(ctx, doc); err != nil && e.logger != nil {
			e.logger.Warn("post-commit notification failed",
				slog.String("document", doc.FormattedNumber()),
				slog.Any("error", err))
		}
	}
	return doc, nil
}

// checkReversable enforces cumulative reversal bookkeeping under the posting
// lock: requested quantity per line must not exceed original minus previously
// reversed.
func (e *Engine) checkReversable(ctx context.Context, doc Document) error {
	invoice, err := e.repo.GetDocument(ctx, doc.TenantID, *doc.ReversesID)
	if err != nil {
		return err
	}
	var reversed map[int]decimal.Decimal
	err = e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var rErr error
		reversed, rErr = tx.ReversedQuantities(ctx, doc.TenantID, invoice.ID)
		return rErr
	})
	if err != nil {
		return err
	}
	original := make(map[int]decimal.Decimal, len(invoice.Lines))
	for _, l := range invoice.Lines {
		original[l.LineNo] = l.Quantity
	}
	// Sum the request per line first so repeating a line number cannot
	// slip past the remaining-quantity check.
	requested := make(map[int]decimal.Decimal, len(doc.Lines))
	for _, l := range doc.Lines {
		requested[l.LineNo] = requested[l.LineNo].Add(l.Quantity)
	}
	for lineNo, qty := range requested {
		remaining := original[lineNo].Sub(reversed[lineNo])
		if qty.GreaterThan(remaining) {
			return shared.Validationf("lines",
				"line %d: reversal quantity %s exceeds remaining reversible %s",
				lineNo, qty, remaining)
		}
	}
	return nil
}

func (e *Engine) acquire(ctx context.Context, tenant uuid.UUID, kind Kind) (func(), error) {
	lock, err := e.locks.Acquire(ctx, shared.PostingLockKey(tenant, kind.Series()), e.lockTTL)
	if err != nil {
		return nil, err
	}
	return func() {
		if rErr := lock.Release(context.WithoutCancel(ctx)); rErr != nil && e.logger != nil {
			e.logger.Warn("release posting lock", slog.Any("error", rErr))
		}
	}, nil
}

func (e *Engine) record(ctx context.Context, doc Document, actor int64, action string, payload map[string]any) {
	if e.audit == nil {
		return
	}
	_ = e.audit.Record(ctx, audit.Event{
		TenantID:    doc.TenantID,
		ActorID:     actor,
		Action:      action,
		SubjectType: "document",
		SubjectID:   doc.ID.String(),
		Payload:     payload,
	})
}

func buildDocument(kind Kind, draft Draft, defaultTaxRate decimal.Decimal) Document {
	doc := Document{
		ID:             uuid.New(),
		TenantID:       draft.TenantID,
		Kind:           kind,
		Status:         StatusDraft,
		CounterpartyID: draft.CounterpartyID,
		SourceRef:      draft.SourceRef,
		TicketID:       draft.TicketID,
		CreatedAt:      time.Now().UTC(),
	}
	for i, in := range draft.Lines {
		rate := defaultTaxRate
		if in.TaxRate != nil {
			rate = *in.TaxRate
		}
		doc.Lines = append(doc.Lines, Line{
			LineNo:       i + 1,
			ProductID:    in.ProductID,
			Description:  in.Description,
			Quantity:     in.Quantity,
			UnitPrice:    in.UnitPrice,
			TaxRate:      rate,
			GoodsReceipt: in.GoodsReceipt,
			WarehouseID:  in.WarehouseID,
		})
	}
	return doc
}

// computeTotals recomputes net/tax/gross server-side from the lines.
// Credit note totals are negated.
func computeTotals(doc *Document) {
	net := decimal.Zero
	tax := decimal.Zero
	for _, l := range doc.Lines {
		net = net.Add(l.Net())
		tax = tax.Add(l.Tax())
	}
	if doc.Kind == KindCreditNote {
		net = net.Neg()
		tax = tax.Neg()
	}
	doc.Net = net
	doc.Tax = tax
	doc.Gross = net.Add(tax)
}
