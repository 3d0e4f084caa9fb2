package repair

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atelier-erp/atelier-erp/internal/audit"
	"github.com/atelier-erp/atelier-erp/internal/inventory"
	"github.com/atelier-erp/atelier-erp/internal/posting"
	"github.com/atelier-erp/atelier-erp/internal/shared"
)

// TxRepository exposes transactional operations over a ticket and the
// inventory effects attached to it.
type TxRepository interface {
	SaveTicket(ctx context.Context, ticket Ticket) error
	Inventory() inventory.TxRepository
}

// RepositoryPort abstracts repository usage for the workflow.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetTicket(ctx context.Context, tenant, id uuid.UUID) (Ticket, error)
}

// AuditPort abstracts audit recording.
type AuditPort interface {
	Record(ctx context.Context, event audit.Event) error
}

// PostingPort is the slice of the posting engine the workflow consumes.
type PostingPort interface {
	PostInvoice(ctx context.Context, draft posting.Draft) (posting.Document, error)
}

// NotifierPort receives post-commit side effects. Failures are logged and
// never undo the committed transition.
type NotifierPort interface {
	TicketReady(ctx context.Context, ticket Ticket) error
}

// Options groups workflow tunables, injected once at process start.
type Options struct {
	RequireInvoiceBeforePickup    bool
	TimeLeakThreshold             time.Duration
	RequireLabourIfTimeLogged     bool
	ManagerOverrideRequiresReason bool
	LabourRatePerHourNet          decimal.Decimal
	DefaultTaxRate                decimal.Decimal // percent
	DiagnosticFeeNet              decimal.Decimal
	LockTTL                       time.Duration
}

// Workflow drives repair tickets through the guarded state machine. All
// mutations serialize per ticket; tickets are independent of each other.
type Workflow struct {
	repo    RepositoryPort
	ledger  *inventory.Ledger
	posting PostingPort
	audit   AuditPort
	locks   shared.Locker
	notify  NotifierPort
	logger  *slog.Logger
	opts    Options
}

// NewWorkflow constructs a Workflow. posting, audit and notify may be nil in
// callers that never invoice, audit or notify.
func NewWorkflow(repo RepositoryPort, ledger *inventory.Ledger, postingPort PostingPort, auditPort AuditPort, locks shared.Locker, notify NotifierPort, logger *slog.Logger, opts Options) *Workflow {
	if opts.LockTTL <= 0 {
		opts.LockTTL = 10 * time.Second
	}
	return &Workflow{
		repo:    repo,
		ledger:  ledger,
		posting: postingPort,
		audit:   auditPort,
		locks:   locks,
		notify:  notify,
		logger:  logger,
		opts:    opts,
	}
}

// OpenTicketInput describes a new intake.
type OpenTicketInput struct {
	TenantID      uuid.UUID
	CustomerID    uuid.UUID
	StoreLocation string
	ActorID       int64
}

// OpenTicket registers a ticket in Intake.
func (w *Workflow) OpenTicket(ctx context.Context, input OpenTicketInput) (Ticket, error) {
	if input.TenantID == uuid.Nil {
		return Ticket{}, shared.Validationf("tenant_id", "required")
	}
	if input.CustomerID == uuid.Nil {
		return Ticket{}, shared.Validationf("customer_id", "required")
	}
	if input.StoreLocation == "" {
		return Ticket{}, shared.Validationf("store_location", "store location is required")
	}
	now := time.Now().UTC()
	ticket := Ticket{
		ID:            uuid.New(),
		TenantID:      input.TenantID,
		CustomerID:    input.CustomerID,
		Status:        StatusIntake,
		StoreLocation: input.StoreLocation,
		IntakeAt:      now,
		UpdatedAt:     now,
	}
	err := w.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.SaveTicket(ctx, ticket)
	})
	if err != nil {
		return Ticket{}, err
	}
	w.record(ctx, ticket, input.ActorID, "ticket:opened", map[string]any{"store": input.StoreLocation})
	return ticket, nil
}

// GetTicket loads a ticket within the tenant.
func (w *Workflow) GetTicket(ctx context.Context, tenant, id uuid.UUID) (Ticket, error) {
	if tenant == uuid.Nil || id == uuid.Nil {
		return Ticket{}, shared.Validationf("id", "tenant and ticket required")
	}
	return w.repo.GetTicket(ctx, tenant, id)
}

// TransitionInput describes a requested state change.
type TransitionInput struct {
	TenantID          uuid.UUID
	TicketID          uuid.UUID
	Target            Status
	ActorID           int64
	Reason            string
	ManagerOverride   bool
	SkipDiagnosticFee bool
}

// Transition is the single entry point for state changes. Transitioning to
// the current status is a no-op success. Unknown targets, unsatisfied guards
// and non-adjacent edges fail with distinct errors.
func (w *Workflow) Transition(ctx context.Context, input TransitionInput) (Ticket, error) {
	if input.TenantID == uuid.Nil || input.TicketID == uuid.Nil {
		return Ticket{}, shared.Validationf("id", "tenant and ticket required")
	}

	release, err := w.acquire(ctx, input.TenantID, input.TicketID)
	if err != nil {
		return Ticket{}, err
	}
	defer release()

	ticket, err := w.repo.GetTicket(ctx, input.TenantID, input.TicketID)
	if err != nil {
		return Ticket{}, err
	}
	if input.Target == ticket.Status {
		return ticket, nil
	}

	guard, err := resolveEdge(ticket.Status, input.Target)
	if err != nil {
		return Ticket{}, err
	}
	if guard != nil {
		if err := guard(w, &ticket, input); err != nil {
			return Ticket{}, err
		}
	}

	from := ticket.Status
	w.applyEntry(&ticket, input)
	ticket.Status = input.Target
	ticket.UpdatedAt = time.Now().UTC()

	err = w.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.SaveTicket(ctx, ticket)
	})
	if err != nil {
		return Ticket{}, err
	}

	w.record(ctx, ticket, input.ActorID, "ticket:transition", map[string]any{
		"from":   string(from),
		"to":     string(input.Target),
		"reason": input.Reason,
	})
	if input.Target == StatusAwaitingPickup && w.notify != nil {
		if nErr := w.notify.TicketReady(ctx, ticket); nErr != nil && w.logger != nil {
			w.logger.Warn("ticket ready notification failed",
				slog.String("ticket", ticket.ID.String()),
				slog.Any("error", nErr))
		}
	}
	return ticket, nil
}

// applyEntry performs on-entry mutations for the target state.
func (w *Workflow) applyEntry(ticket *Ticket, input TransitionInput) {
	switch input.Target {
	case StatusDiagnosing:
		if input.SkipDiagnosticFee {
			ticket.ManagerOverride = true
			ticket.OverrideReason = input.Reason
			return
		}
		if !ticket.HasLine(LineDiagnostic) {
			ticket.Lines = append(ticket.Lines, ChargeLine{
				Type:        LineDiagnostic,
				Description: "Diagnostic fee",
				Quantity:    decimal.NewFromInt(1),
				UnitPrice:   w.opts.DiagnosticFeeNet,
			})
		}
	case StatusCancelled:
		ticket.CancelReason = input.Reason
	}
	if input.ManagerOverride {
		ticket.ManagerOverride = true
		if input.Reason != "" {
			ticket.OverrideReason = input.Reason
		}
	}
}

// AddNoteInput describes a diagnostic note.
type AddNoteInput struct {
	TenantID uuid.UUID
	TicketID uuid.UUID
	Text     string
	ActorID  int64
}

// AddDiagnosticNote appends a note used by the diagnosing guard.
func (w *Workflow) AddDiagnosticNote(ctx context.Context, input AddNoteInput) (Ticket, error) {
	if input.Text == "" {
		return Ticket{}, shared.Validationf("text", "required")
	}
	return w.mutate(ctx, input.TenantID, input.TicketID, func(ticket *Ticket) error {
		if ticket.terminal() {
			return &shared.GuardViolation{From: string(ticket.Status), Reason: "ticket is closed"}
		}
		ticket.Notes = append(ticket.Notes, Note{Text: input.Text, ActorID: input.ActorID, At: time.Now().UTC()})
		return nil
	})
}

// LogTimeInput describes a labour time slot.
type LogTimeInput struct {
	TenantID   uuid.UUID
	TicketID   uuid.UUID
	Start      time.Time
	End        time.Time
	Overtime   bool
	NewSession bool
	ActorID    int64
}

// LogTime records a labour slot. Slots must not overlap previously logged
// slots; a slot starting more than the leak threshold after the previous
// slot's end is rejected unless flagged as a new session.
func (w *Workflow) LogTime(ctx context.Context, input LogTimeInput) (Ticket, error) {
	if !input.End.After(input.Start) {
		return Ticket{}, shared.Validationf("end", "must be after start")
	}
	ticket, err := w.mutate(ctx, input.TenantID, input.TicketID, func(ticket *Ticket) error {
		if ticket.terminal() {
			return &shared.GuardViolation{From: string(ticket.Status), Reason: "ticket is closed"}
		}
		// The gap is measured against the entry that ends latest at or
		// before the new start, so a back-filled slot between two
		// sessions is checked like any other.
		var prevEnd time.Time
		for _, e := range ticket.TimeEntries {
			if input.Start.Before(e.End) && e.Start.Before(input.End) {
				return shared.Validationf("start", "slot overlaps an existing entry (%s - %s)",
					e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339))
			}
			if !e.End.After(input.Start) && e.End.After(prevEnd) {
				prevEnd = e.End
			}
		}
		if !prevEnd.IsZero() {
			gap := input.Start.Sub(prevEnd)
			if gap > w.opts.TimeLeakThreshold && !input.NewSession {
				return shared.Validationf("start",
					"gap of %s since the previous slot exceeds the leak threshold; flag a new session", gap)
			}
		}
		ticket.TimeEntries = append(ticket.TimeEntries, TimeEntry{
			Start:    input.Start,
			End:      input.End,
			Overtime: input.Overtime,
			ActorID:  input.ActorID,
		})
		return nil
	})
	if err != nil {
		return Ticket{}, err
	}
	w.record(ctx, ticket, input.ActorID, "ticket:time_logged", map[string]any{
		"start":    input.Start.Format(time.RFC3339),
		"end":      input.End.Format(time.RFC3339),
		"overtime": input.Overtime,
	})
	return ticket, nil
}

// ConsumePartsInput describes parts taken from stock for a ticket.
type ConsumePartsInput struct {
	TenantID    uuid.UUID
	TicketID    uuid.UUID
	ProductID   uuid.UUID
	WarehouseID uuid.UUID
	Quantity    decimal.Decimal
	Description string
	ActorID     int64
}

// ConsumeParts issues stock against the ticket and attaches a billable parts
// line. An insufficient-stock rejection leaves both the ledger and the ticket
// untouched.
func (w *Workflow) ConsumeParts(ctx context.Context, input ConsumePartsInput) (Ticket, error) {
	if input.ProductID == uuid.Nil || input.WarehouseID == uuid.Nil {
		return Ticket{}, shared.Validationf("product_id/warehouse_id", "required")
	}
	if !input.Quantity.IsPositive() {
		return Ticket{}, shared.Validationf("quantity", "must be positive")
	}

	release, err := w.acquire(ctx, input.TenantID, input.TicketID)
	if err != nil {
		return Ticket{}, err
	}
	defer release()

	ticket, err := w.repo.GetTicket(ctx, input.TenantID, input.TicketID)
	if err != nil {
		return Ticket{}, err
	}
	if ticket.Status != StatusDiagnosing && ticket.Status != StatusRepairing {
		return Ticket{}, &shared.GuardViolation{
			From:   string(ticket.Status),
			Reason: "parts can only be consumed while diagnosing or repairing",
		}
	}

	err = w.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		move := inventory.Move{
			TenantID:    input.TenantID,
			ProductID:   input.ProductID,
			WarehouseID: input.WarehouseID,
			Direction:   inventory.DirectionOut,
			Quantity:    input.Quantity,
			SourceRef:   fmt.Sprintf("ticket:%s", ticket.ID),
		}
		pos, err := w.ledger.Apply(ctx, tx.Inventory(), move)
		if err != nil {
			return err
		}
		ticket.Lines = append(ticket.Lines, ChargeLine{
			Type:        LineParts,
			ProductID:   input.ProductID,
			Description: input.Description,
			Quantity:    input.Quantity,
			UnitPrice:   pos.AvgCost,
		})
		ticket.UpdatedAt = time.Now().UTC()
		return tx.SaveTicket(ctx, ticket)
	})
	if err != nil {
		return Ticket{}, err
	}

	w.record(ctx, ticket, input.ActorID, "ticket:parts_consumed", map[string]any{
		"product_id": input.ProductID.String(),
		"quantity":   input.Quantity.String(),
	})
	return ticket, nil
}

// InvoiceTicket builds an invoice draft from the ticket's charge lines plus a
// labour line computed from logged time, posts it, and links the document.
func (w *Workflow) InvoiceTicket(ctx context.Context, tenant, ticketID uuid.UUID, actorID int64) (Ticket, posting.Document, error) {
	release, err := w.acquire(ctx, tenant, ticketID)
	if err != nil {
		return Ticket{}, posting.Document{}, err
	}
	defer release()

	ticket, err := w.repo.GetTicket(ctx, tenant, ticketID)
	if err != nil {
		return Ticket{}, posting.Document{}, err
	}
	if ticket.InvoiceID != nil {
		return Ticket{}, posting.Document{}, shared.Validationf("ticket", "already invoiced")
	}
	if ticket.Status != StatusRepairing && ticket.Status != StatusAwaitingPickup {
		return Ticket{}, posting.Document{}, &shared.GuardViolation{
			From:   string(ticket.Status),
			Reason: "only tickets in repair or awaiting pickup can be invoiced",
		}
	}

	if minutes := ticket.LoggedMinutes(); minutes.IsPositive() && !ticket.HasLine(LineLabour) {
		hours := minutes.Div(decimal.NewFromInt(60))
		ticket.Lines = append(ticket.Lines, ChargeLine{
			Type:        LineLabour,
			Description: "Labour",
			Quantity:    hours,
			UnitPrice:   w.opts.LabourRatePerHourNet,
		})
	}
	if len(ticket.Lines) == 0 {
		return Ticket{}, posting.Document{}, shared.Validationf("lines", "ticket has no billable lines")
	}

	draft := posting.Draft{
		TenantID:       tenant,
		CounterpartyID: ticket.CustomerID,
		TicketID:       &ticket.ID,
		SourceRef:      fmt.Sprintf("ticket:%s", ticket.ID),
		ActorID:        actorID,
	}
	for _, l := range ticket.Lines {
		draft.Lines = append(draft.Lines, posting.LineInput{
			ProductID:   l.ProductID,
			Description: l.Description,
			Quantity:    l.Quantity,
			UnitPrice:   l.UnitPrice,
			TaxRate:     l.TaxRate,
		})
	}

	doc, err := w.posting.PostInvoice(ctx, draft)
	if err != nil {
		return Ticket{}, posting.Document{}, err
	}

	ticket.InvoiceID = &doc.ID
	ticket.UpdatedAt = time.Now().UTC()
	err = w.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.SaveTicket(ctx, ticket)
	})
	if err != nil {
		// The invoice is committed; failing to link it is an operator problem,
		// not a reason to void the posting.
		if w.logger != nil {
			w.logger.Error("link invoice to ticket failed",
				slog.String("ticket", ticket.ID.String()),
				slog.String("document", doc.FormattedNumber()),
				slog.Any("error", err))
		}
		return Ticket{}, posting.Document{}, err
	}

	w.record(ctx, ticket, actorID, "ticket:invoiced", map[string]any{
		"document_id": doc.ID.String(),
		"number":      doc.FormattedNumber(),
		"gross":       doc.Gross.String(),
	})
	return ticket, doc, nil
}

func (w *Workflow) checkOverrideReason(reason string) error {
	if w.opts.ManagerOverrideRequiresReason && reason == "" {
		return shared.Validationf("reason", "manager override requires a reason")
	}
	return nil
}

// mutate loads a ticket under its lock, applies fn and saves.
func (w *Workflow) mutate(ctx context.Context, tenant, ticketID uuid.UUID, fn func(*Ticket) error) (Ticket, error) {
	if tenant == uuid.Nil || ticketID == uuid.Nil {
		return Ticket{}, shared.Validationf("id", "tenant and ticket required")
	}
	release, err := w.acquire(ctx, tenant, ticketID)
	if err != nil {
		return Ticket{}, err
	}
	defer release()

	ticket, err := w.repo.GetTicket(ctx, tenant, ticketID)
	if err != nil {
		return Ticket{}, err
	}
	if err := fn(&ticket); err != nil {
		return Ticket{}, err
	}
	ticket.UpdatedAt = time.Now().UTC()
	err = w.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.SaveTicket(ctx, ticket)
	})
	if err != nil {
		return Ticket{}, err
	}
	return ticket, nil
}

func (w *Workflow) acquire(ctx context.Context, tenant, ticketID uuid.UUID) (func(), error) {
	lock, err := w.locks.Acquire(ctx, shared.TicketLockKey(tenant, ticketID), w.opts.LockTTL)
	if err != nil {
		return nil, err
	}
	return func() {
		if rErr := lock.Release(context.WithoutCancel(ctx)); rErr != nil && w.logger != nil {
			w.logger.Warn("release ticket lock", slog.Any("error", rErr))
		}
	}, nil
}

func (w *Workflow) record(ctx context.Context, ticket Ticket, actorID int64, action string, payload map[string]any) {
	if w.audit == nil {
		return
	}
	_ = w.audit.Record(ctx, audit.Event{
		TenantID:    ticket.TenantID,
		ActorID:     actorID,
		Action:      action,
		SubjectType: "ticket",
		SubjectID:   ticket.ID.String(),
		Payload:     payload,
	})
}
