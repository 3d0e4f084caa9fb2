package repair

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/atelier-erp/atelier-erp/internal/inventory"
	"github.com/atelier-erp/atelier-erp/internal/posting"
	"github.com/atelier-erp/atelier-erp/internal/sequence"
	"github.com/atelier-erp/atelier-erp/internal/shared"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

type fixture struct {
	workflow *Workflow
	repo     *MemoryRepository
	inv      *inventory.MemoryRepository
	ledger   *inventory.Ledger
	engine   *posting.Engine
	tenant   uuid.UUID
}

func defaultOptions() Options {
	return Options{
		RequireInvoiceBeforePickup:    true,
		TimeLeakThreshold:             30 * time.Minute,
		RequireLabourIfTimeLogged:     true,
		ManagerOverrideRequiresReason: true,
		LabourRatePerHourNet:          dec("80"),
		DefaultTaxRate:                dec("7"),
		DiagnosticFeeNet:              dec("25"),
	}
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	inv := inventory.NewMemoryRepository()
	repo := NewMemoryRepository(inv)
	ledger := inventory.NewLedger(inv, nil)
	locker := shared.NewLocalLocker(2 * time.Second)
	engine := posting.NewEngine(
		posting.NewMemoryRepository(inv),
		sequence.NewAllocator(sequence.NewMemoryRepository()),
		ledger, nil, locker, nil, nil,
		posting.EngineConfig{DefaultTaxRate: opts.DefaultTaxRate})
	workflow := NewWorkflow(repo, ledger, engine, nil, locker, nil, nil, opts)
	return &fixture{
		workflow: workflow,
		repo:     repo,
		inv:      inv,
		ledger:   ledger,
		engine:   engine,
		tenant:   uuid.New(),
	}
}

func (f *fixture) open(t *testing.T) Ticket {
	t.Helper()
	ticket, err := f.workflow.OpenTicket(context.Background(), OpenTicketInput{
		TenantID:      f.tenant,
		CustomerID:    uuid.New(),
		StoreLocation: "downtown",
		ActorID:       7,
	})
	require.NoError(t, err)
	require.Equal(t, StatusIntake, ticket.Status)
	return ticket
}

func (f *fixture) advance(t *testing.T, ticket Ticket, target Status, mod ...func(*TransitionInput)) Ticket {
	t.Helper()
	input := TransitionInput{TenantID: f.tenant, TicketID: ticket.ID, Target: target, ActorID: 7}
	for _, m := range mod {
		m(&input)
	}
	out, err := f.workflow.Transition(context.Background(), input)
	require.NoError(t, err)
	require.Equal(t, target, out.Status)
	return out
}

// toRepairing walks a fresh ticket through diagnosing with a note.
func (f *fixture) toRepairing(t *testing.T) Ticket {
	t.Helper()
	ticket := f.open(t)
	ticket = f.advance(t, ticket, StatusDiagnosing)
	_, err := f.workflow.AddDiagnosticNote(context.Background(), AddNoteInput{
		TenantID: f.tenant, TicketID: ticket.ID, Text: "cracked board, replace capacitor", ActorID: 7,
	})
	require.NoError(t, err)
	return f.advance(t, ticket, StatusRepairing)
}

func TestDiagnosingAddsDiagnosticFee(t *testing.T) {
	f := newFixture(t, defaultOptions())
	ticket := f.open(t)

	ticket = f.advance(t, ticket, StatusDiagnosing)
	require.Len(t, ticket.Lines, 1)
	require.Equal(t, LineDiagnostic, ticket.Lines[0].Type)
	require.True(t, ticket.Lines[0].UnitPrice.Equal(dec("25")))
}

func TestSkipDiagnosticFeeNeedsManagerOverride(t *testing.T) {
	f := newFixture(t, defaultOptions())
	ctx := context.Background()
	ticket := f.open(t)

	_, err := f.workflow.Transition(ctx, TransitionInput{
		TenantID: f.tenant, TicketID: ticket.ID, Target: StatusDiagnosing,
		SkipDiagnosticFee: true,
	})
	var gv *shared.GuardViolation
	require.ErrorAs(t, err, &gv)

	_, err = f.workflow.Transition(ctx, TransitionInput{
		TenantID: f.tenant, TicketID: ticket.ID, Target: StatusDiagnosing,
		SkipDiagnosticFee: true, ManagerOverride: true,
	})
	require.Error(t, err, "override without a reason")

	out, err := f.workflow.Transition(ctx, TransitionInput{
		TenantID: f.tenant, TicketID: ticket.ID, Target: StatusDiagnosing,
		SkipDiagnosticFee: true, ManagerOverride: true, Reason: "warranty case",
	})
	require.NoError(t, err)
	require.Empty(t, out.Lines, "fee waived")
	require.True(t, out.ManagerOverride)
	require.Equal(t, "warranty case", out.OverrideReason)
}

func TestLeavingDiagnosingRequiresNotes(t *testing.T) {
	f := newFixture(t, defaultOptions())
	ctx := context.Background()
	ticket := f.open(t)
	ticket = f.advance(t, ticket, StatusDiagnosing)

	_, err := f.workflow.Transition(ctx, TransitionInput{
		TenantID: f.tenant, TicketID: ticket.ID, Target: StatusRepairing,
	})
	var gv *shared.GuardViolation
	require.ErrorAs(t, err, &gv)

	_, err = f.workflow.AddDiagnosticNote(ctx, AddNoteInput{
		TenantID: f.tenant, TicketID: ticket.ID, Text: "battery swollen",
	})
	require.NoError(t, err)
	f.advance(t, ticket, StatusRepairing)
}

func TestTransitionEdgeErrors(t *testing.T) {
	f := newFixture(t, defaultOptions())
	ctx := context.Background()
	ticket := f.open(t)

	_, err := f.workflow.Transition(ctx, TransitionInput{
		TenantID: f.tenant, TicketID: ticket.ID, Target: Status("SHIPPED"),
	})
	require.ErrorIs(t, err, ErrUnknownStatus)

	_, err = f.workflow.Transition(ctx, TransitionInput{
		TenantID: f.tenant, TicketID: ticket.ID, Target: StatusClosed,
	})
	require.ErrorIs(t, err, ErrForbiddenTransition)

	same, err := f.workflow.Transition(ctx, TransitionInput{
		TenantID: f.tenant, TicketID: ticket.ID, Target: StatusIntake,
	})
	require.NoError(t, err, "same-status transition is a no-op")
	require.Equal(t, StatusIntake, same.Status)
}

func TestCancelRequiresReason(t *testing.T) {
	f := newFixture(t, defaultOptions())
	ctx := context.Background()
	ticket := f.open(t)

	_, err := f.workflow.Transition(ctx, TransitionInput{
		TenantID: f.tenant, TicketID: ticket.ID, Target: StatusCancelled,
	})
	var ve *shared.ValidationError
	require.ErrorAs(t, err, &ve)

	out := f.advance(t, ticket, StatusCancelled, func(in *TransitionInput) {
		in.Reason = "customer declined the quote"
	})
	require.Equal(t, "customer declined the quote", out.CancelReason)

	_, err = f.workflow.AddDiagnosticNote(ctx, AddNoteInput{
		TenantID: f.tenant, TicketID: ticket.ID, Text: "too late",
	})
	require.Error(t, err, "terminal tickets reject mutation")
}

func TestPickupRequiresInvoice(t *testing.T) {
	f := newFixture(t, defaultOptions())
	ctx := context.Background()
	ticket := f.toRepairing(t)

	_, err := f.workflow.Transition(ctx, TransitionInput{
		TenantID: f.tenant, TicketID: ticket.ID, Target: StatusAwaitingPickup,
	})
	require.ErrorIs(t, err, ErrInvoiceRequired)

	ticket, doc, err := f.workflow.InvoiceTicket(ctx, f.tenant, ticket.ID, 7)
	require.NoError(t, err)
	require.NotNil(t, ticket.InvoiceID)
	require.Equal(t, doc.ID, *ticket.InvoiceID)

	ticket = f.advance(t, ticket, StatusAwaitingPickup)
	f.advance(t, ticket, StatusClosed)
}

func TestPickupRequiresLabourLineWhenTimeLogged(t *testing.T) {
	opts := defaultOptions()
	opts.RequireInvoiceBeforePickup = false
	f := newFixture(t, opts)
	ctx := context.Background()
	ticket := f.toRepairing(t)

	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	_, err := f.workflow.LogTime(ctx, LogTimeInput{
		TenantID: f.tenant, TicketID: ticket.ID,
		Start: start, End: start.Add(45 * time.Minute), ActorID: 7,
	})
	require.NoError(t, err)

	_, err = f.workflow.Transition(ctx, TransitionInput{
		TenantID: f.tenant, TicketID: ticket.ID, Target: StatusAwaitingPickup,
	})
	require.ErrorIs(t, err, ErrLabourLineRequired)

	// Invoicing materializes the labour line from the logged time.
	_, _, err = f.workflow.InvoiceTicket(ctx, f.tenant, ticket.ID, 7)
	require.NoError(t, err)
	f.advance(t, ticket, StatusAwaitingPickup)
}

func TestLogTimeRejectsOverlaps(t *testing.T) {
	f := newFixture(t, defaultOptions())
	ctx := context.Background()
	ticket := f.toRepairing(t)

	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	_, err := f.workflow.LogTime(ctx, LogTimeInput{
		TenantID: f.tenant, TicketID: ticket.ID,
		Start: start, End: start.Add(time.Hour),
	})
	require.NoError(t, err)

	_, err = f.workflow.LogTime(ctx, LogTimeInput{
		TenantID: f.tenant, TicketID: ticket.ID,
		Start: start.Add(30 * time.Minute), End: start.Add(90 * time.Minute),
	})
	var ve *shared.ValidationError
	require.ErrorAs(t, err, &ve)

	_, err = f.workflow.LogTime(ctx, LogTimeInput{
		TenantID: f.tenant, TicketID: ticket.ID,
		Start: start.Add(time.Hour), End: start,
	})
	require.Error(t, err, "end before start")
}

func TestLogTimeLeakThreshold(t *testing.T) {
	f := newFixture(t, defaultOptions())
	ctx := context.Background()
	ticket := f.toRepairing(t)

	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	_, err := f.workflow.LogTime(ctx, LogTimeInput{
		TenantID: f.tenant, TicketID: ticket.ID,
		Start: start, End: start.Add(30 * time.Minute),
	})
	require.NoError(t, err)

	// A gap of exactly the threshold is still the same session.
	_, err = f.workflow.LogTime(ctx, LogTimeInput{
		TenantID: f.tenant, TicketID: ticket.ID,
		Start: start.Add(time.Hour), End: start.Add(90 * time.Minute),
	})
	require.NoError(t, err)

	// 90 minutes of gap exceeds the 30 minute threshold.
	late := start.Add(3 * time.Hour)
	_, err = f.workflow.LogTime(ctx, LogTimeInput{
		TenantID: f.tenant, TicketID: ticket.ID,
		Start: late, End: late.Add(15 * time.Minute),
	})
	var ve *shared.ValidationError
	require.ErrorAs(t, err, &ve)

	out, err := f.workflow.LogTime(ctx, LogTimeInput{
		TenantID: f.tenant, TicketID: ticket.ID,
		Start: late, End: late.Add(15 * time.Minute), NewSession: true,
	})
	require.NoError(t, err)
	require.Len(t, out.TimeEntries, 3)
	require.True(t, out.LoggedMinutes().Equal(dec("75")))
}

func TestLogTimeBackfilledSlotGapChecked(t *testing.T) {
	f := newFixture(t, defaultOptions())
	ctx := context.Background()
	ticket := f.toRepairing(t)

	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	_, err := f.workflow.LogTime(ctx, LogTimeInput{
		TenantID: f.tenant, TicketID: ticket.ID,
		Start: start, End: start.Add(30 * time.Minute),
	})
	require.NoError(t, err)

	afternoon := start.Add(5 * time.Hour)
	_, err = f.workflow.LogTime(ctx, LogTimeInput{
		TenantID: f.tenant, TicketID: ticket.ID,
		Start: afternoon, End: afternoon.Add(30 * time.Minute), NewSession: true,
	})
	require.NoError(t, err)

	// A slot back-filled between the sessions is measured against the
	// morning entry, not the latest end overall.
	backfill := start.Add(2 * time.Hour)
	_, err = f.workflow.LogTime(ctx, LogTimeInput{
		TenantID: f.tenant, TicketID: ticket.ID,
		Start: backfill, End: backfill.Add(15 * time.Minute),
	})
	var ve *shared.ValidationError
	require.ErrorAs(t, err, &ve)

	out, err := f.workflow.LogTime(ctx, LogTimeInput{
		TenantID: f.tenant, TicketID: ticket.ID,
		Start: backfill, End: backfill.Add(15 * time.Minute), NewSession: true,
	})
	require.NoError(t, err)
	require.Len(t, out.TimeEntries, 3)

	// Within the threshold of the preceding entry it is the same session.
	contiguous := start.Add(40 * time.Minute)
	out, err = f.workflow.LogTime(ctx, LogTimeInput{
		TenantID: f.tenant, TicketID: ticket.ID,
		Start: contiguous, End: contiguous.Add(10 * time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, out.TimeEntries, 4)
}

func TestConsumePartsOnlyWhileWorking(t *testing.T) {
	f := newFixture(t, defaultOptions())
	ctx := context.Background()
	ticket := f.open(t)

	_, err := f.workflow.ConsumeParts(ctx, ConsumePartsInput{
		TenantID: f.tenant, TicketID: ticket.ID,
		ProductID: uuid.New(), WarehouseID: uuid.New(),
		Quantity: dec("1"), Description: "fuse",
	})
	var gv *shared.GuardViolation
	require.ErrorAs(t, err, &gv)
}

func TestConsumePartsChargesAverageCost(t *testing.T) {
	f := newFixture(t, defaultOptions())
	ctx := context.Background()
	ticket := f.toRepairing(t)
	product, warehouse := uuid.New(), uuid.New()

	_, err := f.ledger.ApplyMove(ctx, inventory.Move{
		TenantID: f.tenant, ProductID: product, WarehouseID: warehouse,
		Direction: inventory.DirectionIn, Quantity: dec("10"), UnitCost: dec("4"),
		SourceRef: "seed",
	})
	require.NoError(t, err)

	out, err := f.workflow.ConsumeParts(ctx, ConsumePartsInput{
		TenantID: f.tenant, TicketID: ticket.ID,
		ProductID: product, WarehouseID: warehouse,
		Quantity: dec("2"), Description: "replacement capacitor",
	})
	require.NoError(t, err)
	parts := out.Lines[len(out.Lines)-1]
	require.Equal(t, LineParts, parts.Type)
	require.True(t, parts.UnitPrice.Equal(dec("4")), "charged at average cost")

	pos, err := f.ledger.CurrentPosition(ctx, f.tenant, product, warehouse)
	require.NoError(t, err)
	require.True(t, pos.OnHand.Equal(dec("8")))
}

func TestConsumePartsInsufficientStockLeavesTicketUntouched(t *testing.T) {
	f := newFixture(t, defaultOptions())
	ctx := context.Background()
	ticket := f.toRepairing(t)
	before := len(ticket.Lines)

	_, err := f.workflow.ConsumeParts(ctx, ConsumePartsInput{
		TenantID: f.tenant, TicketID: ticket.ID,
		ProductID: uuid.New(), WarehouseID: uuid.New(),
		Quantity: dec("1"), Description: "screen",
	})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)

	reloaded, err := f.workflow.GetTicket(ctx, f.tenant, ticket.ID)
	require.NoError(t, err)
	require.Len(t, reloaded.Lines, before)
}

func TestInvoiceTicketComputesLabour(t *testing.T) {
	f := newFixture(t, defaultOptions())
	ctx := context.Background()
	ticket := f.toRepairing(t)

	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	_, err := f.workflow.LogTime(ctx, LogTimeInput{
		TenantID: f.tenant, TicketID: ticket.ID,
		Start: start, End: start.Add(90 * time.Minute),
	})
	require.NoError(t, err)

	out, doc, err := f.workflow.InvoiceTicket(ctx, f.tenant, ticket.ID, 7)
	require.NoError(t, err)
	require.True(t, out.HasLine(LineLabour))

	// 25 diagnostic fee plus 1.5h at 80/h.
	require.True(t, doc.Net.Equal(dec("145")), "net %s", doc.Net)
	require.True(t, doc.Tax.Equal(dec("10.15")), "tax %s", doc.Tax)
	require.Equal(t, posting.KindInvoice, doc.Kind)
	require.NotNil(t, doc.TicketID)
	require.Equal(t, out.ID, *doc.TicketID)

	_, _, err = f.workflow.InvoiceTicket(ctx, f.tenant, out.ID, 7)
	require.Error(t, err, "double invoicing rejected")
}

func TestTicketNotFoundAcrossTenants(t *testing.T) {
	f := newFixture(t, defaultOptions())
	ctx := context.Background()
	ticket := f.open(t)

	_, err := f.workflow.GetTicket(ctx, uuid.New(), ticket.ID)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestTicketLockContention(t *testing.T) {
	f := newFixture(t, defaultOptions())
	ctx := context.Background()
	ticket := f.open(t)

	// Hold the ticket lock directly and watch the workflow back off.
	short := NewWorkflow(f.repo, f.ledger, f.engine, nil,
		shared.NewLocalLocker(50*time.Millisecond), nil, nil, defaultOptions())

	lock, err := shortLock(ctx, short, f.tenant, ticket.ID)
	require.NoError(t, err)
	defer lock()

	_, err = short.Transition(ctx, TransitionInput{
		TenantID: f.tenant, TicketID: ticket.ID, Target: StatusDiagnosing,
	})
	require.True(t, errors.Is(err, shared.ErrLocked))
	require.True(t, shared.IsRetryable(err))
}

func shortLock(ctx context.Context, w *Workflow, tenant, ticketID uuid.UUID) (func(), error) {
	return w.acquire(ctx, tenant, ticketID)
}
