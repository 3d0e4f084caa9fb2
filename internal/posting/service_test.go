package posting

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/atelier-erp/atelier-erp/internal/inventory"
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

func rate(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

type fixture struct {
	engine *Engine
	repo   *MemoryRepository
	inv    *inventory.MemoryRepository
	seq    *sequence.MemoryRepository
	ledger *inventory.Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	inv := inventory.NewMemoryRepository()
	repo := NewMemoryRepository(inv)
	seqRepo := sequence.NewMemoryRepository()
	ledger := inventory.NewLedger(inv, nil)
	engine := NewEngine(repo, sequence.NewAllocator(seqRepo), ledger, nil,
		shared.NewLocalLocker(2*time.Second), nil, nil,
		EngineConfig{DefaultTaxRate: dec("7")})
	return &fixture{engine: engine, repo: repo, inv: inv, seq: seqRepo, ledger: ledger}
}

func invoiceDraft(tenant uuid.UUID) Draft {
	return Draft{
		TenantID:       tenant,
		CounterpartyID: uuid.New(),
		ActorID:        3,
		Lines: []LineInput{
			{Description: "bench repair", Quantity: dec("1"), UnitPrice: dec("100"), TaxRate: rate("7")},
		},
	}
}

func TestPostInvoiceNumbersAndTotals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenant := uuid.New()

	a, err := f.engine.PostInvoice(ctx, invoiceDraft(tenant))
	require.NoError(t, err)
	require.Equal(t, StatusPosted, a.Status)
	require.Equal(t, int64(1), a.Number)
	require.Equal(t, "INV-000001", a.FormattedNumber())
	require.True(t, a.Net.Equal(dec("100")))
	require.True(t, a.Tax.Equal(dec("7")))
	require.True(t, a.Gross.Equal(dec("107")))
	require.NotNil(t, a.PostedAt)

	b, err := f.engine.PostInvoice(ctx, invoiceDraft(tenant))
	require.NoError(t, err)
	require.Equal(t, int64(2), b.Number)
}

func TestPostRejectsInvalidDrafts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenant := uuid.New()

	_, err := f.engine.PostInvoice(ctx, Draft{TenantID: tenant, CounterpartyID: uuid.New()})
	require.Error(t, err, "empty lines")

	d := invoiceDraft(tenant)
	d.Lines[0].Quantity = dec("-1")
	_, err = f.engine.PostInvoice(ctx, d)
	require.Error(t, err)

	d = invoiceDraft(tenant)
	d.Lines[0].GoodsReceipt = true
	_, err = f.engine.PostInvoice(ctx, d)
	require.Error(t, err, "goods receipt only on vendor bills")

	require.Equal(t, int64(0), f.seq.Current(tenant, KindInvoice.Series()),
		"validation failures must not consume a number")
}

func TestDefaultTaxRateApplied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := invoiceDraft(uuid.New())
	d.Lines[0].TaxRate = nil

	doc, err := f.engine.PostInvoice(ctx, d)
	require.NoError(t, err)
	require.True(t, doc.Tax.Equal(dec("7")), "default 7%% rate applies, got %s", doc.Tax)

	d2 := invoiceDraft(d.TenantID)
	d2.Lines[0].TaxRate = rate("0")
	doc2, err := f.engine.PostInvoice(ctx, d2)
	require.NoError(t, err)
	require.True(t, doc2.Tax.IsZero(), "explicit zero rate is honoured")
}

func TestVendorBillGoodsReceiptUpdatesAverageCost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenant, product, warehouse := uuid.New(), uuid.New(), uuid.New()

	// Seed 10 on hand at 4.00.
	_, err := f.ledger.ApplyMove(ctx, inventory.Move{
		TenantID: tenant, ProductID: product, WarehouseID: warehouse,
		Direction: inventory.DirectionIn, Quantity: dec("10"), UnitCost: dec("4.00"),
	})
	require.NoError(t, err)

	bill, err := f.engine.PostVendorBill(ctx, Draft{
		TenantID:       tenant,
		CounterpartyID: uuid.New(),
		Lines: []LineInput{
			{ProductID: product, WarehouseID: warehouse, Description: "spare displays",
				Quantity: dec("5"), UnitPrice: dec("7.00"), TaxRate: rate("0"), GoodsReceipt: true},
		},
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), bill.Number)

	pos, err := f.ledger.CurrentPosition(ctx, tenant, product, warehouse)
	require.NoError(t, err)
	require.True(t, pos.OnHand.Equal(dec("15")))
	require.True(t, pos.AvgCost.Equal(dec("5")), "weighted average (10*4+5*7)/15, got %s", pos.AvgCost)

	moves := f.inv.Moves()
	require.Len(t, moves, 2)
	require.Equal(t, "BILL-000001", moves[1].SourceRef)
}

func TestCreditNoteReversalBookkeeping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenant := uuid.New()

	inv, err := f.engine.PostInvoice(ctx, Draft{
		TenantID:       tenant,
		CounterpartyID: uuid.New(),
		Lines: []LineInput{
			{Description: "screen", Quantity: dec("4"), UnitPrice: dec("25"), TaxRate: rate("7")},
		},
	})
	require.NoError(t, err)

	// Over-reversal is rejected.
	_, err = f.engine.PostCreditNote(ctx, CreditNoteRequest{
		TenantID: tenant, InvoiceID: inv.ID,
		Lines: []ReversalLine{{LineNo: 1, Quantity: dec("5")}},
	})
	require.Error(t, err)

	// Partial reversal.
	cn1, err := f.engine.PostCreditNote(ctx, CreditNoteRequest{
		TenantID: tenant, InvoiceID: inv.ID,
		Lines: []ReversalLine{{LineNo: 1, Quantity: dec("3")}},
	})
	require.NoError(t, err)
	require.Equal(t, KindCreditNote, cn1.Kind)
	require.NotNil(t, cn1.ReversesID)
	require.Equal(t, inv.ID, *cn1.ReversesID)
	require.True(t, cn1.Net.Equal(dec("-75")))
	require.True(t, cn1.Tax.Equal(dec("-5.25")))

	// More than the remaining 1 is rejected.
	_, err = f.engine.PostCreditNote(ctx, CreditNoteRequest{
		TenantID: tenant, InvoiceID: inv.ID,
		Lines: []ReversalLine{{LineNo: 1, Quantity: dec("2")}},
	})
	require.Error(t, err)

	// Exactly the remaining quantity succeeds and exhausts the line.
	_, err = f.engine.PostCreditNote(ctx, CreditNoteRequest{
		TenantID: tenant, InvoiceID: inv.ID,
		Lines: []ReversalLine{{LineNo: 1, Quantity: dec("1")}},
	})
	require.NoError(t, err)

	_, err = f.engine.PostCreditNote(ctx, CreditNoteRequest{
		TenantID: tenant, InvoiceID: inv.ID,
		Lines: []ReversalLine{{LineNo: 1, Quantity: dec("1")}},
	})
	require.Error(t, err, "zero remaining reversible quantity")
}

func TestCreditNoteRejectsRepeatedLineOverReversal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenant := uuid.New()

	inv, err := f.engine.PostInvoice(ctx, Draft{
		TenantID:       tenant,
		CounterpartyID: uuid.New(),
		Lines: []LineInput{
			{Description: "screen", Quantity: dec("4"), UnitPrice: dec("25"), TaxRate: rate("7")},
		},
	})
	require.NoError(t, err)

	// Two reversal lines for the same invoice line sum past the original
	// quantity even though each passes in isolation.
	_, err = f.engine.PostCreditNote(ctx, CreditNoteRequest{
		TenantID: tenant, InvoiceID: inv.ID,
		Lines: []ReversalLine{
			{LineNo: 1, Quantity: dec("3")},
			{LineNo: 1, Quantity: dec("3")},
		},
	})
	require.Error(t, err)

	// Splitting a line across reversal entries within the remaining
	// quantity is still allowed.
	cn, err := f.engine.PostCreditNote(ctx, CreditNoteRequest{
		TenantID: tenant, InvoiceID: inv.ID,
		Lines: []ReversalLine{
			{LineNo: 1, Quantity: dec("2")},
			{LineNo: 1, Quantity: dec("1")},
		},
	})
	require.NoError(t, err)
	require.True(t, cn.Net.Equal(dec("-75")))

	// Only 1 of 4 remains after the split reversal.
	_, err = f.engine.PostCreditNote(ctx, CreditNoteRequest{
		TenantID: tenant, InvoiceID: inv.ID,
		Lines: []ReversalLine{{LineNo: 1, Quantity: dec("2")}},
	})
	require.Error(t, err)
}

func TestCreditNoteFullScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenant := uuid.New()

	a, err := f.engine.PostInvoice(ctx, invoiceDraft(tenant))
	require.NoError(t, err)
	require.Equal(t, int64(1), a.Number)

	b, err := f.engine.PostInvoice(ctx, invoiceDraft(tenant))
	require.NoError(t, err)
	require.Equal(t, int64(2), b.Number)

	cn, err := f.engine.PostCreditNote(ctx, CreditNoteRequest{
		TenantID: tenant, InvoiceID: a.ID,
		Lines: []ReversalLine{{LineNo: 1, Quantity: dec("1")}},
	})
	require.NoError(t, err)
	require.True(t, cn.Net.Equal(dec("-100")))
	require.True(t, cn.Tax.Equal(dec("-7")))
	require.Equal(t, int64(1), cn.Number, "credit notes number in their own series")
}

func TestCreditNoteRejectsCrossTenantInvoice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inv, err := f.engine.PostInvoice(ctx, invoiceDraft(uuid.New()))
	require.NoError(t, err)

	_, err = f.engine.PostCreditNote(ctx, CreditNoteRequest{
		TenantID: uuid.New(), InvoiceID: inv.ID,
		Lines: []ReversalLine{{LineNo: 1, Quantity: dec("1")}},
	})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestConcurrentVendorBillsSerialize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenant, product, warehouse := uuid.New(), uuid.New(), uuid.New()

	bill := func(qty, price string) Draft {
		return Draft{
			TenantID:       tenant,
			CounterpartyID: uuid.New(),
			Lines: []LineInput{
				{ProductID: product, WarehouseID: warehouse, Description: "parts",
					Quantity: dec(qty), UnitPrice: dec(price), TaxRate: rate("0"), GoodsReceipt: true},
			},
		}
	}

	var g errgroup.Group
	g.Go(func() error {
		_, err := f.engine.PostVendorBill(ctx, bill("10", "4.00"))
		return err
	})
	g.Go(func() error {
		_, err := f.engine.PostVendorBill(ctx, bill("5", "7.00"))
		return err
	})
	require.NoError(t, g.Wait())

	require.Equal(t, int64(2), f.seq.Current(tenant, KindVendorBill.Series()),
		"numbers are consecutive with no duplicates")

	pos, err := f.ledger.CurrentPosition(ctx, tenant, product, warehouse)
	require.NoError(t, err)
	require.True(t, pos.OnHand.Equal(dec("15")), "both receipts applied")
	require.True(t, pos.AvgCost.Equal(dec("5")), "average reflects both, got %s", pos.AvgCost)
}

func TestPostFailsWithLockedError(t *testing.T) {
	inv := inventory.NewMemoryRepository()
	repo := NewMemoryRepository(inv)
	locker := shared.NewLocalLocker(50 * time.Millisecond)
	engine := NewEngine(repo, sequence.NewAllocator(sequence.NewMemoryRepository()),
		inventory.NewLedger(inv, nil), nil, locker, nil, nil, EngineConfig{})
	ctx := context.Background()
	tenant := uuid.New()

	held, err := locker.Acquire(ctx, shared.PostingLockKey(tenant, KindInvoice.Series()), time.Minute)
	require.NoError(t, err)
	defer func() { _ = held.Release(ctx) }()

	_, err = engine.PostInvoice(ctx, invoiceDraft(tenant))
	require.ErrorIs(t, err, shared.ErrLocked)
	require.True(t, shared.IsRetryable(err))
}

// failingTxRepo forces the document insert to fail after the sequence number
// was consumed, exercising the rollback path.
type failingRepo struct {
	*MemoryRepository
}

type failingTx struct {
	TxRepository
}

func (r *failingRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return r.MemoryRepository.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return fn(ctx, &failingTx{TxRepository: tx})
	})
}

func (t *failingTx) InsertDocument(context.Context, Document) error {
	return errors.New("storage failure")
}

func TestFailureAfterLockRollsBackAndLeavesGap(t *testing.T) {
	invRepo := inventory.NewMemoryRepository()
	base := NewMemoryRepository(invRepo)
	seqRepo := sequence.NewMemoryRepository()
	ledger := inventory.NewLedger(invRepo, nil)
	tenant, product, warehouse := uuid.New(), uuid.New(), uuid.New()
	ctx := context.Background()

	broken := NewEngine(&failingRepo{MemoryRepository: base}, sequence.NewAllocator(seqRepo),
		ledger, nil, shared.NewLocalLocker(time.Second), nil, nil, EngineConfig{})

	_, err := broken.PostVendorBill(ctx, Draft{
		TenantID:       tenant,
		CounterpartyID: uuid.New(),
		Lines: []LineInput{
			{ProductID: product, WarehouseID: warehouse, Description: "parts",
				Quantity: dec("5"), UnitPrice: dec("7.00"), TaxRate: rate("0"), GoodsReceipt: true},
		},
	})
	require.Error(t, err)

	pos, err := ledger.CurrentPosition(ctx, tenant, product, warehouse)
	require.NoError(t, err)
	require.True(t, pos.OnHand.IsZero(), "no orphan stock move")
	require.Empty(t, invRepo.Moves())

	// The consumed number is not reclaimed: the next successful posting skips it.
	healthy := NewEngine(base, sequence.NewAllocator(seqRepo), ledger, nil,
		shared.NewLocalLocker(time.Second), nil, nil, EngineConfig{})
	doc, err := healthy.PostVendorBill(ctx, Draft{
		TenantID:       tenant,
		CounterpartyID: uuid.New(),
		Lines: []LineInput{
			{Description: "freight", Quantity: dec("1"), UnitPrice: dec("9"), TaxRate: rate("0")},
		},
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), doc.Number, "gaps are accepted, numbers never reused")
}

func TestVoidKeepsNumberAndAppliesCompensations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenant, product, warehouse := uuid.New(), uuid.New(), uuid.New()

	bill, err := f.engine.PostVendorBill(ctx, Draft{
		TenantID:       tenant,
		CounterpartyID: uuid.New(),
		Lines: []LineInput{
			{ProductID: product, WarehouseID: warehouse, Description: "parts",
				Quantity: dec("5"), UnitPrice: dec("7.00"), TaxRate: rate("0"), GoodsReceipt: true},
		},
	})
	require.NoError(t, err)

	_, err = f.engine.VoidDocument(ctx, VoidInput{TenantID: tenant, DocumentID: bill.ID})
	require.Error(t, err, "void requires a reason")

	voided, err := f.engine.VoidDocument(ctx, VoidInput{
		TenantID:   tenant,
		DocumentID: bill.ID,
		Reason:     "duplicate entry",
		Compensations: []inventory.Move{
			{TenantID: tenant, ProductID: product, WarehouseID: warehouse,
				Direction: inventory.DirectionOut, Quantity: dec("5")},
		},
	})
	require.NoError(t, err)
	require.Equal(t, StatusVoided, voided.Status)
	require.Equal(t, bill.Number, voided.Number, "void never renumbers")

	pos, err := f.ledger.CurrentPosition(ctx, tenant, product, warehouse)
	require.NoError(t, err)
	require.True(t, pos.OnHand.IsZero(), "explicit compensating move applied")

	_, err = f.engine.VoidDocument(ctx, VoidInput{
		TenantID: tenant, DocumentID: bill.ID, Reason: "again",
	})
	require.Error(t, err, "voided documents cannot be voided twice")

	next, err := f.engine.PostVendorBill(ctx, Draft{
		TenantID:       tenant,
		CounterpartyID: uuid.New(),
		Lines:          []LineInput{{Description: "freight", Quantity: dec("1"), UnitPrice: dec("3"), TaxRate: rate("0")}},
	})
	require.NoError(t, err)
	require.Equal(t, bill.Number+1, next.Number, "voided numbers are never reissued")
}
