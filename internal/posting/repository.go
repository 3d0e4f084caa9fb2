package posting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atelier-erp/atelier-erp/internal/inventory"
	"github.com/atelier-erp/atelier-erp/internal/platform/db"
	"github.com/atelier-erp/atelier-erp/internal/shared"
)

// Repository persists financial documents in PostgreSQL.
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

// GetDocument loads a document with its lines, scoped to the tenant.
func (r *Repository) GetDocument(ctx context.Context, tenant, id uuid.UUID) (Document, error) {
	var doc Document
	err := r.pool.QueryRow(ctx, `
		SELECT id, tenant_id, kind, status, counterparty_id, net, tax, gross,
		       doc_number, posted_at, posted_by, voided_at, void_reason,
		       reverses_id, ticket_id, source_ref, created_at
		FROM documents
		WHERE tenant_id = $1 AND id = $2`,
		tenant, id).Scan(
		&doc.ID, &doc.TenantID, &doc.Kind, &doc.Status, &doc.CounterpartyID,
		&doc.Net, &doc.Tax, &doc.Gross,
		&doc.Number, &doc.PostedAt, &doc.PostedBy, &doc.VoidedAt, &doc.VoidReason,
		&doc.ReversesID, &doc.TicketID, &doc.SourceRef, &doc.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Document{}, shared.ErrNotFound
		}
		return Document{}, fmt.Errorf("posting: get document: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT line_no, product_id, description, quantity, unit_price, tax_rate, goods_receipt, warehouse_id
		FROM document_lines
		WHERE document_id = $1
		ORDER BY line_no`,
		id)
	if err != nil {
		return Document{}, fmt.Errorf("posting: list lines: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			l         Line
			product   *uuid.UUID
			warehouse *uuid.UUID
		)
		if err := rows.Scan(&l.LineNo, &product, &l.Description, &l.Quantity, &l.UnitPrice, &l.TaxRate, &l.GoodsReceipt, &warehouse); err != nil {
			return Document{}, fmt.Errorf("posting: scan line: %w", err)
		}
		if product != nil {
			l.ProductID = *product
		}
		if warehouse != nil {
			l.WarehouseID = *warehouse
		}
		doc.Lines = append(doc.Lines, l)
	}
	return doc, rows.Err()
}

type txRepo struct {
	tx pgx.Tx
}

func (t *txRepo) Inventory() inventory.TxRepository {
	return inventory.TxView(t.tx)
}

func (t *txRepo) InsertDocument(ctx context.Context, doc Document) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO documents (id, tenant_id, kind, status, counterparty_id, net, tax, gross,
		                       doc_number, posted_at, posted_by, voided_at, void_reason,
		                       reverses_id, ticket_id, source_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		doc.ID, doc.TenantID, string(doc.Kind), string(doc.Status), doc.CounterpartyID,
		doc.Net, doc.Tax, doc.Gross,
		doc.Number, doc.PostedAt, doc.PostedBy, doc.VoidedAt, doc.VoidReason,
		doc.ReversesID, doc.TicketID, doc.SourceRef, doc.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// The unique index on (tenant_id, kind, doc_number) caught a
			// number handed out twice. The allocator guarantees this never
			// happens, so surface it loudly.
			return &shared.InvariantBreach{Reason: "document number already used for series"}
		}
		return fmt.Errorf("posting: insert document: %w", err)
	}
	for _, l := range doc.Lines {
		var product, warehouse *uuid.UUID
		if l.ProductID != uuid.Nil {
			p := l.ProductID
			product = &p
		}
		if l.WarehouseID != uuid.Nil {
			w := l.WarehouseID
			warehouse = &w
		}
		_, err := t.tx.Exec(ctx, `
			INSERT INTO document_lines (document_id, line_no, product_id, description, quantity, unit_price, tax_rate, goods_receipt, warehouse_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			doc.ID, l.LineNo, product, l.Description, l.Quantity, l.UnitPrice, l.TaxRate, l.GoodsReceipt, warehouse)
		if err != nil {
			return fmt.Errorf("posting: insert line %d: %w", l.LineNo, err)
		}
	}
	return nil
}

func (t *txRepo) MarkVoided(ctx context.Context, tenant, id uuid.UUID, at time.Time, reason string) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE documents SET status = 'VOIDED', voided_at = $3, void_reason = $4
		WHERE tenant_id = $1 AND id = $2 AND status = 'POSTED'`,
		tenant, id, at, reason)
	if err != nil {
		return fmt.Errorf("posting: mark voided: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// ReversedQuantities sums posted credit-note quantities per original invoice
// line number.
func (t *txRepo) ReversedQuantities(ctx context.Context, tenant, invoiceID uuid.UUID) (map[int]decimal.Decimal, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT l.line_no, COALESCE(SUM(l.quantity), 0)
		FROM documents d
		JOIN document_lines l ON l.document_id = d.id
		WHERE d.tenant_id = $1 AND d.reverses_id = $2
		  AND d.kind = 'CREDIT_NOTE' AND d.status = 'POSTED'
		GROUP BY l.line_no`,
		tenant, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("posting: reversed quantities: %w", err)
	}
	defer rows.Close()

	out := make(map[int]decimal.Decimal)
	for rows.Next() {
		var (
			lineNo int
			qty    decimal.Decimal
		)
		if err := rows.Scan(&lineNo, &qty); err != nil {
			return nil, fmt.Errorf("posting: scan reversed quantity: %w", err)
		}
		out[lineNo] = qty
	}
	return out, rows.Err()
}
