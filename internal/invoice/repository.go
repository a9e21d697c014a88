package invoice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/progami/WMS-EcomOS-sub000/internal/billing"
	"github.com/progami/WMS-EcomOS-sub000/internal/platform/db"
	"github.com/progami/WMS-EcomOS-sub000/internal/shared"
)

// Repository provides PostgreSQL backed persistence for invoices.
type Repository struct {
	reader
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{reader: reader{q: pool}, pool: pool}
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	Summarize(ctx context.Context, warehouseID int64, period shared.BillingPeriod) (billing.Summary, error)
	LockInvoice(ctx context.Context, id int64) (Invoice, error)
	InsertInvoice(ctx context.Context, inv Invoice) (Invoice, error)
	UpdateInvoice(ctx context.Context, inv Invoice) error
	DeleteInvoice(ctx context.Context, id int64) error
	InsertReconciliation(ctx context.Context, rec Reconciliation) (Reconciliation, error)
	InsertDispute(ctx context.Context, d Dispute) (Dispute, error)
	LockDispute(ctx context.Context, id int64) (Dispute, error)
	UpdateDispute(ctx context.Context, d Dispute) error
	Audit(ctx context.Context, log shared.AuditLog) error
}

type txRepo struct {
	reader
	costs billing.Reader
	audit *shared.AuditLogger
	tx    pgx.Tx
}

// WithTx executes fn in a serializable transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{
			reader: reader{q: tx},
			costs:  billing.NewReader(tx),
			audit:  shared.NewAuditLogger(tx),
			tx:     tx,
		})
	})
	if err != nil && db.IsConflict(err) {
		return shared.Wrap(shared.KindConflict, "invoice", err)
	}
	return err
}

type reader struct {
	q db.DBTX
}

const invoiceColumns = `id, number, warehouse_id, billing_period_start, billing_period_end, total_amount,
	status, source, created_at, updated_at, paid_at`

func scanInvoice(row pgx.Row) (Invoice, error) {
	var inv Invoice
	err := row.Scan(&inv.ID, &inv.Number, &inv.WarehouseID, &inv.BillingPeriodStart, &inv.BillingPeriodEnd, &inv.TotalAmount,
		&inv.Status, &inv.Source, &inv.CreatedAt, &inv.UpdatedAt, &inv.PaidAt)
	return inv, err
}

// GetInvoice loads an invoice with its lines.
func (r reader) GetInvoice(ctx context.Context, id int64) (Invoice, error) {
	inv, err := scanInvoice(r.q.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Invoice{}, shared.NotFound("invoice", "invoice %d not found", id)
	}
	if err != nil {
		return Invoice{}, err
	}
	rows, err := r.q.Query(ctx, `SELECT id, invoice_id, category, description, quantity, unit_rate, amount
FROM invoice_line_items WHERE invoice_id = $1 ORDER BY id`, id)
	if err != nil {
		return Invoice{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var l LineItem
		if err := rows.Scan(&l.ID, &l.InvoiceID, &l.Category, &l.Description, &l.Quantity, &l.UnitRate, &l.Amount); err != nil {
			return Invoice{}, err
		}
		inv.Lines = append(inv.Lines, l)
	}
	return inv, rows.Err()
}

// ListInvoices returns one page of invoices and the total match count.
func (r reader) ListInvoices(ctx context.Context, f ListFilter, limit, offset int) ([]Invoice, int, error) {
	var conds []string
	var args []any
	if f.WarehouseID != 0 {
		args = append(args, f.WarehouseID)
		conds = append(conds, fmt.Sprintf("warehouse_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	var total int
	if err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM invoices`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, limit, offset)
	rows, err := r.q.Query(ctx, fmt.Sprintf(`SELECT %s FROM invoices%s ORDER BY billing_period_start DESC, id DESC LIMIT $%d OFFSET $%d`,
		invoiceColumns, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, inv)
	}
	return out, total, rows.Err()
}

// ListDisputes returns the disputes raised against an invoice.
func (r reader) ListDisputes(ctx context.Context, invoiceID int64) ([]Dispute, error) {
	rows, err := r.q.Query(ctx, `SELECT `+disputeColumns+` FROM invoice_disputes WHERE invoice_id = $1 ORDER BY id`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

const disputeColumns = `id, invoice_id, reason, disputed_amount, status, resolution, created_by, created_at, resolved_at`

func scanDispute(row pgx.Row) (Dispute, error) {
	var d Dispute
	var resolution, createdBy *string
	err := row.Scan(&d.ID, &d.InvoiceID, &d.Reason, &d.DisputedAmount, &d.Status, &resolution, &createdBy, &d.CreatedAt, &d.ResolvedAt)
	if resolution != nil {
		d.Resolution = *resolution
	}
	if createdBy != nil {
		d.CreatedBy = *createdBy
	}
	return d, err
}

func (t *txRepo) Summarize(ctx context.Context, warehouseID int64, period shared.BillingPeriod) (billing.Summary, error) {
	return t.costs.Summarize(ctx, warehouseID, period)
}

func (t *txRepo) LockInvoice(ctx context.Context, id int64) (Invoice, error) {
	inv, err := scanInvoice(t.tx.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Invoice{}, shared.NotFound("invoice", "invoice %d not found", id)
	}
	return inv, err
}

func (t *txRepo) InsertInvoice(ctx context.Context, inv Invoice) (Invoice, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO invoices (number, warehouse_id, billing_period_start, billing_period_end, total_amount, status, source)
VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id, created_at, updated_at`,
		inv.Number, inv.WarehouseID, inv.BillingPeriodStart, inv.BillingPeriodEnd, inv.TotalAmount, inv.Status, inv.Source).
		Scan(&inv.ID, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Invoice{}, shared.Conflict("invoice", "invoice number %q already exists", inv.Number)
		}
		return Invoice{}, err
	}
	for i := range inv.Lines {
		l := &inv.Lines[i]
		l.InvoiceID = inv.ID
		if err := t.tx.QueryRow(ctx, `INSERT INTO invoice_line_items (invoice_id, category, description, quantity, unit_rate, amount)
VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`, l.InvoiceID, l.Category, l.Description, l.Quantity, l.UnitRate, l.Amount).Scan(&l.ID); err != nil {
			return Invoice{}, err
		}
	}
	return inv, nil
}

func (t *txRepo) UpdateInvoice(ctx context.Context, inv Invoice) error {
	_, err := t.tx.Exec(ctx, `UPDATE invoices SET total_amount = $2, status = $3, paid_at = $4, updated_at = NOW() WHERE id = $1`,
		inv.ID, inv.TotalAmount, inv.Status, inv.PaidAt)
	return err
}

func (t *txRepo) DeleteInvoice(ctx context.Context, id int64) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM invoices WHERE id = $1`, id)
	return err
}

func (t *txRepo) InsertReconciliation(ctx context.Context, rec Reconciliation) (Reconciliation, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO invoice_reconciliations (invoice_id, invoice_total, calculated_total, variance, result, reconciled_at)
VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`, rec.InvoiceID, rec.InvoiceTotal, rec.CalculatedTotal, rec.Variance, rec.Result, rec.ReconciledAt).Scan(&rec.ID)
	return rec, err
}

func (t *txRepo) InsertDispute(ctx context.Context, d Dispute) (Dispute, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO invoice_disputes (invoice_id, reason, disputed_amount, status, created_by, created_at)
VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6) RETURNING id`, d.InvoiceID, d.Reason, d.DisputedAmount, d.Status, d.CreatedBy, d.CreatedAt).Scan(&d.ID)
	return d, err
}

func (t *txRepo) LockDispute(ctx context.Context, id int64) (Dispute, error) {
	d, err := scanDispute(t.tx.QueryRow(ctx, `SELECT `+disputeColumns+` FROM invoice_disputes WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Dispute{}, shared.NotFound("invoice", "dispute %d not found", id)
	}
	return d, err
}

func (t *txRepo) UpdateDispute(ctx context.Context, d Dispute) error {
	_, err := t.tx.Exec(ctx, `UPDATE invoice_disputes SET status = $2, resolution = $3, resolved_at = $4 WHERE id = $1`,
		d.ID, d.Status, d.Resolution, d.ResolvedAt)
	return err
}

func (t *txRepo) Audit(ctx context.Context, log shared.AuditLog) error {
	if log.At.IsZero() {
		log.At = time.Now().UTC()
	}
	return t.audit.Record(ctx, log)
}
