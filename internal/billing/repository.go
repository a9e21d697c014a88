package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/progami/WMS-EcomOS-sub000/internal/ledger"
	"github.com/progami/WMS-EcomOS-sub000/internal/platform/db"
	"github.com/progami/WMS-EcomOS-sub000/internal/shared"
)

// Reader runs billing reads on any querier.
type Reader struct {
	q db.DBTX
}

// NewReader binds a Reader to q.
func NewReader(q db.DBTX) Reader {
	return Reader{q: q}
}

// Store is the handling-cost persistence bound to a querier.
type Store struct {
	Reader
}

// NewStore binds a Store to q.
func NewStore(q db.DBTX) *Store {
	return &Store{Reader: NewReader(q)}
}

// BindStore adapts NewStore for HandlingHook.
func BindStore(q db.DBTX) HandlingStore {
	return NewStore(q)
}

// Repository persists billing data in PostgreSQL.
type Repository struct {
	Reader
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{Reader: NewReader(pool), pool: pool}
}

// TxRepository exposes transactional operations used by the cost run.
type TxRepository interface {
	shared.IdempotencyRecords
	ListRates(ctx context.Context, warehouseID int64) ([]CostRate, error)
	LedgerBatches(ctx context.Context, warehouseID int64) ([]ledger.Batch, error)
	LedgerMovements(ctx context.Context, warehouseID int64, before time.Time) ([]ledger.Movement, error)
	UpsertStorageEntries(ctx context.Context, entries []StorageLedgerEntry) error
	UpsertStorageCosts(ctx context.Context, costs []CalculatedCost) error
	DeleteSuperseded(ctx context.Context, warehouseID int64, period shared.BillingPeriod, runAt time.Time) (int64, error)
}

type txRepo struct {
	Reader
	shared.PgIdempotency
	ledger ledger.Reader
	tx     pgx.Tx
}

// WithTx executes the callback inside a serializable transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{
			Reader:        NewReader(tx),
			PgIdempotency: shared.PgIdempotency{Q: tx},
			ledger:        ledger.NewReader(tx),
			tx:            tx,
		})
	})
	if err != nil && db.IsConflict(err) {
		return shared.Wrap(shared.KindConflict, "billing", err)
	}
	return err
}

const rateColumns = `id, warehouse_id, category, name, unit_rate, unit_of_measure, effective_date, end_date`

// ListRates returns every rate of the warehouse ordered by category and date.
func (r Reader) ListRates(ctx context.Context, warehouseID int64) ([]CostRate, error) {
	rows, err := r.q.Query(ctx, `SELECT `+rateColumns+` FROM cost_rates WHERE warehouse_id = $1 ORDER BY category, effective_date, id`, warehouseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CostRate
	for rows.Next() {
		var c CostRate
		if err := rows.Scan(&c.ID, &c.WarehouseID, &c.Category, &c.Name, &c.UnitRate, &c.UnitOfMeasure, &c.EffectiveDate, &c.EndDate); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListStorageLedger returns weekly entries matching the filter.
func (r Reader) ListStorageLedger(ctx context.Context, f StorageLedgerFilter) ([]StorageLedgerEntry, error) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.WarehouseID != 0 {
		add("warehouse_id = $%d", f.WarehouseID)
	}
	if f.SKUID != 0 {
		add("sku_id = $%d", f.SKUID)
	}
	if !f.PeriodStart.IsZero() {
		add("week_ending_date >= $%d", f.PeriodStart)
	}
	if !f.PeriodEnd.IsZero() {
		add("week_ending_date <= $%d", f.PeriodEnd)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	rows, err := r.q.Query(ctx, `SELECT warehouse_id, sku_id, batch_lot, week_ending_date, cartons_at_snapshot, pallets_charged,
	weekly_rate, weekly_cost, billing_period_start, billing_period_end, calculated_at
FROM storage_ledger_entries`+where+` ORDER BY week_ending_date, warehouse_id, sku_id, batch_lot`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StorageLedgerEntry
	for rows.Next() {
		var e StorageLedgerEntry
		if err := rows.Scan(&e.WarehouseID, &e.SKUID, &e.BatchLot, &e.WeekEndingDate, &e.CartonsAtSnapshot, &e.PalletsCharged,
			&e.WeeklyRate, &e.WeeklyCost, &e.BillingPeriodStart, &e.BillingPeriodEnd, &e.CalculatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Summarize totals calculated costs per category for costs that fall inside period.
func (r Reader) Summarize(ctx context.Context, warehouseID int64, period shared.BillingPeriod) (Summary, error) {
	rows, err := r.q.Query(ctx, `SELECT category, COALESCE(SUM(quantity), 0), COALESCE(SUM(amount), 0)
FROM calculated_costs
WHERE warehouse_id = $1 AND period_start >= $2 AND period_end <= $3
GROUP BY category ORDER BY category`, warehouseID, period.Start, period.End)
	if err != nil {
		return Summary{}, err
	}
	defer rows.Close()
	sum := Summary{WarehouseID: warehouseID, PeriodStart: period.Start, PeriodEnd: period.End, Total: decimal.Zero}
	for rows.Next() {
		var ct CategoryTotal
		if err := rows.Scan(&ct.Category, &ct.Quantity, &ct.Amount); err != nil {
			return Summary{}, err
		}
		sum.Categories = append(sum.Categories, ct)
		sum.Total = sum.Total.Add(ct.Amount)
	}
	return sum, rows.Err()
}

// InsertCalculatedCosts appends handling costs.
func (s *Store) InsertCalculatedCosts(ctx context.Context, costs []CalculatedCost) error {
	for _, c := range costs {
		if _, err := s.q.Exec(ctx, `INSERT INTO calculated_costs (warehouse_id, category, name, sku_id, batch_lot, quantity,
	unit_rate, amount, period_start, period_end, source_movement_id, calculated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			c.WarehouseID, c.Category, c.Name, nullID(c.SKUID), nullText(c.BatchLot), c.Quantity,
			c.UnitRate, c.Amount, c.PeriodStart, c.PeriodEnd, nullID(c.SourceMovementID), c.CalculatedAt); err != nil {
			return err
		}
	}
	return nil
}

func (t *txRepo) LedgerBatches(ctx context.Context, warehouseID int64) ([]ledger.Batch, error) {
	return t.ledger.ListBatches(ctx, ledger.BalanceFilter{WarehouseID: warehouseID})
}

func (t *txRepo) LedgerMovements(ctx context.Context, warehouseID int64, before time.Time) ([]ledger.Movement, error) {
	return t.ledger.ListMovements(ctx, ledger.MovementFilter{WarehouseID: warehouseID, Before: before})
}

func (t *txRepo) UpsertStorageEntries(ctx context.Context, entries []StorageLedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`INSERT INTO storage_ledger_entries (warehouse_id, sku_id, batch_lot, week_ending_date, cartons_at_snapshot,
	pallets_charged, weekly_rate, weekly_cost, billing_period_start, billing_period_end, calculated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (warehouse_id, sku_id, batch_lot, week_ending_date) DO UPDATE SET
	cartons_at_snapshot = EXCLUDED.cartons_at_snapshot,
	pallets_charged = EXCLUDED.pallets_charged,
	weekly_rate = EXCLUDED.weekly_rate,
	weekly_cost = EXCLUDED.weekly_cost,
	billing_period_start = EXCLUDED.billing_period_start,
	billing_period_end = EXCLUDED.billing_period_end,
	calculated_at = EXCLUDED.calculated_at`,
			e.WarehouseID, e.SKUID, e.BatchLot, e.WeekEndingDate, e.CartonsAtSnapshot,
			e.PalletsCharged, e.WeeklyRate, e.WeeklyCost, e.BillingPeriodStart, e.BillingPeriodEnd, e.CalculatedAt)
	}
	return t.tx.SendBatch(ctx, batch).Close()
}

func (t *txRepo) UpsertStorageCosts(ctx context.Context, costs []CalculatedCost) error {
	if len(costs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, c := range costs {
		batch.Queue(`INSERT INTO calculated_costs (warehouse_id, category, name, sku_id, batch_lot, quantity,
	unit_rate, amount, period_start, period_end, calculated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (warehouse_id, category, sku_id, batch_lot, period_start, period_end) WHERE source_movement_id IS NULL
DO UPDATE SET name = EXCLUDED.name, quantity = EXCLUDED.quantity, unit_rate = EXCLUDED.unit_rate,
	amount = EXCLUDED.amount, calculated_at = EXCLUDED.calculated_at`,
			c.WarehouseID, c.Category, c.Name, c.SKUID, c.BatchLot, c.Quantity,
			c.UnitRate, c.Amount, c.PeriodStart, c.PeriodEnd, c.CalculatedAt)
	}
	return t.tx.SendBatch(ctx, batch).Close()
}

// DeleteSuperseded removes storage rows of the period that the run at runAt
// did not produce.
func (t *txRepo) DeleteSuperseded(ctx context.Context, warehouseID int64, period shared.BillingPeriod, runAt time.Time) (int64, error) {
	entries, err := t.tx.Exec(ctx, `DELETE FROM storage_ledger_entries
WHERE warehouse_id = $1 AND week_ending_date BETWEEN $2 AND $3 AND calculated_at < $4`, warehouseID, period.Start, period.End, runAt)
	if err != nil {
		return 0, err
	}
	costs, err := t.tx.Exec(ctx, `DELETE FROM calculated_costs
WHERE warehouse_id = $1 AND category = $2 AND source_movement_id IS NULL
	AND period_start = $3 AND period_end = $4 AND calculated_at < $5`, warehouseID, CategoryStorage, period.Start, period.End, runAt)
	if err != nil {
		return 0, err
	}
	return entries.RowsAffected() + costs.RowsAffected(), nil
}

func nullID(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}

func nullText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
