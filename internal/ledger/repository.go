package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/progami/WMS-EcomOS-sub000/internal/platform/db"
	"github.com/progami/WMS-EcomOS-sub000/internal/shared"
)

// Reader runs ledger reads on any querier, pool or transaction.
type Reader struct {
	q db.DBTX
}

// NewReader binds a Reader to q.
func NewReader(q db.DBTX) Reader {
	return Reader{q: q}
}

// Repository persists ledger data in PostgreSQL.
type Repository struct {
	Reader
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{Reader: NewReader(pool), pool: pool}
}

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	shared.IdempotencyRecords
	LockBatch(ctx context.Context, key BatchKey) (Batch, bool, error)
	LockBatches(ctx context.Context, warehouseID, skuID int64) ([]Batch, error)
	InsertBatch(ctx context.Context, batch Batch) error
	MovementsForKey(ctx context.Context, key BatchKey) ([]Movement, error)
	ReservedCartons(ctx context.Context, warehouseID, skuID int64) (map[string]int64, error)
	InsertMovement(ctx context.Context, m Movement) (int64, error)
	// Querier exposes the transaction handle to hooks that write in the same unit of work.
	Querier() db.DBTX
}

type txRepo struct {
	shared.PgIdempotency
	q pgx.Tx
}

// WithTx executes the callback inside a serializable transaction. Lost races
// surface as shared.ErrConflict.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{PgIdempotency: shared.PgIdempotency{Q: tx}, q: tx})
	})
	return txError(err)
}

// txError turns a lost serialization race into a retryable conflict.
func txError(err error) error {
	if err != nil && db.IsConflict(err) {
		return shared.Wrap(shared.KindConflict, "ledger", err)
	}
	return err
}

// FindIdempotency reads a stored movement outcome outside any transaction.
func (r *Repository) FindIdempotency(ctx context.Context, scope, key string) (shared.IdempotencyRecord, bool, error) {
	return shared.PgIdempotency{Q: r.pool}.FindIdempotency(ctx, scope, key)
}

const batchColumns = `warehouse_id, sku_id, batch_lot, storage_cartons_per_pallet, shipping_cartons_per_pallet, first_received_at, expiry_date`

const movementColumns = `id, type, warehouse_id, sku_id, batch_lot, cartons_in, cartons_out,
	storage_cartons_per_pallet, shipping_cartons_per_pallet, occurred_at, reference,
	idempotency_key, created_by, transport_mode, container_number, created_at`

// ListBatches returns batch metadata matching the filter.
func (r Reader) ListBatches(ctx context.Context, filter BalanceFilter) ([]Batch, error) {
	where, args := keyConditions(filter.WarehouseID, filter.SKUID, filter.BatchLot)
	rows, err := r.q.Query(ctx, `SELECT `+batchColumns+` FROM batches`+where+` ORDER BY warehouse_id, sku_id, batch_lot`, args...)
	if err != nil {
		return nil, err
	}
	return collectBatches(rows)
}

// ListMovements returns movements matching the filter in ledger order.
func (r Reader) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	where, args := keyConditions(filter.WarehouseID, filter.SKUID, filter.BatchLot)
	if !filter.Before.IsZero() {
		args = append(args, filter.Before)
		if where == "" {
			where = " WHERE "
		} else {
			where += " AND "
		}
		where += fmt.Sprintf("occurred_at < $%d", len(args))
	}
	rows, err := r.q.Query(ctx, `SELECT `+movementColumns+` FROM movements`+where+` ORDER BY occurred_at, id`, args...)
	if err != nil {
		return nil, err
	}
	return collectMovements(rows)
}

func keyConditions(warehouseID, skuID int64, batchLot string) (string, []any) {
	var conds []string
	var args []any
	if warehouseID != 0 {
		args = append(args, warehouseID)
		conds = append(conds, fmt.Sprintf("warehouse_id = $%d", len(args)))
	}
	if skuID != 0 {
		args = append(args, skuID)
		conds = append(conds, fmt.Sprintf("sku_id = $%d", len(args)))
	}
	if batchLot != "" {
		args = append(args, batchLot)
		conds = append(conds, fmt.Sprintf("batch_lot = $%d", len(args)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (t *txRepo) Querier() db.DBTX { return t.q }

func (t *txRepo) LockBatch(ctx context.Context, key BatchKey) (Batch, bool, error) {
	row := t.q.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches
WHERE warehouse_id = $1 AND sku_id = $2 AND batch_lot = $3 FOR UPDATE`, key.WarehouseID, key.SKUID, key.BatchLot)
	b, err := scanBatch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Batch{}, false, nil
	}
	if err != nil {
		return Batch{}, false, err
	}
	return b, true, nil
}

func (t *txRepo) LockBatches(ctx context.Context, warehouseID, skuID int64) ([]Batch, error) {
	rows, err := t.q.Query(ctx, `SELECT `+batchColumns+` FROM batches
WHERE warehouse_id = $1 AND sku_id = $2 ORDER BY batch_lot FOR UPDATE`, warehouseID, skuID)
	if err != nil {
		return nil, err
	}
	return collectBatches(rows)
}

func (t *txRepo) InsertBatch(ctx context.Context, b Batch) error {
	_, err := t.q.Exec(ctx, `INSERT INTO batches (`+batchColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		b.WarehouseID, b.SKUID, b.BatchLot, b.StorageCartonsPerPallet, b.ShippingCartonsPerPallet, b.FirstReceivedAt, b.ExpiryDate)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return shared.Conflict("ledger", "batch %s was created concurrently", b.BatchKey)
	}
	return err
}

func (t *txRepo) MovementsForKey(ctx context.Context, key BatchKey) ([]Movement, error) {
	rows, err := t.q.Query(ctx, `SELECT `+movementColumns+` FROM movements
WHERE warehouse_id = $1 AND sku_id = $2 AND batch_lot = $3 ORDER BY occurred_at, id`, key.WarehouseID, key.SKUID, key.BatchLot)
	if err != nil {
		return nil, err
	}
	return collectMovements(rows)
}

func (t *txRepo) ReservedCartons(ctx context.Context, warehouseID, skuID int64) (map[string]int64, error) {
	rows, err := t.q.Query(ctx, `SELECT batch_lot, COALESCE(SUM(cartons), 0) FROM batch_reservations
WHERE warehouse_id = $1 AND sku_id = $2 GROUP BY batch_lot`, warehouseID, skuID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int64)
	for rows.Next() {
		var lot string
		var cartons int64
		if err := rows.Scan(&lot, &cartons); err != nil {
			return nil, err
		}
		out[lot] = cartons
	}
	return out, rows.Err()
}

func (t *txRepo) InsertMovement(ctx context.Context, m Movement) (int64, error) {
	var id int64
	err := t.q.QueryRow(ctx, `INSERT INTO movements (type, warehouse_id, sku_id, batch_lot, cartons_in, cartons_out,
	storage_cartons_per_pallet, shipping_cartons_per_pallet, occurred_at, reference,
	idempotency_key, created_by, transport_mode, container_number)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14) RETURNING id`,
		m.Type, m.WarehouseID, m.SKUID, m.BatchLot, m.CartonsIn, m.CartonsOut,
		m.StorageCartonsPerPallet, m.ShippingCartonsPerPallet, m.OccurredAt, m.Reference,
		m.IdempotencyKey, m.CreatedBy, m.TransportMode, m.ContainerNumber).Scan(&id)
	return id, err
}

func scanBatch(row pgx.Row) (Batch, error) {
	var b Batch
	err := row.Scan(&b.WarehouseID, &b.SKUID, &b.BatchLot, &b.StorageCartonsPerPallet, &b.ShippingCartonsPerPallet, &b.FirstReceivedAt, &b.ExpiryDate)
	return b, err
}

func collectBatches(rows pgx.Rows) ([]Batch, error) {
	defer rows.Close()
	var out []Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func collectMovements(rows pgx.Rows) ([]Movement, error) {
	defer rows.Close()
	var out []Movement
	for rows.Next() {
		var m Movement
		if err := rows.Scan(&m.ID, &m.Type, &m.WarehouseID, &m.SKUID, &m.BatchLot, &m.CartonsIn, &m.CartonsOut,
			&m.StorageCartonsPerPallet, &m.ShippingCartonsPerPallet, &m.OccurredAt, &m.Reference,
			&m.IdempotencyKey, &m.CreatedBy, &m.TransportMode, &m.ContainerNumber, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
