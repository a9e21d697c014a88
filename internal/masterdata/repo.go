package masterdata

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/progami/WMS-EcomOS-sub000/internal/shared"
)

// Repository reads reference data from PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Lookup = (*Repository)(nil)

// Warehouse fetches a warehouse by id.
func (r *Repository) Warehouse(ctx context.Context, id int64) (Warehouse, error) {
	var w Warehouse
	err := r.pool.QueryRow(ctx, `SELECT id, code, name, is_active FROM warehouses WHERE id = $1`, id).
		Scan(&w.ID, &w.Code, &w.Name, &w.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Warehouse{}, shared.ExternalLookup("masterdata", "warehouse %d not found", id)
		}
		return Warehouse{}, err
	}
	return w, nil
}

// SKU fetches a SKU by id.
func (r *Repository) SKU(ctx context.Context, id int64) (SKU, error) {
	var s SKU
	err := r.pool.QueryRow(ctx, `SELECT id, code, units_per_carton FROM skus WHERE id = $1`, id).
		Scan(&s.ID, &s.Code, &s.UnitsPerCarton)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SKU{}, shared.ExternalLookup("masterdata", "sku %d not found", id)
		}
		return SKU{}, err
	}
	return s, nil
}

// ActiveWarehouses lists warehouses flagged active, ordered by code.
func (r *Repository) ActiveWarehouses(ctx context.Context) ([]Warehouse, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, code, name, is_active FROM warehouses WHERE is_active = true ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Warehouse
	for rows.Next() {
		var w Warehouse
		if err := rows.Scan(&w.ID, &w.Code, &w.Name, &w.Active); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
