// Package masterdata reads warehouse and SKU reference records owned by
// other systems. Nothing here writes to those tables.
package masterdata

import "context"

// Warehouse is a physical site that holds stock.
type Warehouse struct {
	ID     int64  `json:"id"`
	Code   string `json:"code"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// SKU is a stock keeping unit shipped in cartons.
type SKU struct {
	ID             int64  `json:"id"`
	Code           string `json:"code"`
	UnitsPerCarton int64  `json:"units_per_carton"`
}

// Lookup resolves reference records by id.
type Lookup interface {
	Warehouse(ctx context.Context, id int64) (Warehouse, error)
	SKU(ctx context.Context, id int64) (SKU, error)
	ActiveWarehouses(ctx context.Context) ([]Warehouse, error)
}
