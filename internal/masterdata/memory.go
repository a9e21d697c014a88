package masterdata

import (
	"context"
	"sort"

	"github.com/progami/WMS-EcomOS-sub000/internal/shared"
)

// Static is an in-memory Lookup used by tests and local tooling.
type Static struct {
	Warehouses map[int64]Warehouse
	SKUs       map[int64]SKU
}

// NewStatic builds a Static lookup from the given records.
func NewStatic(warehouses []Warehouse, skus []SKU) *Static {
	s := &Static{Warehouses: make(map[int64]Warehouse), SKUs: make(map[int64]SKU)}
	for _, w := range warehouses {
		s.Warehouses[w.ID] = w
	}
	for _, k := range skus {
		s.SKUs[k.ID] = k
	}
	return s
}

func (s *Static) Warehouse(_ context.Context, id int64) (Warehouse, error) {
	w, ok := s.Warehouses[id]
	if !ok {
		return Warehouse{}, shared.ExternalLookup("masterdata", "warehouse %d not found", id)
	}
	return w, nil
}

func (s *Static) SKU(_ context.Context, id int64) (SKU, error) {
	k, ok := s.SKUs[id]
	if !ok {
		return SKU{}, shared.ExternalLookup("masterdata", "sku %d not found", id)
	}
	return k, nil
}

func (s *Static) ActiveWarehouses(_ context.Context) ([]Warehouse, error) {
	var out []Warehouse
	for _, w := range s.Warehouses {
		if w.Active {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}
