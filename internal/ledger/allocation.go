package ledger

import (
	"fmt"
	"sort"
	"strings"

	"github.com/progami/WMS-EcomOS-sub000/internal/shared"
)

// AllocationOrder selects how batch age is measured.
type AllocationOrder string

const (
	// OrderFIFO draws from the earliest received batch first.
	OrderFIFO AllocationOrder = "fifo"
	// OrderFEFO draws from the earliest expiring batch first.
	OrderFEFO AllocationOrder = "fefo"
)

// ParseAllocationOrder accepts "fifo" or "fefo" in any case.
func ParseAllocationOrder(v string) (AllocationOrder, error) {
	switch AllocationOrder(strings.ToLower(strings.TrimSpace(v))) {
	case "", OrderFIFO:
		return OrderFIFO, nil
	case OrderFEFO:
		return OrderFEFO, nil
	}
	return "", fmt.Errorf("ledger: unknown allocation order %q", v)
}

// Candidate is a batch balance offered to the allocator.
type Candidate struct {
	Balance
	Reserved int64
}

// Available is the unreserved carton count.
func (c Candidate) Available() int64 {
	if avail := c.CurrentCartons - c.Reserved; avail > 0 {
		return avail
	}
	return 0
}

// Allocation is the outcome of a successful allocation.
type Allocation struct {
	WarehouseID int64            `json:"warehouse_id"`
	SKUID       int64            `json:"sku_id"`
	Requested   int64            `json:"requested"`
	Lines       []AllocationLine `json:"lines"`
}

// BatchAvailability reports what one batch could contribute.
type BatchAvailability struct {
	BatchLot  string `json:"batch_lot"`
	Available int64  `json:"available"`
}

// InsufficientInventoryError describes a shortfall. It matches
// shared.ErrInsufficientInventory under errors.Is.
type InsufficientInventoryError struct {
	WarehouseID int64
	SKUID       int64
	Requested   int64
	Available   int64
	Batches     []BatchAvailability
}

func (e *InsufficientInventoryError) Error() string {
	return fmt.Sprintf("ledger: insufficient inventory for sku %d in warehouse %d: requested %d, available %d (short %d)",
		e.SKUID, e.WarehouseID, e.Requested, e.Available, e.Shortfall())
}

// Shortfall is the number of cartons that could not be allocated.
func (e *InsufficientInventoryError) Shortfall() int64 { return e.Requested - e.Available }

func (e *InsufficientInventoryError) Unwrap() error { return shared.ErrInsufficientInventory }

// SortCandidates orders candidates oldest first for the given order, breaking
// ties on batch lot.
func SortCandidates(order AllocationOrder, candidates []Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if order == OrderFEFO {
			switch {
			case a.ExpiryDate != nil && b.ExpiryDate == nil:
				return true
			case a.ExpiryDate == nil && b.ExpiryDate != nil:
				return false
			case a.ExpiryDate != nil && b.ExpiryDate != nil && !a.ExpiryDate.Equal(*b.ExpiryDate):
				return a.ExpiryDate.Before(*b.ExpiryDate)
			}
		}
		if !a.FirstReceivedAt.Equal(b.FirstReceivedAt) {
			return a.FirstReceivedAt.Before(b.FirstReceivedAt)
		}
		return a.BatchLot < b.BatchLot
	})
}

// Allocate draws requested cartons greedily from the oldest batches. Either
// the full quantity is allocated or an InsufficientInventoryError is returned
// and nothing is allocated.
func Allocate(order AllocationOrder, warehouseID, skuID, requested int64, candidates []Candidate) (Allocation, error) {
	if requested <= 0 {
		return Allocation{}, shared.Validation("ledger.allocate", "requested cartons must be positive")
	}
	pool := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.WarehouseID != warehouseID || c.SKUID != skuID {
			continue
		}
		if c.Available() > 0 {
			pool = append(pool, c)
		}
	}
	SortCandidates(order, pool)

	var total int64
	batches := make([]BatchAvailability, 0, len(pool))
	for _, c := range pool {
		total += c.Available()
		batches = append(batches, BatchAvailability{BatchLot: c.BatchLot, Available: c.Available()})
	}
	if total < requested {
		return Allocation{}, &InsufficientInventoryError{
			WarehouseID: warehouseID,
			SKUID:       skuID,
			Requested:   requested,
			Available:   total,
			Batches:     batches,
		}
	}

	alloc := Allocation{WarehouseID: warehouseID, SKUID: skuID, Requested: requested}
	remaining := requested
	for _, c := range pool {
		if remaining == 0 {
			break
		}
		take := min(c.Available(), remaining)
		alloc.Lines = append(alloc.Lines, AllocationLine{BatchLot: c.BatchLot, Cartons: take})
		remaining -= take
	}
	return alloc, nil
}

// ProblemDetails exposes the shortfall breakdown to API clients.
func (e *InsufficientInventoryError) ProblemDetails() any {
	return map[string]any{
		"warehouse_id": e.WarehouseID,
		"sku_id":       e.SKUID,
		"requested":    e.Requested,
		"available":    e.Available,
		"shortfall":    e.Shortfall(),
		"batches":      e.Batches,
	}
}
