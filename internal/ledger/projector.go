package ledger

import (
	"sort"
	"time"

	"github.com/progami/WMS-EcomOS-sub000/internal/shared"
)

// SortMovements orders movements by (OccurredAt, ID) in place.
func SortMovements(movements []Movement) {
	sort.SliceStable(movements, func(i, j int) bool {
		a, b := movements[i], movements[j]
		if !a.OccurredAt.Equal(b.OccurredAt) {
			return a.OccurredAt.Before(b.OccurredAt)
		}
		return a.ID < b.ID
	})
}

// Project folds the movements of a single key into a balance. Movements for
// other keys must not be passed in. A negative result is a data integrity
// failure and is returned as such, never clamped.
func Project(key BatchKey, movements []Movement, unitsPerCarton int64) (Balance, error) {
	ordered := make([]Movement, len(movements))
	copy(ordered, movements)
	SortMovements(ordered)

	bal := Balance{BatchKey: key}
	for _, m := range ordered {
		if m.Key() != key {
			return Balance{}, shared.DataIntegrity("ledger.project", "movement %d belongs to %s, not %s", m.ID, m.Key(), key)
		}
		bal.CurrentCartons += m.Net()
		if bal.PalletConfig.IsZero() && m.Type == MovementReceive && !m.PalletConfig.IsZero() {
			bal.PalletConfig = m.PalletConfig
		}
		if bal.FirstReceivedAt.IsZero() && m.CartonsIn > 0 {
			bal.FirstReceivedAt = m.OccurredAt
		}
		bal.LastMovementAt = m.OccurredAt
	}
	if bal.PalletConfig.IsZero() {
		// transfers in and adjustments carry the snapshot when no receipt exists
		for _, m := range ordered {
			if !m.PalletConfig.IsZero() {
				bal.PalletConfig = m.PalletConfig
				break
			}
		}
	}
	if bal.CurrentCartons < 0 {
		return bal, shared.DataIntegrity("ledger.project", "balance for %s is negative (%d cartons)", key, bal.CurrentCartons)
	}
	bal.CurrentUnits = bal.CurrentCartons * unitsPerCarton
	bal.CurrentPallets = CeilDiv(bal.CurrentCartons, bal.ShippingCartonsPerPallet)
	return bal, nil
}

// ProjectAt folds only movements that occurred strictly before instant.
func ProjectAt(key BatchKey, movements []Movement, unitsPerCarton int64, instant time.Time) (Balance, error) {
	var before []Movement
	for _, m := range movements {
		if m.OccurredAt.Before(instant) {
			before = append(before, m)
		}
	}
	return Project(key, before, unitsPerCarton)
}

// ProjectAll groups a mixed movement list by key and projects every key.
// Batch metadata, when present, fills in receipt and expiry dates. The result
// is ordered by key.
func ProjectAll(movements []Movement, batches []Batch, unitsPerCarton func(skuID int64) int64) ([]Balance, error) {
	grouped := make(map[BatchKey][]Movement)
	for _, m := range movements {
		grouped[m.Key()] = append(grouped[m.Key()], m)
	}
	meta := make(map[BatchKey]Batch, len(batches))
	for _, b := range batches {
		meta[b.BatchKey] = b
		if _, ok := grouped[b.BatchKey]; !ok {
			grouped[b.BatchKey] = nil
		}
	}
	out := make([]Balance, 0, len(grouped))
	for key, movs := range grouped {
		upc := int64(1)
		if unitsPerCarton != nil {
			upc = unitsPerCarton(key.SKUID)
		}
		bal, err := Project(key, movs, upc)
		if err != nil {
			return nil, err
		}
		if b, ok := meta[key]; ok {
			applyBatch(&bal, b)
		}
		out = append(out, bal)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BatchKey.Less(out[j].BatchKey) })
	return out, nil
}

func applyBatch(bal *Balance, b Batch) {
	if !b.PalletConfig.IsZero() {
		bal.PalletConfig = b.PalletConfig
		bal.CurrentPallets = CeilDiv(bal.CurrentCartons, bal.ShippingCartonsPerPallet)
	}
	if !b.FirstReceivedAt.IsZero() {
		bal.FirstReceivedAt = b.FirstReceivedAt
	}
	bal.ExpiryDate = b.ExpiryDate
}

// NonZero drops balances with no cartons.
func NonZero(balances []Balance) []Balance {
	out := balances[:0:0]
	for _, b := range balances {
		if b.CurrentCartons != 0 {
			out = append(out, b)
		}
	}
	return out
}

// CeilDiv returns ceil(n/d) for non-negative n, or 0 when d is not positive.
func CeilDiv(n, d int64) int64 {
	if d <= 0 || n <= 0 {
		return 0
	}
	return (n + d - 1) / d
}
