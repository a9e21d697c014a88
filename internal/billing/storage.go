package billing

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/progami/WMS-EcomOS-sub000/internal/ledger"
	"github.com/progami/WMS-EcomOS-sub000/internal/shared"
)

// StorageRun is the output of one warehouse's storage calculation.
type StorageRun struct {
	Entries []StorageLedgerEntry
	Costs   []CalculatedCost
}

// Total sums the calculated costs of the run.
func (r StorageRun) Total() decimal.Decimal {
	total := decimal.Zero
	for _, c := range r.Costs {
		total = total.Add(c.Amount)
	}
	return total
}

// ComputeStorage snapshots every batch of the warehouse at the end of each
// Saturday in period and charges pallets × weekly rate. movements must hold
// the warehouse's movements up to at least the period end. The result is a
// pure function of its inputs, so recomputing the same period yields the same
// rows.
func ComputeStorage(warehouseID int64, period shared.BillingPeriod, batches []ledger.Batch, movements []ledger.Movement, rates []CostRate, runAt time.Time) (StorageRun, error) {
	byKey := make(map[ledger.BatchKey][]ledger.Movement)
	for _, m := range movements {
		if m.WarehouseID == warehouseID {
			byKey[m.Key()] = append(byKey[m.Key()], m)
		}
	}
	keys := make([]ledger.Batch, 0, len(batches))
	for _, b := range batches {
		if b.WarehouseID == warehouseID {
			keys = append(keys, b)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].BatchKey.Less(keys[j].BatchKey) })

	storageRates := filterRates(rates, warehouseID, CategoryStorage)
	var run StorageRun
	aggregate := make(map[ledger.BatchKey]*CalculatedCost)
	var order []ledger.BatchKey

	for _, weekEnding := range period.WeekEndings() {
		instant := shared.SnapshotInstant(weekEnding)
		for _, b := range keys {
			bal, err := ledger.ProjectAt(b.BatchKey, byKey[b.BatchKey], 1, instant)
			if err != nil {
				return StorageRun{}, err
			}
			if bal.CurrentCartons == 0 {
				continue
			}
			cpp := b.StorageCartonsPerPallet
			if cpp <= 0 {
				cpp = bal.StorageCartonsPerPallet
			}
			if cpp <= 0 {
				return StorageRun{}, shared.DataIntegrity("billing.storage", "batch %s has no storage pallet configuration", b.BatchKey)
			}
			rate, ok := rateOn(storageRates, weekEnding)
			if !ok {
				return StorageRun{}, shared.Validation("billing.storage", "warehouse %d has no storage rate effective on %s", warehouseID, weekEnding.Format(time.DateOnly))
			}
			pallets := ledger.CeilDiv(bal.CurrentCartons, cpp)
			cost := rate.UnitRate.Mul(decimal.NewFromInt(pallets)).Round(2)
			run.Entries = append(run.Entries, StorageLedgerEntry{
				WarehouseID:        warehouseID,
				SKUID:              b.SKUID,
				BatchLot:           b.BatchLot,
				WeekEndingDate:     weekEnding,
				CartonsAtSnapshot:  bal.CurrentCartons,
				PalletsCharged:     pallets,
				WeeklyRate:         rate.UnitRate,
				WeeklyCost:         cost,
				BillingPeriodStart: period.Start,
				BillingPeriodEnd:   period.End,
				CalculatedAt:       runAt,
			})

			agg, ok := aggregate[b.BatchKey]
			if !ok {
				agg = &CalculatedCost{
					WarehouseID:  warehouseID,
					Category:     CategoryStorage,
					SKUID:        b.SKUID,
					BatchLot:     b.BatchLot,
					Quantity:     decimal.Zero,
					Amount:       decimal.Zero,
					PeriodStart:  period.Start,
					PeriodEnd:    period.End,
					CalculatedAt: runAt,
				}
				aggregate[b.BatchKey] = agg
				order = append(order, b.BatchKey)
			}
			agg.Name = rate.Name
			agg.UnitRate = rate.UnitRate
			agg.Quantity = agg.Quantity.Add(decimal.NewFromInt(pallets))
			agg.Amount = agg.Amount.Add(cost)
		}
	}
	sort.Slice(order, func(i, j int) bool { return order[i].Less(order[j]) })
	for _, k := range order {
		run.Costs = append(run.Costs, *aggregate[k])
	}
	return run, nil
}

func filterRates(rates []CostRate, warehouseID int64, categories ...Category) []CostRate {
	var out []CostRate
	for _, r := range rates {
		if r.WarehouseID != warehouseID {
			continue
		}
		for _, c := range categories {
			if r.Category == c {
				out = append(out, r)
				break
			}
		}
	}
	return out
}

// rateOn picks the rate effective on t, preferring the latest effective date.
func rateOn(rates []CostRate, t time.Time) (CostRate, bool) {
	var best CostRate
	found := false
	for _, r := range rates {
		if !r.EffectiveOn(t) {
			continue
		}
		if !found || r.EffectiveDate.After(best.EffectiveDate) || (r.EffectiveDate.Equal(best.EffectiveDate) && r.ID > best.ID) {
			best = r
			found = true
		}
	}
	return best, found
}
