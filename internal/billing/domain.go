// Package billing computes storage and handling charges from the ledger.
package billing

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/progami/WMS-EcomOS-sub000/internal/ledger"
)

// Category groups cost rates.
type Category string

const (
	CategoryStorage   Category = "storage"
	CategoryContainer Category = "container"
	CategoryUnloading Category = "unloading"
	CategoryPick      Category = "pick"
	CategoryPack      Category = "pack"
	CategoryLoad      Category = "load"
	CategoryTransport Category = "transport"
)

// UnitOfMeasure states what a rate is charged against.
type UnitOfMeasure string

const (
	PerPalletWeek UnitOfMeasure = "per_pallet_week"
	PerContainer  UnitOfMeasure = "per_container"
	PerShipment   UnitOfMeasure = "per_shipment"
	PerCarton     UnitOfMeasure = "per_carton"
	PerPallet     UnitOfMeasure = "per_pallet"
	PerUnit       UnitOfMeasure = "per_unit"
)

// handlingCategories lists the rate categories charged per movement type.
var handlingCategories = map[ledger.MovementType][]Category{
	ledger.MovementReceive: {CategoryContainer, CategoryUnloading},
	ledger.MovementShip:    {CategoryPick, CategoryPack, CategoryLoad, CategoryTransport},
}

// CostRate is a warehouse tariff line.
type CostRate struct {
	ID            int64           `json:"id"`
	WarehouseID   int64           `json:"warehouse_id"`
	Category      Category        `json:"category"`
	Name          string          `json:"name"`
	UnitRate      decimal.Decimal `json:"unit_rate"`
	UnitOfMeasure UnitOfMeasure   `json:"unit_of_measure"`
	EffectiveDate time.Time       `json:"effective_date"`
	EndDate       *time.Time      `json:"end_date,omitempty"`
}

// EffectiveOn reports whether the rate applies on the calendar date of t.
func (r CostRate) EffectiveOn(t time.Time) bool {
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	if d.Before(r.EffectiveDate) {
		return false
	}
	return r.EndDate == nil || !d.After(*r.EndDate)
}

// CalculatedCost is one computed charge.
type CalculatedCost struct {
	ID               int64           `json:"id"`
	WarehouseID      int64           `json:"warehouse_id"`
	Category         Category        `json:"category"`
	Name             string          `json:"name"`
	SKUID            int64           `json:"sku_id,omitempty"`
	BatchLot         string          `json:"batch_lot,omitempty"`
	Quantity         decimal.Decimal `json:"quantity"`
	UnitRate         decimal.Decimal `json:"unit_rate"`
	Amount           decimal.Decimal `json:"amount"`
	PeriodStart      time.Time       `json:"period_start"`
	PeriodEnd        time.Time       `json:"period_end"`
	SourceMovementID int64           `json:"source_movement_id,omitempty"`
	CalculatedAt     time.Time       `json:"calculated_at"`
}

// StorageLedgerEntry is the weekly storage charge for one batch.
type StorageLedgerEntry struct {
	WarehouseID        int64           `json:"warehouse_id"`
	SKUID              int64           `json:"sku_id"`
	BatchLot           string          `json:"batch_lot"`
	WeekEndingDate     time.Time       `json:"week_ending_date"`
	CartonsAtSnapshot  int64           `json:"cartons_at_snapshot"`
	PalletsCharged     int64           `json:"pallets_charged"`
	WeeklyRate         decimal.Decimal `json:"weekly_rate"`
	WeeklyCost         decimal.Decimal `json:"weekly_cost"`
	BillingPeriodStart time.Time       `json:"billing_period_start"`
	BillingPeriodEnd   time.Time       `json:"billing_period_end"`
	CalculatedAt       time.Time       `json:"calculated_at"`
}

// CalculateCostsInput requests a storage cost run. A zero WarehouseID runs
// every active warehouse; a zero period defaults to the one containing now.
type CalculateCostsInput struct {
	WarehouseID    int64     `json:"warehouse_id,omitempty" validate:"gte=0"`
	PeriodStart    time.Time `json:"period_start"`
	PeriodEnd      time.Time `json:"period_end"`
	IdempotencyKey string    `json:"-"`
}

// WarehouseRun summarises one warehouse's part of a cost run.
type WarehouseRun struct {
	WarehouseID int64           `json:"warehouse_id"`
	CostCount   int             `json:"cost_count"`
	EntryCount  int             `json:"entry_count"`
	Superseded  int64           `json:"superseded"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}

// CostRunResult is returned by CalculateCosts.
type CostRunResult struct {
	RunID       string          `json:"run_id"`
	PeriodStart time.Time       `json:"period_start"`
	PeriodEnd   time.Time       `json:"period_end"`
	CostCount   int             `json:"cost_count"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Warehouses  []WarehouseRun  `json:"warehouses"`
}

// StorageLedgerFilter narrows storage ledger reads.
type StorageLedgerFilter struct {
	WarehouseID int64
	PeriodStart time.Time
	PeriodEnd   time.Time
	SKUID       int64
}

// CategoryTotal is the summed amount for one category.
type CategoryTotal struct {
	Category Category        `json:"category"`
	Quantity decimal.Decimal `json:"quantity"`
	Amount   decimal.Decimal `json:"amount"`
}

// Summary totals calculated costs for a warehouse and period.
type Summary struct {
	WarehouseID int64           `json:"warehouse_id"`
	PeriodStart time.Time       `json:"period_start"`
	PeriodEnd   time.Time       `json:"period_end"`
	Total       decimal.Decimal `json:"total"`
	Categories  []CategoryTotal `json:"categories"`
}
