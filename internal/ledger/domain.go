// Package ledger owns the append-only movement log, the balance projection
// derived from it and outbound allocation across batches.
package ledger

import (
	"fmt"
	"strings"
	"time"
)

// MovementType enumerates supported ledger movements.
type MovementType string

const (
	// MovementReceive adds cartons to a batch and fixes its pallet configuration.
	MovementReceive MovementType = "RECEIVE"
	// MovementShip removes cartons, allocated across batches when no lot is given.
	MovementShip MovementType = "SHIP"
	// MovementAdjust is a signed manual correction.
	MovementAdjust MovementType = "ADJUST"
	// MovementTransfer moves cartons between warehouses as an out/in pair.
	MovementTransfer MovementType = "TRANSFER"
)

// BatchKey identifies a balance line.
type BatchKey struct {
	WarehouseID int64  `json:"warehouse_id"`
	SKUID       int64  `json:"sku_id"`
	BatchLot    string `json:"batch_lot"`
}

func (k BatchKey) String() string {
	return fmt.Sprintf("%d/%d/%s", k.WarehouseID, k.SKUID, k.BatchLot)
}

// Less orders keys by warehouse, SKU and batch lot.
func (k BatchKey) Less(o BatchKey) bool {
	if k.WarehouseID != o.WarehouseID {
		return k.WarehouseID < o.WarehouseID
	}
	if k.SKUID != o.SKUID {
		return k.SKUID < o.SKUID
	}
	return strings.Compare(k.BatchLot, o.BatchLot) < 0
}

// PalletConfig is the cartons-per-pallet snapshot taken at first receipt.
type PalletConfig struct {
	StorageCartonsPerPallet  int64 `json:"storage_cartons_per_pallet"`
	ShippingCartonsPerPallet int64 `json:"shipping_cartons_per_pallet"`
}

// IsZero reports whether no configuration was captured.
func (c PalletConfig) IsZero() bool {
	return c.StorageCartonsPerPallet == 0 && c.ShippingCartonsPerPallet == 0
}

// Batch is the lock row and metadata for one balance line.
type Batch struct {
	BatchKey
	PalletConfig
	FirstReceivedAt time.Time  `json:"first_received_at"`
	ExpiryDate      *time.Time `json:"expiry_date,omitempty"`
}

// Movement is one immutable ledger row.
type Movement struct {
	ID          int64        `json:"id"`
	Type        MovementType `json:"type"`
	WarehouseID int64        `json:"warehouse_id"`
	SKUID       int64        `json:"sku_id"`
	BatchLot    string       `json:"batch_lot"`
	CartonsIn   int64        `json:"cartons_in"`
	CartonsOut  int64        `json:"cartons_out"`
	PalletConfig
	OccurredAt      time.Time `json:"occurred_at"`
	Reference       string    `json:"reference,omitempty"`
	IdempotencyKey  string    `json:"idempotency_key,omitempty"`
	CreatedBy       string    `json:"created_by,omitempty"`
	TransportMode   string    `json:"transport_mode,omitempty"`
	ContainerNumber string    `json:"container_number,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Key returns the balance line the movement belongs to.
func (m Movement) Key() BatchKey {
	return BatchKey{WarehouseID: m.WarehouseID, SKUID: m.SKUID, BatchLot: m.BatchLot}
}

// Net returns the signed carton change.
func (m Movement) Net() int64 { return m.CartonsIn - m.CartonsOut }

// Balance is the projection of one key's movements.
type Balance struct {
	BatchKey
	CurrentCartons int64 `json:"current_cartons"`
	CurrentUnits   int64 `json:"current_units"`
	CurrentPallets int64 `json:"current_pallets"`
	PalletConfig
	FirstReceivedAt time.Time  `json:"first_received_at"`
	ExpiryDate      *time.Time `json:"expiry_date,omitempty"`
	LastMovementAt  time.Time  `json:"last_movement_at"`
}

// BalanceFilter narrows balance reads. Zero values mean "any".
type BalanceFilter struct {
	WarehouseID int64
	SKUID       int64
	BatchLot    string
	IncludeZero bool
}

// MovementFilter narrows movement reads.
type MovementFilter struct {
	WarehouseID int64
	SKUID       int64
	BatchLot    string
	// Before, when set, excludes movements at or after the instant.
	Before time.Time
}

// MovementItem is one SKU line in a movement request.
type MovementItem struct {
	SKUID    int64  `json:"sku_id" validate:"required,gt=0"`
	BatchLot string `json:"batch_lot" validate:"omitempty,max=64"`
	// Cartons is positive for RECEIVE, SHIP and TRANSFER and signed for ADJUST.
	Cartons                  int64      `json:"cartons" validate:"ne=0"`
	StorageCartonsPerPallet  int64      `json:"storage_cartons_per_pallet" validate:"gte=0"`
	ShippingCartonsPerPallet int64      `json:"shipping_cartons_per_pallet" validate:"gte=0"`
	ExpiryDate               *time.Time `json:"expiry_date,omitempty"`
}

// CreateMovementInput is the request to append movements.
type CreateMovementInput struct {
	Type                   MovementType   `json:"type" validate:"required,oneof=RECEIVE SHIP ADJUST TRANSFER"`
	WarehouseID            int64          `json:"warehouse_id" validate:"required,gt=0"`
	DestinationWarehouseID int64          `json:"destination_warehouse_id,omitempty" validate:"gte=0"`
	Items                  []MovementItem `json:"items" validate:"required,min=1,dive"`
	OccurredAt             time.Time      `json:"occurred_at"`
	Reference              string         `json:"reference,omitempty" validate:"max=128"`
	IdempotencyKey         string         `json:"-"`
	CreatedBy              string         `json:"created_by,omitempty"`
	TransportMode          string         `json:"transport_mode,omitempty" validate:"max=64"`
	ContainerNumber        string         `json:"container_number,omitempty" validate:"max=64"`
}

// AllocationLine is the quantity drawn from one batch.
type AllocationLine struct {
	BatchLot string `json:"batch_lot"`
	Cartons  int64  `json:"cartons"`
}

// MovementResult is returned, and replayed, for a movement request.
type MovementResult struct {
	MovementIDs      []int64          `json:"movement_ids"`
	BalancesAffected []Balance        `json:"balances_affected"`
	Allocations      []AllocationLine `json:"allocations,omitempty"`
}

// PostedMovement pairs an appended movement with the SKU's units per carton.
type PostedMovement struct {
	Movement
	UnitsPerCarton int64
}
