package billing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/progami/WMS-EcomOS-sub000/internal/ledger"
	"github.com/progami/WMS-EcomOS-sub000/internal/platform/db"
	"github.com/progami/WMS-EcomOS-sub000/internal/shared"
)

// ComputeHandling prices the movements appended by one request. Per-carton,
// per-pallet and per-unit rates are charged on every movement; per-shipment
// and per-container rates are charged once per warehouse and attached to the
// first movement there. Transport rates only apply when their name matches
// the movement's transport mode.
func ComputeHandling(posted []ledger.PostedMovement, rates []CostRate, runAt time.Time) []CalculatedCost {
	var out []CalculatedCost
	charged := make(map[string]bool)
	for _, m := range posted {
		categories := handlingCategories[m.Type]
		if len(categories) == 0 {
			continue
		}
		cartons := m.CartonsIn
		cpp := m.StorageCartonsPerPallet
		if m.Type == ledger.MovementShip {
			cartons = m.CartonsOut
			cpp = m.ShippingCartonsPerPallet
		}
		period := shared.BillingPeriodContaining(m.OccurredAt)
		for _, r := range filterRates(rates, m.WarehouseID, categories...) {
			if !r.EffectiveOn(m.OccurredAt) {
				continue
			}
			if r.Category == CategoryTransport && !strings.EqualFold(r.Name, m.TransportMode) {
				continue
			}
			var qty int64
			switch r.UnitOfMeasure {
			case PerContainer, PerShipment:
				once := fmt.Sprintf("%d/%d", m.WarehouseID, r.ID)
				if charged[once] || (r.UnitOfMeasure == PerContainer && m.ContainerNumber == "") {
					continue
				}
				charged[once] = true
				qty = 1
			case PerCarton:
				qty = cartons
			case PerPallet:
				qty = ledger.CeilDiv(cartons, cpp)
			case PerUnit:
				qty = cartons * m.UnitsPerCarton
			}
			if qty <= 0 {
				continue
			}
			quantity := decimal.NewFromInt(qty)
			out = append(out, CalculatedCost{
				WarehouseID:      m.WarehouseID,
				Category:         r.Category,
				Name:             r.Name,
				SKUID:            m.SKUID,
				BatchLot:         m.BatchLot,
				Quantity:         quantity,
				UnitRate:         r.UnitRate,
				Amount:           r.UnitRate.Mul(quantity).Round(2),
				PeriodStart:      period.Start,
				PeriodEnd:        period.End,
				SourceMovementID: m.ID,
				CalculatedAt:     runAt,
			})
		}
	}
	return out
}

// HandlingStore is the slice of persistence the handling hook needs, bound to
// the movement transaction.
type HandlingStore interface {
	ListRates(ctx context.Context, warehouseID int64) ([]CostRate, error)
	InsertCalculatedCosts(ctx context.Context, costs []CalculatedCost) error
}

// HandlingHook writes handling costs in the same transaction that appends
// the movements.
type HandlingHook struct {
	bind    func(db.DBTX) HandlingStore
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
}

// NewHandlingHook builds the hook. bind turns the movement transaction into a
// store.
func NewHandlingHook(bind func(db.DBTX) HandlingStore, logger *slog.Logger) *HandlingHook {
	if logger == nil {
		logger = slog.Default()
	}
	return &HandlingHook{bind: bind, logger: logger, now: time.Now}
}

// WithMetrics attaches collectors to the hook.
func (h *HandlingHook) WithMetrics(m *Metrics) *HandlingHook {
	h.metrics = m
	return h
}

// MovementsPosted implements ledger.PostingHook.
func (h *HandlingHook) MovementsPosted(ctx context.Context, tx ledger.TxRepository, posted []ledger.PostedMovement) error {
	if len(posted) == 0 {
		return nil
	}
	store := h.bind(tx.Querier())
	var rates []CostRate
	seen := make(map[int64]bool)
	for _, m := range posted {
		if seen[m.WarehouseID] || len(handlingCategories[m.Type]) == 0 {
			continue
		}
		seen[m.WarehouseID] = true
		rs, err := store.ListRates(ctx, m.WarehouseID)
		if err != nil {
			return fmt.Errorf("billing: load rates for warehouse %d: %w", m.WarehouseID, err)
		}
		rates = append(rates, rs...)
	}
	costs := ComputeHandling(posted, rates, h.now().UTC())
	if len(costs) == 0 {
		return nil
	}
	if err := store.InsertCalculatedCosts(ctx, costs); err != nil {
		return fmt.Errorf("billing: record handling costs: %w", err)
	}
	h.metrics.charged(costs)
	h.logger.Debug("handling costs recorded", slog.Int("count", len(costs)), slog.Int64("movement_id", posted[0].ID))
	return nil
}
