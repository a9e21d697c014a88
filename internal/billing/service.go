package billing

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/progami/WMS-EcomOS-sub000/internal/masterdata"
	"github.com/progami/WMS-EcomOS-sub000/internal/platform/db"
	"github.com/progami/WMS-EcomOS-sub000/internal/shared"
)

// CostScope namespaces cost-run idempotency keys.
const CostScope = "costs"

const (
	defaultParallelism = 4
	readAttempts       = 3
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListStorageLedger(ctx context.Context, filter StorageLedgerFilter) ([]StorageLedgerEntry, error)
	Summarize(ctx context.Context, warehouseID int64, period shared.BillingPeriod) (Summary, error)
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	Parallelism int
	Now         func() time.Time
}

// Service runs cost calculations.
type Service struct {
	repo        RepositoryPort
	lookup      masterdata.Lookup
	metrics     *Metrics
	logger      *slog.Logger
	parallelism int
	now         func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, lookup masterdata.Lookup, metrics *Metrics, logger *slog.Logger, cfg ServiceConfig) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = defaultParallelism
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		repo:        repo,
		lookup:      lookup,
		metrics:     metrics,
		logger:      logger.With(slog.String("component", "billing")),
		parallelism: cfg.Parallelism,
		now:         cfg.Now,
	}
}

type costPayload struct {
	WarehouseID int64     `json:"warehouse_id"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
}

// CalculateCosts recomputes storage costs for the period. Each warehouse is
// processed in its own transaction; rerunning a period replaces its rows
// rather than adding to them.
func (s *Service) CalculateCosts(ctx context.Context, input CalculateCostsInput) (CostRunResult, error) {
	const op = "billing.calculate_costs"
	if err := shared.ValidateStruct(op, input); err != nil {
		return CostRunResult{}, err
	}
	period, err := s.resolvePeriod(input)
	if err != nil {
		return CostRunResult{}, err
	}
	warehouses, err := s.targetWarehouses(ctx, op, input.WarehouseID)
	if err != nil {
		return CostRunResult{}, err
	}

	started := time.Now()
	defer s.metrics.observe(started)
	runAt := s.now().UTC().Truncate(time.Microsecond)
	result := CostRunResult{
		RunID:       uuid.NewString(),
		PeriodStart: period.Start,
		PeriodEnd:   period.End,
		TotalAmount: decimal.Zero,
		Warehouses:  make([]WarehouseRun, len(warehouses)),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for i, wh := range warehouses {
		g.Go(func() error {
			run, err := s.runWarehouse(gctx, wh.ID, period, runAt, input.IdempotencyKey)
			if err != nil {
				s.metrics.run("failed")
				return fmt.Errorf("warehouse %d: %w", wh.ID, err)
			}
			s.metrics.run("succeeded")
			result.Warehouses[i] = run
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Error("cost run failed", slog.String("run_id", result.RunID), slog.String("period", period.Label()), slog.Any("error", err))
		return CostRunResult{}, err
	}
	for _, w := range result.Warehouses {
		result.CostCount += w.CostCount
		result.TotalAmount = result.TotalAmount.Add(w.TotalAmount)
	}
	s.logger.Info("cost run completed",
		slog.String("run_id", result.RunID),
		slog.String("period", period.Label()),
		slog.Int("warehouses", len(warehouses)),
		slog.Int("costs", result.CostCount),
		slog.String("total", result.TotalAmount.StringFixed(2)))
	return result, nil
}

func (s *Service) runWarehouse(ctx context.Context, warehouseID int64, period shared.BillingPeriod, runAt time.Time, key string) (WarehouseRun, error) {
	if key != "" {
		key = fmt.Sprintf("%s:%d", key, warehouseID)
	}
	payload := costPayload{WarehouseID: warehouseID, Start: period.Start, End: period.End}
	var out WarehouseRun
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		run, _, err := shared.Idempotent(ctx, tx, CostScope, key, payload, func(ctx context.Context) (WarehouseRun, error) {
			return s.computeWarehouse(ctx, tx, warehouseID, period, runAt)
		})
		out = run
		return err
	})
	return out, err
}

func (s *Service) computeWarehouse(ctx context.Context, tx TxRepository, warehouseID int64, period shared.BillingPeriod, runAt time.Time) (WarehouseRun, error) {
	batches, err := tx.LedgerBatches(ctx, warehouseID)
	if err != nil {
		return WarehouseRun{}, err
	}
	movements, err := tx.LedgerMovements(ctx, warehouseID, period.EndExclusive())
	if err != nil {
		return WarehouseRun{}, err
	}
	rates, err := tx.ListRates(ctx, warehouseID)
	if err != nil {
		return WarehouseRun{}, err
	}
	run, err := ComputeStorage(warehouseID, period, batches, movements, rates, runAt)
	if err != nil {
		return WarehouseRun{}, err
	}
	if err := tx.UpsertStorageEntries(ctx, run.Entries); err != nil {
		return WarehouseRun{}, fmt.Errorf("store ledger entries: %w", err)
	}
	if err := tx.UpsertStorageCosts(ctx, run.Costs); err != nil {
		return WarehouseRun{}, fmt.Errorf("store storage costs: %w", err)
	}
	superseded, err := tx.DeleteSuperseded(ctx, warehouseID, period, runAt)
	if err != nil {
		return WarehouseRun{}, fmt.Errorf("remove superseded rows: %w", err)
	}
	s.metrics.charged(run.Costs)
	s.logger.Debug("warehouse storage computed",
		slog.Int64("warehouse_id", warehouseID),
		slog.Int("entries", len(run.Entries)),
		slog.Int64("superseded", superseded))
	return WarehouseRun{
		WarehouseID: warehouseID,
		CostCount:   len(run.Costs),
		EntryCount:  len(run.Entries),
		Superseded:  superseded,
		TotalAmount: run.Total(),
	}, nil
}

// GetStorageLedger lists weekly storage entries.
func (s *Service) GetStorageLedger(ctx context.Context, filter StorageLedgerFilter) ([]StorageLedgerEntry, error) {
	return db.RetryRead(ctx, readAttempts, func(ctx context.Context) ([]StorageLedgerEntry, error) {
		return s.repo.ListStorageLedger(ctx, filter)
	})
}

// Summarize totals calculated costs per category for a warehouse and period.
func (s *Service) Summarize(ctx context.Context, warehouseID int64, start, end time.Time) (Summary, error) {
	if warehouseID <= 0 {
		return Summary{}, shared.Validation("billing.summarize", "warehouse_id is required")
	}
	period, err := shared.NewBillingPeriod(start, end)
	if err != nil {
		return Summary{}, err
	}
	return db.RetryRead(ctx, readAttempts, func(ctx context.Context) (Summary, error) {
		return s.repo.Summarize(ctx, warehouseID, period)
	})
}

func (s *Service) resolvePeriod(input CalculateCostsInput) (shared.BillingPeriod, error) {
	if input.PeriodStart.IsZero() && input.PeriodEnd.IsZero() {
		return shared.BillingPeriodContaining(s.now()), nil
	}
	return shared.AlignedBillingPeriod(input.PeriodStart, input.PeriodEnd)
}

func (s *Service) targetWarehouses(ctx context.Context, op string, warehouseID int64) ([]masterdata.Warehouse, error) {
	if warehouseID == 0 {
		list, err := s.lookup.ActiveWarehouses(ctx)
		if err != nil {
			return nil, err
		}
		sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
		return list, nil
	}
	wh, err := s.lookup.Warehouse(ctx, warehouseID)
	if err != nil {
		return nil, err
	}
	if !wh.Active {
		return nil, shared.Validation(op, "warehouse %d is inactive", warehouseID)
	}
	return []masterdata.Warehouse{wh}, nil
}
