package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/progami/WMS-EcomOS-sub000/internal/billing"
	jobmetrics "github.com/progami/WMS-EcomOS-sub000/internal/jobs"
	"github.com/progami/WMS-EcomOS-sub000/internal/shared"
)

// CostCalculator is the billing surface the storage cost job drives.
type CostCalculator interface {
	CalculateCosts(ctx context.Context, input billing.CalculateCostsInput) (billing.CostRunResult, error)
}

// StorageCostsJob runs the weekly storage cost calculation.
type StorageCostsJob struct {
	Costs   CostCalculator
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewStorageCostsJob initialises the storage cost handler.
func NewStorageCostsJob(costs CostCalculator, logger *slog.Logger, metrics *jobmetrics.Metrics) *StorageCostsJob {
	return &StorageCostsJob{Costs: costs, Logger: logger, Metrics: metrics}
}

// Handle executes one cost run. Validation and lookup failures are not
// retried; conflicts and infrastructure errors are.
func (j *StorageCostsJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Costs == nil {
		return errors.New("storage costs: handler not configured")
	}
	var payload StorageCostsPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("storage costs: decode payload: %v: %w", err, asynq.SkipRetry)
	}

	tracker := j.metrics().Track(TaskStorageCosts)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.Int64("warehouse_id", payload.WarehouseID))
	result, err := j.Costs.CalculateCosts(ctx, billing.CalculateCostsInput{
		WarehouseID: payload.WarehouseID,
		PeriodStart: payload.PeriodStart,
		PeriodEnd:   payload.PeriodEnd,
	})
	if err != nil {
		logger.Error("storage cost run failed", slog.Any("error", err))
		switch shared.KindOf(err) {
		case shared.KindValidation, shared.KindExternalLookup, shared.KindDataIntegrity:
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err
	}
	j.metrics().AddWarehousesCosted(len(result.Warehouses))
	logger.Info("storage cost run complete",
		slog.String("run_id", result.RunID),
		slog.String("period", shared.BillingPeriod{Start: result.PeriodStart, End: result.PeriodEnd}.Label()),
		slog.Int("warehouses", len(result.Warehouses)),
		slog.Int("costs", result.CostCount),
		slog.String("total", result.TotalAmount.StringFixed(2)),
	)
	return nil
}

func (j *StorageCostsJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskStorageCosts))
	}
	return slog.Default().With(slog.String("job", TaskStorageCosts))
}

func (j *StorageCostsJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
