package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/progami/WMS-EcomOS-sub000/internal/jobs"
	"github.com/progami/WMS-EcomOS-sub000/internal/shared"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskStorageCosts recomputes weekly storage costs for a billing period.
	TaskStorageCosts = "costs:storage"
	// TaskIdempotencyCleanup purges expired idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// uniqueWindow bounds how long a manually enqueued cost run blocks duplicates.
const uniqueWindow = time.Hour

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// StorageCostsPayload selects the warehouse and period to cost. Zero values
// mean every active warehouse and the period containing the run time.
type StorageCostsPayload struct {
	WarehouseID int64     `json:"warehouse_id,omitempty"`
	PeriodStart time.Time `json:"period_start,omitempty"`
	PeriodEnd   time.Time `json:"period_end,omitempty"`
}

// NewStorageCostsTask builds the scheduled task for the current period.
func NewStorageCostsTask() (*asynq.Task, error) {
	body, err := json.Marshal(StorageCostsPayload{})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStorageCosts, body, asynq.Queue(QueueDefault)), nil
}

// NewStorageCostsRunTask builds a one-off run for an explicit warehouse and
// period. Enqueueing the same run twice within the unique window is rejected.
func NewStorageCostsRunTask(warehouseID int64, period shared.BillingPeriod) (*asynq.Task, error) {
	payload := StorageCostsPayload{WarehouseID: warehouseID, PeriodStart: period.Start, PeriodEnd: period.End}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStorageCosts, body,
		asynq.Queue(QueueDefault),
		asynq.TaskID(shared.CostRunKey(warehouseID, period)),
		asynq.Unique(uniqueWindow),
		asynq.MaxRetry(3),
	), nil
}

// IdempotencyCleanupPayload carries the retention applied by a cleanup run.
type IdempotencyCleanupPayload struct {
	Retention time.Duration `json:"retention"`
}

// NewIdempotencyCleanupTask builds the cleanup task.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencyCleanupPayload{Retention: retention})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}
