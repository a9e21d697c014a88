package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/progami/WMS-EcomOS-sub000/internal/billing"
	jobmetrics "github.com/progami/WMS-EcomOS-sub000/internal/jobs"
	"github.com/progami/WMS-EcomOS-sub000/internal/shared"
)

type stubCalculator struct {
	inputs []billing.CalculateCostsInput
	result billing.CostRunResult
	err    error
}

func (s *stubCalculator) CalculateCosts(_ context.Context, input billing.CalculateCostsInput) (billing.CostRunResult, error) {
	s.inputs = append(s.inputs, input)
	return s.result, s.err
}

type stubPurger struct {
	retention time.Duration
	purged    int64
	err       error
}

func (s *stubPurger) Cleanup(_ context.Context, olderThan time.Duration) (int64, error) {
	s.retention = olderThan
	return s.purged, s.err
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			if labelsMatch(metric, labels) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	matched := 0
	for _, pair := range metric.GetLabel() {
		if want, ok := labels[pair.GetName()]; ok {
			if want != pair.GetValue() {
				return false
			}
			matched++
		}
	}
	return matched == len(labels)
}

func TestStorageCostsJobRunsCurrentPeriod(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(reg)
	calc := &stubCalculator{result: billing.CostRunResult{
		RunID:       "run-1",
		PeriodStart: time.Date(2024, time.January, 16, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2024, time.February, 15, 0, 0, 0, 0, time.UTC),
		CostCount:   8,
		TotalAmount: decimal.NewFromInt(168),
		Warehouses:  []billing.WarehouseRun{{WarehouseID: 1}, {WarehouseID: 2}},
	}}
	job := NewStorageCostsJob(calc, nil, metrics)

	task, err := NewStorageCostsTask()
	require.NoError(t, err)
	require.Equal(t, TaskStorageCosts, task.Type())
	require.NoError(t, job.Handle(context.Background(), task))

	require.Len(t, calc.inputs, 1)
	require.Zero(t, calc.inputs[0].WarehouseID)
	require.True(t, calc.inputs[0].PeriodStart.IsZero())
	require.Empty(t, calc.inputs[0].IdempotencyKey)

	require.Equal(t, 1.0, counterValue(t, reg, "wms_jobs_total", map[string]string{"job": TaskStorageCosts, "status": "success"}))
	require.Equal(t, 2.0, counterValue(t, reg, "wms_jobs_warehouses_costed_total", nil))
}

func TestStorageCostsJobPassesExplicitRun(t *testing.T) {
	calc := &stubCalculator{}
	job := NewStorageCostsJob(calc, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	period := shared.BillingPeriodFor(2024, time.March)

	task, err := NewStorageCostsRunTask(7, period)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	require.Len(t, calc.inputs, 1)
	require.Equal(t, int64(7), calc.inputs[0].WarehouseID)
	require.True(t, calc.inputs[0].PeriodStart.Equal(period.Start))
	require.True(t, calc.inputs[0].PeriodEnd.Equal(period.End))
}

func TestStorageCostsJobRetryPolicy(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		skipRetry bool
	}{
		{name: "missing rate", err: shared.Validation("billing", "no storage rate"), skipRetry: true},
		{name: "unknown warehouse", err: shared.ExternalLookup("billing", "warehouse 9 not found"), skipRetry: true},
		{name: "serialization conflict", err: shared.Conflict("billing", "retry"), skipRetry: false},
		{name: "database down", err: errors.New("connection refused"), skipRetry: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reg := prometheus.NewRegistry()
			job := NewStorageCostsJob(&stubCalculator{err: tc.err}, nil, jobmetrics.NewMetrics(reg))
			task, err := NewStorageCostsTask()
			require.NoError(t, err)

			err = job.Handle(context.Background(), task)
			require.Error(t, err)
			require.ErrorIs(t, err, tc.err)
			require.Equal(t, tc.skipRetry, errors.Is(err, asynq.SkipRetry))
			require.Equal(t, 1.0, counterValue(t, reg, "wms_jobs_failures_total", map[string]string{"job": TaskStorageCosts}))
		})
	}
}

func TestStorageCostsJobRejectsBadPayload(t *testing.T) {
	calc := &stubCalculator{}
	job := NewStorageCostsJob(calc, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	err := job.Handle(context.Background(), asynq.NewTask(TaskStorageCosts, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.Empty(t, calc.inputs)
}

func TestIdempotencyCleanupJob(t *testing.T) {
	reg := prometheus.NewRegistry()
	store := &stubPurger{purged: 12}
	job := NewIdempotencyCleanupJob(store, nil, jobmetrics.NewMetrics(reg))

	task, err := NewIdempotencyCleanupTask(48 * time.Hour)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, 48*time.Hour, store.retention)
	require.Equal(t, 12.0, counterValue(t, reg, "wms_jobs_idempotency_keys_purged_total", nil))

	task, err = NewIdempotencyCleanupTask(0)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, defaultRetention, store.retention)
}

func TestIdempotencyCleanupJobFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	job := NewIdempotencyCleanupJob(&stubPurger{err: errors.New("timeout")}, nil, jobmetrics.NewMetrics(reg))
	task, err := NewIdempotencyCleanupTask(time.Hour)
	require.NoError(t, err)
	require.Error(t, job.Handle(context.Background(), task))
	require.Equal(t, 1.0, counterValue(t, reg, "wms_jobs_total", map[string]string{"job": TaskIdempotencyCleanup, "status": "failure"}))
}

func TestStorageCostsRunTaskPayload(t *testing.T) {
	period := shared.BillingPeriodFor(2024, time.February)
	task, err := NewStorageCostsRunTask(3, period)
	require.NoError(t, err)

	var payload StorageCostsPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	require.Equal(t, int64(3), payload.WarehouseID)
	require.True(t, payload.PeriodStart.Equal(period.Start))
}

type stubInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (s stubInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) {
	return s.info, s.err
}

func TestHealthHandler(t *testing.T) {
	cases := []struct {
		name      string
		inspector QueueInspector
		status    int
		pending   int
	}{
		{name: "no inspector", status: http.StatusOK},
		{name: "queue info", inspector: stubInspector{info: &asynq.QueueInfo{Queue: QueueDefault, Pending: 4, Retry: 1}}, status: http.StatusOK, pending: 4},
		{name: "redis down", inspector: stubInspector{err: errors.New("dial tcp")}, status: http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := chi.NewRouter()
			NewHandler(tc.inspector, nil).MountRoutes(r)
			rr := httptest.NewRecorder()
			r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
			require.Equal(t, tc.status, rr.Code)
			if tc.status != http.StatusOK {
				return
			}
			var body queueHealth
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
			require.Equal(t, QueueDefault, body.Queue)
			require.Equal(t, tc.pending, body.Pending)
		})
	}
}

func TestNewWorkerRequiresHandlers(t *testing.T) {
	_, err := NewWorker(WorkerConfig{RedisOpts: asynq.RedisClientOpt{Addr: "127.0.0.1:0"}})
	require.Error(t, err)
}
