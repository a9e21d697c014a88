package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"github.com/progami/WMS-EcomOS-sub000/internal/shared"
	"github.com/progami/WMS-EcomOS-sub000/jobs"
)

// Enqueuer submits tasks. *asynq.Client satisfies it.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Inspector reads queue state. *asynq.Inspector satisfies it.
type Inspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
}

// JobsCLI wraps manual management helpers for background jobs.
type JobsCLI struct {
	client    Enqueuer
	inspector Inspector
	now       func() time.Time
}

// NewJobsCLI builds the helpers around an existing client and inspector.
func NewJobsCLI(client Enqueuer, inspector Inspector) *JobsCLI {
	return &JobsCLI{client: client, inspector: inspector, now: time.Now}
}

// Dial connects the helpers to Redis and returns a closer for both handles.
func Dial(redisAddr string) (*JobsCLI, func() error) {
	opts := asynq.RedisClientOpt{Addr: redisAddr}
	client := asynq.NewClient(opts)
	inspector := asynq.NewInspector(opts)
	closer := func() error {
		return errors.Join(inspector.Close(), client.Close())
	}
	return NewJobsCLI(client, inspector), closer
}

// CostsOptions configures the costs command.
type CostsOptions struct {
	WarehouseID int64
	// Period names the billing month as YYYY-MM; 2024-02 covers Jan 16 to Feb 15.
	Period     string
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// EnqueueResult is printed by the enqueue commands.
type EnqueueResult struct {
	TaskID      string `json:"task_id"`
	Type        string `json:"type"`
	Queue       string `json:"queue"`
	WarehouseID int64  `json:"warehouse_id,omitempty"`
	Period      string `json:"period,omitempty"`
}

// CostsCommand enqueues a storage cost run and returns the process exit code.
func (c *JobsCLI) CostsCommand(ctx context.Context, opts CostsOptions) int {
	opts.Stdout, opts.Stderr = writers(opts.Stdout, opts.Stderr)
	if opts.WarehouseID < 0 {
		_, _ = fmt.Fprintln(opts.Stderr, "costs: --warehouse must not be negative")
		return 1
	}
	period, err := c.billingPeriod(opts.Period)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "costs: invalid period %q (expected YYYY-MM)\n", opts.Period)
		return 1
	}
	task, err := jobs.NewStorageCostsRunTask(opts.WarehouseID, period)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "costs: %v\n", err)
		return 1
	}
	info, err := c.client.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		_, _ = fmt.Fprintf(opts.Stderr, "costs: run %s is already queued\n", shared.CostRunKey(opts.WarehouseID, period))
		return 10
	}
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "costs: enqueue: %v\n", err)
		return 1
	}
	result := EnqueueResult{
		TaskID:      info.ID,
		Type:        info.Type,
		Queue:       info.Queue,
		WarehouseID: opts.WarehouseID,
		Period:      period.Label(),
	}
	return render(opts.Stdout, opts.Stderr, opts.JSONOutput, result, func(w io.Writer) {
		scope := "all active warehouses"
		if result.WarehouseID > 0 {
			scope = fmt.Sprintf("warehouse %d", result.WarehouseID)
		}
		_, _ = fmt.Fprintf(w, "queued %s for %s, period %s (task %s)\n", result.Type, scope, result.Period, result.TaskID)
	})
}

// CleanupOptions configures the cleanup command.
type CleanupOptions struct {
	Retention  time.Duration
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// CleanupCommand enqueues an idempotency key purge.
func (c *JobsCLI) CleanupCommand(ctx context.Context, opts CleanupOptions) int {
	opts.Stdout, opts.Stderr = writers(opts.Stdout, opts.Stderr)
	if opts.Retention < 0 {
		_, _ = fmt.Fprintln(opts.Stderr, "cleanup: --retention must not be negative")
		return 1
	}
	task, err := jobs.NewIdempotencyCleanupTask(opts.Retention)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "cleanup: %v\n", err)
		return 1
	}
	info, err := c.client.EnqueueContext(ctx, task, asynq.MaxRetry(3))
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "cleanup: enqueue: %v\n", err)
		return 1
	}
	result := EnqueueResult{TaskID: info.ID, Type: info.Type, Queue: info.Queue}
	return render(opts.Stdout, opts.Stderr, opts.JSONOutput, result, func(w io.Writer) {
		_, _ = fmt.Fprintf(w, "queued %s (task %s)\n", result.Type, result.TaskID)
	})
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
}

// QueueOptions configures the queue command.
type QueueOptions struct {
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// QueueCommand reports the default queue state. A non-empty archive
// (tasks that exhausted their retries) exits with 10.
func (c *JobsCLI) QueueCommand(ctx context.Context, opts QueueOptions) int {
	opts.Stdout, opts.Stderr = writers(opts.Stdout, opts.Stderr)
	info, err := c.inspector.GetQueueInfo(jobs.QueueDefault)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "queue: %v\n", err)
		return 1
	}
	stats := QueueStats{Queue: jobs.QueueDefault}
	if info != nil {
		stats = QueueStats{
			Queue:     info.Queue,
			Pending:   info.Pending,
			Active:    info.Active,
			Scheduled: info.Scheduled,
			Retry:     info.Retry,
			Archived:  info.Archived,
		}
	}
	code := render(opts.Stdout, opts.Stderr, opts.JSONOutput, stats, func(w io.Writer) {
		_, _ = fmt.Fprintf(w, "queue=%s pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
			stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry, stats.Archived)
	})
	if code == 0 && stats.Archived > 0 {
		return 10
	}
	return code
}

func (c *JobsCLI) billingPeriod(raw string) (shared.BillingPeriod, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return shared.BillingPeriodContaining(c.now()), nil
	}
	month, err := time.Parse("2006-01", raw)
	if err != nil {
		return shared.BillingPeriod{}, err
	}
	return shared.BillingPeriodFor(month.Year(), month.Month()), nil
}

func writers(stdout, stderr io.Writer) (io.Writer, io.Writer) {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	return stdout, stderr
}

func render(stdout, stderr io.Writer, asJSON bool, v any, human func(io.Writer)) int {
	if !asJSON {
		human(stdout)
		return 0
	}
	if err := json.NewEncoder(stdout).Encode(v); err != nil {
		_, _ = fmt.Fprintf(stderr, "encode json: %v\n", err)
		return 1
	}
	return 0
}
