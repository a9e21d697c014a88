// Command wmsctl triggers and inspects WMS background jobs.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/progami/WMS-EcomOS-sub000/cmd/wmsctl/cli"
	"github.com/progami/WMS-EcomOS-sub000/internal/app"
)

const usage = `usage: wmsctl <command> [flags]

commands:
  costs     enqueue a storage cost run (--warehouse, --period YYYY-MM)
  cleanup   enqueue an idempotency key purge (--retention)
  queue     show default queue statistics
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	_ = godotenv.Load()
	if len(args) == 0 {
		_, _ = fmt.Fprint(os.Stderr, usage)
		return 2
	}
	cfg, err := app.LoadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	jobsCLI, closer := cli.Dial(cfg.RedisAddr)
	defer func() { _ = closer() }()

	fs := flag.NewFlagSet(args[0], flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print JSON output")
	switch args[0] {
	case "costs":
		warehouse := fs.Int64("warehouse", 0, "warehouse id; 0 runs every active warehouse")
		period := fs.String("period", "", "billing month as YYYY-MM; empty uses the current period")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		return jobsCLI.CostsCommand(ctx, cli.CostsOptions{WarehouseID: *warehouse, Period: *period, JSONOutput: *asJSON})
	case "cleanup":
		retention := fs.Duration("retention", cfg.IdempotencyRetention, "purge keys older than this")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		return jobsCLI.CleanupCommand(ctx, cli.CleanupOptions{Retention: *retention, JSONOutput: *asJSON})
	case "queue":
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		return jobsCLI.QueueCommand(ctx, cli.QueueOptions{JSONOutput: *asJSON})
	default:
		_, _ = fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", args[0], usage)
		return 2
	}
}
