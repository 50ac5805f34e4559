// Command outbox-purge removes old dead-lettered submissions from a MySQL outbox table.
//
// It wraps mysql.PurgeMaintainer for cron jobs that run next to the replicas
// sharing the table. Only one purge runs at a time across all of them.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"

	outbox "github.com/velmie/offline-outbox"
	"github.com/velmie/offline-outbox/cmd/internal/zaplog"
	"github.com/velmie/offline-outbox/mysql"
)

const exitUsage = 2

type options struct {
	dsn        string
	table      string
	retention  time.Duration
	checkEvery time.Duration
	limit      int
	lockName   string
	once       bool
	verbose    bool
}

func main() {
	var opts options

	flag.StringVar(&opts.dsn, "dsn", "", "MySQL DSN, e.g. user:pass@tcp(host:3306)/db?parseTime=true")
	flag.StringVar(&opts.table, "table", "outbox_submissions", "Submissions table name")
	flag.DurationVar(&opts.retention, "retention", 7*24*time.Hour, "Delete dead submissions last updated before now minus this duration")
	flag.DurationVar(&opts.checkEvery, "check-every", time.Hour, "How often to purge")
	flag.IntVar(&opts.limit, "limit", 0, "Max rows deleted per run (0 uses default)")
	flag.StringVar(&opts.lockName, "lock-name", "", "Advisory lock name (optional)")
	flag.BoolVar(&opts.once, "once", false, "Run once and exit")
	flag.BoolVar(&opts.verbose, "verbose", false, "Enable debug logging")
	flag.Parse()

	if opts.dsn == "" {
		fmt.Fprintln(os.Stderr, "dsn is required")
		flag.Usage()
		os.Exit(exitUsage)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	zl, err := zaplog.NewProduction(opts.verbose)
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()
	logger := zaplog.Wrap(zl)

	db, err := sql.Open("mysql", opts.dsn)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	maintainer, err := mysql.NewPurgeMaintainer(db, mysql.PurgeMaintainerConfig{
		Table:      opts.table,
		Retention:  opts.retention,
		CheckEvery: opts.checkEvery,
		Limit:      opts.limit,
		LockName:   opts.lockName,
		Clock:      outbox.SystemClock{},
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("init maintainer: %w", err)
	}

	if opts.once {
		deleted, err := maintainer.Ensure(ctx)
		if err != nil {
			return fmt.Errorf("purge: %w", err)
		}
		logger.Info("purge done", "deleted", deleted, "table", opts.table)

		return nil
	}

	if err := maintainer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run maintainer: %w", err)
	}

	return nil
}
