package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"

	_ "github.com/go-sql-driver/mysql"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	outbox "github.com/velmie/offline-outbox"
	"github.com/velmie/offline-outbox/cmd/internal/zaplog"
	"github.com/velmie/offline-outbox/mysql"
	"github.com/velmie/offline-outbox/sqlite"
)

const userAgent = "outboxctl"

// app carries the state shared by every subcommand.
type app struct {
	out io.Writer

	configPath string
	dbPath     string
	verbose    bool

	cfg    Config
	zap    *zap.Logger
	logger zaplog.Logger
}

// backend is the storage surface the commands need from either store.
type backend interface {
	outbox.Store
	outbox.Consumer
	outbox.Purger
	Close() error
}

type mysqlBackend struct {
	*mysql.Store
	db *sql.DB
}

func (b mysqlBackend) Close() error {
	return b.db.Close()
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{out: out}

	root := &cobra.Command{
		Use:           "outboxctl",
		Short:         "Queue and replay form submissions made while offline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.zap != nil {
				_ = a.zap.Sync()
			}
		},
	}
	root.SetOut(out)

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "path to a YAML config file")
	flags.StringVar(&a.dbPath, "db", "", "sqlite outbox path (overrides config)")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newSubmitCmd(a),
		newPendingCmd(a),
		newReplayCmd(a),
		newPurgeCmd(a),
	)

	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := loadConfig(a.configPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("db") {
		cfg.DB = a.dbPath
		cfg.Store = storeSQLite
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	a.cfg = cfg

	logger, err := zaplog.NewProduction(a.verbose)
	if err != nil {
		return err
	}
	a.zap = logger
	a.logger = zaplog.Wrap(logger)

	return nil
}

func (a *app) openBackend(ctx context.Context) (backend, error) {
	switch a.cfg.Store {
	case storeMySQL:
		db, err := sql.Open("mysql", a.cfg.MySQL.DSN)
		if err != nil {
			return nil, fmt.Errorf("open mysql: %w", err)
		}
		table := a.cfg.MySQL.Table
		if table == "" {
			table = defaultMySQLTable
		}
		if err := mysql.EnsureSchema(ctx, db, table); err != nil {
			_ = db.Close()

			return nil, err
		}
		store, err := mysql.NewStore(db, mysql.WithTable(table), mysql.WithMaxAttempts(a.cfg.Replay.MaxAttempts))
		if err != nil {
			_ = db.Close()

			return nil, err
		}

		return mysqlBackend{Store: store, db: db}, nil
	default:
		store, err := sqlite.Open(ctx, a.cfg.DB,
			sqlite.WithMaxAttempts(a.cfg.Replay.MaxAttempts),
			sqlite.WithLogger(a.logger),
		)
		if err != nil {
			return nil, err
		}

		return store, nil
	}
}

// startMonitor starts a TCP probe toward the endpoint and returns a monitor over it.
func (a *app) startMonitor(ctx context.Context) (*outbox.Monitor, func(), error) {
	address, err := a.cfg.probeAddress()
	if err != nil {
		return nil, nil, err
	}

	probe := outbox.NewProbeSource(address,
		outbox.WithProbeInterval(a.cfg.Probe.Interval),
		outbox.WithProbeTimeout(a.cfg.Probe.Timeout),
		outbox.WithProbeLogger(a.logger),
	)
	probe.Start(ctx)
	monitor := outbox.NewMonitor(probe, outbox.WithMonitorLogger(a.logger))

	stop := func() {
		monitor.Close()
		probe.Stop()
	}

	return monitor, stop, nil
}

func (a *app) transport() *outbox.HTTPTransport {
	opts := []outbox.TransportOption{outbox.WithUserAgent(userAgent)}
	for key, value := range a.cfg.Headers {
		opts = append(opts, outbox.WithHeader(key, value))
	}

	return outbox.NewHTTPTransport(opts...)
}
