package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	outbox "github.com/velmie/offline-outbox"
)

type replayOutput struct {
	Tag       string `json:"tag"`
	Delivered int    `json:"delivered"`
	Retried   int    `json:"retried"`
	Dead      int    `json:"dead"`
	Deferred  int    `json:"deferred"`
}

func newReplayCmd(a *app) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Deliver queued submissions",
		Long: `Deliver queued submissions in the order they were saved.

With --once a single batch is replayed and the outcome printed. Otherwise the
replayer keeps running, pausing while the endpoint is unreachable, until it is
interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.replay(cmd.Context(), once)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "replay one batch and exit")

	return cmd
}

func (a *app) replay(ctx context.Context, once bool) error {
	store, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	metrics, shutdown, err := setupTelemetry(ctx, a.cfg.Telemetry)
	if err != nil {
		return err
	}
	defer a.shutdownTelemetry(shutdown)

	opts := []outbox.ReplayOption{
		outbox.WithBatchSize(a.cfg.Replay.BatchSize),
		outbox.WithPollInterval(a.cfg.Replay.PollInterval),
		outbox.WithWorkers(a.cfg.Replay.Workers),
		outbox.WithHandlerTimeout(a.cfg.DeliveryTimeout),
		outbox.WithPendingInterval(a.cfg.Replay.PollInterval),
		outbox.WithLogger(a.logger),
		outbox.WithMetrics(metrics),
		outbox.WithErrorHandler(func(_ context.Context, sub outbox.Submission, err error) {
			a.logger.Debug("outbox replay delivery failed", "id", sub.ID, "url", sub.URL, "err", err)
		}),
	}
	if a.cfg.Replay.RateLimit > 0 {
		opts = append(opts, outbox.WithRateLimit(rate.Limit(a.cfg.Replay.RateLimit), 1))
	}

	if once {
		replayer := outbox.NewReplayer(store, a.transport(), opts...)
		report, err := replayer.ProcessOnce(ctx)
		if err != nil {
			return fmt.Errorf("replay: %w", err)
		}

		return a.writeJSON(replayOutput(report))
	}

	monitor, stop, err := a.startMonitor(ctx)
	if err != nil {
		return err
	}
	defer stop()

	replayer := outbox.NewReplayer(store, a.transport(), append(opts, outbox.WithMonitor(monitor))...)
	unsubscribe := replayer.OnComplete(func(report outbox.ReplayReport) {
		a.logger.Info("outbox replay pass complete",
			"tag", report.Tag,
			"delivered", report.Delivered,
			"retried", report.Retried,
			"dead", report.Dead,
			"deferred", report.Deferred,
		)
	})
	defer unsubscribe()

	a.logger.Info("outbox replayer started", "store", a.cfg.Store, "online", monitor.IsOnline())
	if err := replayer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("replay: %w", err)
	}

	return nil
}
