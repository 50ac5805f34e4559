package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	outbox "github.com/velmie/offline-outbox"
)

// errSubmitFailed signals that the submission was neither delivered nor queued.
var errSubmitFailed = errors.New("submission failed")

type submitOutput struct {
	Success bool   `json:"success"`
	Queued  bool   `json:"queued"`
	Error   string `json:"error,omitempty"`
	Pending int    `json:"pending"`
}

func newSubmitCmd(a *app) *cobra.Command {
	var (
		target string
		data   string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Deliver a JSON form body, queuing it when the endpoint is unreachable",
		Long: `Deliver a JSON form body to the configured URL.

The body comes from --data or, when --data is omitted, from stdin. While the
endpoint is unreachable, or when the delivery fails transiently, the body is
saved to the outbox for "outboxctl replay".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if target != "" {
				a.cfg.URL = target
			}
			if a.cfg.URL == "" {
				return errors.New("submit: --url or url in config is required")
			}
			if data == "" {
				raw, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("submit: read stdin: %w", err)
				}
				data = strings.TrimSpace(string(raw))
			}

			return a.submit(cmd, json.RawMessage(data))
		},
	}

	cmd.Flags().StringVar(&target, "url", "", "endpoint URL (overrides config)")
	cmd.Flags().StringVarP(&data, "data", "d", "", "JSON object to submit")

	return cmd
}

func (a *app) submit(cmd *cobra.Command, body json.RawMessage) error {
	ctx := cmd.Context()

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

	monitor, stop, err := a.startMonitor(ctx)
	if err != nil {
		return err
	}
	defer stop()

	coordinator := outbox.NewCoordinator(store, monitor, a.transport(), a.cfg.URL,
		outbox.WithCoordinatorLogger(a.logger),
		outbox.WithCoordinatorMetrics(metrics),
		outbox.WithDeliveryTimeout(a.cfg.DeliveryTimeout),
	)
	defer coordinator.Close()

	if err := coordinator.Reconcile(ctx); err != nil {
		a.logger.Warn("outbox pending count unavailable", "err", err)
	}

	result := coordinator.Submit(ctx, body)
	if err := a.writeJSON(submitOutput{
		Success: result.Success,
		Queued:  result.Queued,
		Error:   result.Error(),
		Pending: coordinator.PendingCount(),
	}); err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("%w: %s", errSubmitFailed, result.Error())
	}

	return nil
}

func (a *app) writeJSON(value any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(value); err != nil {
		return fmt.Errorf("write output: %w", err)
	}

	return nil
}
