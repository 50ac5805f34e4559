package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

const defaultPurgeRetention = 7 * 24 * time.Hour

func newPurgeCmd(a *app) *cobra.Command {
	var (
		retention time.Duration
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete dead-lettered submissions older than the retention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if retention <= 0 {
				return errors.New("purge: --retention must be positive")
			}

			store, err := a.openBackend(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			deleted, err := store.PurgeDead(cmd.Context(), time.Now().Add(-retention), limit)
			if err != nil {
				return fmt.Errorf("purge: %w", err)
			}
			a.logger.Info("outbox purge done", "deleted", deleted, "retention", retention.String())
			_, err = fmt.Fprintln(a.out, deleted)

			return err
		},
	}

	cmd.Flags().DurationVar(&retention, "retention", defaultPurgeRetention, "delete dead submissions last updated before now minus this duration")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows deleted (0 uses the store default)")

	return cmd
}
