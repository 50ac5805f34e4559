package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPendingCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "Print the number of submissions waiting for replay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openBackend(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			count, err := store.Count(cmd.Context())
			if err != nil {
				return fmt.Errorf("pending: %w", err)
			}
			_, err = fmt.Fprintln(a.out, count)

			return err
		},
	}
}
