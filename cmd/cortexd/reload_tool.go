package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

func buildReloadToolCmd() *cobra.Command {
	var serverName string

	cmd := &cobra.Command{
		Use:   "reload-tool",
		Short: "Force-reconnect and refresh the cached tool list for one tool server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if serverName == "" {
				return fmt.Errorf("cortexd: --server is required")
			}

			ctx := cmd.Context()
			logger := slog.Default()
			broker, err := openBroker(ctx, logger, nil)
			if err != nil {
				return err
			}
			defer broker.Close()

			if err := broker.ForceReload(ctx, serverName); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "reloaded tool server %s\n", serverName)
			return nil
		},
	}

	cmd.Flags().StringVar(&serverName, "server", "", "tool server name to reload, as named in the tool-fleet manifest (required)")
	return cmd
}
