package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nevindra/cortex"
)

func buildListTasksCmd() *cobra.Command {
	var (
		userID string
		status string
	)

	cmd := &cobra.Command{
		Use:   "list-tasks",
		Short: "List tasks for a user, optionally filtered by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return fmt.Errorf("cortexd: --user is required")
			}

			ctx := cmd.Context()
			envCfg := loadEnvConfig()
			store, closeStore, err := openStore(ctx, envCfg)
			if err != nil {
				return err
			}
			defer closeStore()

			queue := cortex.NewTaskQueue(store)
			tasks, err := queue.ListTasks(ctx, userID, cortex.TaskStatus(status))
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tCHAT\tINSTRUCTION")
			for _, t := range tasks {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.Status, t.ChatID, truncate(t.Instruction, 60))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user ID to list tasks for (required)")
	cmd.Flags().StringVar(&status, "status", "", "filter to one status (pending, in_progress, completed, failed, cancelled); empty lists all")
	return cmd
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
