package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nevindra/cortex"
)

func buildCancelTaskCmd() *cobra.Command {
	var (
		taskID string
		reason string
	)

	cmd := &cobra.Command{
		Use:   "cancel-task",
		Short: "Mark a task cancelled",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID == "" {
				return fmt.Errorf("cortexd: --id is required")
			}

			ctx := cmd.Context()
			envCfg := loadEnvConfig()
			store, closeStore, err := openStore(ctx, envCfg)
			if err != nil {
				return err
			}
			defer closeStore()

			queue := cortex.NewTaskQueue(store)
			if err := queue.UpdateTaskStatus(ctx, taskID, cortex.TaskCancelled, reason); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "cancelled task %s\n", taskID)
			return nil
		},
	}

	cmd.Flags().StringVar(&taskID, "id", "", "task ID to cancel (required)")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the task's Error field")
	return cmd
}
