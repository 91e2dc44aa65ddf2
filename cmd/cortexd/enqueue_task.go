package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nevindra/cortex"
)

func buildEnqueueTaskCmd() *cobra.Command {
	var (
		userID      string
		chatID      string
		instruction string
		dependsOn   string
	)

	cmd := &cobra.Command{
		Use:   "enqueue-task",
		Short: "Add a pending task to the task queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" || instruction == "" {
				return fmt.Errorf("cortexd: --user and --instruction are required")
			}

			ctx := cmd.Context()
			envCfg := loadEnvConfig()
			store, closeStore, err := openStore(ctx, envCfg)
			if err != nil {
				return err
			}
			defer closeStore()

			var deps []string
			if dependsOn != "" {
				deps = strings.Split(dependsOn, ",")
			}

			queue := cortex.NewTaskQueue(store)
			task, err := queue.AddTask(ctx, cortex.Task{
				UserID:      userID,
				ChatID:      chatID,
				Instruction: instruction,
				DependsOn:   deps,
			})
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "enqueued task %s\n", task.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user ID the task belongs to (required)")
	cmd.Flags().StringVar(&chatID, "chat", "", "chat ID recorded on the task (manual tasks are always dispatched into a fresh chat)")
	cmd.Flags().StringVar(&instruction, "instruction", "", "task instruction text (required)")
	cmd.Flags().StringVar(&dependsOn, "depends-on", "", "comma-separated task IDs this task depends on")
	return cmd
}
