// Command cortexd is the CLI entry point for a cortex runtime: serving
// interactive chat over WebSocket plus the recurring-task scheduler in
// the foreground, or poking at the task queue and tool fleet from the
// command line while a server instance is already running against the
// same store.
//
// Configuration is entirely environment-driven (see loadEnvConfig),
// following the teacher's own cmd/oasis single-process shape, with the
// ${VAR}/${VAR:-default} tool-server and recurring-task files resolved
// through internal/config.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	root := buildRootCmd()
	if err := root.Execute(); err != nil {
		slog.Error("cortexd: command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "cortexd",
		Short: "cortex runtime: conversation orchestrator, tool broker, scheduler",
		Long: `cortexd runs a cortex instance: a KnowledgeStore-backed conversation
orchestrator reachable over WebSocket, a broker dispatching to an
externally-configured MCP tool fleet, and a scheduler driving recurring
tasks.

Configuration is read entirely from the environment plus the tool-fleet
and recurring-task files internal/config discovers on disk (see
"cortexd run-scheduler --help" for the full variable list).`,
		Version:      fmt.Sprintf("%s (commit %s)", version, commit),
		SilenceUsage: true,
	}

	root.AddCommand(
		buildRunSchedulerCmd(),
		buildEnqueueTaskCmd(),
		buildListTasksCmd(),
		buildCancelTaskCmd(),
		buildReloadToolCmd(),
	)
	return root
}
