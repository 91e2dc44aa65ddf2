package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nevindra/cortex"
	"github.com/nevindra/cortex/forwarder/websocket"
	"github.com/nevindra/cortex/memory"
	"github.com/nevindra/cortex/observer"
)

// buildRunSchedulerCmd is cortexd's main server command: it brings up
// the store, model provider, tool broker, WebSocket forwarder, and
// recurring-task scheduler, then blocks until interrupted.
func buildRunSchedulerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-scheduler",
		Short: "Run the WebSocket forwarder and recurring-task scheduler in the foreground",
		Long: `run-scheduler is cortexd's long-running server process.

Environment variables:
  CORTEX_DB_DRIVER       "sqlite" (default) or "postgres"
  CORTEX_DB_PATH         sqlite file path (default "cortex.db")
  CORTEX_DATABASE_URL    postgres DSN, required when CORTEX_DB_DRIVER=postgres
  CORTEX_LLM_PROVIDER    "gemini" (default), "openai", "groq", "deepseek", "together", "mistral", "ollama"
  CORTEX_LLM_API_KEY     required
  CORTEX_LLM_MODEL       default "gemini-2.5-flash"
  CORTEX_LLM_BASE_URL    override for OpenAI-compatible backends
  CORTEX_WS_ADDR         WebSocket listen address (default ":8443")
  OTEL_EXPORTER_OTLP_*   standard OTLP exporter variables; tracing is enabled
                         whenever OTEL_EXPORTER_OTLP_ENDPOINT is set

Tool-fleet and recurring-task files are discovered the way
internal/config.Load documents (cortex.tools.json / cortex.tasks.yaml,
or their config/ equivalents).`,
		RunE: runScheduler,
	}
}

func runScheduler(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.Default()
	envCfg := loadEnvConfig()

	store, closeStore, err := openStore(ctx, envCfg)
	if err != nil {
		return err
	}
	defer closeStore()

	provider, err := openProvider(envCfg)
	if err != nil {
		return err
	}

	inst, tracer, shutdownTracing, err := openTracing(ctx, envCfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()
	if inst != nil {
		provider = observer.WrapProvider(provider, inst)
	}

	broker, err := openBroker(ctx, logger, tracer)
	if err != nil {
		return err
	}
	defer broker.Close()

	specs, err := recurringTaskSpecs()
	if err != nil {
		return err
	}

	fwd := websocket.New(envCfg.wsAddr, logger)

	runtimeOpts := []cortex.RuntimeOption{
		cortex.WithLogger(logger),
		cortex.WithForwarder(fwd),
		cortex.WithRuntimeFactExtractor(memory.NewExtractor(provider)),
	}
	if tracer != nil {
		runtimeOpts = append(runtimeOpts, cortex.WithRuntimeTracer(tracer))
	}

	rt, err := cortex.NewRuntime(store, provider, broker, specs, runtimeOpts...)
	if err != nil {
		return err
	}
	if err := rt.Start(ctx); err != nil {
		return err
	}
	defer rt.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- fwd.Start(ctx, chatHandler(rt))
	}()

	logger.Info("cortexd serving", "ws_addr", envCfg.wsAddr, "tracing", tracer != nil)
	rt.Run(ctx)

	return <-errCh
}

// chatHandler adapts a Runtime's orchestrator into the cortex.MessageFunc
// shape a Forwarder drives: one call per inbound frame, ensuring a Chat
// exists for the connection before handing the turn to SendMessage.
func chatHandler(rt *cortex.Runtime) cortex.MessageFunc {
	return func(ctx context.Context, connectionID, userID, text string) (string, error) {
		if err := rt.Orchestrator.EnsureChat(ctx, connectionID, userID, ""); err != nil {
			return "", err
		}
		chat := cortex.Chat{ID: connectionID, UserID: userID}
		return rt.Orchestrator.SendMessage(ctx, chat, "", text)
	}
}
