package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/cortex"
	"github.com/nevindra/cortex/internal/config"
	"github.com/nevindra/cortex/observer"
	"github.com/nevindra/cortex/provider/resolve"
	"github.com/nevindra/cortex/store/postgres"
	"github.com/nevindra/cortex/store/sqlite"
)

// envConfig is every environment variable cortexd reads, gathered in
// one place so every subcommand bootstraps identically.
type envConfig struct {
	dbDriver string // "sqlite" (default) or "postgres"
	dbPath   string // sqlite file path
	dbURL    string // postgres DSN

	provider string
	apiKey   string
	model    string
	baseURL  string

	wsAddr string

	otelEnabled bool
}

func loadEnvConfig() envConfig {
	cfg := envConfig{
		dbDriver: getenvDefault("CORTEX_DB_DRIVER", "sqlite"),
		dbPath:   getenvDefault("CORTEX_DB_PATH", "cortex.db"),
		dbURL:    os.Getenv("CORTEX_DATABASE_URL"),

		provider: getenvDefault("CORTEX_LLM_PROVIDER", "gemini"),
		apiKey:   os.Getenv("CORTEX_LLM_API_KEY"),
		model:    getenvDefault("CORTEX_LLM_MODEL", "gemini-2.5-flash"),
		baseURL:  os.Getenv("CORTEX_LLM_BASE_URL"),

		wsAddr: getenvDefault("CORTEX_WS_ADDR", ":8443"),

		otelEnabled: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "",
	}
	return cfg
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// openStore builds the configured KnowledgeStore backend. The returned
// closer releases whatever the store itself doesn't own (the pgx pool;
// sqlite.Store.Close handles its own *sql.DB).
func openStore(ctx context.Context, cfg envConfig) (cortex.KnowledgeStore, func(), error) {
	switch cfg.dbDriver {
	case "sqlite":
		return sqlite.New(cfg.dbPath), func() {}, nil
	case "postgres":
		if cfg.dbURL == "" {
			return nil, nil, fmt.Errorf("cortexd: CORTEX_DATABASE_URL is required for CORTEX_DB_DRIVER=postgres")
		}
		pool, err := pgxpool.New(ctx, cfg.dbURL)
		if err != nil {
			return nil, nil, fmt.Errorf("cortexd: connect postgres: %w", err)
		}
		return postgres.New(pool), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("cortexd: unknown CORTEX_DB_DRIVER %q (want sqlite or postgres)", cfg.dbDriver)
	}
}

func openProvider(cfg envConfig) (cortex.ModelProvider, error) {
	if cfg.apiKey == "" {
		return nil, fmt.Errorf("cortexd: CORTEX_LLM_API_KEY is required")
	}
	return resolve.Provider(resolve.Config{
		Provider: cfg.provider,
		APIKey:   cfg.apiKey,
		Model:    cfg.model,
		BaseURL:  cfg.baseURL,
	})
}

// openBroker loads the tool-fleet manifest (if any) and connects every
// configured server, returning a ready-to-use ToolBroker. Callers must
// Close() it when done.
func openBroker(ctx context.Context, logger *slog.Logger, tracer cortex.Tracer) (*cortex.ToolBroker, error) {
	loaded, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("cortexd: load config: %w", err)
	}

	var opts []cortex.ToolBrokerOption
	if tracer != nil {
		opts = append(opts, cortex.WithBrokerTracer(tracer))
	}
	broker := cortex.NewToolBroker(logger, opts...)
	for _, serverCfg := range loaded.ToolServers {
		tc, err := cortex.NewToolClient(serverCfg, version, logger)
		if err != nil {
			return nil, fmt.Errorf("cortexd: connect tool server %q: %w", serverCfg.Name, err)
		}
		broker.AddServer(tc)
	}
	if err := broker.Start(ctx); err != nil {
		return nil, fmt.Errorf("cortexd: start tool broker: %w", err)
	}
	return broker, nil
}

// openTracing starts the observer package's OTEL pipeline when an OTLP
// endpoint is configured, returning the Instruments (for wrapping the
// ModelProvider), a usable Tracer, and a shutdown func. All three are
// nil/no-op when tracing isn't enabled.
func openTracing(ctx context.Context, cfg envConfig) (*observer.Instruments, cortex.Tracer, func(context.Context) error, error) {
	if !cfg.otelEnabled {
		return nil, nil, func(context.Context) error { return nil }, nil
	}
	inst, shutdown, err := observer.Init(ctx, nil)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("cortexd: init tracing: %w", err)
	}
	return inst, observer.NewTracer(), shutdown, nil
}

func recurringTaskSpecs() ([]cortex.RecurringTaskSpec, error) {
	loaded, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("cortexd: load config: %w", err)
	}
	return loaded.RecurringTasks, nil
}
