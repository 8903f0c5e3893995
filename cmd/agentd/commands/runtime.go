package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/openfroyo/agentd/pkg/agent"
	"github.com/openfroyo/agentd/pkg/agents"
	"github.com/openfroyo/agentd/pkg/config"
	"github.com/openfroyo/agentd/pkg/expr"
	"github.com/openfroyo/agentd/pkg/stores"
	"github.com/openfroyo/agentd/pkg/telemetry"
)

// loadRuntime reads the runtime configuration named by --config.
func loadRuntime() (*config.Runtime, error) {
	cfg, err := config.LoadRuntime(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	return cfg, nil
}

// newRegistry builds the registry of built-in agent types.
func newRegistry(cfg *config.Runtime, tel *telemetry.Telemetry) (*agent.Registry, error) {
	reg := agent.NewRegistry(expr.NewStarlarkRenderer(cfg.Agents.ExpressionMaxSteps), tel)
	if err := agents.Register(reg); err != nil {
		return nil, err
	}
	return reg, nil
}

// openStore opens and migrates the store.
func openStore(ctx context.Context, cfg *config.Runtime) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

// definitionPaths returns args, falling back to the configured paths.
func definitionPaths(cfg *config.Runtime, args []string) []string {
	if len(args) > 0 {
		return args
	}
	return cfg.Agents.Definitions
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
