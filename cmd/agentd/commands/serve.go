package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/agentd/pkg/api"
	"github.com/openfroyo/agentd/pkg/config"
	"github.com/openfroyo/agentd/pkg/engine"
	"github.com/openfroyo/agentd/pkg/telemetry"
)

func newServeCommand() *cobra.Command {
	var (
		watch bool
		prune bool
		noAPI bool
	)

	cmd := &cobra.Command{
		Use:   "serve [definitions...]",
		Short: "Run the agent runtime",
		Long: `Run the agent runtime in the foreground.

Definitions are loaded and applied to the store, then scheduled checks,
event delivery and persistent workers start. With --watch, definition
changes are applied while running.`,
		Example: `  # Serve the definitions listed in agentd.yaml
  agentd serve

  # Serve a directory of definitions and reload on change
  agentd serve --watch ./agents`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRuntime()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("watch") {
				cfg.Agents.Watch = watch
			}
			if cmd.Flags().Changed("prune") {
				cfg.Agents.Prune = prune
			}
			if noAPI {
				cfg.API.Enabled = false
			}
			return serve(cmd.Context(), cfg, definitionPaths(cfg, args))
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "apply definition changes while running")
	cmd.Flags().BoolVar(&prune, "prune", false, "delete stored agents that are no longer defined")
	cmd.Flags().BoolVar(&noAPI, "no-api", false, "do not serve the HTTP API")

	return cmd
}

func serve(ctx context.Context, cfg *config.Runtime, paths []string) error {
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	log.Logger = tel.Logger.Zerolog()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	reg, err := newRegistry(cfg, tel)
	if err != nil {
		return err
	}

	eng, err := engine.New(store, reg, engine.Options{Supervisor: cfg.Supervisor, Telemetry: tel})
	if err != nil {
		return err
	}

	applyOpts := engine.ApplyOptions{Prune: cfg.Agents.Prune}
	loader := config.NewLoader()
	if len(paths) > 0 {
		defs, err := loader.Load(ctx, paths...)
		if err != nil {
			return fmt.Errorf("failed to load definitions: %w", err)
		}
		result, err := eng.Apply(ctx, defs, applyOpts)
		if err != nil {
			return err
		}
		log.Info().
			Strs("created", result.Created).
			Strs("updated", result.Updated).
			Strs("deleted", result.Deleted).
			Msg("Definitions loaded")
	} else {
		log.Warn().Msg("No agent definitions configured, serving stored agents only")
	}

	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
		defer cancel()
		if err := eng.Stop(stopCtx); err != nil {
			log.Error().Err(err).Msg("Engine did not stop cleanly")
		}
	}()

	if cfg.Agents.Watch && len(paths) > 0 {
		watcher := config.NewWatcher(loader, paths, cfg.Agents.ReloadDelay, tel.Logger)
		err := watcher.Watch(ctx, func(ctx context.Context, defs *config.Definitions) error {
			_, err := eng.Apply(ctx, defs, applyOpts)
			return err
		})
		if err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.API.Enabled {
		srv := api.NewServer(cfg.API, eng, store, tel)
		g.Go(func() error {
			return srv.ListenAndServe(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	log.Info().Bool("api", cfg.API.Enabled).Msg("agentd running")
	return g.Wait()
}

func shutdownTimeout(cfg *config.Runtime) time.Duration {
	if cfg.API.ShutdownTimeout > 0 {
		return cfg.API.ShutdownTimeout
	}
	return 10 * time.Second
}
