package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfroyo/agentd/pkg/engine"
	"github.com/openfroyo/agentd/pkg/telemetry"
)

func newDryRunCommand() *cobra.Command {
	var eventFile string

	cmd := &cobra.Command{
		Use:   "dry-run <agent>",
		Short: "Run one check or receive of a stored agent in a sandbox",
		Long: `Run one check of a stored agent, or one receive of the event in --event,
without saving memory, storing events or applying control actions.`,
		Example: `  # Preview a check
  agentd dry-run "Weather Source"

  # Preview how a formatter handles an event
  agentd dry-run Summary --event event.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadRuntime()
			if err != nil {
				return err
			}

			var payload map[string]interface{}
			if eventFile != "" {
				raw, err := os.ReadFile(eventFile)
				if err != nil {
					return fmt.Errorf("failed to read event: %w", err)
				}
				if err := json.Unmarshal(raw, &payload); err != nil {
					return fmt.Errorf("failed to parse event: %w", err)
				}
			}

			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			tel := telemetry.NewNop()
			reg, err := newRegistry(cfg, tel)
			if err != nil {
				return err
			}
			eng, err := engine.New(store, reg, engine.Options{Supervisor: cfg.Supervisor, Telemetry: tel})
			if err != nil {
				return err
			}

			a, err := store.GetAgentByName(ctx, args[0])
			if err != nil {
				return fmt.Errorf("agent %q: %w", args[0], err)
			}
			result, err := eng.DryRun(ctx, a.ID, payload)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, result)
			}
			fmt.Fprint(out, result.Log)
			fmt.Fprintf(out, "\nEvents (%d):\n", len(result.Events))
			for _, e := range result.Events {
				raw, _ := json.Marshal(e)
				fmt.Fprintf(out, "  %s\n", raw)
			}
			raw, _ := json.Marshal(result.Memory)
			fmt.Fprintf(out, "Memory: %s\n", raw)
			return nil
		},
	}

	cmd.Flags().StringVar(&eventFile, "event", "", "JSON file with the payload of an event to receive")

	return cmd
}
