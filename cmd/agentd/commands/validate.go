package commands

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/agentd/pkg/config"
	"github.com/openfroyo/agentd/pkg/engine"
	"github.com/openfroyo/agentd/pkg/telemetry"
)

type validateReport struct {
	Valid  bool     `json:"valid"`
	Agents int      `json:"agents"`
	Errors []string `json:"errors,omitempty"`
}

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [definitions...]",
		Short: "Validate agent definitions",
		Long: `Validate agent definitions without touching the store.

This command checks:
  - YAML and CUE syntax
  - Required fields and unique names
  - Sources and control targets referencing defined agents
  - Options, schedules and control actions against each agent type`,
		Example: `  # Validate the definitions listed in agentd.yaml
  agentd validate

  # Validate a specific directory
  agentd validate ./agents`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRuntime()
			if err != nil {
				return err
			}
			paths := definitionPaths(cfg, args)
			if len(paths) == 0 {
				return fmt.Errorf("no definitions given")
			}

			log.Debug().Strs("paths", paths).Msg("Validating definitions")

			ctx := cmd.Context()
			defs, err := config.NewLoader().Load(ctx, paths...)
			if err != nil {
				return err
			}

			report := validateReport{Agents: len(defs.Agents)}
			for _, e := range defs.Errors {
				report.Errors = append(report.Errors, e.Error())
			}
			if len(report.Errors) == 0 {
				reg, err := newRegistry(cfg, telemetry.NewNop())
				if err != nil {
					return err
				}
				if err := engine.ValidateDefinitions(ctx, reg, defs); err != nil {
					report.Errors = append(report.Errors, unwrapProblems(err)...)
				}
			}
			report.Valid = len(report.Errors) == 0

			out := cmd.OutOrStdout()
			if jsonOutput {
				if err := printJSON(out, report); err != nil {
					return err
				}
			} else if report.Valid {
				fmt.Fprintf(out, "✓ %d agents valid\n", report.Agents)
			} else {
				for _, e := range report.Errors {
					fmt.Fprintf(out, "✗ %s\n", e)
				}
			}

			if !report.Valid {
				return fmt.Errorf("%d validation errors", len(report.Errors))
			}
			return nil
		},
	}
	return cmd
}

// unwrapProblems flattens a joined validation error into its messages.
func unwrapProblems(err error) []string {
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		var out []string
		for _, e := range joined.Unwrap() {
			out = append(out, e.Error())
		}
		return out
	}
	return []string{err.Error()}
}
