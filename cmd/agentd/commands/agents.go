package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/agentd/pkg/telemetry"
)

type typeInfo struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Schedulable bool   `json:"schedulable"`
	Receives    bool   `json:"receives"`
	Worker      bool   `json:"worker"`
}

func newAgentsCommand() *cobra.Command {
	var types bool

	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List stored agents",
		Example: `  # List stored agents
  agentd agents

  # List the built-in agent types
  agentd agents --types`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadRuntime()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if types {
				reg, err := newRegistry(cfg, telemetry.NewNop())
				if err != nil {
					return err
				}
				var infos []typeInfo
				for _, d := range reg.Types() {
					infos = append(infos, typeInfo{
						Type:        d.Type,
						Description: d.Description,
						Schedulable: d.CanBeScheduled(),
						Receives:    d.CanReceiveEvents(),
						Worker:      d.Worker != nil,
					})
				}
				if jsonOutput {
					return printJSON(out, infos)
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TYPE\tSCHEDULABLE\tRECEIVES\tWORKER\tDESCRIPTION")
				for _, i := range infos {
					fmt.Fprintf(tw, "%s\t%v\t%v\t%v\t%s\n", i.Type, i.Schedulable, i.Receives, i.Worker, i.Description)
				}
				return tw.Flush()
			}

			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			list, err := store.ListAgents(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(out, list)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tTYPE\tSCHEDULE\tSTATE\tLAST CHECK")
			for _, a := range list {
				state := "enabled"
				switch {
				case a.Deactivated:
					state = "inactive"
				case a.Disabled:
					state = "disabled"
				}
				last := "-"
				if a.LastCheckAt != nil {
					last = a.LastCheckAt.Local().Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", a.ID, a.Name, a.Type, a.Schedule, state, last)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&types, "types", false, "list the built-in agent types instead")

	return cmd
}
