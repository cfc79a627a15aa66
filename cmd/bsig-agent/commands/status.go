package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether an agent is up and running its engine",
		Example: `  bsig-agent status
  bsig-agent status --agent 10.0.0.2:1314 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession()
			if err != nil {
				return err
			}
			health, err := s.client.GetHealth(cmd.Context(), s.target)
			if err != nil {
				return err
			}
			if jsonOutput {
				return s.printJSON(health)
			}

			engine := "disabled"
			if health.Enabled {
				engine = "enabled"
			}
			fmt.Fprintf(s.out, "Agent:        %s\n", health.Agent)
			fmt.Fprintf(s.out, "Status:       %s\n", health.Status)
			fmt.Fprintf(s.out, "Engine:       %s\n", engine)
			if health.ModelID != nil {
				fmt.Fprintf(s.out, "Repair model: %d\n", *health.ModelID)
			} else {
				fmt.Fprintln(s.out, "Repair model: none")
			}
			return nil
		},
	}
}
