package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	agentAddr  string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "bsig-agent",
		Short: "BSig - peer-to-peer configuration repair agent",
		Long: `bsig-agent runs one node of a BSig network. Each agent observes its local
state through resource modules, compares it with the shared repair model and
repairs flaws by invoking operators locally or delegating goals to peers.

The remaining commands talk to a running agent over its HTTP interface.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&agentAddr, "agent", "a", "", "address of the agent to talk to (default: this host's configured port)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newStartCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newModelCommand())
	rootCmd.AddCommand(newBSigCommand())
	rootCmd.AddCommand(newAgentsCommand())
	rootCmd.AddCommand(newSatisfyCommand())
	rootCmd.AddCommand(newEventsCommand())

	return rootCmd
}
