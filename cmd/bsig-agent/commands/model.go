package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newModelCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Manage the desired-state model",
		Long: `The model holds one document per agent describing the objects the agent
manages. Each object names its resource module in _isa.`,
	}
	cmd.AddCommand(newModelSetCommand(), newModelGetCommand())
	return cmd
}

func newModelSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set <file>",
		Short: "Replace the model of an agent with a .json, .yaml or .cue document",
		Example: `  bsig-agent model set model.cue
  bsig-agent model set --agent 10.0.0.2 model.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession()
			if err != nil {
				return err
			}
			tree, err := s.docs.LoadModel(args[0])
			if err != nil {
				return err
			}
			code, err := s.client.ReplaceModel(cmd.Context(), s.target, tree)
			if err := expectOK("set model", code, err); err != nil {
				return err
			}
			fmt.Fprintf(s.out, "Model updated (%d agents)\n", len(tree))
			return nil
		},
	}
}

func newModelGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get [agent]",
		Short: "Print the model, or the document of one agent",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession()
			if err != nil {
				return err
			}
			tree, err := s.client.GetModel(cmd.Context(), s.target)
			if err != nil {
				return err
			}
			if len(args) == 0 {
				return s.printJSON(tree)
			}
			doc, ok := tree[args[0]]
			if !ok {
				return fmt.Errorf("no model for agent %s", args[0])
			}
			return s.printJSON(doc)
		},
	}
}
