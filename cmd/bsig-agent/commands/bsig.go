package commands

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

func newBSigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bsig",
		Short: "Manage the repair model",
		Long: `The repair model is the goal every agent works towards plus the operators
that can repair it. Its id must never decrease; agents reject older models.`,
	}
	cmd.AddCommand(newBSigSetCommand(), newBSigGetCommand())
	return cmd
}

func newBSigSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set <file>",
		Short: "Install a repair model from a .json, .yaml or .cue document",
		Example: `  bsig-agent bsig set repair.cue`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession()
			if err != nil {
				return err
			}
			model, err := s.docs.LoadRepairModel(args[0])
			if err != nil {
				return err
			}
			code, err := s.client.PushRepairModel(cmd.Context(), s.target, model)
			if err == nil && code == http.StatusConflict {
				return fmt.Errorf("agent holds a newer repair model than id %d", model.ID)
			}
			if err := expectOK("set repair model", code, err); err != nil {
				return err
			}
			fmt.Fprintf(s.out, "Repair model %d installed (%d operators)\n", model.ID, len(model.Operators))
			return nil
		},
	}
}

func newBSigGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get",
		Short: "Print the repair model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession()
			if err != nil {
				return err
			}
			model, err := s.client.GetRepairModel(cmd.Context(), s.target)
			if err != nil {
				return err
			}
			return s.printJSON(model)
		},
	}
}
