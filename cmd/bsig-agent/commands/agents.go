package commands

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/bsig/pkg/config"
	"github.com/openfroyo/bsig/pkg/engine"
	"github.com/openfroyo/bsig/pkg/registry"
	"github.com/openfroyo/bsig/pkg/transport"
)

func newAgentsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Manage the agent registry",
		Long: `Changes made with set and delete are applied on the target agent and then
pushed to every other agent it knows.`,
	}
	cmd.AddCommand(newAgentsListCommand(), newAgentsSetCommand(), newAgentsDeleteCommand())
	return cmd
}

func newAgentsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession()
			if err != nil {
				return err
			}
			agents, err := s.client.GetAgents(cmd.Context(), s.target)
			if err != nil {
				return err
			}
			if jsonOutput {
				return s.printJSON(agents)
			}

			names := make([]string, 0, len(agents))
			for name := range agents {
				names = append(names, name)
			}
			sort.Strings(names)

			w := tabwriter.NewWriter(s.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tADDRESS\tPORT")
			for _, name := range names {
				a := agents[name]
				fmt.Fprintf(w, "%s\t%s\t%d\n", name, a.Address, a.Port)
			}
			return w.Flush()
		},
	}
}

func newAgentsSetCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "set [name address [port]]",
		Short: "Add or update agents",
		Example: `  bsig-agent agents set web 10.0.0.2
  bsig-agent agents set db 10.0.0.3 1400
  bsig-agent agents set --file agents.json`,
		Args: func(cmd *cobra.Command, args []string) error {
			if file != "" {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.RangeArgs(2, 3)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession()
			if err != nil {
				return err
			}
			delta, err := agentsDelta(s.docs, file, args)
			if err != nil {
				return err
			}
			return s.updateRegistry(cmd.Context(), delta)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "registry document (.json, .yaml or .cue)")

	return cmd
}

func newAgentsDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <name>...",
		Short:   "Remove agents from the registry",
		Example: `  bsig-agent agents delete web db`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession()
			if err != nil {
				return err
			}
			delta := make(engine.RegistryDelta, len(args))
			for _, name := range args {
				delta[name] = nil
			}
			return s.updateRegistry(cmd.Context(), delta)
		},
	}
}

// agentsDelta builds a registry delta from a document or from
// name address [port] arguments.
func agentsDelta(docs *config.DocumentLoader, file string, args []string) (engine.RegistryDelta, error) {
	if file != "" {
		agents, err := docs.LoadRegistry(file)
		if err != nil {
			return nil, err
		}
		delta := make(engine.RegistryDelta, len(agents))
		for name, a := range agents {
			entry := a
			delta[name] = &entry
		}
		return delta, nil
	}

	port := config.DefaultPort
	if len(args) == 3 {
		p, err := strconv.Atoi(args[2])
		if err != nil {
			return nil, fmt.Errorf("invalid port %q", args[2])
		}
		port = p
	}
	entry := &engine.AgentEntry{Name: args[0], Address: args[1], Port: port}
	delta := engine.RegistryDelta{args[0]: entry}
	if err := registry.Validate(delta); err != nil {
		return nil, err
	}
	return delta, nil
}

// updateRegistry applies delta on the target agent and pushes it to the
// agent's peers, the same way an agent propagates its own changes.
func (s *session) updateRegistry(ctx context.Context, delta engine.RegistryDelta) error {
	self, err := s.self(ctx)
	if err != nil {
		return err
	}
	remote := registry.New(self, remoteAgents{client: s.client, target: s.target}, s.client,
		registry.WithLogger(log.Logger))
	if _, err := remote.SetAgentRegistry(ctx, delta); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "Registry updated (%d entries)\n", len(delta))
	return nil
}

// remoteAgents is registry storage backed by a running agent.
type remoteAgents struct {
	client *transport.Client
	target engine.AgentEntry
}

func (r remoteAgents) ListAgents(ctx context.Context) (map[string]engine.AgentEntry, error) {
	return r.client.GetAgents(ctx, r.target)
}

func (r remoteAgents) ApplyAgentDelta(ctx context.Context, delta engine.RegistryDelta) error {
	code, err := r.client.PushRegistryDelta(ctx, r.target, delta)
	if err == nil && code == http.StatusBadRequest {
		return fmt.Errorf("%w: rejected by agent", registry.ErrInvalidEntry)
	}
	return expectOK("update registry", code, err)
}
