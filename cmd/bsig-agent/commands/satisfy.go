package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/bsig/pkg/engine"
)

func newSatisfyCommand() *cobra.Command {
	var (
		pi int
		id int64
	)

	cmd := &cobra.Command{
		Use:   "satisfy <path=value>...",
		Short: "Ask an agent to satisfy a goal",
		Long: `Send a goal to an agent's satisfier endpoint, the way peers delegate goals
to each other. Values are parsed as JSON and fall back to plain strings.
The command returns once the agent has satisfied the goal or given up.`,
		Example: `  bsig-agent satisfy '$.web.apache.running=true'
  bsig-agent satisfy --pi 2 '$.web.apache.version="2.4"'`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			goal, err := parseGoal(args)
			if err != nil {
				return err
			}
			s, err := newSession()
			if err != nil {
				return err
			}
			if id == 0 {
				id = time.Now().Unix()
			}
			code, err := s.client.SendGoal(cmd.Context(), s.target, engine.SatisfierRequest{ID: id, Goal: goal, Pi: pi})
			if err != nil {
				return err
			}
			switch code {
			case http.StatusOK:
				fmt.Fprintln(s.out, "Goal satisfied")
				return nil
			case http.StatusInternalServerError:
				return fmt.Errorf("goal not satisfied")
			default:
				return fmt.Errorf("agent answered %d %s", code, http.StatusText(code))
			}
		},
	}

	cmd.Flags().IntVar(&pi, "pi", 1, "lowest operator tier the agent may use")
	cmd.Flags().Int64Var(&id, "id", 0, "goal id (default: current unix time)")

	return cmd
}

// parseGoal parses path=value arguments.
func parseGoal(args []string) (engine.Goal, error) {
	goal := make(engine.Goal, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, fmt.Errorf("invalid goal %q: expected path=value", arg)
		}
		path, err := engine.ParsePath(strings.TrimSpace(key))
		if err != nil {
			return nil, err
		}

		var decoded any
		if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
			decoded = raw
		}
		v, err := engine.FromInterface(decoded)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: %w", path, err)
		}
		goal[path] = v
	}
	return goal, nil
}
