package commands

import (
	"fmt"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newEventsCommand() *cobra.Command {
	var (
		eventType string
		agent     string
		limit     int
		since     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the audit trail of an agent",
		Example: `  bsig-agent events --limit 20
  bsig-agent events --type engine.status_changed --since 1h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession()
			if err != nil {
				return err
			}

			q := url.Values{}
			if eventType != "" {
				q.Set("type", eventType)
			}
			if agent != "" {
				q.Set("agent", agent)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			if since > 0 {
				q.Set("since", time.Now().Add(-since).UTC().Format(time.RFC3339))
			}

			events, err := s.client.GetEvents(cmd.Context(), s.target, q)
			if err != nil {
				return err
			}
			if jsonOutput {
				return s.printJSON(events)
			}

			w := tabwriter.NewWriter(s.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tLEVEL\tTYPE\tAGENT\tMESSAGE")
			for _, ev := range events {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					ev.Timestamp.Local().Format(time.DateTime), ev.Level, ev.Type, ev.Agent, ev.Message)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&eventType, "type", "", "only events of this type")
	cmd.Flags().StringVar(&agent, "for", "", "only events about this agent")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of events")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this")

	return cmd
}
