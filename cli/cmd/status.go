package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/corral/cli/tui"
	"github.com/pithecene-io/corral/metrics"
	"github.com/pithecene-io/corral/policy"
	"github.com/pithecene-io/corral/types"
)

// statusResponse mirrors corrald's GET /status payload.
type statusResponse struct {
	Sessions []types.SessionSnapshot `json:"sessions"`
	Policy   policy.Stats            `json:"policy"`
	Metrics  metrics.Snapshot        `json:"metrics"`
}

// StatusCommand reports pool health, policy delivery stats, and grid
// metrics in one call. --tui launches the live Bubble Tea dashboard instead
// of printing a single snapshot.
func StatusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show pool, lock, and policy health",
		Flags: append(ClientFlags(),
			&cli.BoolFlag{Name: "tui", Usage: "Launch the live status dashboard"},
		),
		Action: statusAction,
	}
}

func statusAction(c *cli.Context) error {
	if c.Bool("tui") {
		return tui.RunStatusDashboard(newClient(c).baseURL)
	}

	resp, err := fetchStatus(c)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	return render(c, resp, func(tw *tabwriter.Writer, v any) {
		s := v.(statusResponse)
		fmt.Fprintln(tw, "=== Sessions ===")
		fmt.Fprintln(tw, "SESSION_ID\tSTATE")
		for _, sn := range s.Sessions {
			fmt.Fprintf(tw, "%s\t%s\n", sn.SessionID, sn.State)
		}
		fmt.Fprintln(tw)
		printKV(tw, "sessions_healthy", s.Metrics.SessionsHealthy)
		printKV(tw, "sessions_dead", s.Metrics.SessionsDead)
		printKV(tw, "locks_acquired_total", s.Metrics.LocksAcquiredTotal)
		printKV(tw, "executions_started_total", s.Metrics.ExecutionsStartedTotal)
		printKV(tw, "executions_succeeded_total", s.Metrics.ExecutionsSucceededTotal)
		printKV(tw, "executions_failed_total", s.Metrics.ExecutionsFailedTotal)
		printKV(tw, "policy_events_persisted", s.Policy.EventsPersisted)
		printKV(tw, "policy_events_dropped", s.Policy.EventsDropped)
		printKV(tw, "policy_buffer_size", s.Policy.BufferSize)
	})
}

func fetchStatus(c *cli.Context) (statusResponse, error) {
	var resp statusResponse
	err := newClient(c).get("/status", &resp)
	return resp, err
}
