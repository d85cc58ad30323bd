package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/corral/types"
)

// SessionsCommand inspects the pool's session registry.
func SessionsCommand() *cli.Command {
	return &cli.Command{
		Name:  "sessions",
		Usage: "Inspect pooled WebDriver sessions",
		Subcommands: []*cli.Command{
			sessionsListCommand(),
		},
	}
}

func sessionsListCommand() *cli.Command {
	return &cli.Command{
		Name:   "list",
		Usage:  "List every pooled session, healthy or dead",
		Flags:  ClientFlags(),
		Action: sessionsListAction,
	}
}

func sessionsListAction(c *cli.Context) error {
	var snapshots []types.SessionSnapshot
	if err := newClient(c).get("/sessions", &snapshots); err != nil {
		return cli.Exit(err.Error(), 1)
	}

	return render(c, snapshots, func(tw *tabwriter.Writer, v any) {
		snaps := v.([]types.SessionSnapshot)
		fmt.Fprintln(tw, "SESSION_ID\tSTATE\tBROWSER\tCREATED_AT")
		for _, s := range snaps {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.SessionID, s.State, s.Capability.BrowserName, s.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
		}
	})
}
