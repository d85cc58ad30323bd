package cmd

import (
	"net/url"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/corral/types"
)

// LocksCommand inspects the lock repository.
func LocksCommand() *cli.Command {
	return &cli.Command{
		Name:  "locks",
		Usage: "Inspect session locks",
		Subcommands: []*cli.Command{
			locksInspectCommand(),
		},
	}
}

func locksInspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Show the lock info for one key",
		ArgsUsage: "<key>",
		Flags:     ClientFlags(),
		Action:    locksInspectAction,
	}
}

func locksInspectAction(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("locks inspect requires a key", 1)
	}
	key := c.Args().First()

	var info types.LockInfo
	if err := newClient(c).get("/locks/"+url.PathEscape(key), &info); err != nil {
		return cli.Exit(err.Error(), 1)
	}

	return render(c, info, func(tw *tabwriter.Writer, v any) {
		i := v.(types.LockInfo)
		printKV(tw, "key", key)
		printKV(tw, "uuid", i.UUID)
		printKV(tw, "acquired_at", time.Unix(i.AcquiredAt, 0).Format(time.RFC3339))
		printKV(tw, "expires_at", time.Unix(i.ExpiresAt, 0).Format(time.RFC3339))
		printKV(tw, "ttl_seconds", i.TTLSeconds)
	})
}
