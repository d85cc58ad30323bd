package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/urfave/cli/v2"
)

// Version is the corralctl build version, set by the linker at release
// build time. It defaults to "dev" for local builds.
var Version = "dev"

// VersionCommand prints the corralctl build version and the address of
// the corrald instance it is configured to talk to.
func VersionCommand() *cli.Command {
	return &cli.Command{
		Name:   "version",
		Usage:  "Print the corralctl version",
		Flags:  ClientFlags(),
		Action: versionAction,
	}
}

func versionAction(c *cli.Context) error {
	info := struct {
		Version string `json:"version"`
		Addr    string `json:"addr"`
	}{
		Version: Version,
		Addr:    c.String("addr"),
	}

	return render(c, info, func(tw *tabwriter.Writer, v any) {
		i := v.(struct {
			Version string `json:"version"`
			Addr    string `json:"addr"`
		})
		fmt.Fprintf(tw, "corralctl %s\n", i.Version)
		printKV(tw, "addr", i.Addr)
	})
}
