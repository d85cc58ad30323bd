// Package main provides the corralctl CLI entrypoint.
//
// corralctl is a thin HTTP client over corrald's execution, session,
// lock, and status endpoints.
//
// Usage:
//
//	corralctl <command> [subcommand] [options]
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/corral/cli/cmd"
)

// commit is set via ldflags at build time.
var commit = "unknown"

func main() {
	cmd.Version = fmt.Sprintf("%s (commit: %s)", cmd.Version, commit)

	app := &cli.App{
		Name:           "corralctl",
		Usage:          "corrald execution service client",
		Version:        cmd.Version,
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			cmd.RunCommand(),
			cmd.SessionsCommand(),
			cmd.LocksCommand(),
			cmd.StatusCommand(),
			cmd.VersionCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		os.Exit(1)
	}
}

// exitErrHandler preserves exit codes set via cli.Exit() and falls back
// to exit code 1 for unwrapped errors.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
