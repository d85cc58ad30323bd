// Package cmd provides the corralctl CLI commands: a thin HTTP client over
// corrald's execution, session, lock, and status endpoints.
package cmd

import "github.com/urfave/cli/v2"

// AddrFlag selects the corrald base URL every command talks to.
var AddrFlag = &cli.StringFlag{
	Name:    "addr",
	Aliases: []string{"a"},
	Usage:   "corrald base URL",
	Value:   "http://localhost:8080",
	EnvVars: []string{"CORRAL_ADDR"},
}

// FormatFlag selects output format: json or table.
var FormatFlag = &cli.StringFlag{
	Name:    "format",
	Aliases: []string{"f"},
	Usage:   "Output format: json, table",
	Value:   "table",
}

// ClientFlags returns the flags shared by every corralctl command.
func ClientFlags() []cli.Flag {
	return []cli.Flag{AddrFlag, FormatFlag}
}
