package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/corral/types"
)

// executeRequest mirrors corrald's POST /executions wire shape.
type executeRequest struct {
	types.ExecutionRequest
	SessionID string `json:"session_id,omitempty"`
}

// RunCommand dispatches one execution request against corrald.
func RunCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Run a script against the execution service",
		ArgsUsage: "<script-id>",
		Flags: append(ClientFlags(),
			&cli.StringFlag{Name: "suite", Usage: "Suite name to run"},
			&cli.StringFlag{Name: "test", Usage: "Test name to run"},
			&cli.StringFlag{Name: "session-id", Usage: "Pin the run to a specific session id"},
			&cli.StringSliceFlag{Name: "param", Aliases: []string{"p"}, Usage: "Script parameter key=value, repeatable"},
		),
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("run requires a script id", 1)
	}

	params, err := parseParams(c.StringSlice("param"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	req := executeRequest{
		ExecutionRequest: types.ExecutionRequest{
			ScriptID: c.Args().First(),
			Suite:    c.String("suite"),
			Test:     c.String("test"),
			Params:   params,
		},
		SessionID: c.String("session-id"),
	}

	var result types.ExecutionResult
	if err := newClient(c).postJSON("/executions", req, &result); err != nil {
		return cli.Exit(err.Error(), 1)
	}

	return render(c, result, func(tw *tabwriter.Writer, v any) {
		r := v.(types.ExecutionResult)
		printKV(tw, "session_id", r.SessionID)
		printKV(tw, "commands_run", r.CommandsRun)
		printKV(tw, "page_source_bytes", len(r.PageSource))
	})
}

func parseParams(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(raw))
	for _, kv := range raw {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --param %q, expected key=value", kv)
		}
		out[k] = v
	}
	return out, nil
}
