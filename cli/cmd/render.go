package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v2"
)

// render prints v as JSON or as a tab-aligned table depending on the
// --format flag. table delegates to tableFn, which knows how to lay out
// its particular value; json always falls back to a plain encoding.
func render(c *cli.Context, v any, tableFn func(*tabwriter.Writer, any)) error {
	if c.String("format") == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	tableFn(tw, v)
	return tw.Flush()
}

func printKV(tw *tabwriter.Writer, label string, value any) {
	fmt.Fprintf(tw, "%s:\t%v\n", label, value)
}
