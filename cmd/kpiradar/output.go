package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
)

func errorPrefix() string { return color.RedString("error:") }

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer, header string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = color.New(color.Bold).Fprintln(tw, header)
	return tw
}

func success(format string, a ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", color.GreenString("ok"), fmt.Sprintf(format, a...))
}

func warn(format string, a ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", color.YellowString("warn"), fmt.Sprintf(format, a...))
}

// scoreColor grades a 0-100 reliability score.
func scoreColor(score int) string {
	s := fmt.Sprintf("%d", score)
	switch {
	case score >= 80:
		return color.GreenString(s)
	case score >= 50:
		return color.YellowString(s)
	}
	return color.RedString(s)
}
