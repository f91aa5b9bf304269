package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
)

// runHistoryCmd lists recent runs, newest first.
func runHistoryCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("history", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		limit      int
		jsonOutput bool
	)
	cmd.IntVar(&limit, "limit", 20, "Maximum number of runs to list")
	cmd.BoolVar(&jsonOutput, "json", false, "Output run records as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	d, err := openDeps(ctx, stderr, "cli_operator")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer d.close()

	runs, err := d.store.ListRuns(ctx, limit)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(runs, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}

	if len(runs) == 0 {
		_, _ = fmt.Fprintln(stdout, "No runs recorded.")
		return 0
	}
	for _, r := range runs {
		approved := ""
		if r.ApprovedBy != "" {
			approved = " approved_by=" + r.ApprovedBy
		}
		_, _ = fmt.Fprintf(stdout, "%s  %-26s %-10s %s%s\n",
			r.RunID[:8], r.SAWID, r.Status, r.StartedAt, approved)
	}
	return 0
}
