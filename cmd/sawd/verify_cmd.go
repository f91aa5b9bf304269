package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/surfit-ai/saw-runtime/pkg/store"
)

// runVerifyCmd re-walks a run's hash chain and reports the verdict.
//
// Exit codes:
//
//	0 = chain valid
//	1 = chain tampered
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		runID      string
		jsonOutput bool
	)
	cmd.StringVar(&runID, "run", "", "Run id or unambiguous prefix (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the verification result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if runID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --run is required")
		return 2
	}

	ctx := context.Background()
	d, err := openDeps(ctx, stderr, "cli_operator")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer d.close()

	fullID, err := d.store.ResolveRunPrefix(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrAmbiguousPrefix) {
			_, _ = fmt.Fprintf(stderr, "Error: prefix %q matches multiple runs\n", runID)
		} else {
			_, _ = fmt.Fprintf(stderr, "Error: no run matches %q\n", runID)
		}
		return 2
	}

	result, err := d.ledger.Verify(ctx, fullID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(result, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if result.Valid {
		_, _ = fmt.Fprintf(stdout, "VALID: %d entries, chain intact\n", result.Entries)
	} else {
		_, _ = fmt.Fprintf(stdout, "TAMPERED: first mismatch at index %d\n", result.FirstMismatchIndex)
		_, _ = fmt.Fprintf(stdout, "  expected %s\n", result.ExpectedHash)
		_, _ = fmt.Fprintf(stdout, "  found    %s\n", result.FoundHash)
	}

	if !result.Valid {
		return 1
	}
	return 0
}
