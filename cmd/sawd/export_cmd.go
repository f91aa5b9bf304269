package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/surfit-ai/saw-runtime/pkg/saws"
)

// runExportCmd writes the full audit bundle for one run: run record,
// hash chain, integrity verdict, and model invocation records.
//
// Exit codes:
//
//	0 = exported, chain valid
//	1 = exported, chain tampered
//	2 = runtime error
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		runID   string
		outFile string
	)
	cmd.StringVar(&runID, "run", "", "Run id or unambiguous prefix (REQUIRED)")
	cmd.StringVar(&outFile, "out", "", "Write the bundle to a file instead of stdout")

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

	export, err := d.service.ExportAudit(ctx, runID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if outFile != "" {
		if err := os.WriteFile(outFile, data, 0o644); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: cannot write bundle: %v\n", err)
			return 2
		}
		_, _ = fmt.Fprintf(stdout, "Audit bundle written to %s (integrity %s)\n",
			outFile, export.IntegrityStatus)
	} else {
		_, _ = fmt.Fprintln(stdout, string(data))
	}

	if export.IntegrityStatus != "VALID" {
		return 1
	}
	return 0
}

// runListSAWsCmd prints the installed workflow catalog.
func runListSAWsCmd(stdout, _ io.Writer) int {
	catalog := saws.Catalog()
	ids := make([]string, 0, len(catalog))
	for id := range catalog {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	_, _ = fmt.Fprintf(stdout, "%d installed SAW(s):\n", len(catalog))
	for _, id := range ids {
		spec := catalog[id]
		_, _ = fmt.Fprintf(stdout, "  %-28s policy=%s nodes=%d\n",
			spec.SAWID, spec.PolicyBundle.PolicyID, len(spec.Graph.Nodes))
	}
	return 0
}
