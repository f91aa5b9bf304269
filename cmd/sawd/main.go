// sawd is the command-line front end of the SAW runtime: it executes
// waves, records approvals, verifies ledger integrity, and exports
// audit bundles.
package main

import (
	"fmt"
	"io"
	"os"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the dispatcher, split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stdout)
		return 2
	}

	switch args[1] {
	case "run":
		return runRunCmd(args[2:], stdout, stderr)
	case "approve":
		return runApproveCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "export":
		return runExportCmd(args[2:], stdout, stderr)
	case "history":
		return runHistoryCmd(args[2:], stdout, stderr)
	case "list-saws":
		return runListSAWsCmd(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "sawd - semi-autonomous workflow runtime")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "USAGE:")
	_, _ = fmt.Fprintln(w, "  sawd <command> [flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "COMMANDS:")
	_, _ = fmt.Fprintln(w, "  run        Execute a wave (--saw, --agent, --approve, --json)")
	_, _ = fmt.Fprintln(w, "  approve    Record an approval (--id, --by, --note)")
	_, _ = fmt.Fprintln(w, "  verify     Verify a run's hash chain (--run, --json)")
	_, _ = fmt.Fprintln(w, "  export     Export the audit bundle for a run (--run, --out)")
	_, _ = fmt.Fprintln(w, "  history    List recent runs (--limit)")
	_, _ = fmt.Fprintln(w, "  list-saws  List installed workflow definitions")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Configuration comes from SAW_* environment variables;")
	_, _ = fmt.Fprintln(w, "defaults target a local SQLite database.")
}
