package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/surfit-ai/saw-runtime/pkg/contracts"
	"github.com/surfit-ai/saw-runtime/pkg/waves"
)

// runRunCmd executes one wave end to end.
//
// Exit codes:
//
//	0 = run completed
//	1 = run denied or errored
//	2 = invalid invocation or runtime fault
func runRunCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("run", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		sawID      string
		agentID    string
		intent     string
		inputPath  string
		outputPath string
		approve    bool
		approvedBy string
		waitMS     float64
		jsonOutput bool
	)
	cmd.StringVar(&sawID, "saw", "", "SAW id to execute (REQUIRED, see list-saws)")
	cmd.StringVar(&agentID, "agent", "cli_operator", "Agent id submitting the wave")
	cmd.StringVar(&intent, "intent", "", "Free-text intent recorded with the run")
	cmd.StringVar(&inputPath, "input", "data/input.csv", "Input path (must be under the data dir)")
	cmd.StringVar(&outputPath, "output", "outputs/report.pdf", "Output path (must be under the output dir)")
	cmd.BoolVar(&approve, "approve", false, "Pre-grant the approval gate")
	cmd.StringVar(&approvedBy, "approved-by", "", "Identity to attribute the approval to")
	cmd.Float64Var(&waitMS, "wait-ms", 0, "Simulated human approval wait in milliseconds")
	cmd.BoolVar(&jsonOutput, "json", false, "Emit the run summary as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if sawID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --saw is required")
		return 2
	}

	d, err := openDeps(context.Background(), stderr, agentID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer d.close()

	state := map[string]any{}
	if approve {
		state[contracts.StateApprovalGranted] = true
		state[contracts.StateApprovalWaitMS] = waitMS
		if approvedBy != "" {
			state[contracts.StateApprovedBy] = approvedBy
		}
	}

	res, err := d.service.Run(context.Background(), waves.RunRequest{
		AgentID:        agentID,
		WaveTemplateID: sawID,
		Intent:         intent,
		ContextRefs: map[string]any{
			"input_csv_path":     inputPath,
			"output_report_path": outputPath,
		},
		State: state,
	})
	if err != nil {
		var apiErr *contracts.APIError
		if errors.As(err, &apiErr) && apiErr.Code == contracts.CodeWaveTimeout && res != nil {
			_, _ = fmt.Fprintf(stderr, "Warning: %s\n", apiErr.Message)
		} else {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(res, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		s := res.Summary
		_, _ = fmt.Fprintf(stdout, "Wave %s finished with status %q\n", res.WaveID, s.Status)
		_, _ = fmt.Fprintf(stdout, "  system time: %.2f ms, human wait: %.2f ms, total: %.2f ms\n",
			s.SystemTimeMS, s.HumanWaitTimeMS, s.TotalTimeMS)
		if s.DenialReason != "" {
			_, _ = fmt.Fprintf(stdout, "  denial reason: %s\n", s.DenialReason)
		}
	}

	if res.Status != contracts.RunCompleted {
		return 1
	}
	return 0
}

// runApproveCmd records an approval against a run by id prefix.
func runApproveCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("approve", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		id   string
		by   string
		note string
	)
	cmd.StringVar(&id, "id", "", "Approval request id or run id prefix (REQUIRED)")
	cmd.StringVar(&by, "by", "", "Approver identity (REQUIRED)")
	cmd.StringVar(&note, "note", "", "Optional approval note")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if id == "" || by == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --id and --by are required")
		return 2
	}

	d, err := openDeps(context.Background(), stderr, "cli_operator")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer d.close()

	res, err := d.service.Approve(context.Background(), id, by, note)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "Approval recorded for wave %s (status %q) by %s\n",
		res.WaveID, res.Status, res.ApprovedBy)
	return 0
}
