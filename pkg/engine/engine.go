// Package engine walks a SAW graph end to end: policy check before
// every tool call, approval gates, ledger append per node visit, and a
// single RunSummary out. Graphs are restricted to linear chains in this
// version.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/surfit-ai/saw-runtime/pkg/contracts"
	"github.com/surfit-ai/saw-runtime/pkg/ledger"
	"github.com/surfit-ai/saw-runtime/pkg/policy"
	"github.com/surfit-ai/saw-runtime/pkg/resolver"
	"github.com/surfit-ai/saw-runtime/pkg/tools"
)

// RunStore is the slice of the metadata store the engine needs.
// *store.Store satisfies it.
type RunStore interface {
	OpenRun(ctx context.Context, rec *contracts.RunRecord) error
	CloseRun(ctx context.Context, runID string, status contracts.RunStatus) error
	RecordApproval(ctx context.Context, runID, approvedBy, approvedAt, note string) error
}

// LLMRecorder commits hashed records of non-deterministic tool
// invocations. *llm.Recorder satisfies it.
type LLMRecorder interface {
	Record(ctx context.Context, runID, nodeID string, result contracts.ToolResult) (*contracts.LLMInvocation, error)
}

// Engine orchestrates single runs. Safe for concurrent use; each Run
// call owns its context and touches no engine state.
type Engine struct {
	ledger   ledger.Ledger
	runs     RunStore
	registry *tools.Registry
	resolver resolver.Resolver
	recorder LLMRecorder
	logger   *slog.Logger
	tracer   trace.Tracer
}

// Option configures an Engine.
type Option func(*Engine)

// WithResolver replaces the default input resolver.
func WithResolver(r resolver.Resolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithRecorder installs an invocation recorder for non-deterministic
// tools.
func WithRecorder(r LLMRecorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New builds an Engine over a ledger, a run store, and a tool registry.
func New(l ledger.Ledger, runs RunStore, registry *tools.Registry, opts ...Option) *Engine {
	e := &Engine{
		ledger:   l,
		runs:     runs,
		registry: registry,
		resolver: resolver.Default,
		logger:   slog.Default(),
		tracer:   otel.Tracer("saw-runtime/engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

// buildGraph validates topology and returns the node map, the
// adjacency (one successor per node), and the start node id. Branching
// is rejected here, before anything is written.
func buildGraph(spec contracts.SAWSpec) (map[string]contracts.Node, map[string]string, string, error) {
	nodeMap := make(map[string]contracts.Node, len(spec.Graph.Nodes))
	for _, n := range spec.Graph.Nodes {
		nodeMap[n.ID] = n
	}

	adjacency := make(map[string]string, len(spec.Graph.Edges))
	for _, e := range spec.Graph.Edges {
		if _, dup := adjacency[e.From]; dup {
			return nil, nil, "", contracts.ErrUnsupportedGraph
		}
		adjacency[e.From] = e.To
	}

	var starts []string
	for id, n := range nodeMap {
		if n.Type == contracts.NodeStart {
			starts = append(starts, id)
		}
	}
	if len(starts) != 1 {
		return nil, nil, "", fmt.Errorf("engine: expected exactly 1 start node, found %d", len(starts))
	}
	return nodeMap, adjacency, starts[0], nil
}

func stateFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case json.Number:
		f, _ := t.Float64()
		return f
	}
	return 0
}

// Run executes one wave of the given SAW. It always returns a summary;
// the error is non-nil only for fatal conditions (invalid topology,
// storage failure) where the audit trail could not be completed.
func (e *Engine) Run(ctx context.Context, spec contracts.SAWSpec, rc *contracts.RunContext) (*contracts.RunSummary, error) {
	nodeMap, adjacency, startID, err := buildGraph(spec)
	if err != nil {
		return nil, err
	}

	pol := policy.FromBundle(spec.PolicyBundle)
	snapshot, err := policy.TakeSnapshot(spec.PolicyBundle)
	if err != nil {
		return nil, fmt.Errorf("engine: snapshot policy: %w", err)
	}

	ctx, span := e.tracer.Start(ctx, "engine.run", trace.WithAttributes(
		attribute.String("run_id", rc.RunID),
		attribute.String("saw_id", spec.SAWID),
		attribute.String("policy_fingerprint", snapshot.Fingerprint()),
	))
	defer span.End()

	rc.PolicyID = spec.PolicyBundle.PolicyID
	if err := e.runs.OpenRun(ctx, &contracts.RunRecord{
		RunID:          rc.RunID,
		SAWID:          spec.SAWID,
		StartedAt:      rc.StartedAt.UTC().Format(time.RFC3339Nano),
		Status:         contracts.RunRunning,
		PolicyHash:     snapshot.Hash,
		PolicyVersion:  spec.PolicyBundle.PolicyID,
		PolicySnapshot: snapshot.Canonical,
	}); err != nil {
		return nil, fmt.Errorf("engine: open run record: %w", err)
	}

	e.logger.InfoContext(ctx, "run started",
		"run_id", rc.RunID, "saw_id", spec.SAWID,
		"policy_fingerprint", snapshot.Fingerprint())

	summary := &contracts.RunSummary{
		RunID:       rc.RunID,
		SAWID:       spec.SAWID,
		Status:      contracts.RunRunning,
		NodeResults: make(map[string]any),
	}

	w := &walk{
		engine:  e,
		spec:    spec,
		rc:      rc,
		policy:  pol,
		summary: summary,
	}

	currentID := startID
	var fatal error
	approvalObserved := false

	for {
		node, ok := nodeMap[currentID]
		if !ok {
			summary.Status = contracts.RunError
			summary.DenialReason = fmt.Sprintf("Unknown node '%s'", currentID)
			break
		}

		nodeCtx, nodeSpan := e.tracer.Start(ctx, "engine.node", trace.WithAttributes(
			attribute.String("node_id", node.ID),
			attribute.String("node_type", string(node.Type)),
		))

		var done bool
		switch node.Type {
		case contracts.NodeStart:
			fatal = w.appendEntry(nodeCtx, node.ID, "", string(contracts.DecisionAllow), 0, "")

		case contracts.NodeEnd:
			fatal = w.appendEntry(nodeCtx, node.ID, "", string(contracts.DecisionAllow), 0, "")
			if fatal == nil {
				summary.Status = contracts.RunCompleted
				if w.lastResult != nil && w.lastResult.Success {
					summary.FinalOutputs = w.lastResult.Data
				}
			}
			done = true

		case contracts.NodeApprovalGate:
			var granted bool
			granted, fatal = w.approvalGate(nodeCtx, node)
			if fatal == nil {
				if granted {
					approvalObserved = true
				} else {
					done = true
				}
			}

		case contracts.NodeToolCall:
			done, fatal = w.toolCall(nodeCtx, node)

		default:
			fatal = w.appendEntry(nodeCtx, node.ID, "", "", 0,
				fmt.Sprintf("Unknown node type '%s'", node.Type))
			summary.Status = contracts.RunError
			summary.DenialReason = fmt.Sprintf("Unknown node type '%s' at node '%s'", node.Type, node.ID)
			done = true
		}
		nodeSpan.End()

		if fatal != nil {
			summary.Status = contracts.RunError
			summary.DenialReason = fatal.Error()
			break
		}
		if done {
			break
		}

		next, hasNext := adjacency[currentID]
		if !hasNext {
			summary.Status = contracts.RunError
			summary.DenialReason = fmt.Sprintf("No outgoing edge from node '%s'", currentID)
			break
		}
		currentID = next
	}

	summary.SystemTimeMS = round2(summary.SystemTimeMS)
	summary.HumanWaitTimeMS = round2(summary.HumanWaitTimeMS)
	summary.TotalTimeMS = round2(summary.SystemTimeMS + summary.HumanWaitTimeMS)

	if approvalObserved {
		approvedBy, _ := rc.State[contracts.StateApprovedBy].(string)
		if approvedBy == "" {
			approvedBy = rc.Approver
		}
		note, _ := rc.State[contracts.StateApprovalNote].(string)
		if err := e.runs.RecordApproval(ctx, rc.RunID, approvedBy,
			time.Now().UTC().Format(time.RFC3339Nano), note); err != nil && fatal == nil {
			fatal = fmt.Errorf("engine: record approval: %w", err)
			summary.Status = contracts.RunError
			summary.DenialReason = fatal.Error()
		}
	}

	if err := e.runs.CloseRun(ctx, rc.RunID, summary.Status); err != nil && fatal == nil {
		fatal = fmt.Errorf("engine: close run record: %w", err)
		summary.Status = contracts.RunError
	}

	e.logger.InfoContext(ctx, "run finished",
		"run_id", rc.RunID, "saw_id", spec.SAWID,
		"status", string(summary.Status),
		"system_time_ms", summary.SystemTimeMS,
		"human_wait_time_ms", summary.HumanWaitTimeMS)

	return summary, fatal
}

// walk carries the per-run mutable pieces through the node handlers.
type walk struct {
	engine     *Engine
	spec       contracts.SAWSpec
	rc         *contracts.RunContext
	policy     *policy.Policy
	summary    *contracts.RunSummary
	lastResult *contracts.ToolResult
}

func (w *walk) appendEntry(ctx context.Context, nodeID, toolName, decision string, latencyMS float64, errText string) error {
	_, err := w.engine.ledger.Append(ctx, &contracts.LogEntry{
		RunID:     w.rc.RunID,
		SAWID:     w.spec.SAWID,
		NodeID:    nodeID,
		ToolName:  toolName,
		Decision:  decision,
		LatencyMS: latencyMS,
		Error:     errText,
	})
	if err != nil {
		return fmt.Errorf("engine: ledger append at node '%s': %w", nodeID, err)
	}
	return nil
}

// approvalGate requires rc.State["_approval_granted"] to be strictly
// the boolean true; absence or any other value denies. The observed
// wait is recorded as the entry's latency and counted as human time.
func (w *walk) approvalGate(ctx context.Context, node contracts.Node) (granted bool, fatal error) {
	granted, _ = w.rc.State[contracts.StateApprovalGranted].(bool)
	waitMS := stateFloat(w.rc.State[contracts.StateApprovalWaitMS])
	w.summary.HumanWaitTimeMS += waitMS

	decision := contracts.DecisionAllow
	errText := ""
	if !granted {
		decision = contracts.DecisionDeny
		errText = "Approval not provided"
	}
	if err := w.appendEntry(ctx, node.ID, "", string(decision), waitMS, errText); err != nil {
		return false, err
	}
	if !granted {
		w.summary.Status = contracts.RunDenied
		w.summary.DenialReason = errText
		w.engine.logger.WarnContext(ctx, "approval denied",
			"run_id", w.rc.RunID, "node_id", node.ID)
	}
	return granted, nil
}

// toolCall resolves inputs, runs the policy check, invokes the tool,
// and appends the resulting ledger entry. done reports whether the walk
// must stop.
func (w *walk) toolCall(ctx context.Context, node contracts.Node) (done bool, fatal error) {
	inputs := w.engine.resolver.Resolve(node.ID, node, w.rc)
	w.rc.State[contracts.InputsKey(node.ID)] = inputs

	if !policy.IsInfraTool(node.Tool) {
		pd := w.policy.Check(node.Tool, inputs, w.rc, node.WriteAction)
		if pd.Decision == contracts.DecisionDeny {
			errMsg := "Policy denied: " + strings.Join(pd.Reasons, "; ")
			if err := w.appendEntry(ctx, node.ID, node.Tool, string(contracts.DecisionDeny), 0, errMsg); err != nil {
				return true, err
			}
			w.summary.NodeResults[node.ID] = errMsg
			w.summary.Status = contracts.RunDenied
			w.summary.DenialReason = errMsg
			w.engine.logger.WarnContext(ctx, "policy denied tool call",
				"run_id", w.rc.RunID, "node_id", node.ID, "tool", node.Tool,
				"reasons", pd.Reasons)
			return true, nil
		}
	}

	fn, found := w.engine.registry.Lookup(node.Tool)
	if !found {
		errMsg := fmt.Sprintf("Tool '%s' not found", node.Tool)
		if err := w.appendEntry(ctx, node.ID, node.Tool, string(contracts.DecisionDeny), 0, errMsg); err != nil {
			return true, err
		}
		w.summary.NodeResults[node.ID] = errMsg
		w.summary.Status = contracts.RunDenied
		w.summary.DenialReason = errMsg
		return true, nil
	}

	started := time.Now()
	result := fn(ctx, inputs, w.rc)
	latencyMS := round2(time.Since(started).Seconds() * 1000)

	if err := w.appendEntry(ctx, node.ID, node.Tool, string(contracts.DecisionAllow), latencyMS, result.Error); err != nil {
		return true, err
	}

	if !result.Success {
		w.summary.NodeResults[node.ID] = result.Error
		w.summary.Status = contracts.RunDenied
		w.summary.DenialReason = result.Error
		return true, nil
	}

	if w.engine.recorder != nil {
		if _, err := w.engine.recorder.Record(ctx, w.rc.RunID, node.ID, result); err != nil {
			return true, fmt.Errorf("engine: record invocation at node '%s': %w", node.ID, err)
		}
	}

	w.summary.NodeResults[node.ID] = result.Data
	w.rc.State[node.ID] = result.Data
	w.lastResult = &result
	w.summary.SystemTimeMS += latencyMS
	return false, nil
}
