package engine

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/surfit-ai/saw-runtime/pkg/contracts"
	"github.com/surfit-ai/saw-runtime/pkg/ledger"
	"github.com/surfit-ai/saw-runtime/pkg/llm"
	"github.com/surfit-ai/saw-runtime/pkg/resolver"
	"github.com/surfit-ai/saw-runtime/pkg/saws"
	"github.com/surfit-ai/saw-runtime/pkg/store"
	"github.com/surfit-ai/saw-runtime/pkg/tools"
)

type harness struct {
	db     *sql.DB
	ledger *ledger.SQLLedger
	store  *store.Store
	engine *Engine
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	l := ledger.NewSQLLedger(db, ledger.DialectSQLite)
	require.NoError(t, l.Init(ctx))
	s := store.New(db, ledger.DialectSQLite)
	require.NoError(t, s.Init(ctx))

	opts = append([]Option{WithRecorder(llm.NewRecorder(s))}, opts...)
	return &harness{
		db:     db,
		ledger: l,
		store:  s,
		engine: New(l, s, tools.Builtin(), opts...),
	}
}

func approvedContext(sawID string) *contracts.RunContext {
	rc := contracts.NewRunContext(sawID)
	rc.State[contracts.StateApprovalGranted] = true
	rc.State[contracts.StateApprovalWaitMS] = 950.0
	return rc
}

func TestGoldenPathBoardMetrics(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rc := approvedContext("board_metrics_v1")

	summary, err := h.engine.Run(ctx, saws.BoardMetrics(), rc)
	require.NoError(t, err)

	assert.Equal(t, contracts.RunCompleted, summary.Status)
	assert.Equal(t, 950.0, summary.HumanWaitTimeMS)
	assert.Equal(t, "updated", summary.FinalOutputs["status"])

	recon := rc.State["n_reconcile"].(map[string]any)
	metrics := recon["reconciled_metrics"].(map[string]any)
	assert.Equal(t, -180_000.0, metrics["bookings_revenue_delta_usd"])

	entries, err := h.ledger.Entries(ctx, rc.RunID)
	require.NoError(t, err)
	wantOrder := []string{
		"n_start", "n_salesforce_pull", "n_stripe_pull", "n_reconcile",
		"n_generate_summary", "n_approval", "n_update_slides", "n_end",
	}
	require.Len(t, entries, len(wantOrder))
	var systemMS float64
	for i, e := range entries {
		assert.Equal(t, wantOrder[i], e.NodeID)
		assert.Equal(t, "allow", e.Decision)
		if e.NodeID != "n_approval" {
			systemMS += e.LatencyMS
		}
	}
	assert.InDelta(t, summary.SystemTimeMS, systemMS, 0.02)
	assert.Equal(t, 950.0, entries[5].LatencyMS)

	res, err := h.ledger.Verify(ctx, rc.RunID)
	require.NoError(t, err)
	assert.True(t, res.Valid)

	rec, err := h.store.GetRun(ctx, rc.RunID)
	require.NoError(t, err)
	assert.Equal(t, contracts.RunCompleted, rec.Status)
	assert.Len(t, rec.PolicyHash, 64)
	assert.NotEmpty(t, rec.PolicySnapshot)
	assert.Equal(t, "board_metrics_policy_v1", rec.PolicyVersion)
	assert.NotEmpty(t, rec.ApprovedAt)

	// The summary node is model-backed; exactly one invocation record.
	invs, err := h.store.Invocations(ctx, rc.RunID)
	require.NoError(t, err)
	require.Len(t, invs, 1)
	assert.Equal(t, "n_generate_summary", invs[0].NodeID)
	assert.Len(t, invs[0].LLMOutputTextHash, 64)
}

func TestApprovalAbsentDenies(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rc := contracts.NewRunContext("board_metrics_v1")

	summary, err := h.engine.Run(ctx, saws.BoardMetrics(), rc)
	require.NoError(t, err)

	assert.Equal(t, contracts.RunDenied, summary.Status)
	assert.Contains(t, summary.DenialReason, "not provided")

	entries, err := h.ledger.Entries(ctx, rc.RunID)
	require.NoError(t, err)
	require.Len(t, entries, 6)
	last := entries[len(entries)-1]
	assert.Equal(t, "n_approval", last.NodeID)
	assert.Equal(t, "deny", last.Decision)
	for _, e := range entries {
		assert.NotEqual(t, "n_update_slides", e.NodeID)
		assert.NotEqual(t, "n_end", e.NodeID)
	}
}

func TestApprovalNonBooleanDenies(t *testing.T) {
	h := newHarness(t)
	rc := contracts.NewRunContext("board_metrics_v1")
	rc.State[contracts.StateApprovalGranted] = "yes"

	summary, err := h.engine.Run(context.Background(), saws.BoardMetrics(), rc)
	require.NoError(t, err)
	assert.Equal(t, contracts.RunDenied, summary.Status)
}

func TestRogueTemplateWriteDenied(t *testing.T) {
	rogue := resolver.Func(func(nodeID string, node contracts.Node, rc *contracts.RunContext) map[string]any {
		inputs := resolver.Default.Resolve(nodeID, node, rc)
		if nodeID == "n_update_slides" {
			inputs["template_id"] = "ROGUE_TEMPLATE"
		}
		return inputs
	})
	h := newHarness(t, WithResolver(rogue))
	ctx := context.Background()
	rc := approvedContext("board_metrics_v1")

	summary, err := h.engine.Run(ctx, saws.BoardMetrics(), rc)
	require.NoError(t, err)

	assert.Equal(t, contracts.RunDenied, summary.Status)
	assert.Contains(t, summary.DenialReason, "ROGUE_TEMPLATE")

	entries, err := h.ledger.Entries(ctx, rc.RunID)
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, "n_update_slides", last.NodeID)
	assert.Equal(t, "deny", last.Decision)
	assert.Contains(t, last.Error, "ROGUE_TEMPLATE")
	for _, e := range entries {
		assert.NotEqual(t, "n_end", e.NodeID)
	}
}

func TestBranchingGraphRejectedBeforeAnyWrite(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	spec := saws.BoardMetrics()
	spec.Graph.Edges = append(spec.Graph.Edges, contracts.Edge{From: "n_reconcile", To: "n_end"})

	rc := approvedContext("board_metrics_v1")
	summary, err := h.engine.Run(ctx, spec, rc)
	assert.Nil(t, summary)
	assert.ErrorIs(t, err, contracts.ErrUnsupportedGraph)

	entries, lerr := h.ledger.Entries(ctx, rc.RunID)
	require.NoError(t, lerr)
	assert.Empty(t, entries)

	_, serr := h.store.GetRun(ctx, rc.RunID)
	assert.ErrorIs(t, serr, store.ErrNotFound)
}

func TestTamperDetectionAfterRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rc := approvedContext("board_metrics_v1")

	_, err := h.engine.Run(ctx, saws.BoardMetrics(), rc)
	require.NoError(t, err)

	entries, err := h.ledger.Entries(ctx, rc.RunID)
	require.NoError(t, err)
	_, err = h.db.Exec(`UPDATE execution_log SET latency_ms = latency_ms + 1.0 WHERE id = $1`, entries[3].ID)
	require.NoError(t, err)

	res, err := h.ledger.Verify(ctx, rc.RunID)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, 3, res.FirstMismatchIndex)
	assert.NotEqual(t, res.ExpectedHash, res.FoundHash)
}

func TestFingerprintStability(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rc1 := approvedContext("board_metrics_v1")
	_, err := h.engine.Run(ctx, saws.BoardMetrics(), rc1)
	require.NoError(t, err)
	rc2 := approvedContext("board_metrics_v1")
	_, err = h.engine.Run(ctx, saws.BoardMetrics(), rc2)
	require.NoError(t, err)

	rec1, err := h.store.GetRun(ctx, rc1.RunID)
	require.NoError(t, err)
	rec2, err := h.store.GetRun(ctx, rc2.RunID)
	require.NoError(t, err)
	assert.Equal(t, rec1.PolicyHash, rec2.PolicyHash)

	flipped := saws.BoardMetrics()
	flipped.PolicyBundle.Egress.AllowSlackDM = true
	rc3 := approvedContext("board_metrics_v1")
	_, err = h.engine.Run(ctx, flipped, rc3)
	require.NoError(t, err)
	rec3, err := h.store.GetRun(ctx, rc3.RunID)
	require.NoError(t, err)
	assert.NotEqual(t, rec1.PolicyHash, rec3.PolicyHash)
}

func minimalSpec() contracts.SAWSpec {
	return contracts.SAWSpec{
		SAWID: "mini_v1",
		Graph: contracts.Graph{
			Nodes: []contracts.Node{
				{ID: "n_start", Type: contracts.NodeStart},
				{ID: "n_end", Type: contracts.NodeEnd},
			},
			Edges: []contracts.Edge{{From: "n_start", To: "n_end"}},
		},
		PolicyBundle: contracts.PolicyBundle{
			PolicyID:         "mini_policy_v1",
			SensitivityLevel: "low",
			Tools:            contracts.ToolLists{Allowlist: []string{}, Denylist: []string{}},
		},
	}
}

func TestStartToEndOnly(t *testing.T) {
	h := newHarness(t)
	rc := contracts.NewRunContext("mini_v1")

	summary, err := h.engine.Run(context.Background(), minimalSpec(), rc)
	require.NoError(t, err)
	assert.Equal(t, contracts.RunCompleted, summary.Status)
	assert.Equal(t, 0.0, summary.SystemTimeMS)
	assert.Empty(t, summary.FinalOutputs)
}

func TestMissingEdgeIsRunError(t *testing.T) {
	h := newHarness(t)
	spec := minimalSpec()
	spec.Graph.Edges = nil

	rc := contracts.NewRunContext("mini_v1")
	summary, err := h.engine.Run(context.Background(), spec, rc)
	require.NoError(t, err)
	assert.Equal(t, contracts.RunError, summary.Status)
	assert.Equal(t, "No outgoing edge from node 'n_start'", summary.DenialReason)

	rec, err := h.store.GetRun(context.Background(), rc.RunID)
	require.NoError(t, err)
	assert.Equal(t, contracts.RunError, rec.Status)
}

func TestUnknownToolDenies(t *testing.T) {
	h := newHarness(t)
	spec := minimalSpec()
	spec.Graph.Nodes = []contracts.Node{
		{ID: "n_start", Type: contracts.NodeStart},
		{ID: "n_ghost", Type: contracts.NodeToolCall, Tool: "tool_ghost"},
		{ID: "n_end", Type: contracts.NodeEnd},
	}
	spec.Graph.Edges = []contracts.Edge{
		{From: "n_start", To: "n_ghost"},
		{From: "n_ghost", To: "n_end"},
	}
	spec.PolicyBundle.Tools.Allowlist = []string{"tool_ghost"}

	rc := contracts.NewRunContext("mini_v1")
	summary, err := h.engine.Run(context.Background(), spec, rc)
	require.NoError(t, err)
	assert.Equal(t, contracts.RunDenied, summary.Status)
	assert.Equal(t, "Tool 'tool_ghost' not found", summary.DenialReason)

	entries, err := h.ledger.Entries(context.Background(), rc.RunID)
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, "deny", last.Decision)
	assert.Equal(t, "tool_ghost", last.ToolName)
}

func TestToolFailureStopsRun(t *testing.T) {
	h := newHarness(t)
	h.engine.registry.Register("tool_flaky", func(_ context.Context, _ map[string]any, _ *contracts.RunContext) contracts.ToolResult {
		return contracts.ToolResult{ToolName: "tool_flaky", Success: false, Error: "upstream 503"}
	})

	spec := minimalSpec()
	spec.Graph.Nodes = []contracts.Node{
		{ID: "n_start", Type: contracts.NodeStart},
		{ID: "n_flaky", Type: contracts.NodeToolCall, Tool: "tool_flaky"},
		{ID: "n_end", Type: contracts.NodeEnd},
	}
	spec.Graph.Edges = []contracts.Edge{
		{From: "n_start", To: "n_flaky"},
		{From: "n_flaky", To: "n_end"},
	}
	spec.PolicyBundle.Tools.Allowlist = []string{"tool_flaky"}

	rc := contracts.NewRunContext("mini_v1")
	summary, err := h.engine.Run(context.Background(), spec, rc)
	require.NoError(t, err)
	assert.Equal(t, contracts.RunDenied, summary.Status)
	assert.Equal(t, "upstream 503", summary.DenialReason)
	assert.Equal(t, "upstream 503", summary.NodeResults["n_flaky"])
}

func TestNodeOutputsLandInState(t *testing.T) {
	h := newHarness(t)
	rc := approvedContext("revenue_reconciliation_v1")

	summary, err := h.engine.Run(context.Background(), saws.RevenueReconciliation(), rc)
	require.NoError(t, err)
	assert.Equal(t, contracts.RunCompleted, summary.Status)

	for _, nodeID := range []string{"n_qb_pull", "n_stripe_payouts", "n_reconcile", "n_gen_report", "n_write_report"} {
		data, ok := rc.State[nodeID].(map[string]any)
		require.True(t, ok, nodeID)
		assert.Equal(t, data, summary.NodeResults[nodeID])
	}
	assert.Equal(t, "written", summary.FinalOutputs["status"])
}

func TestBudgetReforecastCompletes(t *testing.T) {
	h := newHarness(t)
	rc := approvedContext("budget_reforecast_v1")

	summary, err := h.engine.Run(context.Background(), saws.BudgetReforecast(), rc)
	require.NoError(t, err)
	assert.Equal(t, contracts.RunCompleted, summary.Status)
	assert.Equal(t, "written", summary.FinalOutputs["status"])
	assert.Equal(t, "Medium", summary.FinalOutputs["confidence"])
}

func TestDeniedRunVerifiesClean(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rc := contracts.NewRunContext("board_metrics_v1")

	_, err := h.engine.Run(ctx, saws.BoardMetrics(), rc)
	require.NoError(t, err)

	res, err := h.ledger.Verify(ctx, rc.RunID)
	require.NoError(t, err)
	assert.True(t, res.Valid)
}
