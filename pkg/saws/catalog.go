// Package saws ships the built-in workflow catalog and a loader for
// external SAW specification documents.
package saws

import "github.com/surfit-ai/saw-runtime/pkg/contracts"

func defaultDenylist() []string {
	return []string{"tool_browser", "tool_shell_exec", "tool_external_http", "tool_email_send", "tool_slack_dm"}
}

func lockedEgress() contracts.EgressRules {
	return contracts.EgressRules{
		AllowExternalHTTP: false,
		AllowedDomains:    []string{},
		AllowEmailSend:    false,
		AllowSlackDM:      false,
	}
}

// BoardMetrics is the board metrics aggregation workflow: pull pipeline
// and revenue figures, reconcile, summarize, gate on human approval,
// then write the board deck template.
func BoardMetrics() contracts.SAWSpec {
	return contracts.SAWSpec{
		SAWID: "board_metrics_v1",
		Graph: contracts.Graph{
			Nodes: []contracts.Node{
				{ID: "n_start", Type: contracts.NodeStart},
				{ID: "n_salesforce_pull", Type: contracts.NodeToolCall, Tool: "tool_salesforce_read_pipeline", Sensitivity: "medium"},
				{ID: "n_stripe_pull", Type: contracts.NodeToolCall, Tool: "tool_stripe_read_revenue", Sensitivity: "medium"},
				{ID: "n_reconcile", Type: contracts.NodeToolCall, Tool: "tool_reconcile_metrics", Sensitivity: "medium"},
				{ID: "n_generate_summary", Type: contracts.NodeToolCall, Tool: "tool_generate_board_summary", Sensitivity: "medium"},
				{ID: "n_approval", Type: contracts.NodeApprovalGate, Tool: "human_approval", Sensitivity: "high"},
				{ID: "n_update_slides", Type: contracts.NodeToolCall, Tool: "tool_slides_update_template", Sensitivity: "medium", WriteAction: true},
				{ID: "n_end", Type: contracts.NodeEnd},
			},
			Edges: []contracts.Edge{
				{From: "n_start", To: "n_salesforce_pull"},
				{From: "n_salesforce_pull", To: "n_stripe_pull"},
				{From: "n_stripe_pull", To: "n_reconcile"},
				{From: "n_reconcile", To: "n_generate_summary"},
				{From: "n_generate_summary", To: "n_approval"},
				{From: "n_approval", To: "n_update_slides"},
				{From: "n_update_slides", To: "n_end"},
			},
		},
		PolicyBundle: contracts.PolicyBundle{
			PolicyID:         "board_metrics_policy_v1",
			SensitivityLevel: "medium",
			Tools: contracts.ToolLists{
				Allowlist: []string{
					"tool_salesforce_read_pipeline", "tool_stripe_read_revenue",
					"tool_reconcile_metrics", "tool_generate_board_summary",
					"tool_slides_update_template", "tool_logger_write",
				},
				Denylist: defaultDenylist(),
			},
			Egress: lockedEgress(),
			WriteRestrictions: map[string]contracts.WriteRestriction{
				"tool_slides_update_template": {
					AllowedTemplateIDs:  []string{"TEMPLATE_DECK_V1"},
					AllowCreateNewDecks: false,
				},
			},
		},
	}
}

// RevenueReconciliation reconciles expense and payout pulls into a
// report, gated before the report write.
func RevenueReconciliation() contracts.SAWSpec {
	return contracts.SAWSpec{
		SAWID: "revenue_reconciliation_v1",
		Graph: contracts.Graph{
			Nodes: []contracts.Node{
				{ID: "n_start", Type: contracts.NodeStart},
				{ID: "n_qb_pull", Type: contracts.NodeToolCall, Tool: "tool_quickbooks_read_expenses", Sensitivity: "medium"},
				{ID: "n_stripe_payouts", Type: contracts.NodeToolCall, Tool: "tool_stripe_read_payouts", Sensitivity: "medium"},
				{ID: "n_reconcile", Type: contracts.NodeToolCall, Tool: "tool_reconcile_revenue", Sensitivity: "medium"},
				{ID: "n_gen_report", Type: contracts.NodeToolCall, Tool: "tool_generate_revenue_report", Sensitivity: "medium"},
				{ID: "n_approval", Type: contracts.NodeApprovalGate, Tool: "human_approval", Sensitivity: "high"},
				{ID: "n_write_report", Type: contracts.NodeToolCall, Tool: "tool_write_revenue_report", Sensitivity: "medium", WriteAction: true},
				{ID: "n_end", Type: contracts.NodeEnd},
			},
			Edges: []contracts.Edge{
				{From: "n_start", To: "n_qb_pull"},
				{From: "n_qb_pull", To: "n_stripe_payouts"},
				{From: "n_stripe_payouts", To: "n_reconcile"},
				{From: "n_reconcile", To: "n_gen_report"},
				{From: "n_gen_report", To: "n_approval"},
				{From: "n_approval", To: "n_write_report"},
				{From: "n_write_report", To: "n_end"},
			},
		},
		PolicyBundle: contracts.PolicyBundle{
			PolicyID:         "revenue_recon_policy_v1",
			SensitivityLevel: "medium",
			Tools: contracts.ToolLists{
				Allowlist: []string{
					"tool_quickbooks_read_expenses", "tool_stripe_read_payouts",
					"tool_reconcile_revenue", "tool_generate_revenue_report",
					"tool_write_revenue_report", "tool_logger_write",
				},
				Denylist: defaultDenylist(),
			},
			Egress:            lockedEgress(),
			WriteRestrictions: map[string]contracts.WriteRestriction{},
		},
	}
}

// BudgetReforecast compares actuals against plan and writes a
// reforecast after approval.
func BudgetReforecast() contracts.SAWSpec {
	return contracts.SAWSpec{
		SAWID: "budget_reforecast_v1",
		Graph: contracts.Graph{
			Nodes: []contracts.Node{
				{ID: "n_start", Type: contracts.NodeStart},
				{ID: "n_pull_actuals", Type: contracts.NodeToolCall, Tool: "tool_pull_actuals", Sensitivity: "medium"},
				{ID: "n_pull_budget", Type: contracts.NodeToolCall, Tool: "tool_pull_budget", Sensitivity: "medium"},
				{ID: "n_variance", Type: contracts.NodeToolCall, Tool: "tool_variance_analysis", Sensitivity: "medium"},
				{ID: "n_gen_reforecast", Type: contracts.NodeToolCall, Tool: "tool_gen_reforecast", Sensitivity: "medium"},
				{ID: "n_approval", Type: contracts.NodeApprovalGate, Tool: "human_approval", Sensitivity: "high"},
				{ID: "n_update_plan", Type: contracts.NodeToolCall, Tool: "tool_update_plan", Sensitivity: "medium", WriteAction: true},
				{ID: "n_end", Type: contracts.NodeEnd},
			},
			Edges: []contracts.Edge{
				{From: "n_start", To: "n_pull_actuals"},
				{From: "n_pull_actuals", To: "n_pull_budget"},
				{From: "n_pull_budget", To: "n_variance"},
				{From: "n_variance", To: "n_gen_reforecast"},
				{From: "n_gen_reforecast", To: "n_approval"},
				{From: "n_approval", To: "n_update_plan"},
				{From: "n_update_plan", To: "n_end"},
			},
		},
		PolicyBundle: contracts.PolicyBundle{
			PolicyID:         "budget_reforecast_policy_v1",
			SensitivityLevel: "medium",
			Tools: contracts.ToolLists{
				Allowlist: []string{
					"tool_pull_actuals", "tool_pull_budget", "tool_variance_analysis",
					"tool_gen_reforecast", "tool_update_plan", "tool_logger_write",
				},
				Denylist: defaultDenylist(),
			},
			Egress:            lockedEgress(),
			WriteRestrictions: map[string]contracts.WriteRestriction{},
		},
	}
}

// Catalog returns the built-in workflows keyed by saw_id.
func Catalog() map[string]contracts.SAWSpec {
	specs := []contracts.SAWSpec{BoardMetrics(), RevenueReconciliation(), BudgetReforecast()}
	out := make(map[string]contracts.SAWSpec, len(specs))
	for _, s := range specs {
		out[s.SAWID] = s
	}
	return out
}
