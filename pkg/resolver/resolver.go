// Package resolver maps upstream node outputs to downstream tool inputs.
// The engine calls the resolver once per tool node, before the policy
// check, and stashes the result in the run context.
package resolver

import "github.com/surfit-ai/saw-runtime/pkg/contracts"

// Resolver computes the input payload for a node from accumulated run
// state. Implementations must not mutate the context.
type Resolver interface {
	Resolve(nodeID string, node contracts.Node, rc *contracts.RunContext) map[string]any
}

// Func adapts a plain function to Resolver.
type Func func(nodeID string, node contracts.Node, rc *contracts.RunContext) map[string]any

func (f Func) Resolve(nodeID string, node contracts.Node, rc *contracts.RunContext) map[string]any {
	return f(nodeID, node, rc)
}

func state(rc *contracts.RunContext, key string) map[string]any {
	if v, ok := rc.State[key].(map[string]any); ok {
		return v
	}
	return map[string]any{}
}

func has(rc *contracts.RunContext, key string) bool {
	_, ok := rc.State[key]
	return ok
}

// Default wires the three built-in chains: board metrics, revenue
// reconciliation, and budget reforecast. Unknown nodes resolve to an
// empty input map, never nil.
var Default Resolver = Func(func(nodeID string, _ contracts.Node, rc *contracts.RunContext) map[string]any {
	switch nodeID {
	// Board metrics aggregation.
	case "n_salesforce_pull":
		return map[string]any{"date_range": "2025-Q1", "segment": "enterprise"}
	case "n_stripe_pull":
		if has(rc, "n_salesforce_pull") {
			return map[string]any{"date_range": "2025-Q1", "currency": "usd"}
		}
	case "n_reconcile":
		if has(rc, "n_salesforce_pull") {
			return map[string]any{
				"salesforce": state(rc, "n_salesforce_pull"),
				"stripe":     state(rc, "n_stripe_pull"),
			}
		}
		if has(rc, "n_qb_pull") {
			return map[string]any{
				"expenses": state(rc, "n_qb_pull"),
				"payouts":  state(rc, "n_stripe_payouts"),
			}
		}
	case "n_generate_summary":
		recon := state(rc, "n_reconcile")
		metrics, _ := recon["reconciled_metrics"].(map[string]any)
		discrepancies, _ := recon["discrepancies"].([]any)
		if metrics == nil {
			metrics = map[string]any{}
		}
		if discrepancies == nil {
			discrepancies = []any{}
		}
		return map[string]any{
			"reconciled_metrics": metrics,
			"discrepancies":      discrepancies,
		}
	case "n_update_slides":
		summary := state(rc, "n_generate_summary")
		table, _ := summary["metrics_table_markdown"].(string)
		commentary, _ := summary["commentary"].(string)
		return map[string]any{
			"template_id":            "TEMPLATE_DECK_V1",
			"metrics_table_markdown": table,
			"commentary":             commentary,
		}

	// Revenue reconciliation.
	case "n_qb_pull":
		return map[string]any{"period": "2025-Q1"}
	case "n_stripe_payouts":
		return map[string]any{"period": "2025-Q1"}
	case "n_gen_report":
		return map[string]any{"reconciled": state(rc, "n_reconcile")}
	case "n_write_report":
		return map[string]any{"report": state(rc, "n_gen_report")}

	// Budget reforecast.
	case "n_pull_actuals", "n_pull_budget":
		return map[string]any{"period": "2025-Q1"}
	case "n_variance":
		actuals, _ := state(rc, "n_pull_actuals")["actuals"].(map[string]any)
		budget, _ := state(rc, "n_pull_budget")["budget"].(map[string]any)
		return map[string]any{"actuals": actuals, "budget": budget}
	case "n_gen_reforecast":
		variance := state(rc, "n_variance")
		return map[string]any{
			"lines": variance["lines"],
			"flags": variance["flags"],
		}
	case "n_update_plan":
		reforecast := state(rc, "n_gen_reforecast")
		return map[string]any{
			"confidence": reforecast["confidence"],
			"table":      reforecast["metrics_table_markdown"],
		}
	}
	return map[string]any{}
})
