package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/surfit-ai/saw-runtime/pkg/contracts"
)

// Builtin returns a registry preloaded with the demo tool set: the board
// metrics chain, the revenue reconciliation chain, and the budget
// reforecast chain. All tools return realistic static data so runs are
// reproducible end to end.
func Builtin() *Registry {
	r := NewRegistry()
	r.Register("tool_salesforce_read_pipeline", SalesforceReadPipeline)
	r.Register("tool_stripe_read_revenue", StripeReadRevenue)
	r.Register("tool_reconcile_metrics", ReconcileMetrics)
	r.Register("tool_generate_summary_llm", GenerateSummaryLLM)
	r.Register("tool_generate_board_summary", GenerateSummaryLLM)
	r.Register("tool_slides_update_template", SlidesUpdateTemplate)
	r.Register("tool_logger_write", LoggerWrite)
	r.Register("tool_quickbooks_read_expenses", QuickbooksReadExpenses)
	r.Register("tool_stripe_read_payouts", StripeReadPayouts)
	r.Register("tool_reconcile_revenue", ReconcileRevenue)
	r.Register("tool_generate_revenue_report", GenerateRevenueReport)
	r.Register("tool_write_revenue_report", WriteRevenueReport)
	r.Register("tool_pull_actuals", PullActuals)
	r.Register("tool_pull_budget", PullBudget)
	r.Register("tool_variance_analysis", VarianceAnalysis)
	r.Register("tool_gen_reforecast", GenReforecast)
	r.Register("tool_update_plan", UpdatePlan)
	return r
}

func num(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	}
	return 0
}

func subMap(m map[string]any, key string) map[string]any {
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return map[string]any{}
}

func strSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func money(v float64) string {
	if v < 0 {
		return "-$" + humanize.CommafWithDigits(-v, 0)
	}
	return "$" + humanize.CommafWithDigits(v, 0)
}

func signedMoney(v float64) string {
	if v < 0 {
		return "-$" + humanize.CommafWithDigits(-v, 0)
	}
	return "+$" + humanize.CommafWithDigits(v, 0)
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// ── Board metrics chain ──────────────────────────────────────────────

// SalesforceReadPipeline returns pipeline and bookings for a period.
func SalesforceReadPipeline(_ context.Context, inputs map[string]any, _ *contracts.RunContext) contracts.ToolResult {
	_, _ = inputs["date_range"], inputs["segment"]
	return contracts.ToolResult{
		ToolName: "tool_salesforce_read_pipeline",
		Success:  true,
		Data: map[string]any{
			"pipeline_usd": 4_250_000.00,
			"bookings_usd": 1_875_000.00,
			"notes":        "Includes 2 deals awaiting legal review.",
		},
	}
}

// StripeReadRevenue returns gross, refund, and net revenue.
func StripeReadRevenue(_ context.Context, inputs map[string]any, _ *contracts.RunContext) contracts.ToolResult {
	_, _ = inputs["date_range"], inputs["currency"]
	return contracts.ToolResult{
		ToolName: "tool_stripe_read_revenue",
		Success:  true,
		Data: map[string]any{
			"gross_revenue_usd": 2_100_000.00,
			"refunds_usd":       45_000.00,
			"net_revenue_usd":   2_055_000.00,
		},
	}
}

// ReconcileMetrics compares bookings against net revenue. Fully
// deterministic, no model involved.
func ReconcileMetrics(_ context.Context, inputs map[string]any, _ *contracts.RunContext) contracts.ToolResult {
	sf := subMap(inputs, "salesforce")
	st := subMap(inputs, "stripe")

	bookings := num(sf, "bookings_usd")
	netRev := num(st, "net_revenue_usd")
	delta := bookings - netRev

	discrepancies := make([]any, 0, 1)
	flags := make([]string, 0, 1)
	if math.Abs(delta) > 0 {
		discrepancies = append(discrepancies, map[string]any{
			"field":            "bookings_vs_net_revenue",
			"salesforce_value": bookings,
			"stripe_value":     netRev,
			"delta_usd":        delta,
		})
	}
	if math.Abs(delta)/math.Max(bookings, 1) > 0.10 {
		flags = append(flags, "LARGE_DELTA: bookings vs net revenue diverges >10%")
	}

	return contracts.ToolResult{
		ToolName: "tool_reconcile_metrics",
		Success:  true,
		Data: map[string]any{
			"discrepancies": discrepancies,
			"flags":         flags,
			"reconciled_metrics": map[string]any{
				"pipeline_usd":               num(sf, "pipeline_usd"),
				"bookings_usd":               bookings,
				"gross_revenue_usd":          num(st, "gross_revenue_usd"),
				"refunds_usd":                num(st, "refunds_usd"),
				"net_revenue_usd":            netRev,
				"bookings_revenue_delta_usd": delta,
			},
		},
	}
}

// GenerateSummaryLLM is a governed model stub: fixed temperature,
// sanitized prompt payload, deterministic output. Its result carries the
// llm_meta / raw input / sanitized input / output text fields that the
// invocation recorder hashes.
func GenerateSummaryLLM(_ context.Context, inputs map[string]any, _ *contracts.RunContext) contracts.ToolResult {
	metrics := subMap(inputs, "reconciled_metrics")

	var b strings.Builder
	b.WriteString("| Metric | Value |\n|---|---|\n")
	fmt.Fprintf(&b, "| Pipeline | %s |\n", money(num(metrics, "pipeline_usd")))
	fmt.Fprintf(&b, "| Bookings | %s |\n", money(num(metrics, "bookings_usd")))
	fmt.Fprintf(&b, "| Gross Revenue | %s |\n", money(num(metrics, "gross_revenue_usd")))
	fmt.Fprintf(&b, "| Refunds | %s |\n", money(num(metrics, "refunds_usd")))
	fmt.Fprintf(&b, "| Net Revenue | %s |\n", money(num(metrics, "net_revenue_usd")))
	fmt.Fprintf(&b, "| Bookings-Revenue Delta | %s |", money(num(metrics, "bookings_revenue_delta_usd")))

	commentary := "Pipeline remains healthy. Net revenue tracks within expected range. " +
		"Bookings-to-revenue delta reflects timing of contract activations; " +
		"2 deals pending legal review."

	discrepancies, _ := inputs["discrepancies"].([]any)

	return contracts.ToolResult{
		ToolName: "tool_generate_summary_llm",
		Success:  true,
		Data: map[string]any{
			"metrics_table_markdown": b.String(),
			"commentary":             commentary,
			"llm_meta": map[string]any{
				"provider":      "openai",
				"model_name":    "gpt-4o-mini",
				"model_version": "gpt-4o-mini-2025-01-15",
				"temperature":   0.0,
				"max_tokens":    300,
			},
			"raw_tool_input": inputs,
			"sanitized_prompt_input": map[string]any{
				"reconciled_metrics": metrics,
				"discrepancy_count":  len(discrepancies),
			},
			"llm_output_text": commentary,
		},
	}
}

// SlidesUpdateTemplate pretends to update a slides template in place.
func SlidesUpdateTemplate(_ context.Context, inputs map[string]any, _ *contracts.RunContext) contracts.ToolResult {
	templateID, _ := inputs["template_id"].(string)
	if templateID == "" {
		return contracts.ToolResult{
			ToolName: "tool_slides_update_template",
			Success:  false,
			Error:    "template_id is required",
		}
	}
	return contracts.ToolResult{
		ToolName: "tool_slides_update_template",
		Success:  true,
		Data: map[string]any{
			"status":            "updated",
			"updated_slide_ids": []string{"slide_3", "slide_4"},
		},
	}
}

// LoggerWrite exists to give the log writer a registry entry; actual
// log persistence lives in the ledger, not here.
func LoggerWrite(_ context.Context, _ map[string]any, _ *contracts.RunContext) contracts.ToolResult {
	return contracts.ToolResult{
		ToolName: "tool_logger_write",
		Success:  true,
		Data:     map[string]any{"status": "logged"},
	}
}

// ── Revenue reconciliation chain ─────────────────────────────────────

func QuickbooksReadExpenses(_ context.Context, inputs map[string]any, _ *contracts.RunContext) contracts.ToolResult {
	period, _ := inputs["period"].(string)
	if period == "" {
		period = "2025-Q1"
	}
	return contracts.ToolResult{
		ToolName: "tool_quickbooks_read_expenses",
		Success:  true,
		Data: map[string]any{
			"total_expenses_usd": 1_240_000.00,
			"payroll_usd":        820_000.00,
			"opex_usd":           420_000.00,
			"period":             period,
		},
	}
}

func StripeReadPayouts(_ context.Context, _ map[string]any, _ *contracts.RunContext) contracts.ToolResult {
	return contracts.ToolResult{
		ToolName: "tool_stripe_read_payouts",
		Success:  true,
		Data: map[string]any{
			"total_payouts_usd": 1_980_000.00,
			"pending_usd":       75_000.00,
			"failed_usd":        12_000.00,
		},
	}
}

func ReconcileRevenue(_ context.Context, inputs map[string]any, _ *contracts.RunContext) contracts.ToolResult {
	expenses := subMap(inputs, "expenses")
	payouts := subMap(inputs, "payouts")
	net := num(payouts, "total_payouts_usd") - num(expenses, "total_expenses_usd")
	margin := round1(net / math.Max(num(payouts, "total_payouts_usd"), 1) * 100)
	return contracts.ToolResult{
		ToolName: "tool_reconcile_revenue",
		Success:  true,
		Data: map[string]any{
			"net_position_usd": net,
			"margin_pct":       margin,
			"flagged":          margin < 20,
		},
	}
}

func GenerateRevenueReport(_ context.Context, inputs map[string]any, _ *contracts.RunContext) contracts.ToolResult {
	data := subMap(inputs, "reconciled")
	if inner, ok := data["data"].(map[string]any); ok {
		data = inner
	}
	net := num(data, "net_position_usd")
	margin := num(data, "margin_pct")
	flagged, _ := data["flagged"].(bool)

	flagCell := "OK: within range"
	if flagged {
		flagCell = "WARN: below 20% threshold"
	}
	table := "| Metric | Value |\n|---|---|\n" +
		"| Total Payouts | $1,980,000 |\n" +
		"| Total Expenses | $1,240,000 |\n" +
		fmt.Sprintf("| Net Position | %s |\n", money(net)) +
		fmt.Sprintf("| Margin | %v%% |\n", margin) +
		fmt.Sprintf("| Flag | %s |", flagCell)

	commentary := fmt.Sprintf("Net position of %s reflects a %v%% margin. ", money(net), margin)
	if flagged {
		commentary += "Margin is below the 20% threshold; review recommended before write."
	} else {
		commentary += "Margin is within expected range. No anomalies detected."
	}
	return contracts.ToolResult{
		ToolName: "tool_generate_revenue_report",
		Success:  true,
		Data: map[string]any{
			"metrics_table_markdown": table,
			"commentary":             commentary,
		},
	}
}

func WriteRevenueReport(_ context.Context, _ map[string]any, _ *contracts.RunContext) contracts.ToolResult {
	return contracts.ToolResult{
		ToolName: "tool_write_revenue_report",
		Success:  true,
		Data: map[string]any{
			"status":      "written",
			"destination": "finance_reports/q1_revenue_reconciliation.pdf",
		},
	}
}

// ── Budget reforecast chain ──────────────────────────────────────────

// budgetLineOrder fixes the row order of variance tables; map iteration
// alone would make the generated markdown nondeterministic.
var budgetLineOrder = []string{"revenue", "cogs", "headcount", "opex", "marketing"}

func PullActuals(_ context.Context, inputs map[string]any, _ *contracts.RunContext) contracts.ToolResult {
	period, _ := inputs["period"].(string)
	if period == "" {
		period = "2025-Q1"
	}
	return contracts.ToolResult{
		ToolName: "tool_pull_actuals",
		Success:  true,
		Data: map[string]any{
			"period": period,
			"actuals": map[string]any{
				"revenue":   2_055_000.00,
				"cogs":      620_000.00,
				"headcount": 940_000.00,
				"opex":      310_000.00,
				"marketing": 195_000.00,
			},
		},
	}
}

func PullBudget(_ context.Context, inputs map[string]any, _ *contracts.RunContext) contracts.ToolResult {
	period, _ := inputs["period"].(string)
	if period == "" {
		period = "2025-Q1"
	}
	return contracts.ToolResult{
		ToolName: "tool_pull_budget",
		Success:  true,
		Data: map[string]any{
			"period": period,
			"budget": map[string]any{
				"revenue":   2_200_000.00,
				"cogs":      600_000.00,
				"headcount": 820_000.00,
				"opex":      300_000.00,
				"marketing": 180_000.00,
			},
		},
	}
}

func VarianceAnalysis(_ context.Context, inputs map[string]any, _ *contracts.RunContext) contracts.ToolResult {
	actuals := subMap(inputs, "actuals")
	budget := subMap(inputs, "budget")
	const threshold = 10.0

	lines := make(map[string]any, len(budget))
	flags := make([]string, 0, len(budget))
	for _, key := range budgetLineOrder {
		if _, ok := budget[key]; !ok {
			continue
		}
		a := num(actuals, key)
		b := num(budget, key)
		if b == 0 {
			b = 1
		}
		variancePct := round1((a - b) / b * 100)
		status := "on_track"
		if variancePct > threshold {
			status = "over"
		} else if variancePct < -threshold {
			status = "under"
		}
		lines[key] = map[string]any{
			"actual":       a,
			"budget":       b,
			"variance_pct": variancePct,
			"status":       status,
		}
		if status != "on_track" {
			flags = append(flags, key)
		}
	}
	return contracts.ToolResult{
		ToolName: "tool_variance_analysis",
		Success:  true,
		Data: map[string]any{
			"lines":      lines,
			"flags":      flags,
			"flag_count": len(flags),
		},
	}
}

func GenReforecast(_ context.Context, inputs map[string]any, _ *contracts.RunContext) contracts.ToolResult {
	lines := subMap(inputs, "lines")
	flags := strSlice(inputs["flags"])
	const quarters = 4

	var rows strings.Builder
	rows.WriteString("| Category | Actual | Budget | Variance | Status |\n|---|---|---|---|---|\n")
	fullYearDelta := 0.0
	for _, key := range budgetLineOrder {
		d, ok := lines[key].(map[string]any)
		if !ok {
			continue
		}
		status, _ := d["status"].(string)
		icon := "OK"
		if status != "on_track" {
			icon = "WARN"
		}
		fmt.Fprintf(&rows, "| %s | %s | %s | %+.1f%% | %s %s |\n",
			titleCase(key), money(num(d, "actual")), money(num(d, "budget")),
			num(d, "variance_pct"), icon, strings.ReplaceAll(status, "_", " "))
		fullYearDelta += (num(d, "actual") - num(d, "budget")) * quarters
	}

	confidence := "High"
	if len(flags) > 2 {
		confidence = "Low"
	} else if len(flags) > 0 {
		confidence = "Medium"
	}
	flagNames := "None"
	if len(flags) > 0 {
		titled := make([]string, len(flags))
		for i, f := range flags {
			titled[i] = titleCase(f)
		}
		flagNames = strings.Join(titled, ", ")
	}
	commentary := fmt.Sprintf(
		"Q1 actuals show %d line(s) outside the 10%% variance threshold: %s. "+
			"Full-year reforecast delta is %s vs original plan. "+
			"Reforecast confidence: %s. ",
		len(flags), flagNames, signedMoney(fullYearDelta), confidence)
	if len(flags) == 0 {
		commentary += "No material adjustments required."
	} else {
		commentary += "Review flagged lines before approving reforecast write."
	}

	return contracts.ToolResult{
		ToolName: "tool_gen_reforecast",
		Success:  true,
		Data: map[string]any{
			"metrics_table_markdown": rows.String(),
			"commentary":             commentary,
			"confidence":             confidence,
			"full_year_delta":        fullYearDelta,
			"flags":                  flags,
		},
	}
}

func UpdatePlan(_ context.Context, inputs map[string]any, _ *contracts.RunContext) contracts.ToolResult {
	confidence, _ := inputs["confidence"].(string)
	if confidence == "" {
		confidence = "Medium"
	}
	return contracts.ToolResult{
		ToolName: "tool_update_plan",
		Success:  true,
		Data: map[string]any{
			"status":      "written",
			"destination": "planning_tool/q1_reforecast_2025.xlsx",
			"confidence":  confidence,
		},
	}
}
