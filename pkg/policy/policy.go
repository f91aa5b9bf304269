// Package policy is the pre-invocation authorization engine. Check runs
// before every tool execution and returns an allow or deny decision with
// human-readable reasons. It is a pure function of its inputs: identical
// calls produce identical decisions with reasons in identical order.
package policy

import (
	"fmt"

	"github.com/surfit-ai/saw-runtime/pkg/contracts"
)

// infraTools bypass policy evaluation entirely. Gating the log writer on
// policy would make logging a denial impossible, so it is exempt.
var infraTools = map[string]struct{}{
	"tool_logger_write": {},
}

// IsInfraTool reports whether name is exempt from policy checks.
func IsInfraTool(name string) bool {
	_, ok := infraTools[name]
	return ok
}

// Policy is the evaluation-ready form of a policy bundle: list fields
// become sets, everything else is copied by value.
type Policy struct {
	ID                string
	SensitivityLevel  string
	Allowlist         map[string]struct{}
	Denylist          map[string]struct{}
	Egress            contracts.EgressRules
	WriteRestrictions map[string]contracts.WriteRestriction
}

// FromBundle materializes a Policy from its wire form.
func FromBundle(b contracts.PolicyBundle) *Policy {
	p := &Policy{
		ID:                b.PolicyID,
		SensitivityLevel:  b.SensitivityLevel,
		Allowlist:         make(map[string]struct{}, len(b.Tools.Allowlist)),
		Denylist:          make(map[string]struct{}, len(b.Tools.Denylist)),
		Egress:            b.Egress,
		WriteRestrictions: make(map[string]contracts.WriteRestriction, len(b.WriteRestrictions)),
	}
	for _, t := range b.Tools.Allowlist {
		p.Allowlist[t] = struct{}{}
	}
	for _, t := range b.Tools.Denylist {
		p.Denylist[t] = struct{}{}
	}
	for name, r := range b.WriteRestrictions {
		p.WriteRestrictions[name] = r
	}
	return p
}

func deny(tool string, reasons []string) contracts.PolicyDecision {
	return contracts.PolicyDecision{
		Decision: contracts.DecisionDeny,
		ToolName: tool,
		Reasons:  reasons,
	}
}

// Check evaluates whether a tool call is permitted. Checks run in order
// with a short-circuit on the first failing stage:
//
//  1. denylist (explicit block)
//  2. allowlist (must be present)
//  3. egress capability gates (reasons accumulate within the stage)
//  4. write restrictions (only when isWrite; reasons accumulate)
//
// On success the decision carries the single reason "all_checks_passed".
func (p *Policy) Check(toolName string, toolInputs map[string]any, _ *contracts.RunContext, isWrite bool) contracts.PolicyDecision {
	if _, blocked := p.Denylist[toolName]; blocked {
		return deny(toolName, []string{
			fmt.Sprintf("Tool '%s' is on the denylist.", toolName),
		})
	}

	if _, allowed := p.Allowlist[toolName]; !allowed {
		return deny(toolName, []string{
			fmt.Sprintf("Tool '%s' is not on the allowlist for policy '%s'.", toolName, p.ID),
		})
	}

	var reasons []string
	if toolName == "tool_external_http" && !p.Egress.AllowExternalHTTP {
		reasons = append(reasons, "External HTTP egress is disabled by policy.")
	}
	if toolName == "tool_email_send" && !p.Egress.AllowEmailSend {
		reasons = append(reasons, "Email send is disabled by policy.")
	}
	if toolName == "tool_slack_dm" && !p.Egress.AllowSlackDM {
		reasons = append(reasons, "Slack DM is disabled by policy.")
	}
	if len(reasons) > 0 {
		return deny(toolName, reasons)
	}

	if restrictions, ok := p.WriteRestrictions[toolName]; isWrite && ok {
		templateID, _ := toolInputs["template_id"].(string)
		if !contains(restrictions.AllowedTemplateIDs, templateID) {
			reasons = append(reasons, fmt.Sprintf(
				"Template ID '%s' is not in the allowed list: %v.",
				templateID, restrictions.AllowedTemplateIDs))
		}
		if createNew, _ := toolInputs["create_new_deck"].(bool); createNew && !restrictions.AllowCreateNewDecks {
			reasons = append(reasons, "Creating new decks is not allowed by policy.")
		}
		if len(reasons) > 0 {
			return deny(toolName, reasons)
		}
	}

	return contracts.PolicyDecision{
		Decision: contracts.DecisionAllow,
		ToolName: toolName,
		Reasons:  []string{"all_checks_passed"},
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
