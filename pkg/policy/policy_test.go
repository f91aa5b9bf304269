package policy

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surfit-ai/saw-runtime/pkg/contracts"
)

func boardBundle() contracts.PolicyBundle {
	return contracts.PolicyBundle{
		PolicyID:         "policy_board_metrics_v1",
		SensitivityLevel: "medium",
		Tools: contracts.ToolLists{
			Allowlist: []string{
				"tool_salesforce_read_pipeline",
				"tool_stripe_read_revenue",
				"tool_reconcile_metrics",
				"tool_generate_board_summary",
				"tool_slides_update_template",
				"tool_logger_write",
			},
			Denylist: []string{
				"tool_browser",
				"tool_shell_exec",
				"tool_external_http",
				"tool_email_send",
				"tool_slack_dm",
			},
		},
		Egress: contracts.EgressRules{},
		WriteRestrictions: map[string]contracts.WriteRestriction{
			"tool_slides_update_template": {
				AllowedTemplateIDs:  []string{"TEMPLATE_DECK_V1"},
				AllowCreateNewDecks: false,
			},
		},
	}
}

func TestCheckDenylistShortCircuits(t *testing.T) {
	p := FromBundle(boardBundle())
	d := p.Check("tool_shell_exec", nil, nil, false)
	assert.Equal(t, contracts.DecisionDeny, d.Decision)
	assert.Equal(t, []string{"Tool 'tool_shell_exec' is on the denylist."}, d.Reasons)
}

func TestCheckAllowlistNamesPolicy(t *testing.T) {
	p := FromBundle(boardBundle())
	d := p.Check("tool_quickbooks_pull", nil, nil, false)
	assert.Equal(t, contracts.DecisionDeny, d.Decision)
	assert.Equal(t, []string{
		"Tool 'tool_quickbooks_pull' is not on the allowlist for policy 'policy_board_metrics_v1'.",
	}, d.Reasons)
}

func TestCheckEgressGates(t *testing.T) {
	b := boardBundle()
	// Allowlist the egress tools but leave the capability booleans off,
	// so the egress stage itself is what fires.
	b.Tools.Allowlist = append(b.Tools.Allowlist, "tool_email_send", "tool_external_http")
	b.Tools.Denylist = []string{}
	p := FromBundle(b)

	d := p.Check("tool_email_send", nil, nil, false)
	assert.Equal(t, contracts.DecisionDeny, d.Decision)
	assert.Equal(t, []string{"Email send is disabled by policy."}, d.Reasons)

	d = p.Check("tool_external_http", nil, nil, false)
	assert.Equal(t, []string{"External HTTP egress is disabled by policy."}, d.Reasons)

	b.Egress.AllowEmailSend = true
	d = FromBundle(b).Check("tool_email_send", nil, nil, false)
	assert.Equal(t, contracts.DecisionAllow, d.Decision)
}

func TestCheckWriteRestrictionRejectsRogueTemplate(t *testing.T) {
	p := FromBundle(boardBundle())
	d := p.Check("tool_slides_update_template",
		map[string]any{"template_id": "TEMPLATE_PERSONAL_COPY"}, nil, true)
	assert.Equal(t, contracts.DecisionDeny, d.Decision)
	require.Len(t, d.Reasons, 1)
	assert.Contains(t, d.Reasons[0], "TEMPLATE_PERSONAL_COPY")
	assert.Contains(t, d.Reasons[0], "TEMPLATE_DECK_V1")
}

func TestCheckWriteRestrictionAccumulatesReasons(t *testing.T) {
	p := FromBundle(boardBundle())
	d := p.Check("tool_slides_update_template",
		map[string]any{"template_id": "TEMPLATE_ROGUE", "create_new_deck": true}, nil, true)
	assert.Equal(t, contracts.DecisionDeny, d.Decision)
	require.Len(t, d.Reasons, 2)
	assert.Equal(t, "Creating new decks is not allowed by policy.", d.Reasons[1])
}

func TestCheckWriteRestrictionSkippedWhenNotWrite(t *testing.T) {
	p := FromBundle(boardBundle())
	d := p.Check("tool_slides_update_template",
		map[string]any{"template_id": "TEMPLATE_ROGUE"}, nil, false)
	assert.Equal(t, contracts.DecisionAllow, d.Decision)
}

func TestCheckAllowedWriteGoesThrough(t *testing.T) {
	p := FromBundle(boardBundle())
	d := p.Check("tool_slides_update_template",
		map[string]any{"template_id": "TEMPLATE_DECK_V1"}, nil, true)
	assert.Equal(t, contracts.DecisionAllow, d.Decision)
	assert.Equal(t, []string{"all_checks_passed"}, d.Reasons)
}

func TestCheckIsDeterministic(t *testing.T) {
	p := FromBundle(boardBundle())
	inputs := map[string]any{"template_id": "TEMPLATE_ROGUE", "create_new_deck": true}
	first := p.Check("tool_slides_update_template", inputs, nil, true)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, p.Check("tool_slides_update_template", inputs, nil, true))
	}
}

func TestIsInfraTool(t *testing.T) {
	assert.True(t, IsInfraTool("tool_logger_write"))
	assert.False(t, IsInfraTool("tool_shell_exec"))
}

func TestSnapshotStableAcrossFieldOrder(t *testing.T) {
	s1, err := TakeSnapshot(boardBundle())
	require.NoError(t, err)
	s2, err := TakeSnapshot(boardBundle())
	require.NoError(t, err)
	assert.Equal(t, s1.Hash, s2.Hash)
	assert.Len(t, s1.Hash, 64)
	assert.Len(t, s1.Fingerprint(), FingerprintLen)
	assert.True(t, len(s1.Canonical) > 0)

	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(s1.Canonical), &doc))
}

func TestSnapshotChangesWithContent(t *testing.T) {
	s1, err := TakeSnapshot(boardBundle())
	require.NoError(t, err)

	b := boardBundle()
	b.Tools.Allowlist = append(b.Tools.Allowlist, "tool_extra")
	s2, err := TakeSnapshot(b)
	require.NoError(t, err)
	assert.NotEqual(t, s1.Hash, s2.Hash)
}
