// Package contracts defines the shared data model of the SAW runtime:
// workflow specifications, run contexts, tool and policy envelopes, ledger
// entries, and the run summary returned by the engine.
package contracts

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Decision is the outcome of a policy evaluation or a gate.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// NodeType is the closed set of SAW graph node kinds.
type NodeType string

const (
	NodeStart        NodeType = "start"
	NodeEnd          NodeType = "end"
	NodeToolCall     NodeType = "tool_call"
	NodeApprovalGate NodeType = "approval_gate"
)

// ParseNodeType validates a raw node type tag at construction time.
// Unknown tags are rejected here so the engine never sees them.
func ParseNodeType(s string) (NodeType, error) {
	switch NodeType(s) {
	case NodeStart, NodeEnd, NodeToolCall, NodeApprovalGate:
		return NodeType(s), nil
	}
	return "", fmt.Errorf("unknown node type %q", s)
}

// Node is a single vertex in a SAW graph.
type Node struct {
	ID          string   `json:"id" yaml:"id"`
	Type        NodeType `json:"type" yaml:"type"`
	Tool        string   `json:"tool,omitempty" yaml:"tool,omitempty"`
	Sensitivity string   `json:"sensitivity,omitempty" yaml:"sensitivity,omitempty"`
	WriteAction bool     `json:"write_action,omitempty" yaml:"write_action,omitempty"`
}

// Edge is a directed edge between two nodes.
type Edge struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

// Graph holds the nodes and edges of a SAW. This version restricts the
// topology to a linear chain; the engine rejects anything wider.
type Graph struct {
	Nodes []Node `json:"nodes" yaml:"nodes"`
	Edges []Edge `json:"edges" yaml:"edges"`
}

// ToolLists carries the allowlist/denylist pair of a policy bundle.
type ToolLists struct {
	Allowlist []string `json:"allowlist" yaml:"allowlist"`
	Denylist  []string `json:"denylist" yaml:"denylist"`
}

// EgressRules gates tools that would reach outside the runtime.
type EgressRules struct {
	AllowExternalHTTP bool     `json:"allow_external_http" yaml:"allow_external_http"`
	AllowedDomains    []string `json:"allowed_domains" yaml:"allowed_domains"`
	AllowEmailSend    bool     `json:"allow_email_send" yaml:"allow_email_send"`
	AllowSlackDM      bool     `json:"allow_slack_dm" yaml:"allow_slack_dm"`
}

// WriteRestriction constrains a single write-capable tool to a closed set of
// target identifiers.
type WriteRestriction struct {
	AllowedTemplateIDs  []string `json:"allowed_template_ids" yaml:"allowed_template_ids"`
	AllowCreateNewDecks bool     `json:"allow_create_new_decks" yaml:"allow_create_new_decks"`
}

// PolicyBundle is the versioned, content-addressed authorization policy
// attached to a SAW specification.
type PolicyBundle struct {
	PolicyID          string                      `json:"policy_id" yaml:"policy_id"`
	SensitivityLevel  string                      `json:"sensitivity_level" yaml:"sensitivity_level"`
	Tools             ToolLists                   `json:"tools" yaml:"tools"`
	Egress            EgressRules                 `json:"egress" yaml:"egress"`
	WriteRestrictions map[string]WriteRestriction `json:"write_restrictions,omitempty" yaml:"write_restrictions,omitempty"`
}

// SAWSpec is the immutable workflow definition submitted with a run request.
type SAWSpec struct {
	SAWID        string       `json:"saw_id" yaml:"saw_id"`
	Graph        Graph        `json:"graph" yaml:"graph"`
	PolicyBundle PolicyBundle `json:"policy_bundle" yaml:"policy_bundle"`
}

// Reserved run-context state keys. Keys prefixed "_" are control signals
// owned by the engine, never tool outputs.
const (
	StateApprovalGranted = "_approval_granted"
	StateApprovalWaitMS  = "_approval_wait_ms"
	StateApprovedBy      = "_approved_by"
	StateApprovalNote    = "_approval_note"
)

// InputsKey returns the state key under which the engine stashes the
// resolved inputs for a node before invoking its tool.
func InputsKey(nodeID string) string { return "_inputs_" + nodeID }

// RunContext is threaded through every node execution. The engine owns it;
// tools may read it but must not mutate it.
type RunContext struct {
	RunID     string
	SAWID     string
	PolicyID  string
	StartedAt time.Time
	Operator  string
	Approver  string

	// State accumulates node outputs keyed by node id, plus reserved
	// "_"-prefixed control keys.
	State map[string]any
}

// NewRunContext builds a context with a fresh full-length run id.
func NewRunContext(sawID string) *RunContext {
	return &RunContext{
		RunID:     uuid.New().String(),
		SAWID:     sawID,
		StartedAt: time.Now().UTC(),
		State:     make(map[string]any),
	}
}

// ToolResult is the uniform return envelope of every tool. Tools never
// panic or return Go errors to the engine; failures travel as
// Success=false with Error set.
type ToolResult struct {
	ToolName string         `json:"tool_name"`
	Success  bool           `json:"success"`
	Data     map[string]any `json:"data,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// PolicyDecision is the outcome of a policy check on one tool call.
type PolicyDecision struct {
	Decision Decision `json:"decision"`
	ToolName string   `json:"tool_name"`
	Reasons  []string `json:"reasons"`
}

// LogEntry is one row of the hash-chained execution log. PrevHash and
// EventHash are filled by the ledger on append and must never be set by
// callers.
type LogEntry struct {
	ID           int64   `json:"id"`
	TimestampISO string  `json:"timestamp_iso"`
	RunID        string  `json:"run_id"`
	SAWID        string  `json:"saw_id"`
	NodeID       string  `json:"node_id"`
	ToolName     string  `json:"tool_name"`
	Decision     string  `json:"decision"`
	LatencyMS    float64 `json:"latency_ms"`
	PrevHash     string  `json:"prev_hash"`
	EventHash    string  `json:"event_hash"`
	Error        string  `json:"error,omitempty"`
}

// RunStatus is the lifecycle state of a run record.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunDenied    RunStatus = "denied"
	RunError     RunStatus = "error"
)

// RunRecord is the per-run metadata row: policy snapshot, status, approval
// attribution. Created once per run and mutated only by the engine.
type RunRecord struct {
	RunID          string    `json:"run_id"`
	SAWID          string    `json:"saw_id"`
	StartedAt      string    `json:"started_at"`
	Status         RunStatus `json:"status"`
	PolicyHash     string    `json:"policy_hash"`
	PolicyVersion  string    `json:"policy_version"`
	PolicySnapshot string    `json:"policy_snapshot"`
	ApprovedBy     string    `json:"approved_by,omitempty"`
	ApprovedAt     string    `json:"approved_at,omitempty"`
	ApprovalNote   string    `json:"approval_note,omitempty"`
}

// LLMMeta identifies the model behind a non-deterministic tool invocation.
type LLMMeta struct {
	Provider     string  `json:"provider"`
	ModelName    string  `json:"model_name"`
	ModelVersion string  `json:"model_version"`
	Temperature  float64 `json:"temperature"`
	MaxTokens    int     `json:"max_tokens"`
}

// LLMInvocation is the hashed record committed for every non-deterministic
// tool invocation. Hashes cover normalized text; previews are capped at
// 300 characters.
type LLMInvocation struct {
	ID                       int64   `json:"id"`
	RunID                    string  `json:"run_id"`
	NodeID                   string  `json:"node_id"`
	InvokedAt                string  `json:"invoked_at"`
	Provider                 string  `json:"provider"`
	ModelName                string  `json:"model_name"`
	ModelVersion             string  `json:"model_version"`
	Temperature              float64 `json:"temperature"`
	MaxTokens                int     `json:"max_tokens"`
	RawToolInputHash         string  `json:"raw_tool_input_hash"`
	SanitizedPromptInputHash string  `json:"sanitized_prompt_input_hash"`
	LLMOutputTextHash        string  `json:"llm_output_text_hash"`
	RawToolInputPreview      string  `json:"raw_tool_input_preview"`
	LLMOutputPreview         string  `json:"llm_output_preview"`
}

// RunSummary is the single result of an engine run.
type RunSummary struct {
	RunID           string         `json:"run_id"`
	SAWID           string         `json:"saw_id"`
	Status          RunStatus      `json:"status"`
	SystemTimeMS    float64        `json:"system_time_ms"`
	HumanWaitTimeMS float64        `json:"human_wait_time_ms"`
	TotalTimeMS     float64        `json:"total_time_ms"`
	NodeResults     map[string]any `json:"node_results"`
	FinalOutputs    map[string]any `json:"final_outputs"`
	DenialReason    string         `json:"denial_reason,omitempty"`
}
