package contracts

import "fmt"

// Code is a stable machine-readable error code surfaced to callers.
type Code string

const (
	CodeAgentIDRequired     Code = "AGENT_ID_REQUIRED"
	CodeAgentNotAuthorized  Code = "AGENT_NOT_AUTHORIZED"
	CodeBadContext          Code = "BAD_CONTEXT"
	CodeInputPathViolation  Code = "INPUT_PATH_VIOLATION"
	CodeOutputPathViolation Code = "OUTPUT_PATH_VIOLATION"
	CodePolicyDeny          Code = "POLICY_DENY"
	CodeToolNotFound        Code = "TOOL_NOT_FOUND"
	CodeToolFailure         Code = "TOOL_FAILURE"
	CodeApprovalDenied      Code = "APPROVAL_DENIED"
	CodeUnsupportedGraph    Code = "UNSUPPORTED_GRAPH"
	CodeWaveTimeout         Code = "WAVE_TIMEOUT"
	CodeWaveExecutionError  Code = "WAVE_EXECUTION_ERROR"
	CodeWaveNotFound        Code = "WAVE_NOT_FOUND"
	CodeAmbiguousWavePrefix Code = "AMBIGUOUS_WAVE_PREFIX"
)

// APIError is the error envelope surfaced by the wave service and exports.
type APIError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Node    string `json:"node"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s (node=%s)", e.Code, e.Message, e.Node)
}

// NewAPIError builds an APIError for the given code at the given node.
func NewAPIError(code Code, node, format string, args ...any) *APIError {
	return &APIError{Code: code, Message: fmt.Sprintf(format, args...), Node: node}
}

// ErrUnsupportedGraph is returned by the engine when the submitted graph is
// not a linear chain. It is raised before any ledger entry is written.
var ErrUnsupportedGraph = &APIError{
	Code:    CodeUnsupportedGraph,
	Message: "branching graphs are not supported in this version",
	Node:    "graph_validation",
}
