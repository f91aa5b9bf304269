package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/surfit-ai/saw-runtime/pkg/canonicalize"
	"github.com/surfit-ai/saw-runtime/pkg/contracts"
)

// InvocationStore persists invocation records. *store.Store satisfies it.
type InvocationStore interface {
	RecordInvocation(ctx context.Context, inv *contracts.LLMInvocation) error
}

// Recorder builds and commits invocation records from tool results.
type Recorder struct {
	store InvocationStore
	clock func() time.Time
}

// NewRecorder wraps an invocation store.
func NewRecorder(store InvocationStore) *Recorder {
	return &Recorder{store: store, clock: time.Now}
}

// WithClock overrides the clock, for tests.
func (r *Recorder) WithClock(clock func() time.Time) *Recorder {
	r.clock = clock
	return r
}

// Record commits an invocation record for a successful tool result that
// carries an llm_meta block. Deterministic results (no llm_meta) are
// skipped and return (nil, nil).
func (r *Recorder) Record(ctx context.Context, runID, nodeID string, result contracts.ToolResult) (*contracts.LLMInvocation, error) {
	if !result.Success || result.Data == nil {
		return nil, nil
	}
	meta, ok := MetaFromData(result.Data)
	if !ok {
		return nil, nil
	}

	rawInput := result.Data["raw_tool_input"]
	rawCanonical, err := canonicalize.CanonicalString(rawInput)
	if err != nil {
		return nil, fmt.Errorf("llm: canonicalize raw input: %w", err)
	}
	rawHash := canonicalize.SHA256Hex([]byte(rawCanonical))

	sanitizedHash, err := HashStructured(result.Data["sanitized_prompt_input"])
	if err != nil {
		return nil, fmt.Errorf("llm: hash sanitized input: %w", err)
	}

	outputText, _ := result.Data["llm_output_text"].(string)
	normalizedOutput := NormalizeText(outputText)

	inv := &contracts.LLMInvocation{
		RunID:                    runID,
		NodeID:                   nodeID,
		InvokedAt:                r.clock().UTC().Format(time.RFC3339Nano),
		Provider:                 meta.Provider,
		ModelName:                meta.ModelName,
		ModelVersion:             meta.ModelVersion,
		Temperature:              meta.Temperature,
		MaxTokens:                meta.MaxTokens,
		RawToolInputHash:         rawHash,
		SanitizedPromptInputHash: sanitizedHash,
		LLMOutputTextHash:        canonicalize.SHA256Hex([]byte(normalizedOutput)),
		RawToolInputPreview:      Preview(rawCanonical),
		LLMOutputPreview:         Preview(normalizedOutput),
	}
	if err := r.store.RecordInvocation(ctx, inv); err != nil {
		return nil, fmt.Errorf("llm: persist invocation: %w", err)
	}
	return inv, nil
}
