// Package ledger implements the tamper-evident execution log. Every run
// owns an independent hash chain anchored at the genesis sentinel; each
// entry commits to its predecessor, so any retroactive edit breaks every
// hash downstream of it.
package ledger

import (
	"context"
	"errors"

	"github.com/surfit-ai/saw-runtime/pkg/canonicalize"
	"github.com/surfit-ai/saw-runtime/pkg/contracts"
)

// Genesis anchors the first entry of every run's chain.
const Genesis = "GENESIS"

// ErrNotFound is returned when a run has no log entries and the caller
// required at least one.
var ErrNotFound = errors.New("ledger: run not found")

// Ledger is the append-only, hash-chained execution log.
type Ledger interface {
	// Append computes the chain hashes for e, persists it, and returns
	// the stored entry with ID, PrevHash and EventHash filled in.
	// Callers must leave PrevHash and EventHash empty.
	Append(ctx context.Context, e *contracts.LogEntry) (*contracts.LogEntry, error)

	// Entries returns the full chain for a run in append order.
	// A run with no entries yields an empty slice, not an error.
	Entries(ctx context.Context, runID string) ([]contracts.LogEntry, error)

	// Verify re-walks the chain for a run from genesis and reports the
	// first divergence, if any.
	Verify(ctx context.Context, runID string) (*VerifyResult, error)
}

// VerifyResult is the verdict of a chain verification.
type VerifyResult struct {
	Valid bool `json:"valid"`
	// Entries is the chain length that was checked.
	Entries int `json:"entries"`
	// FirstMismatchIndex is the 0-based position of the first entry
	// whose stored hashes diverge from the recomputation, or -1.
	FirstMismatchIndex int    `json:"first_mismatch_index"`
	ExpectedHash       string `json:"expected_hash,omitempty"`
	FoundHash          string `json:"found_hash,omitempty"`
}

// canonicalPayload builds the hashed byte representation of an entry:
// canonical JSON of the seven payload fields, keys sorted. latency_ms
// always carries a decimal point so the textual form is stable.
func canonicalPayload(e *contracts.LogEntry) ([]byte, error) {
	return canonicalize.CanonicalJSON(map[string]any{
		"decision":   e.Decision,
		"error":      e.Error,
		"latency_ms": canonicalize.Real(e.LatencyMS),
		"node_id":    e.NodeID,
		"run_id":     e.RunID,
		"timestamp":  e.TimestampISO,
		"tool_name":  e.ToolName,
	})
}

// chainHash commits an entry payload to its predecessor.
func chainHash(prevHash string, payload []byte) string {
	return canonicalize.SHA256Hex(append([]byte(prevHash), payload...))
}

// VerifyEntries checks an in-memory chain. An empty chain is valid.
func VerifyEntries(entries []contracts.LogEntry) (*VerifyResult, error) {
	prev := Genesis
	for i := range entries {
		e := &entries[i]
		if e.PrevHash != prev {
			return &VerifyResult{
				Valid:              false,
				Entries:            len(entries),
				FirstMismatchIndex: i,
				ExpectedHash:       prev,
				FoundHash:          e.PrevHash,
			}, nil
		}
		payload, err := canonicalPayload(e)
		if err != nil {
			return nil, err
		}
		expected := chainHash(prev, payload)
		if e.EventHash != expected {
			return &VerifyResult{
				Valid:              false,
				Entries:            len(entries),
				FirstMismatchIndex: i,
				ExpectedHash:       expected,
				FoundHash:          e.EventHash,
			}, nil
		}
		prev = e.EventHash
	}
	return &VerifyResult{Valid: true, Entries: len(entries), FirstMismatchIndex: -1}, nil
}
