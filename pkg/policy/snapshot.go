package policy

import (
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/surfit-ai/saw-runtime/pkg/canonicalize"
	"github.com/surfit-ai/saw-runtime/pkg/contracts"
)

// FingerprintLen is the display prefix length of a policy hash.
const FingerprintLen = 12

// Snapshot is the content-addressed form of a policy bundle stored on
// every run record.
type Snapshot struct {
	// Canonical is the RFC 8785 canonical JSON of the bundle.
	Canonical string `json:"canonical"`
	// Hash is the full hex SHA-256 of Canonical.
	Hash string `json:"hash"`
}

// Fingerprint is the short display prefix of the hash. It is never used
// for lookups, only for UI and log lines.
func (s Snapshot) Fingerprint() string {
	if len(s.Hash) < FingerprintLen {
		return s.Hash
	}
	return s.Hash[:FingerprintLen]
}

// TakeSnapshot canonicalizes and hashes a policy bundle. Structurally
// equal bundles always produce the same hash regardless of field order
// in their source documents.
func TakeSnapshot(b contracts.PolicyBundle) (Snapshot, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return Snapshot{}, fmt.Errorf("policy: marshal bundle: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return Snapshot{}, fmt.Errorf("policy: canonicalize bundle: %w", err)
	}
	return Snapshot{
		Canonical: string(canonical),
		Hash:      canonicalize.SHA256Hex(canonical),
	}, nil
}
