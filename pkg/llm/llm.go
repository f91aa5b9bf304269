// Package llm commits hashed records of non-deterministic tool
// invocations. The record stores SHA-256 digests of the raw tool input,
// the sanitized prompt payload, and the model output, plus short
// previews for human review. Hashing happens over normalized text so
// that line-ending and trailing-whitespace differences do not change
// digests.
package llm

import (
	"encoding/json"
	"strings"

	"github.com/surfit-ai/saw-runtime/pkg/canonicalize"
	"github.com/surfit-ai/saw-runtime/pkg/contracts"
)

// PreviewLimit caps preview fields, in runes.
const PreviewLimit = 300

// NormalizeText converts CRLF to LF and trims trailing whitespace from
// every line.
func NormalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.Join(lines, "\n")
}

// HashText returns the hex SHA-256 of the normalized text.
func HashText(s string) string {
	return canonicalize.SHA256Hex([]byte(NormalizeText(s)))
}

// HashStructured normalizes a structured value through canonical JSON
// and hashes the result.
func HashStructured(v any) (string, error) {
	return canonicalize.HashValue(v)
}

// Preview truncates s to PreviewLimit runes.
func Preview(s string) string {
	runes := []rune(s)
	if len(runes) <= PreviewLimit {
		return s
	}
	return string(runes[:PreviewLimit])
}

// MetaFromData extracts the llm_meta block from a tool result payload.
// The second return is false when the payload carries none, which marks
// the tool as deterministic.
func MetaFromData(data map[string]any) (contracts.LLMMeta, bool) {
	raw, ok := data["llm_meta"].(map[string]any)
	if !ok {
		return contracts.LLMMeta{}, false
	}
	meta := contracts.LLMMeta{}
	meta.Provider, _ = raw["provider"].(string)
	meta.ModelName, _ = raw["model_name"].(string)
	meta.ModelVersion, _ = raw["model_version"].(string)
	meta.Temperature = asFloat(raw["temperature"])
	meta.MaxTokens = int(asFloat(raw["max_tokens"]))
	return meta, true
}

func asFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case json.Number:
		f, _ := t.Float64()
		return f
	}
	return 0
}
