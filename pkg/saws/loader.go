package saws

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/surfit-ai/saw-runtime/pkg/contracts"
)

//go:embed schema.json
var schemaJSON string

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("saw-spec.json", strings.NewReader(schemaJSON)); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile("saw-spec.json")
	})
	return schema, schemaErr
}

// Load parses and validates a SAW specification document. YAML and JSON
// are both accepted; the document is checked against the embedded JSON
// schema before any types are constructed, so the engine never sees a
// structurally invalid spec.
func Load(data []byte) (contracts.SAWSpec, error) {
	var zero contracts.SAWSpec

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return zero, fmt.Errorf("saws: parse spec: %w", err)
	}

	// Round-trip through encoding/json so the validator sees exactly
	// the value shapes it expects.
	raw, err := json.Marshal(doc)
	if err != nil {
		return zero, fmt.Errorf("saws: normalize spec: %w", err)
	}
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return zero, fmt.Errorf("saws: normalize spec: %w", err)
	}

	sch, err := compiledSchema()
	if err != nil {
		return zero, fmt.Errorf("saws: compile schema: %w", err)
	}
	if err := sch.Validate(normalized); err != nil {
		return zero, fmt.Errorf("saws: spec rejected by schema: %w", err)
	}

	var spec contracts.SAWSpec
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&spec); err != nil {
		return zero, fmt.Errorf("saws: decode spec: %w", err)
	}
	for _, n := range spec.Graph.Nodes {
		if _, err := contracts.ParseNodeType(string(n.Type)); err != nil {
			return zero, fmt.Errorf("saws: node %q: %w", n.ID, err)
		}
	}
	return spec, nil
}

// LoadFile reads and loads a spec document from disk.
func LoadFile(path string) (contracts.SAWSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return contracts.SAWSpec{}, fmt.Errorf("saws: read spec file: %w", err)
	}
	return Load(data)
}
