// Package validate applies a tool's declared JSON Schema to incoming
// arguments before execution. The dispatcher's own checks stop at JSON
// well-formedness and required top-level fields; tools that want full schema
// enforcement (types, enums, bounds) run their arguments through here.
package validate

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	cacheMu sync.Mutex
	cache   = map[string]*jsonschema.Schema{}
)

// Args validates args against schema. Compiled schemas are cached by their
// textual form, so per-call overhead after the first validation is one map
// lookup.
func Args(schema, args json.RawMessage) error {
	compiled, err := compile(string(schema))
	if err != nil {
		return fmt.Errorf("invalid tool schema: %w", err)
	}

	var doc any
	if err := json.Unmarshal(args, &doc); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if err := compiled.Validate(doc); err != nil {
		return fmt.Errorf("arguments do not match schema: %w", err)
	}
	return nil
}

func compile(schema string) (*jsonschema.Schema, error) {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	if s, ok := cache[schema]; ok {
		return s, nil
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", strings.NewReader(schema)); err != nil {
		return nil, err
	}
	s, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, err
	}
	cache[schema] = s
	return s, nil
}
