package exec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/reportflow/reportflow/agent"
)

// schemaCache compiles each agent's declared output schema into a JSON
// Schema validator once and reuses it across executions. Definitions are
// immutable after load, so compiled schemas never go stale.
type schemaCache struct {
	mu       sync.RWMutex
	compiled map[string]*jsonschema.Schema
}

func newSchemaCache() *schemaCache {
	return &schemaCache{compiled: make(map[string]*jsonschema.Schema)}
}

// validate checks the field set against the agent's declared schema. Any key
// outside the schema, more than agent.MaxOutputFields keys, or a value of the
// wrong type is a *SchemaViolation.
func (c *schemaCache) validate(def agent.Definition, fields map[string]any) error {
	schema, err := c.schemaFor(def)
	if err != nil {
		return fmt.Errorf("compile output schema for agent %q: %w", def.ID, err)
	}
	if err := schema.Validate(fields); err != nil {
		return &SchemaViolation{AgentID: def.ID, Detail: err.Error()}
	}
	return nil
}

func (c *schemaCache) schemaFor(def agent.Definition) (*jsonschema.Schema, error) {
	c.mu.RLock()
	schema, ok := c.compiled[def.ID]
	c.mu.RUnlock()
	if ok {
		return schema, nil
	}

	raw, err := json.Marshal(schemaDocument(def))
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", doc); err != nil {
		return nil, err
	}
	schema, err = compiler.Compile("schema.json")
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.compiled[def.ID] = schema
	c.mu.Unlock()
	return schema, nil
}

// schemaDocument renders the declared output fields as a JSON Schema
// document: declared keys only, the key count limit, and null allowed for
// every value.
func schemaDocument(def agent.Definition) map[string]any {
	properties := make(map[string]any, len(def.Output))
	for _, f := range def.Output {
		properties[f.Name] = map[string]any{"type": []any{f.Type, "null"}}
	}
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"maxProperties":        agent.MaxOutputFields,
		"properties":           properties,
	}
}
