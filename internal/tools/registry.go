// Package tools defines the tools the model may call and the dispatcher
// that routes its calls. Tool names are part of the protocol surface;
// the registry narrows which names are offered per loop state.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Tool represents a callable tool.
type Tool struct {
	Name        string                                                         `json:"name"`
	Description string                                                         `json:"description"`
	Parameters  map[string]any                                                 `json:"parameters"`
	Handler     func(ctx context.Context, args map[string]any) (string, error) `json:"-"`

	external bool
	schema   *jsonschema.Schema
}

// Registry holds available tools.
type Registry struct {
	tools map[string]*Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool, compiling its parameter schema for argument
// validation. Registering a nil-parameter tool is allowed; its
// arguments pass unvalidated.
func (r *Registry) Register(t *Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tool with empty name")
	}
	if t.Parameters != nil {
		schema, err := compileSchema(t.Parameters)
		if err != nil {
			return fmt.Errorf("tool %s: %w", t.Name, err)
		}
		t.schema = schema
	}
	r.tools[t.Name] = t
	return nil
}

// RegisterExternal adds a tool sourced from outside the core set, such
// as a sub-agent managed capability.
func (r *Registry) RegisterExternal(t *Tool) error {
	t.external = true
	return r.Register(t)
}

// Get retrieves a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// ExternalNames returns the sorted names of registered external tools.
func (r *Registry) ExternalNames() []string {
	var names []string
	for name, t := range r.tools {
		if t.external {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Specs renders the named tools in the wire shape providers expect,
// preserving the given order and skipping unknown names.
func (r *Registry) Specs(names []string) []map[string]any {
	var result []map[string]any
	for _, name := range names {
		t := r.tools[name]
		if t == nil {
			continue
		}
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return result
}

// Validate checks args against the tool's parameter schema. Tools
// without a schema accept anything.
func (t *Tool) Validate(args map[string]any) error {
	if t.schema == nil {
		return nil
	}
	// Round-trip through JSON so numbers carry the representation the
	// validator expects.
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal arguments: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("reparse arguments: %w", err)
	}
	return t.schema.Validate(doc)
}

func compileSchema(params map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}
