// Package toolregistry holds tool descriptors and their handlers, and renders
// them to the provider "function-calling" schema shape the LLM Router's
// adapters expect.
package toolregistry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrUnknownTool is returned by Execute when no tool is registered under the
// requested name. Callers that need to distinguish "no such tool" from a
// handler failure can check for it with errors.Is.
var ErrUnknownTool = errors.New("toolregistry: unknown tool")

// Handler executes a tool call. args is the raw JSON arguments object the
// model emitted; sessionCtx carries request-scoped values (user id, channel)
// a handler may need without widening its signature per call site.
type Handler func(ctx context.Context, args json.RawMessage, sessionCtx map[string]any) (json.RawMessage, error)

// Param describes one named parameter of a tool.
type Param struct {
	Name        string
	Type        string // string|integer|boolean|number|array
	Required    bool
	Default     any
	Description string
}

// Descriptor is the registry's record for one tool: everything needed to
// render a provider schema plus the metadata surfaced by ListAll/Search.
type Descriptor struct {
	Name        string
	Category    string
	Description string
	Parameters  []Param
	Examples    []string
	Notes       string
}

type entry struct {
	descriptor Descriptor
	handler    Handler
	schema     *jsonschema.Schema
}

// Registry holds tool descriptors and handlers. It is populated at startup
// and is otherwise read-only at request time; the mutex only guards
// Register/Unregister against a concurrent read during startup races in
// tests, not against steady-state contention.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds descriptor with its handler. A descriptor registered under a
// name that already exists replaces the previous one. The descriptor's
// rendered JSON-Schema is compiled eagerly so that a malformed tool
// definition fails at startup, not on the first call.
func (r *Registry) Register(descriptor Descriptor, handler Handler) error {
	schemaJSON, err := json.Marshal(parametersToJSONSchema(descriptor.Parameters))
	if err != nil {
		return fmt.Errorf("toolregistry: marshal schema for %q: %w", descriptor.Name, err)
	}
	schema, err := jsonschema.CompileString(descriptor.Name+".schema.json", string(schemaJSON))
	if err != nil {
		return fmt.Errorf("toolregistry: compile schema for %q: %w", descriptor.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[descriptor.Name] = &entry{descriptor: descriptor, handler: handler, schema: schema}
	return nil
}

// Get returns the descriptor registered under name, if any.
func (r *Registry) Get(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Descriptor{}, false
	}
	return e.descriptor, true
}

// ListAll returns every descriptor, sorted by name for deterministic output.
func (r *Registry) ListAll() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.descriptor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListByCategory returns every descriptor whose Category matches exactly,
// sorted by name.
func (r *Registry) ListByCategory(category string) []Descriptor {
	all := r.ListAll()
	out := all[:0:0]
	for _, d := range all {
		if d.Category == category {
			out = append(out, d)
		}
	}
	return out
}

// Categories returns the distinct set of registered categories, sorted.
func (r *Registry) Categories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	for _, e := range r.entries {
		seen[e.descriptor.Category] = true
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Search returns descriptors whose name or description contains substring,
// case-insensitively, sorted by name.
func (r *Registry) Search(substring string) []Descriptor {
	needle := strings.ToLower(substring)
	all := r.ListAll()
	out := all[:0:0]
	for _, d := range all {
		if strings.Contains(strings.ToLower(d.Name), needle) || strings.Contains(strings.ToLower(d.Description), needle) {
			out = append(out, d)
		}
	}
	return out
}

// ToolSchema is the provider-agnostic function-calling schema shape Router
// adapters translate per their wire format.
type ToolSchema struct {
	Type     string       `json:"type"`
	Function FunctionSpec `json:"function"`
}

// FunctionSpec is the "function" object inside a ToolSchema.
type FunctionSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// RenderSchemas renders every registered tool to the function-calling shape,
// sorted by name for a stable prompt across calls (stable prompts make
// response caching and diffing meaningful).
func (r *Registry) RenderSchemas() []ToolSchema {
	all := r.ListAll()
	out := make([]ToolSchema, 0, len(all))
	for _, d := range all {
		schemaJSON, _ := json.Marshal(parametersToJSONSchema(d.Parameters))
		out = append(out, ToolSchema{
			Type: "function",
			Function: FunctionSpec{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  schemaJSON,
			},
		})
	}
	return out
}

// Execute validates args against the tool's compiled schema, then invokes its
// handler. A missing tool or a schema-invalid argument payload is reported as
// an error result rather than panicking the caller — the Orchestrator loop
// converts an unknown tool into a synthesized `{"error": ...}` result itself,
// so Execute's job here is strictly "run or explain why not".
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage, sessionCtx map[string]any) (json.RawMessage, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}

	var decoded any
	if len(args) == 0 {
		decoded = map[string]any{}
	} else if err := json.Unmarshal(args, &decoded); err != nil {
		return nil, fmt.Errorf("toolregistry: %s: decode arguments: %w", name, err)
	}
	if err := e.schema.Validate(decoded); err != nil {
		return nil, fmt.Errorf("toolregistry: %s: invalid arguments: %w", name, err)
	}

	return e.handler(ctx, args, sessionCtx)
}

// parametersToJSONSchema maps the registry's Param list to a JSON-Schema
// subset: string→string, integer→integer, boolean→boolean, number→number,
// array→{type: array, items: {type: string}}. Defaults that are present and
// non-nil are emitted as `default`.
func parametersToJSONSchema(params []Param) map[string]any {
	properties := make(map[string]any, len(params))
	var required []string
	for _, p := range params {
		prop := map[string]any{"type": jsonSchemaType(p.Type)}
		if p.Type == "array" {
			prop["items"] = map[string]any{"type": "string"}
		}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		sort.Strings(required)
		schema["required"] = required
	}
	return schema
}

func jsonSchemaType(paramType string) string {
	switch paramType {
	case "string", "integer", "boolean", "number", "array":
		return paramType
	default:
		return "string"
	}
}
