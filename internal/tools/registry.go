package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/nanobot-ai/nanobot/internal/providers"
)

// Registry stores tools by name. Execution is hardened: unknown tools,
// invalid arguments and panics all come back as error Results, never as
// loop-aborting failures.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool, replacing any previous registration of the same
// name. Names are restricted to what the LLM APIs accept.
func (r *Registry) Register(t Tool) error {
	name := t.Name()
	if !ValidName(name) {
		return fmt.Errorf("invalid tool name %q", name)
	}

	var schema *jsonschema.Schema
	if params := t.Parameters(); params != nil {
		raw, err := json.Marshal(params)
		if err == nil {
			schema, err = jsonschema.CompileString(name, string(raw))
		}
		if err != nil {
			// A broken schema disables validation for this tool only.
			slog.Warn("tools.schema_compile_failed", "tool", name, "error", err)
			schema = nil
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = t
	r.schemas[name] = schema
	return nil
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.schemas, name)
}

// UnregisterByPrefix removes every tool whose name starts with prefix and
// returns how many were removed. Used by MCP hot-reload.
func (r *Registry) UnregisterByPrefix(prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for name := range r.tools {
		if strings.HasPrefix(name, prefix) {
			delete(r.tools, name)
			delete(r.schemas, name)
			n++
		}
	}
	return n
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ProviderDefs returns the tool definitions in the shape the LLM API
// expects, sorted by name for deterministic prompts.
func (r *Registry) ProviderDefs() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]providers.ToolDefinition, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

// SetCallContext threads the calling conversation into every stateful tool.
func (r *Registry) SetCallContext(cc CallContext) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.tools {
		if st, ok := t.(StatefulTool); ok {
			st.SetCallContext(cc)
		}
	}
}

// Execute looks up and runs a tool. The result is always usable as a tool
// message: missing tools, schema violations and panics are reported in-band.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) (res *Result) {
	r.mu.RLock()
	t, ok := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()

	if !ok {
		return ErrorResult(fmt.Sprintf("Error: Tool '%s' not found", name))
	}

	if args == nil {
		args = map[string]interface{}{}
	}
	if schema != nil {
		if err := schema.Validate(normalizeForSchema(args)); err != nil {
			return ErrorResult(fmt.Sprintf("Error executing %s: invalid arguments: %v", name, err))
		}
	}

	defer func() {
		if p := recover(); p != nil {
			slog.Error("tools.execute_panic", "tool", name, "panic", p)
			res = ErrorResult(fmt.Sprintf("Error executing %s: %v", name, p))
		}
	}()

	res = t.Execute(ctx, args)
	if res == nil {
		res = ErrorResult(fmt.Sprintf("Error executing %s: tool returned no result", name))
	}
	return res
}

// normalizeForSchema round-trips args through JSON so the validator sees
// plain maps/slices/float64s regardless of how the provider decoded them.
func normalizeForSchema(args map[string]interface{}) interface{} {
	raw, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return args
	}
	return v
}
