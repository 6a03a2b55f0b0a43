package skills

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/llamar/toolserver/internal/mcpresult"
)

// Param describes one argument of a registered tool, sufficient to build
// a JSON Schema property and to validate an incoming call.
type Param struct {
	Type        string // "string", "integer", "number", "boolean", "array", "object"
	Description string
	Required    bool
	Enum        []string
}

// Handler is the body of a registered tool. args has already passed
// VALIDATE_REQUIRED and VALIDATE_TYPES.
type Handler func(ctx context.Context, rc *RunContext, args map[string]any) (mcpresult.Result, error)

// Tool is one entry in the process-wide tool registry.
type Tool struct {
	Name        string
	Description string
	Params      map[string]Param
	Handler     Handler
}

// Definition is the MCP tools/list shape for one tool.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// Schema builds the JSON Schema inputSchema for t's params.
func (t *Tool) Schema() map[string]any {
	props := make(map[string]any, len(t.Params))
	var required []string
	for name, p := range t.Params {
		prop := map[string]any{"type": jsonSchemaType(p.Type)}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		props[name] = prop
		if p.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func jsonSchemaType(t string) string {
	if t == "" {
		return "string"
	}
	return t
}

// Definition converts t to its MCP listing shape.
func (t *Tool) Definition() Definition {
	return Definition{Name: t.Name, Description: t.Description, InputSchema: t.Schema()}
}

// Registry is the process-wide mapping from tool name to Tool. The
// registry is populated once at startup (built-ins, then optionally
// user skill files) and is read-only thereafter, so lookups need no lock
// once Register calls have stopped; Register itself still locks to keep
// startup-time concurrent registration safe.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register installs a tool, keyed by its name.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
}

// Get returns the tool named name, if registered.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns MCP tool listings, optionally filtered to allow.
// A nil or empty allow set means no filtering.
func (r *Registry) Definitions(allow map[string]bool) []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		if len(allow) > 0 && !allow[name] {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]Definition, 0, len(names))
	for _, name := range names {
		defs = append(defs, r.tools[name].Definition())
	}
	return defs
}

// Names returns every registered tool name.
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

func (r *Registry) String() string {
	return fmt.Sprintf("Registry(%d tools)", len(r.tools))
}
