// Package tools defines the tool abstraction and a thread-safe registry.
// The registry is the engine's only view of tool implementations: an
// opaque invoke-by-name boundary with input validation in front of it.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	// ErrToolNotFound indicates the named tool is not registered.
	ErrToolNotFound = errors.New("tool not found")

	// ErrInvalidInput indicates the input failed schema validation.
	ErrInvalidInput = errors.New("invalid tool input")
)

// Tool parameter limits to prevent resource exhaustion.
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolInputSize is the maximum size of tool input JSON (10MB).
	MaxToolInputSize = 10 << 20
)

// Tool is a named, schema-described callable.
type Tool interface {
	// Name returns the tool name used in tool calls.
	Name() string

	// Description returns a natural language description of the tool.
	Description() string

	// Schema returns the JSON Schema for the tool's input, or nil to
	// skip validation.
	Schema() json.RawMessage

	// Execute runs the tool. The returned string is the tool output;
	// a non-nil error marks the invocation as failed.
	Execute(ctx context.Context, input json.RawMessage) (string, error)

	// Idempotent reports whether a timed-out invocation is safe to retry.
	Idempotent() bool
}

// Registry manages available tools with thread-safe registration and lookup.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool by name, compiling its schema if one is declared.
// Registering an existing name replaces the previous tool.
func (r *Registry) Register(tool Tool) error {
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	if len(name) > MaxToolNameLength {
		return fmt.Errorf("tool name exceeds maximum length of %d characters", MaxToolNameLength)
	}

	var schema *jsonschema.Schema
	if raw := tool.Schema(); len(raw) > 0 {
		compiled, err := jsonschema.CompileString(name+".schema.json", string(raw))
		if err != nil {
			return fmt.Errorf("compile schema for %s: %w", name, err)
		}
		schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = tool
	if schema != nil {
		r.schemas[name] = schema
	} else {
		delete(r.schemas, name)
	}
	return nil
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.schemas, name)
}

// Get returns a tool by name and whether it was found.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns the registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Invoke validates the input and runs the named tool. Validation errors
// and unknown tools are reported as errors wrapping ErrInvalidInput and
// ErrToolNotFound so the engine can classify them as non-retriable.
func (r *Registry) Invoke(ctx context.Context, name string, input json.RawMessage) (string, error) {
	if len(input) > MaxToolInputSize {
		return "", fmt.Errorf("%w: input exceeds maximum size of %d bytes", ErrInvalidInput, MaxToolInputSize)
	}

	r.mu.RLock()
	tool, ok := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	if schema != nil {
		var decoded any
		if err := json.Unmarshal(input, &decoded); err != nil {
			return "", fmt.Errorf("%w: malformed JSON: %v", ErrInvalidInput, err)
		}
		if err := schema.Validate(decoded); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}

	return tool.Execute(ctx, input)
}

// Idempotent reports whether the named tool declares itself idempotent.
// Unknown tools are treated as idempotent; the invoke path rejects them
// before a retry decision matters.
func (r *Registry) Idempotent(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if tool, ok := r.tools[name]; ok {
		return tool.Idempotent()
	}
	return true
}

// Func adapts a function into a Tool for simple registrations.
type Func struct {
	ToolName        string
	ToolDescription string
	InputSchema     json.RawMessage
	NonIdempotent   bool
	Fn              func(ctx context.Context, input json.RawMessage) (string, error)
}

func (f Func) Name() string            { return f.ToolName }
func (f Func) Description() string     { return f.ToolDescription }
func (f Func) Schema() json.RawMessage { return f.InputSchema }
func (f Func) Idempotent() bool        { return !f.NonIdempotent }

func (f Func) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	return f.Fn(ctx, input)
}
