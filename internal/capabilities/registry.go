package capabilities

import (
	"context"
	"fmt"
	"sort"
)

// Tool describes a callable tool exposed to the generator.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ToolHandler executes one tool. Handlers are registered once at startup.
type ToolHandler interface {
	Definition() Tool
	Invoke(ctx context.Context, input map[string]any) (string, error)
}

// HandlerFunc adapts a function and a definition into a ToolHandler.
type HandlerFunc struct {
	Tool Tool
	Fn   func(ctx context.Context, input map[string]any) (string, error)
}

func (h HandlerFunc) Definition() Tool { return h.Tool }

func (h HandlerFunc) Invoke(ctx context.Context, input map[string]any) (string, error) {
	return h.Fn(ctx, input)
}

// UnknownToolError is returned when a tool name has no registered handler.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("capabilities: unknown tool %q", e.Name)
}

// ForbiddenToolError is returned when the current mode does not allow the tool.
type ForbiddenToolError struct {
	Name string
	Mode string
}

func (e *ForbiddenToolError) Error() string {
	return fmt.Sprintf("capabilities: tool %q is not allowed in mode %s", e.Name, e.Mode)
}

// Registry maps tool names to handlers.
type Registry struct {
	handlers map[string]ToolHandler
}

// NewRegistry registers handlers, rejecting duplicate or empty names.
func NewRegistry(handlers ...ToolHandler) (*Registry, error) {
	r := &Registry{handlers: make(map[string]ToolHandler, len(handlers))}
	for _, h := range handlers {
		if h == nil {
			continue
		}
		name := h.Definition().Name
		if name == "" {
			return nil, fmt.Errorf("capabilities: tool handler with empty name")
		}
		if _, dup := r.handlers[name]; dup {
			return nil, fmt.Errorf("capabilities: duplicate tool %q", name)
		}
		r.handlers[name] = h
	}
	return r, nil
}

// Tools lists registered tool definitions sorted by name.
func (r *Registry) Tools() []Tool {
	if r == nil {
		return nil
	}
	out := make([]Tool, 0, len(r.handlers))
	for _, h := range r.handlers {
		out = append(out, h.Definition())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Dispatch invokes the named tool if the view allows it.
func (r *Registry) Dispatch(ctx context.Context, view View, name string, input map[string]any) (string, error) {
	if r == nil {
		return "", &UnknownToolError{Name: name}
	}
	h, ok := r.handlers[name]
	if !ok {
		return "", &UnknownToolError{Name: name}
	}
	if !view.Allows(name) {
		return "", &ForbiddenToolError{Name: name, Mode: string(view.Mode())}
	}
	return h.Invoke(ctx, input)
}
