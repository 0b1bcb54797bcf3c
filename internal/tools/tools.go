// Package tools defines the tool abstraction exposed to the model and
// the registry of portfolio domain tools. Tool results are always
// human-readable strings; failures are caught at this boundary and
// returned as "Error: …"-prefixed text, never as Go errors — the model
// reads the failure and can explain it to the user.
package tools

import (
	"context"
	"fmt"
	"log/slog"
)

// Handler executes a tool for one user. The returned string is fed back
// to the model verbatim.
type Handler func(ctx context.Context, userID string, args map[string]any) (string, error)

// Tool is a named capability the model can invoke.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON Schema for the arguments object

	// Hydrate marks tools whose arguments should be enriched from
	// conversation context before execution (symbol, dates, source).
	Hydrate bool

	Handler Handler
}

// Registry holds the available tools, preserving registration order for
// the schema payload sent to the model.
type Registry struct {
	tools  map[string]*Tool
	order  []string
	logger *slog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*Tool),
		logger: logger.With("component", "tools"),
	}
}

// Register adds a tool. Re-registering a name replaces the prior tool.
func (r *Registry) Register(t *Tool) {
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Get returns the named tool.
func (r *Registry) Get(name string) (*Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// NeedsHydration reports whether the named tool wants argument enrichment.
func (r *Registry) NeedsHydration(name string) bool {
	t, ok := r.tools[name]
	return ok && t.Hydrate
}

// Schemas returns the tool definitions in the chat-completions "tools"
// wire format, in registration order.
func (r *Registry) Schemas() []map[string]any {
	out := make([]map[string]any, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return out
}

// Execute runs the named tool and returns its result string. An unknown
// tool or a handler failure produces an "Error: …" string, not a Go
// error — nothing escapes this boundary.
func (r *Registry) Execute(ctx context.Context, name, userID string, args map[string]any) string {
	t, ok := r.tools[name]
	if !ok {
		r.logger.Warn("model requested unknown tool", "tool", name)
		return fmt.Sprintf("Error: unknown tool %q", name)
	}

	result, err := t.Handler(ctx, userID, args)
	if err != nil {
		r.logger.Warn("tool failed", "tool", name, "error", err)
		return "Error: " + err.Error()
	}
	return result
}
