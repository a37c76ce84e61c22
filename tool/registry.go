// Package tool implements the capability dispatch layer: a named tool
// registry, a permission-checking executor that records every invocation
// as an execution span, and codecs for the external LLM tool-call wire
// shapes.
package tool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shinka-ai/shinka/model"
)

// Context carries invocation identity into a tool implementation.
type Context struct {
	// AgentID identifies the agent definition on whose behalf the tool runs.
	AgentID string
	// AttemptID is the attempt the invocation belongs to; empty when the
	// call happens outside a traced attempt.
	AttemptID string
	// Extra holds caller-supplied context values.
	Extra map[string]any
}

// Tool is one registered capability. Implementations are stateless and
// owned exclusively by the Registry.
type Tool interface {
	Name() string
	Description() string
	Execute(ctx context.Context, args map[string]any, tcx Context) (model.ToolResult, error)
}

// Registry is an in-memory mapping of name to tool implementation.
// It is populated once at composition time and read many times;
// concurrent registration during active execution is unsupported.
type Registry struct {
	tools  map[string]Tool
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]Tool),
		logger: logger,
	}
}

// Register inserts or overwrites a tool by name. Overwrites are logged
// but not fatal.
func (r *Registry) Register(t Tool) {
	name := t.Name()
	if _, exists := r.tools[name]; exists {
		r.logger.Warn("tool: overwriting existing registration", "name", name)
	}
	r.tools[name] = t
}

// Has reports whether a tool is registered under name.
func (r *Registry) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Clear empties the registry. Test and reset hook.
func (r *Registry) Clear() {
	r.tools = make(map[string]Tool)
}

// unknownToolError is the diagnostic used when a recovered panic value
// carries no message of its own.
const unknownToolError = "Unknown error during tool execution"

// Execute looks up the tool, measures wall time, invokes it, and
// normalizes the result so Metadata.ExecutionTimeMs is always populated:
// the tool-reported value if present, else the measured wall time.
// Panics and returned errors are converted to failure results; an
// unregistered name returns a failure result, never an error.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any, tcx Context) model.ToolResult {
	t, ok := r.tools[name]
	if !ok {
		return model.FailedToolResult(fmt.Sprintf("Tool %q is not registered", name))
	}

	start := time.Now()
	result := r.invoke(ctx, t, args, tcx)
	if result.Metadata.ExecutionTimeMs <= 0 {
		result.Metadata.ExecutionTimeMs = time.Since(start).Milliseconds()
	}
	return result
}

// invoke runs the tool with panic recovery so a misbehaving
// implementation can never crash a batch.
func (r *Registry) invoke(ctx context.Context, t Tool, args map[string]any, tcx Context) (result model.ToolResult) {
	defer func() {
		if rec := recover(); rec != nil {
			msg := unknownToolError
			switch v := rec.(type) {
			case error:
				if v.Error() != "" {
					msg = v.Error()
				}
			case string:
				if v != "" {
					msg = v
				}
			}
			r.logger.Error("tool: panic during execution", "name", t.Name(), "panic", rec)
			result = model.FailedToolResult(msg)
		}
	}()

	result, err := t.Execute(ctx, args, tcx)
	if err != nil {
		msg := err.Error()
		if msg == "" {
			msg = unknownToolError
		}
		return model.FailedToolResult(msg)
	}
	return result
}
