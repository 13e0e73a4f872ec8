package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/agentdesk/agentd/llm"
)

// ToolHandler handles a tool call for a specific agent.
type ToolHandler func(ctx context.Context, agentID string, args json.RawMessage) (any, error)

// Registry maps tool names to handlers and their specs. Arguments are
// validated against the registered schema at dispatch, not at storage time.
type Registry struct {
	handlers map[string]ToolHandler
	specs    map[string]llm.ToolSpec
	logger   zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		handlers: make(map[string]ToolHandler),
		specs:    make(map[string]llm.ToolSpec),
		logger:   logger.With().Str("component", "tool_registry").Logger(),
	}
}

// Register registers a handler and its spec for a tool name.
func (r *Registry) Register(spec llm.ToolSpec, h ToolHandler) {
	r.logger.Debug().Str("name", spec.Name).Msg("Registering tool handler")
	r.handlers[spec.Name] = h
	r.specs[spec.Name] = spec
}

// Specs returns the tool specs for the given names, skipping unknown ones.
// A nil names slice returns every registered spec.
func (r *Registry) Specs(names []string) []llm.ToolSpec {
	if names == nil {
		specs := make([]llm.ToolSpec, 0, len(r.specs))
		for _, spec := range r.specs {
			specs = append(specs, spec)
		}
		return specs
	}
	specs := make([]llm.ToolSpec, 0, len(names))
	for _, name := range names {
		if spec, ok := r.specs[name]; ok {
			specs = append(specs, spec)
		}
	}
	return specs
}

// Has reports whether a tool name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.handlers[name]
	return ok
}

// Handle validates arguments against the tool's schema and dispatches.
func (r *Registry) Handle(ctx context.Context, toolName, agentID string, args json.RawMessage) (any, error) {
	h, ok := r.handlers[toolName]
	if !ok {
		r.logger.Error().Str("tool", toolName).Msg("Unknown tool requested")
		return nil, fmt.Errorf("unknown tool: %s", toolName)
	}

	if err := r.validateArgs(toolName, args); err != nil {
		return nil, err
	}

	r.logger.Info().
		Str("tool", toolName).
		Str("agent_id", agentID).
		Msg("Executing tool")

	result, err := h(ctx, agentID, args)
	if err != nil {
		r.logger.Error().Err(err).Str("tool", toolName).Str("agent_id", agentID).Msg("Tool execution failed")
		return nil, err
	}
	return result, nil
}

// validateArgs checks that every required schema field is present. Full JSON
// schema validation is out of scope; missing required keys are the failure
// mode models actually produce.
func (r *Registry) validateArgs(toolName string, args json.RawMessage) error {
	spec, ok := r.specs[toolName]
	if !ok || len(spec.Schema.Required) == 0 {
		return nil
	}

	var payload map[string]json.RawMessage
	if len(args) > 0 {
		if err := json.Unmarshal(args, &payload); err != nil {
			return fmt.Errorf("tool %s: arguments are not a JSON object: %w", toolName, err)
		}
	}
	for _, field := range spec.Schema.Required {
		if _, ok := payload[field]; !ok {
			return fmt.Errorf("tool %s: missing required argument %q", toolName, field)
		}
	}
	return nil
}
