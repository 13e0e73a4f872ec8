package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"

	"github.com/agentdesk/agentd/llm"
)

func echoSpec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        "echo",
		Description: "Echo back the input",
		Schema: llm.ToolSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"text": map[string]interface{}{"type": "string"},
			},
			Required: []string{"text"},
		},
	}
}

func TestRegistryDispatch(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())
	reg.Register(echoSpec(), func(ctx context.Context, agentID string, args json.RawMessage) (any, error) {
		var payload struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(args, &payload); err != nil {
			return nil, err
		}
		return payload.Text, nil
	})

	result, err := reg.Handle(context.Background(), "echo", "agent-1", json.RawMessage(`{"text": "hi"}`))
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if result != "hi" {
		t.Errorf("expected 'hi', got %v", result)
	}
}

func TestRegistryUnknownTool(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())
	if _, err := reg.Handle(context.Background(), "nope", "agent-1", nil); err == nil {
		t.Fatal("expected error for unknown tool")
	}
}

func TestRegistryValidatesRequiredArgs(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())
	called := false
	reg.Register(echoSpec(), func(ctx context.Context, agentID string, args json.RawMessage) (any, error) {
		called = true
		return nil, nil
	})

	if _, err := reg.Handle(context.Background(), "echo", "agent-1", json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected error for missing required argument")
	}
	if _, err := reg.Handle(context.Background(), "echo", "agent-1", json.RawMessage(`"not an object"`)); err == nil {
		t.Fatal("expected error for non-object arguments")
	}
	if called {
		t.Error("handler should not run when validation fails")
	}
}

func TestRegistrySpecs(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())
	reg.Register(echoSpec(), func(ctx context.Context, agentID string, args json.RawMessage) (any, error) {
		return nil, nil
	})

	specs := reg.Specs([]string{"echo", "missing"})
	if len(specs) != 1 || specs[0].Name != "echo" {
		t.Fatalf("expected only the echo spec, got %v", specs)
	}

	all := reg.Specs(nil)
	if len(all) != 1 {
		t.Fatalf("expected 1 spec, got %d", len(all))
	}
	if !reg.Has("echo") || reg.Has("missing") {
		t.Error("Has reported wrong registration state")
	}
}
