package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/agentdesk/agentd/agent"
	"github.com/agentdesk/agentd/approval"
	"github.com/agentdesk/agentd/assembler"
	"github.com/agentdesk/agentd/conversations"
	"github.com/agentdesk/agentd/llm"
	"github.com/agentdesk/agentd/memory"
	"github.com/agentdesk/agentd/migrations"
	"github.com/agentdesk/agentd/tools"
)

type cannedClient struct {
	text string
}

func (c *cannedClient) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	return &llm.Response{
		Content:    []llm.ContentBlock{{Type: llm.ContentBlockTypeText, Text: c.text}},
		StopReason: "end_turn",
	}, nil
}

type fixedEmbedder struct{}

func (fixedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func setupServer(t *testing.T) (*httptest.Server, *approval.Gate) {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup

	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := migrations.RunMigrations(db, filepath.Join(cwd, "..", "migrations"), zerolog.Nop()); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	store := memory.NewStore(db, fixedEmbedder{}, memory.StoreOptions{CeilingPerAgent: 100}, zerolog.Nop())
	sessions := conversations.NewStore(db)
	gate := approval.NewGate(approval.NewMemoryStore(), time.Minute, zerolog.Nop())
	registry := tools.NewRegistry(zerolog.Nop())
	states := agent.NewStateManager(db, zerolog.Nop())
	asm := assembler.New(store, nil, sessions, assembler.Options{}, zerolog.Nop())

	orch, err := agent.New(&cannedClient{text: "Hello back!"}, asm, sessions, store, nil,
		gate, approval.NewClassifier(nil), registry, states, agent.Options{Model: "test-model"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("create orchestrator: %v", err)
	}

	srv := New(Config{Addr: "localhost:0"}, orch, sessions, gate, zerolog.Nop())
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)
	return ts, gate
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close() //nolint:errcheck // test cleanup
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return out
}

func TestSendMessageAndGetConversation(t *testing.T) {
	ts, _ := setupServer(t)

	resp := postJSON(t, ts.URL+"/agents/agent-1/start", map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start returned %d", resp.StatusCode)
	}
	resp.Body.Close() //nolint:errcheck // test cleanup

	resp = postJSON(t, ts.URL+"/agents/agent-1/messages", map[string]any{"text": "Hello"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("send message returned %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	reply, ok := body["reply"].(map[string]any)
	if !ok {
		t.Fatalf("expected reply object, got %v", body)
	}
	if reply["content"] != "Hello back!" {
		t.Errorf("unexpected reply content: %v", reply["content"])
	}

	getResp, err := http.Get(ts.URL + "/agents/agent-1/conversation")
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	conv := decodeBody(t, getResp)
	messages, ok := conv["messages"].([]any)
	if !ok || len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %v", conv["messages"])
	}
	if role := messages[0].(map[string]any)["role"]; role != "user" {
		t.Errorf("first role = %v, want user", role)
	}
	if role := messages[1].(map[string]any)["role"]; role != "agent" {
		t.Errorf("second role = %v, want agent", role)
	}
}

func TestSendMessageRejectsEmptyText(t *testing.T) {
	ts, _ := setupServer(t)

	resp := postJSON(t, ts.URL+"/agents/agent-1/messages", map[string]any{"text": "  "})
	defer resp.Body.Close() //nolint:errcheck // test cleanup
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestDecideApprovalNotFound(t *testing.T) {
	ts, _ := setupServer(t)

	resp := postJSON(t, ts.URL+"/approvals/nope/decision", map[string]any{"approved": true})
	defer resp.Body.Close() //nolint:errcheck // test cleanup
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestApprovalDecisionFlow(t *testing.T) {
	ts, gate := setupServer(t)
	ctx := context.Background()

	record, _, err := gate.Request(ctx, "agent-1", "delete_file", json.RawMessage(`{"path":"x"}`))
	if err != nil {
		t.Fatalf("request approval: %v", err)
	}

	listResp, err := http.Get(ts.URL + "/agents/agent-1/approvals")
	if err != nil {
		t.Fatalf("list approvals: %v", err)
	}
	listed := decodeBody(t, listResp)
	approvals, ok := listed["approvals"].([]any)
	if !ok || len(approvals) != 1 {
		t.Fatalf("expected 1 pending approval, got %v", listed["approvals"])
	}

	resp := postJSON(t, ts.URL+"/approvals/"+record.ID+"/decision",
		map[string]any{"approved": false, "reason": "not authorized", "decided_by": "tester"})
	body := decodeBody(t, resp)
	if resp.StatusCode != http.StatusOK || body["success"] != true {
		t.Fatalf("decision failed: %d %v", resp.StatusCode, body)
	}

	// A second, conflicting decision is rejected with the original status.
	resp = postJSON(t, ts.URL+"/approvals/"+record.ID+"/decision",
		map[string]any{"approved": true, "decided_by": "tester"})
	body = decodeBody(t, resp)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	if body["status"] != string(approval.StatusRejected) {
		t.Errorf("expected original status rejected, got %v", body["status"])
	}
}
