package conversations

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/agentdesk/agentd/migrations"

	_ "github.com/mattn/go-sqlite3"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get working directory: %v", err)
	}
	if err := migrations.RunMigrations(db, filepath.Join(cwd, "..", "migrations"), zerolog.Nop()); err != nil {
		_ = db.Close() //nolint:errcheck // Cleanup on error
		t.Fatalf("failed to run migrations: %v", err)
	}
	return db
}

func TestStore_AppendAndHistory(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	store := NewStore(db)
	ctx := context.Background()

	if err := store.AppendUserMessage(ctx, "helper", "hello"); err != nil {
		t.Fatalf("AppendUserMessage: %v", err)
	}
	if err := store.AppendAgentMessage(ctx, "helper", "hi there"); err != nil {
		t.Fatalf("AppendAgentMessage: %v", err)
	}

	msgs, err := store.History(ctx, "helper", false)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != RoleUser || msgs[0].Content != "hello" {
		t.Errorf("first message = %+v", msgs[0])
	}
	if msgs[1].Role != RoleAgent || msgs[1].Content != "hi there" {
		t.Errorf("second message = %+v", msgs[1])
	}
}

func TestStore_HistoryExcludesSystemByDefault(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	store := NewStore(db)
	ctx := context.Background()

	if err := store.AppendUserMessage(ctx, "helper", "hello"); err != nil {
		t.Fatalf("AppendUserMessage: %v", err)
	}
	if err := store.AppendSystemMarker(ctx, "helper", `{"note":"approval expired"}`); err != nil {
		t.Fatalf("AppendSystemMarker: %v", err)
	}

	msgs, err := store.History(ctx, "helper", false)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}

	withSystem, err := store.History(ctx, "helper", true)
	if err != nil {
		t.Fatalf("History with system: %v", err)
	}
	if len(withSystem) != 2 {
		t.Fatalf("got %d messages with system, want 2", len(withSystem))
	}
}

func TestStore_HistoryIsolatesAgents(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	store := NewStore(db)
	ctx := context.Background()

	if err := store.AppendUserMessage(ctx, "a", "for a"); err != nil {
		t.Fatalf("AppendUserMessage: %v", err)
	}
	if err := store.AppendUserMessage(ctx, "b", "for b"); err != nil {
		t.Fatalf("AppendUserMessage: %v", err)
	}

	msgs, err := store.History(ctx, "a", false)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "for a" {
		t.Errorf("agent a history = %+v", msgs)
	}
}

func TestStore_ToolCallPayloadPreserved(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	store := NewStore(db)
	ctx := context.Background()

	args := json.RawMessage(`{"path":"/tmp/x","recursive":false}`)
	if err := store.AppendToolCall(ctx, "helper", "call-1", "read_file", args); err != nil {
		t.Fatalf("AppendToolCall: %v", err)
	}

	msgs, err := store.History(ctx, "helper", false)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}

	var payload struct {
		ToolCall string          `json:"tool_call"`
		Args     json.RawMessage `json:"args"`
	}
	if err := json.Unmarshal([]byte(msgs[0].Content), &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.ToolCall != "read_file" {
		t.Errorf("tool_call = %q", payload.ToolCall)
	}
	if string(payload.Args) != string(args) {
		t.Errorf("args = %s, want %s", payload.Args, args)
	}
	if msgs[0].ToolID != "call-1" || msgs[0].ToolName != "read_file" {
		t.Errorf("tool columns = %+v", msgs[0])
	}
}

func TestStore_ToolRowsDeduplicate(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	store := NewStore(db)
	ctx := context.Background()

	args := json.RawMessage(`{}`)
	for i := 0; i < 2; i++ {
		if err := store.AppendToolCall(ctx, "helper", "call-1", "list_dir", args); err != nil {
			t.Fatalf("AppendToolCall: %v", err)
		}
		if err := store.AppendToolResult(ctx, "helper", "call-1", "list_dir", []string{"a.txt"}, false); err != nil {
			t.Fatalf("AppendToolResult: %v", err)
		}
	}

	msgs, err := store.History(ctx, "helper", false)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	// One agent tool-call row plus one tool result row.
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2 after dedupe", len(msgs))
	}
}

func TestStore_Tail(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	store := NewStore(db)
	ctx := context.Background()

	for _, content := range []string{"one", "two", "three", "four"} {
		if err := store.AppendUserMessage(ctx, "helper", content); err != nil {
			t.Fatalf("AppendUserMessage: %v", err)
		}
	}

	msgs, err := store.Tail(ctx, "helper", 2)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Content != "three" || msgs[1].Content != "four" {
		t.Errorf("tail order = %q, %q", msgs[0].Content, msgs[1].Content)
	}
}

func TestStore_Filter(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	store := NewStore(db)
	ctx := context.Background()

	if err := store.AppendUserMessage(ctx, "helper", "hello"); err != nil {
		t.Fatalf("AppendUserMessage: %v", err)
	}
	if err := store.AppendAgentMessage(ctx, "helper", "hi there"); err != nil {
		t.Fatalf("AppendAgentMessage: %v", err)
	}
	if err := store.AppendUserMessage(ctx, "helper", "bye"); err != nil {
		t.Fatalf("AppendUserMessage: %v", err)
	}

	msgs, err := store.Filter(ctx, "helper", func(m *Message) bool {
		return m.Role == RoleUser
	})
	if err != nil {
		t.Fatalf("Filter: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Content != "hello" || msgs[1].Content != "bye" {
		t.Errorf("filtered order = %q, %q", msgs[0].Content, msgs[1].Content)
	}
}
