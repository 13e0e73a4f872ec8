package tools

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/agentdesk/agentd/memory"
	"github.com/agentdesk/agentd/migrations"
)

// wordEmbedder hashes words into a fixed-size vector so related texts land
// near each other without a real model.
type wordEmbedder struct{}

func (wordEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, 64)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(word)) //nolint:errcheck // fnv write never fails
		vec[h.Sum32()%64]++
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}

func setupMemoryStore(t *testing.T) (*memory.Store, *memory.Index) {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup

	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get working directory: %v", err)
	}
	if err := migrations.RunMigrations(db, filepath.Join(cwd, "..", "migrations"), zerolog.Nop()); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	embedder := wordEmbedder{}
	store := memory.NewStore(db, embedder, memory.StoreOptions{CeilingPerAgent: 100}, zerolog.Nop())
	index := memory.NewIndex(embedder, memory.IndexOptions{}, zerolog.Nop())
	store.SetOnEvict(func(agentID string, ids []int64) {
		index.Remove(agentID, ids)
	})
	return store, index
}

func TestRememberFactReplacesByKey(t *testing.T) {
	store, index := setupMemoryStore(t)
	reg := NewRegistry(zerolog.Nop())
	reg.RegisterMemoryTools(store, index)
	ctx := context.Background()

	result, err := reg.Handle(ctx, "remember_fact", "agent-1",
		json.RawMessage(`{"key": "user_timezone", "content": "The user is in UTC+2"}`))
	if err != nil {
		t.Fatalf("remember_fact failed: %v", err)
	}
	if result.(map[string]any)["replaced"] != false {
		t.Error("first write should not report a replacement")
	}

	result, err = reg.Handle(ctx, "remember_fact", "agent-1",
		json.RawMessage(`{"key": "user_timezone", "content": "The user moved to UTC-5", "importance": 0.9}`))
	if err != nil {
		t.Fatalf("remember_fact failed: %v", err)
	}
	if result.(map[string]any)["replaced"] != true {
		t.Error("second write with the same key should replace")
	}

	facts, err := store.Query(ctx, "agent-1", memory.Filter{Kinds: []memory.Kind{memory.KindFact}})
	if err != nil {
		t.Fatalf("query facts: %v", err)
	}
	if len(facts) != 1 {
		t.Fatalf("expected 1 fact after replacement, got %d", len(facts))
	}
	if facts[0].Content != "The user moved to UTC-5" {
		t.Errorf("unexpected fact content: %q", facts[0].Content)
	}
	if facts[0].Importance != 0.9 {
		t.Errorf("expected importance 0.9, got %v", facts[0].Importance)
	}
}

func TestRememberFactRequiresKeyAndContent(t *testing.T) {
	store, index := setupMemoryStore(t)
	reg := NewRegistry(zerolog.Nop())
	reg.RegisterMemoryTools(store, index)

	if _, err := reg.Handle(context.Background(), "remember_fact", "agent-1",
		json.RawMessage(`{"key": "k", "content": ""}`)); err == nil {
		t.Fatal("expected empty content to be rejected")
	}
}

func TestSearchMemory(t *testing.T) {
	store, index := setupMemoryStore(t)
	reg := NewRegistry(zerolog.Nop())
	reg.RegisterMemoryTools(store, index)
	ctx := context.Background()

	seed := []*memory.Item{
		{AgentID: "agent-1", Kind: memory.KindObservation, Content: "The deploy pipeline failed on the lint stage", Importance: 0.6},
		{AgentID: "agent-1", Kind: memory.KindFact, Content: "The user prefers dark roast coffee", Importance: 0.8},
		{AgentID: "agent-2", Kind: memory.KindFact, Content: "The deploy pipeline is owned by another team", Importance: 0.8},
	}
	for _, item := range seed {
		if _, err := store.Write(ctx, item); err != nil {
			t.Fatalf("seed write: %v", err)
		}
		if err := index.Add(ctx, item); err != nil {
			t.Fatalf("seed index: %v", err)
		}
	}

	result, err := reg.Handle(ctx, "search_memory", "agent-1",
		json.RawMessage(`{"query": "deploy pipeline failure"}`))
	if err != nil {
		t.Fatalf("search_memory failed: %v", err)
	}

	hits := result.(map[string]any)["results"].([]map[string]any)
	if len(hits) == 0 {
		t.Fatal("expected at least one hit")
	}
	top := hits[0]
	if !strings.Contains(top["content"].(string), "deploy pipeline failed") {
		t.Errorf("expected the deploy observation first, got %v", top["content"])
	}
	for _, hit := range hits {
		if strings.Contains(hit["content"].(string), "another team") {
			t.Error("results leaked another agent's memory")
		}
	}
}

func TestSearchMemoryKeywordFallback(t *testing.T) {
	store, _ := setupMemoryStore(t)
	reg := NewRegistry(zerolog.Nop())
	// No index configured; keyword search carries the whole query.
	reg.RegisterMemoryTools(store, nil)
	ctx := context.Background()

	if _, err := store.Write(ctx, &memory.Item{
		AgentID: "agent-1", Kind: memory.KindFact,
		Content: "Weekly report is due on Fridays", Importance: 0.8,
	}); err != nil {
		t.Fatalf("seed write: %v", err)
	}

	result, err := reg.Handle(ctx, "search_memory", "agent-1",
		json.RawMessage(`{"query": "weekly report", "limit": 3}`))
	if err != nil {
		t.Fatalf("search_memory failed: %v", err)
	}
	hits := result.(map[string]any)["results"].([]map[string]any)
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit, got %d", len(hits))
	}
}

func TestRememberFactReplacesKeyBeyondQueryWindow(t *testing.T) {
	store, index := setupMemoryStore(t)
	reg := NewRegistry(zerolog.Nop())
	reg.RegisterMemoryTools(store, index)
	ctx := context.Background()

	// The stale fact is the oldest row; dozens of newer facts must not
	// shadow it when the key is re-remembered.
	if _, err := store.Write(ctx, &memory.Item{
		AgentID:    "agent-1",
		Kind:       memory.KindFact,
		Content:    "The user is in UTC+2",
		Importance: 0.8,
		Metadata:   map[string]interface{}{"key": "user_timezone"},
	}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	for i := 0; i < 55; i++ {
		if _, err := store.Write(ctx, &memory.Item{
			AgentID:    "agent-1",
			Kind:       memory.KindFact,
			Content:    fmt.Sprintf("filler fact number %d", i),
			Importance: 0.8,
			Metadata:   map[string]interface{}{"key": fmt.Sprintf("filler_%d", i)},
		}); err != nil {
			t.Fatalf("Write filler: %v", err)
		}
	}

	result, err := reg.Handle(ctx, "remember_fact", "agent-1",
		json.RawMessage(`{"key": "user_timezone", "content": "The user moved to UTC-5"}`))
	if err != nil {
		t.Fatalf("remember_fact failed: %v", err)
	}
	if replaced := result.(map[string]any)["replaced"]; replaced != true {
		t.Errorf("replaced = %v, want true", replaced)
	}

	ids, err := store.FactIDsByKey(ctx, "agent-1", "user_timezone")
	if err != nil {
		t.Fatalf("FactIDsByKey: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("got %d facts under key, want 1", len(ids))
	}
	item, err := store.Read(ctx, ids[0])
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if item.Content != "The user moved to UTC-5" {
		t.Errorf("content = %q, want the replacement", item.Content)
	}
}
