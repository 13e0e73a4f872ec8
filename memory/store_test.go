package memory

import (
	"context"
	"database/sql"
	"hash/fnv"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentdesk/agentd/migrations"

	_ "github.com/mattn/go-sqlite3"
)

type stubEmbedder struct{}

func (stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{float32(len(text)), 1.0}, nil
}

// semanticEmbedder creates embeddings based on word content to simulate semantic similarity.
// Documents with overlapping words will have similar embeddings (high cosine similarity).
// This is deterministic and doesn't require external services, making it suitable for CI.
type semanticEmbedder struct {
	dimensions int
}

func newSemanticEmbedder(dimensions int) *semanticEmbedder {
	return &semanticEmbedder{dimensions: dimensions}
}

func (e *semanticEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		return make([]float32, e.dimensions), nil
	}

	embedding := make([]float32, e.dimensions)
	for _, word := range words {
		h := fnv.New32a()
		if _, err := h.Write([]byte(word)); err != nil {
			return nil, err
		}
		hash := h.Sum32()

		// Each word influences a few dimensions so overlap shows up in cosine.
		for i := 0; i < 3; i++ {
			dim := int((hash + uint32(i)*2654435761) % uint32(e.dimensions)) // nolint:gosec // Test code
			embedding[dim] += float32(math.Sin(float64(hash+uint32(i))*0.1) + 1.0)
		}
	}

	var magnitude float32
	for _, val := range embedding {
		magnitude += val * val
	}
	magnitude = float32(math.Sqrt(float64(magnitude)))
	if magnitude > 0 {
		for i := range embedding {
			embedding[i] /= magnitude
		}
	}
	return embedding, nil
}

// setupTestDB creates an in-memory database and runs migrations
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

	migrationsPath := filepath.Join(cwd, "..", "migrations")
	if err := migrations.RunMigrations(db, migrationsPath, zerolog.Nop()); err != nil {
		_ = db.Close() //nolint:errcheck // Cleanup on error
		t.Fatalf("failed to run migrations: %v", err)
	}
	return db
}

func testStore(t *testing.T, db *sql.DB, opts StoreOptions) *Store {
	t.Helper()
	return NewStore(db, stubEmbedder{}, opts, zerolog.Nop())
}

func TestStore_WriteAndRead(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	store := testStore(t, db, StoreOptions{})
	ctx := context.Background()

	item := &Item{
		AgentID:    "helper",
		Kind:       KindObservation,
		Content:    "User prefers tabs over spaces.",
		Importance: 0.8,
		Metadata:   map[string]interface{}{"source": "conversation"},
	}
	id, err := store.Write(ctx, item)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if id == 0 {
		t.Fatal("expected nonzero id")
	}

	got, err := store.Read(ctx, id)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Content != item.Content {
		t.Errorf("content = %q, want %q", got.Content, item.Content)
	}
	if got.Kind != KindObservation {
		t.Errorf("kind = %q, want %q", got.Kind, KindObservation)
	}
	if got.Importance != 0.8 {
		t.Errorf("importance = %v, want 0.8", got.Importance)
	}
	if got.Metadata["source"] != "conversation" {
		t.Errorf("metadata = %v", got.Metadata)
	}
	if len(got.Embedding) == 0 {
		t.Error("expected embedding to be stored")
	}
}

func TestStore_ReadNotFound(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	store := testStore(t, db, StoreOptions{})
	_, err := store.Read(context.Background(), 9999)
	if err == nil {
		t.Fatal("expected error for missing id")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestStore_WriteRejectsInvalidInput(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	store := testStore(t, db, StoreOptions{})
	ctx := context.Background()

	if _, err := store.Write(ctx, &Item{AgentID: "a", Kind: KindFact, Content: "   "}); err == nil {
		t.Error("expected error for empty content")
	}
	if _, err := store.Write(ctx, &Item{AgentID: "a", Kind: Kind("dream"), Content: "x"}); err == nil {
		t.Error("expected error for invalid kind")
	}
	if _, err := store.Write(ctx, &Item{Kind: KindFact, Content: "x"}); err == nil {
		t.Error("expected error for missing agent id")
	}
}

func TestStore_WriteClampsImportance(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	store := testStore(t, db, StoreOptions{})
	ctx := context.Background()

	id, err := store.Write(ctx, &Item{AgentID: "a", Kind: KindFact, Content: "x", Importance: 3.5})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := store.Read(ctx, id)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Importance != 1.0 {
		t.Errorf("importance = %v, want clamped to 1.0", got.Importance)
	}
}

func TestStore_QueryFilters(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	store := testStore(t, db, StoreOptions{HighValueMin: 0.7, HighValueMaxAge: 24 * time.Hour})
	ctx := context.Background()

	seed := []struct {
		kind       Kind
		content    string
		importance float64
	}{
		{KindObservation, "saw a thing", 0.3},
		{KindFact, "user name is Sam", 0.9},
		{KindReflection, "should batch writes", 0.6},
		{KindToolResult, "read_file returned 12 lines", 0.5},
	}
	for _, s := range seed {
		if _, err := store.Write(ctx, &Item{AgentID: "a", Kind: s.kind, Content: s.content, Importance: s.importance}); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	// Another agent's item must never leak into queries for "a".
	if _, err := store.Write(ctx, &Item{AgentID: "b", Kind: KindFact, Content: "other agent", Importance: 0.9}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	all, err := store.Query(ctx, "a", Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("got %d items, want 4", len(all))
	}

	facts, err := store.Query(ctx, "a", Filter{Kinds: []Kind{KindFact}})
	if err != nil {
		t.Fatalf("Query kinds: %v", err)
	}
	if len(facts) != 1 || facts[0].Kind != KindFact {
		t.Errorf("kind filter returned %d items", len(facts))
	}

	important, err := store.Query(ctx, "a", Filter{MinImportance: 0.55})
	if err != nil {
		t.Fatalf("Query importance: %v", err)
	}
	if len(important) != 2 {
		t.Errorf("importance filter returned %d items, want 2", len(important))
	}

	highValue, err := store.Query(ctx, "a", Filter{HighValueOnly: true})
	if err != nil {
		t.Fatalf("Query high value: %v", err)
	}
	if len(highValue) != 1 || highValue[0].Content != "user name is Sam" {
		t.Errorf("high value filter returned %d items", len(highValue))
	}
}

func TestStore_QueryNewestFirst(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	store := testStore(t, db, StoreOptions{})
	ctx := context.Background()

	for _, content := range []string{"first", "second", "third"} {
		if _, err := store.Write(ctx, &Item{AgentID: "a", Kind: KindObservation, Content: content, Importance: 0.5}); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	items, err := store.Query(ctx, "a", Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if items[0].Content != "third" {
		t.Errorf("newest first expected, got %q", items[0].Content)
	}
}

func TestStore_UpdateImportance(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	store := testStore(t, db, StoreOptions{})
	ctx := context.Background()

	id, err := store.Write(ctx, &Item{AgentID: "a", Kind: KindFact, Content: "x", Importance: 0.5})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := store.UpdateImportance(ctx, id, 0.95); err != nil {
		t.Fatalf("UpdateImportance: %v", err)
	}
	got, err := store.Read(ctx, id)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Importance != 0.95 {
		t.Errorf("importance = %v, want 0.95", got.Importance)
	}

	if err := store.UpdateImportance(ctx, 9999, 0.5); err == nil {
		t.Error("expected error for missing id")
	}
}

func TestStore_DecayImportancePinsMaximum(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	store := testStore(t, db, StoreOptions{DecayFactor: 0.5, DecayFloor: 0.1})
	ctx := context.Background()

	decayID, err := store.Write(ctx, &Item{AgentID: "a", Kind: KindObservation, Content: "fades", Importance: 0.8})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	pinnedID, err := store.Write(ctx, &Item{AgentID: "a", Kind: KindFact, Content: "permanent", Importance: 1.0})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	touched, err := store.DecayImportance(ctx, "a")
	if err != nil {
		t.Fatalf("DecayImportance: %v", err)
	}
	if touched != 1 {
		t.Errorf("touched = %d, want 1", touched)
	}

	decayed, _ := store.Read(ctx, decayID)
	if decayed.Importance != 0.4 {
		t.Errorf("decayed importance = %v, want 0.4", decayed.Importance)
	}
	pinned, _ := store.Read(ctx, pinnedID)
	if pinned.Importance != 1.0 {
		t.Errorf("pinned importance = %v, want 1.0", pinned.Importance)
	}
}

func TestStore_DecayImportanceRespectsFloor(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	store := testStore(t, db, StoreOptions{DecayFactor: 0.5, DecayFloor: 0.3})
	ctx := context.Background()

	id, err := store.Write(ctx, &Item{AgentID: "a", Kind: KindObservation, Content: "x", Importance: 0.4})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := store.DecayImportance(ctx, "a"); err != nil {
		t.Fatalf("DecayImportance: %v", err)
	}
	got, _ := store.Read(ctx, id)
	if got.Importance != 0.3 {
		t.Errorf("importance = %v, want floor 0.3", got.Importance)
	}
}

func TestStore_CeilingEvictsLowestWeight(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	var evicted []int64
	store := testStore(t, db, StoreOptions{CeilingPerAgent: 3, RecencyHalfLife: 24 * time.Hour})
	store.SetOnEvict(func(agentID string, ids []int64) {
		evicted = append(evicted, ids...)
	})
	ctx := context.Background()

	lowID, err := store.Write(ctx, &Item{AgentID: "a", Kind: KindObservation, Content: "low", Importance: 0.1})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	for _, content := range []string{"mid1", "mid2", "high"} {
		imp := 0.6
		if content == "high" {
			imp = 0.9
		}
		if _, err := store.Write(ctx, &Item{AgentID: "a", Kind: KindObservation, Content: content, Importance: imp}); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	count, err := store.CountByAgent(ctx, "a")
	if err != nil {
		t.Fatalf("CountByAgent: %v", err)
	}
	if count != 3 {
		t.Errorf("count = %d, want ceiling 3", count)
	}
	if len(evicted) != 1 || evicted[0] != lowID {
		t.Errorf("evicted = %v, want [%d]", evicted, lowID)
	}

	if _, err := store.Read(ctx, lowID); err == nil {
		t.Error("evicted item should not be readable")
	}
}

func TestStore_CeilingNeverEvictsPinnedWhileOthersRemain(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	store := testStore(t, db, StoreOptions{CeilingPerAgent: 2, RecencyHalfLife: 24 * time.Hour})
	ctx := context.Background()

	// The pinned item is oldest and would lose on recency alone.
	pinnedID, err := store.Write(ctx, &Item{AgentID: "a", Kind: KindFact, Content: "pinned", Importance: 1.0})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	for _, content := range []string{"one", "two"} {
		if _, err := store.Write(ctx, &Item{AgentID: "a", Kind: KindObservation, Content: content, Importance: 0.9}); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	if _, err := store.Read(ctx, pinnedID); err != nil {
		t.Errorf("pinned item was evicted: %v", err)
	}
}

func TestStore_SearchKeyword(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	store := testStore(t, db, StoreOptions{})
	ctx := context.Background()

	contents := []string{
		"deploy pipeline failed with a timeout",
		"user asked about deploy windows",
		"grocery list for the weekend",
	}
	for _, c := range contents {
		if _, err := store.Write(ctx, &Item{AgentID: "a", Kind: KindObservation, Content: c, Importance: 0.5}); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	results, err := store.SearchKeyword(ctx, "a", "deploy", 10)
	if err != nil {
		t.Fatalf("SearchKeyword: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for _, r := range results {
		if !strings.Contains(r.Item.Content, "deploy") {
			t.Errorf("unexpected match: %q", r.Item.Content)
		}
	}

	// Query syntax must be treated literally, not as FTS operators.
	if _, err := store.SearchKeyword(ctx, "a", `deploy OR "`, 10); err != nil {
		t.Errorf("sanitized query should not error: %v", err)
	}
}

func TestStore_SearchKeywordSubstringFallback(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	store := testStore(t, db, StoreOptions{})
	ctx := context.Background()

	contents := []string{
		"deploy pipeline failed with a timeout",
		"user asked about deploy windows and timeouts",
		"grocery list for the weekend",
	}
	for _, c := range contents {
		if _, err := store.Write(ctx, &Item{AgentID: "a", Kind: KindObservation, Content: c, Importance: 0.5}); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	store.ftsEnabled = false

	results, err := store.SearchKeyword(ctx, "a", "deploy timeout", 10)
	if err != nil {
		t.Fatalf("SearchKeyword: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for _, r := range results {
		if !strings.Contains(r.Item.Content, "deploy") {
			t.Errorf("unexpected match: %q", r.Item.Content)
		}
	}
	if results[0].Score < results[1].Score {
		t.Errorf("results not sorted by token hits: %v then %v", results[0].Score, results[1].Score)
	}

	// LIKE wildcards in the query must match literally.
	if got, err := store.SearchKeyword(ctx, "a", "%", 10); err != nil || len(got) != 0 {
		t.Errorf("wildcard should match nothing, got %d results, err %v", len(got), err)
	}
}

func TestStore_AgentIDs(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	store := testStore(t, db, StoreOptions{})
	ctx := context.Background()

	for _, agent := range []string{"a", "b", "a"} {
		if _, err := store.Write(ctx, &Item{AgentID: agent, Kind: KindObservation, Content: "x", Importance: 0.5}); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	ids, err := store.AgentIDs(ctx)
	if err != nil {
		t.Fatalf("AgentIDs: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("got %d agent ids, want 2", len(ids))
	}
}
