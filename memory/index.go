package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"github.com/rs/zerolog"
)

// IndexOptions control ranking behavior for semantic search.
type IndexOptions struct {
	// Alpha weights similarity against importance in the blended score:
	// alpha*similarity + (1-alpha)*importance.
	Alpha float64
}

// Index provides approximate nearest-neighbor lookup over memory items.
// Entries live in chromem, an embedded pure-Go vector database, with one
// collection per agent for namespace isolation.
type Index struct {
	db       *chromem.DB
	embedder Embedder
	opts     IndexOptions
	logger   zerolog.Logger

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
	accessed    map[string]time.Time // keyed agentID/itemID
}

// NewIndex creates an empty in-memory index.
func NewIndex(embedder Embedder, opts IndexOptions, logger zerolog.Logger) *Index {
	if opts.Alpha <= 0 || opts.Alpha > 1 {
		opts.Alpha = 0.7
	}
	return &Index{
		db:          chromem.NewDB(),
		embedder:    embedder,
		opts:        opts,
		logger:      logger.With().Str("component", "vector_index").Logger(),
		collections: make(map[string]*chromem.Collection),
		accessed:    make(map[string]time.Time),
	}
}

func (ix *Index) collection(agentID string) (*chromem.Collection, error) {
	ix.mu.RLock()
	col, ok := ix.collections[agentID]
	ix.mu.RUnlock()
	if ok {
		return col, nil
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if col, ok := ix.collections[agentID]; ok {
		return col, nil
	}

	col, err := ix.db.CreateCollection("agent_"+agentID, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	ix.collections[agentID] = col
	return col, nil
}

func accessKey(agentID string, id int64) string {
	return agentID + "/" + strconv.FormatInt(id, 10)
}

// Add indexes an item. Items without an embedding are skipped; they remain
// reachable through keyword search only.
func (ix *Index) Add(ctx context.Context, item *Item) error {
	if item == nil || len(item.Embedding) == 0 {
		return nil
	}
	col, err := ix.collection(item.AgentID)
	if err != nil {
		return err
	}

	doc := chromem.Document{
		ID:        strconv.FormatInt(item.ID, 10),
		Content:   item.Content,
		Embedding: item.Embedding,
		Metadata: map[string]string{
			"kind":       string(item.Kind),
			"importance": strconv.FormatFloat(item.Importance, 'f', 4, 64),
			"created_at": strconv.FormatInt(item.CreatedAt.Unix(), 10),
		},
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document: %w", err)
	}

	ix.logger.Debug().
		Str("method", "Add").
		Str("agent_id", item.AgentID).
		Int64("id", item.ID).
		Msg("Item indexed")
	return nil
}

// Search embeds the query text and returns the top k items by blended score.
// Results carry the item id and blended score; callers hydrate full items
// from the store.
func (ix *Index) Search(ctx context.Context, agentID, query string, k int) ([]IndexHit, error) {
	if ix.embedder == nil {
		return nil, nil
	}
	queryEmb, err := ix.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return ix.SearchEmbedding(ctx, agentID, queryEmb, k)
}

// SearchEmbedding is Search with a precomputed query vector.
func (ix *Index) SearchEmbedding(ctx context.Context, agentID string, queryEmb []float32, k int) ([]IndexHit, error) {
	col, err := ix.collection(agentID)
	if err != nil {
		return nil, err
	}

	count := col.Count()
	if count == 0 {
		return nil, nil
	}
	if k <= 0 {
		k = 1
	}

	// Over-fetch before blending: a lower-similarity item can outrank a
	// higher one once importance is folded in, so a pre-blend cutoff at k
	// would drop it. chromem rejects nResults above the collection size.
	fetch := 2 * k
	if fetch > count {
		fetch = count
	}

	results, err := col.QueryEmbedding(ctx, queryEmb, fetch, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query embedding: %w", err)
	}

	now := time.Now()
	hits := make([]IndexHit, 0, len(results))
	for _, r := range results {
		id, err := strconv.ParseInt(r.ID, 10, 64)
		if err != nil {
			continue
		}
		importance, _ := strconv.ParseFloat(r.Metadata["importance"], 64)
		score := ix.opts.Alpha*float64(r.Similarity) + (1-ix.opts.Alpha)*importance
		hits = append(hits, IndexHit{
			ID:         id,
			Similarity: float64(r.Similarity),
			Score:      score,
		})
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}

	ix.mu.Lock()
	for _, h := range hits {
		ix.accessed[accessKey(agentID, h.ID)] = now
	}
	ix.mu.Unlock()

	ix.logger.Debug().
		Str("method", "SearchEmbedding").
		Str("agent_id", agentID).
		Int("hits", len(hits)).
		Msg("Semantic search completed")
	return hits, nil
}

// Rehydrate reloads every stored embedding into the index. The index is
// in-memory while the store is durable, so a restarted daemon calls this
// once at startup before serving semantic search. Returns the number of
// entries loaded.
func (ix *Index) Rehydrate(ctx context.Context, store *Store) (int, error) {
	agents, err := store.AgentIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list agents: %w", err)
	}

	loaded := 0
	for _, agentID := range agents {
		items, err := store.EmbeddedItems(ctx, agentID)
		if err != nil {
			return loaded, fmt.Errorf("load embedded items for %s: %w", agentID, err)
		}
		for _, item := range items {
			if err := ix.Add(ctx, item); err != nil {
				return loaded, err
			}
			loaded++
		}
	}

	ix.logger.Info().
		Str("method", "Rehydrate").
		Int("agents", len(agents)).
		Int("entries", loaded).
		Msg("Vector index rebuilt from store")
	return loaded, nil
}

// Remove drops entries from the index. Called synchronously from the store's
// eviction hook so the index never serves evicted ids.
func (ix *Index) Remove(agentID string, ids []int64) {
	if len(ids) == 0 {
		return
	}
	ix.mu.RLock()
	col, ok := ix.collections[agentID]
	ix.mu.RUnlock()
	if !ok {
		return
	}

	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = strconv.FormatInt(id, 10)
	}
	if err := col.Delete(context.Background(), nil, nil, strIDs...); err != nil {
		ix.logger.Warn().Err(err).Str("agent_id", agentID).Msg("Index delete failed")
	}

	ix.mu.Lock()
	for _, id := range ids {
		delete(ix.accessed, accessKey(agentID, id))
	}
	ix.mu.Unlock()
}

// LastAccessed reports when an entry last matched a search, if ever.
func (ix *Index) LastAccessed(agentID string, id int64) (time.Time, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	t, ok := ix.accessed[accessKey(agentID, id)]
	return t, ok
}

// IndexHit is a semantic search match before hydration from the store.
type IndexHit struct {
	ID         int64
	Similarity float64
	Score      float64
}
