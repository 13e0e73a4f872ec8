package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentdesk/agentd/memory"
)

const defaultFactImportance = 0.8

// RegisterMemoryTools registers the long-term memory tools. The index may be
// nil when no embedder is configured; search_memory then falls back to
// keyword search alone.
func (r *Registry) RegisterMemoryTools(store *memory.Store, index *memory.Index) {
	r.logger.Info().Msg("Registering memory tools in registry")
	specs := MemorySpecs()

	r.Register(specByName(specs, "remember_fact"), func(ctx context.Context, agentID string, args json.RawMessage) (any, error) {
		var payload struct {
			Key        string   `json:"key"`
			Content    string   `json:"content"`
			Importance *float64 `json:"importance"`
		}
		if err := json.Unmarshal(args, &payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal arguments: %w", err)
		}
		if payload.Key == "" || payload.Content == "" {
			return nil, fmt.Errorf("remember_fact requires both key and content")
		}

		importance := defaultFactImportance
		if payload.Importance != nil {
			importance = *payload.Importance
		}

		// A key names one fact. Re-remembering replaces the old value.
		existing, err := store.FactIDsByKey(ctx, agentID, payload.Key)
		if err != nil {
			return nil, err
		}
		if len(existing) > 0 {
			if err := store.Delete(ctx, agentID, existing); err != nil {
				return nil, fmt.Errorf("failed to replace fact %q: %w", payload.Key, err)
			}
		}

		item := &memory.Item{
			AgentID:    agentID,
			Kind:       memory.KindFact,
			Content:    payload.Content,
			Importance: importance,
			Metadata:   map[string]interface{}{"key": payload.Key},
		}
		id, err := store.Write(ctx, item)
		if err != nil {
			return nil, fmt.Errorf("failed to store fact: %w", err)
		}
		if index != nil {
			if err := index.Add(ctx, item); err != nil {
				r.logger.Warn().Err(err).Int64("id", id).Msg("Failed to index fact")
			}
		}

		return map[string]any{
			"id":       id,
			"key":      payload.Key,
			"replaced": len(existing) > 0,
		}, nil
	})

	r.Register(specByName(specs, "search_memory"), func(ctx context.Context, agentID string, args json.RawMessage) (any, error) {
		var payload struct {
			Query string `json:"query"`
			Limit int    `json:"limit"`
		}
		if err := json.Unmarshal(args, &payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal arguments: %w", err)
		}
		if payload.Limit <= 0 {
			payload.Limit = 5
		}

		results := make([]map[string]any, 0, payload.Limit)
		seen := make(map[int64]bool)

		if index != nil {
			hits, err := index.Search(ctx, agentID, payload.Query, payload.Limit)
			if err != nil {
				r.logger.Warn().Err(err).Msg("Semantic search failed, falling back to keyword search")
			}
			for _, hit := range hits {
				item, err := store.Read(ctx, hit.ID)
				if err != nil {
					continue
				}
				seen[item.ID] = true
				results = append(results, searchHit(item, hit.Score))
			}
		}

		if len(results) < payload.Limit {
			keyword, err := store.SearchKeyword(ctx, agentID, payload.Query, payload.Limit)
			if err != nil {
				if len(results) == 0 {
					return nil, fmt.Errorf("memory search failed: %w", err)
				}
			}
			for _, res := range keyword {
				if seen[res.Item.ID] || len(results) >= payload.Limit {
					continue
				}
				results = append(results, searchHit(res.Item, res.Score))
			}
		}

		return map[string]any{
			"query":   payload.Query,
			"results": results,
		}, nil
	})
}

func searchHit(item *memory.Item, score float64) map[string]any {
	return map[string]any{
		"id":         item.ID,
		"kind":       string(item.Kind),
		"content":    item.Content,
		"importance": item.Importance,
		"score":      score,
		"created_at": item.CreatedAt,
	}
}

