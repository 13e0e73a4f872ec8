package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// SearchKeyword runs a full-text query over an agent's memory content and
// returns matches ranked by FTS relevance. The query is sanitized into a
// plain token match so user input cannot inject FTS operators. Without the
// FTS5 module the search degrades to substring matching.
func (s *Store) SearchKeyword(ctx context.Context, agentID, query string, limit int) ([]*SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}
	if !s.ftsEnabled {
		return s.searchKeywordLike(ctx, agentID, query, limit)
	}
	ftsQuery := sanitizeFTSQuery(query)
	if ftsQuery == "" {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT m.id, m.agent_id, m.kind, m.content, m.embedding, m.metadata,
       m.importance, m.created_at, m.updated_at, bm25(memory_items_fts) AS rank
FROM memory_items_fts f
JOIN memory_items m ON m.id = f.rowid
WHERE memory_items_fts MATCH ? AND m.agent_id = ?
ORDER BY rank
LIMIT ?
`, ftsQuery, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("fts query: %w", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var results []*SearchResult
	for rows.Next() {
		item, rank, err := loadItemWithRank(rows)
		if err != nil {
			return nil, err
		}
		// bm25 ranks are negative, smaller is better. Flip so callers see
		// higher-is-better like the vector scores.
		results = append(results, &SearchResult{Item: item, Score: -rank})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.logger.Debug().
		Str("method", "SearchKeyword").
		Str("agent_id", agentID).
		Str("query", ftsQuery).
		Int("results", len(results)).
		Msg("Keyword search completed")
	return results, nil
}

// searchKeywordLike is the FTS5-less fallback: items matching any query
// token as a substring, scored by how many tokens they contain.
func (s *Store) searchKeywordLike(ctx context.Context, agentID, query string, limit int) ([]*SearchResult, error) {
	tokens := strings.Fields(strings.ToLower(query))
	if len(tokens) == 0 {
		return nil, nil
	}

	clauses := make([]string, len(tokens))
	args := []interface{}{agentID}
	for i, tok := range tokens {
		tok = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(tok)
		clauses[i] = `lower(m.content) LIKE ? ESCAPE '\'`
		args = append(args, "%"+tok+"%")
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
SELECT m.id, m.agent_id, m.kind, m.content, m.embedding, m.metadata,
       m.importance, m.created_at, m.updated_at, 0 AS rank
FROM memory_items m
WHERE m.agent_id = ? AND (%s)
ORDER BY m.updated_at DESC
LIMIT ?
`, strings.Join(clauses, " OR ")), args...)
	if err != nil {
		return nil, fmt.Errorf("like query: %w", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var results []*SearchResult
	for rows.Next() {
		item, _, err := loadItemWithRank(rows)
		if err != nil {
			return nil, err
		}
		score := 0.0
		lowered := strings.ToLower(item.Content)
		for _, tok := range tokens {
			if strings.Contains(lowered, tok) {
				score++
			}
		}
		results = append(results, &SearchResult{Item: item, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sortResultsByScore(results)
	if len(results) > limit {
		results = results[:limit]
	}

	s.logger.Debug().
		Str("method", "SearchKeyword").
		Str("agent_id", agentID).
		Int("results", len(results)).
		Msg("Substring search completed")
	return results, nil
}

func sortResultsByScore(results []*SearchResult) {
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
}

func loadItemWithRank(rows *sql.Rows) (*Item, float64, error) {
	var (
		id         int64
		agentID    string
		kindStr    string
		content    string
		embBlob    []byte
		metaJSON   sql.NullString
		importance float64
		createdAt  int64
		updatedAt  int64
		rank       float64
	)
	if err := rows.Scan(&id, &agentID, &kindStr, &content, &embBlob,
		&metaJSON, &importance, &createdAt, &updatedAt, &rank); err != nil {
		return nil, 0, err
	}

	vec, err := DecodeEmbedding(embBlob)
	if err != nil {
		return nil, 0, err
	}

	var meta map[string]interface{}
	if metaJSON.Valid && metaJSON.String != "" {
		_ = json.Unmarshal([]byte(metaJSON.String), &meta)
	}

	return &Item{
		ID:         id,
		AgentID:    agentID,
		Kind:       Kind(kindStr),
		Content:    content,
		Embedding:  vec,
		Metadata:   meta,
		Importance: importance,
		CreatedAt:  time.Unix(createdAt, 0),
		UpdatedAt:  time.Unix(updatedAt, 0),
	}, rank, nil
}

// sanitizeFTSQuery quotes each token so FTS treats everything as a literal
// term match rather than query syntax.
func sanitizeFTSQuery(query string) string {
	fields := strings.Fields(query)
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, "")
		if f == "" {
			continue
		}
		quoted = append(quoted, `"`+f+`"`)
	}
	return strings.Join(quoted, " ")
}
