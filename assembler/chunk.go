package assembler

import (
	"sort"
	"strings"
	"time"
)

// Chunk sources, in descending default priority.
const (
	SourceMessage  = "message"  // the incoming user message
	SourceSession  = "session"  // recent conversation tail
	SourceFact     = "fact"     // high-importance fact memories
	SourceSemantic = "semantic" // vector index results
)

// Default priorities per source. Transform rules may only raise these.
const (
	priorityMessage  = 100
	prioritySession  = 50
	priorityFact     = 30
	prioritySemantic = 20
)

// Chunk is one candidate piece of context. Ref identifies the backing row
// ("memory:42", "session:17") and lands in the manifest when packed.
type Chunk struct {
	Source     string
	Ref        string
	Text       string
	Priority   int
	Importance float64
	CreatedAt  time.Time

	// Compressed marks a chunk whose text was summarized to fit the budget.
	Compressed bool
}

// Tokens estimates the token cost of the chunk at roughly four characters
// per token. A cheap proxy, but consistent, which is what packing needs.
func (c *Chunk) Tokens() int {
	return estimateTokens(c.Text)
}

func estimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// rankChunks orders candidates for packing: priority, then importance, then
// recency. The sort is stable so equal chunks keep retrieval order.
func rankChunks(chunks []*Chunk) {
	sort.SliceStable(chunks, func(i, j int) bool {
		if chunks[i].Priority != chunks[j].Priority {
			return chunks[i].Priority > chunks[j].Priority
		}
		if chunks[i].Importance != chunks[j].Importance {
			return chunks[i].Importance > chunks[j].Importance
		}
		return chunks[i].CreatedAt.After(chunks[j].CreatedAt)
	})
}

// sortChronological orders session chunks oldest first for the prompt.
func sortChronological(chunks []*Chunk) {
	sort.SliceStable(chunks, func(i, j int) bool {
		return chunks[i].CreatedAt.Before(chunks[j].CreatedAt)
	})
}

// dedupeChunks drops duplicate refs and chunks whose text is wholly
// contained in another candidate.
func dedupeChunks(chunks []*Chunk) []*Chunk {
	seen := make(map[string]*Chunk, len(chunks))
	var out []*Chunk
	for _, c := range chunks {
		if c.Ref != "" {
			if prev, ok := seen[c.Ref]; ok {
				// Same backing row surfaced from two sources; keep the
				// higher-priority copy.
				if c.Priority > prev.Priority {
					prev.Priority = c.Priority
				}
				continue
			}
			seen[c.Ref] = c
		}
		out = append(out, c)
	}

	var merged []*Chunk
	for i, c := range out {
		contained := false
		for j, other := range out {
			if i == j || len(c.Text) >= len(other.Text) {
				continue
			}
			if strings.Contains(other.Text, c.Text) {
				contained = true
				break
			}
		}
		if !contained {
			merged = append(merged, c)
		}
	}
	return merged
}
