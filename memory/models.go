package memory

import "time"

// Kind describes what a memory item records.
type Kind string

const (
	KindObservation Kind = "observation"
	KindInteraction Kind = "interaction"
	KindReflection  Kind = "reflection"
	KindToolResult  Kind = "tool_result"
	KindFact        Kind = "fact"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindObservation, KindInteraction, KindReflection, KindToolResult, KindFact:
		return true
	}
	return false
}

// Item is a single unit of agent memory. Items are immutable once written
// except for importance, which decays over time.
type Item struct {
	ID         int64                  `json:"id"`
	AgentID    string                 `json:"agent_id"`
	Kind       Kind                   `json:"kind"`
	Content    string                 `json:"content"`
	Importance float64                `json:"importance"`
	Embedding  []float32              `json:"embedding,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// Filter narrows a Query call.
type Filter struct {
	Kinds         []Kind
	MinImportance float64
	MaxAge        time.Duration // zero means unbounded
	HighValueOnly bool          // applies the store's configured importance floor and max age
	Limit         int
}

// SearchResult pairs an item with a relevance score.
type SearchResult struct {
	Item  *Item
	Score float64
}
