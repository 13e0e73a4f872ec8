// Package assembler builds the token-bounded context handed to the model on
// each turn. Candidates come from the conversation tail, the vector index,
// and standing facts; transform rules and a greedy packer decide what fits.
package assembler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentdesk/agentd/conversations"
	"github.com/agentdesk/agentd/memory"
)

// Budget bounds one assembly. Output never exceeds
// MaxTokens - ReservedForResponse.
type Budget struct {
	MaxTokens           int
	ReservedForResponse int
}

func (b Budget) available() int {
	avail := b.MaxTokens - b.ReservedForResponse
	if avail < 0 {
		return 0
	}
	return avail
}

// AssembledContext is the packed result: ordered chunks, the manifest of
// source refs that made the cut, and the total token estimate.
type AssembledContext struct {
	Chunks        []*Chunk
	Manifest      []string
	TokenEstimate int
}

// PromptText renders the packed chunks as a single prompt block.
func (a *AssembledContext) PromptText() string {
	parts := make([]string, 0, len(a.Chunks))
	for _, c := range a.Chunks {
		parts = append(parts, c.Text)
	}
	return strings.Join(parts, "\n\n")
}

// MemorySource is the slice of the memory store the assembler reads.
type MemorySource interface {
	Query(ctx context.Context, agentID string, f memory.Filter) ([]*memory.Item, error)
	Read(ctx context.Context, id int64) (*memory.Item, error)
}

// VectorSource is semantic retrieval over indexed memories.
type VectorSource interface {
	Search(ctx context.Context, agentID, query string, k int) ([]memory.IndexHit, error)
}

// SessionSource provides the recent conversation tail.
type SessionSource interface {
	Tail(ctx context.Context, agentID string, n int) ([]*conversations.Message, error)
}

// Summarizer compresses a chunk's text. Optional; without one the assembler
// falls back to extractive truncation.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// Options tune retrieval breadth.
type Options struct {
	RecentMessages    int     // session tail length
	TopK              int     // vector index results
	FactImportanceMin float64 // floor for standing facts
}

// Assembler builds contexts for one daemon. Safe for concurrent use.
type Assembler struct {
	store      MemorySource
	index      VectorSource
	sessions   SessionSource
	summarizer Summarizer
	rules      []Rule
	opts       Options
	logger     zerolog.Logger
}

// New creates an Assembler. index and summarizer may be nil; retrieval
// degrades gracefully without them.
func New(store MemorySource, index VectorSource, sessions SessionSource, opts Options, logger zerolog.Logger) *Assembler {
	if opts.RecentMessages <= 0 {
		opts.RecentMessages = 6
	}
	if opts.TopK <= 0 {
		opts.TopK = 8
	}
	if opts.FactImportanceMin <= 0 {
		opts.FactImportanceMin = 0.7
	}
	return &Assembler{
		store:    store,
		index:    index,
		sessions: sessions,
		rules:    DefaultRules(),
		opts:     opts,
		logger:   logger.With().Str("component", "assembler").Logger(),
	}
}

// SetSummarizer installs a compression backend.
func (a *Assembler) SetSummarizer(s Summarizer) {
	a.summarizer = s
}

// SetRules replaces the default transform rules.
func (a *Assembler) SetRules(rules []Rule) {
	a.rules = rules
}

// Build assembles context for one turn. Retrieval failures degrade to
// whatever sources answered; with nothing retrieved the result is the
// current message plus session tail. Build never fails on empty memory.
func (a *Assembler) Build(ctx context.Context, agentID, message string, budget Budget) (*AssembledContext, error) {
	now := time.Now()
	candidates := []*Chunk{{
		Source:    SourceMessage,
		Text:      message,
		Priority:  priorityMessage,
		CreatedAt: now,
	}}

	candidates = append(candidates, a.sessionChunks(ctx, agentID)...)
	candidates = append(candidates, a.semanticChunks(ctx, agentID, message)...)
	candidates = append(candidates, a.factChunks(ctx, agentID)...)

	candidates = dedupeChunks(candidates)
	applyRules(a.rules, candidates)
	rankChunks(candidates)

	packed, dropped := a.pack(candidates, budget.available())
	if len(dropped) > 0 {
		packed = a.compress(ctx, packed, dropped, budget.available())
	}

	result := a.finalize(packed)
	a.logger.Debug().
		Str("agent_id", agentID).
		Int("candidates", len(candidates)).
		Int("packed", len(result.Chunks)).
		Int("tokens", result.TokenEstimate).
		Msg("Context assembled")
	return result, nil
}

func (a *Assembler) sessionChunks(ctx context.Context, agentID string) []*Chunk {
	msgs, err := a.sessions.Tail(ctx, agentID, a.opts.RecentMessages)
	if err != nil {
		a.logger.Warn().Err(err).Str("agent_id", agentID).Msg("Session tail unavailable")
		return nil
	}
	chunks := make([]*Chunk, 0, len(msgs))
	for _, m := range msgs {
		chunks = append(chunks, &Chunk{
			Source:    SourceSession,
			Ref:       "session:" + strconv.FormatInt(m.ID, 10),
			Text:      fmt.Sprintf("%s: %s", m.Role, m.Content),
			Priority:  prioritySession,
			CreatedAt: m.CreatedAt,
		})
	}
	return chunks
}

func (a *Assembler) semanticChunks(ctx context.Context, agentID, message string) []*Chunk {
	if a.index == nil {
		return nil
	}
	hits, err := a.index.Search(ctx, agentID, message, a.opts.TopK)
	if err != nil {
		a.logger.Warn().Err(err).Str("agent_id", agentID).Msg("Semantic retrieval unavailable")
		return nil
	}
	var chunks []*Chunk
	for _, hit := range hits {
		item, err := a.store.Read(ctx, hit.ID)
		if err != nil {
			// Index briefly ahead of store during eviction; skip.
			continue
		}
		chunks = append(chunks, &Chunk{
			Source:     SourceSemantic,
			Ref:        "memory:" + strconv.FormatInt(item.ID, 10),
			Text:       item.Content,
			Priority:   prioritySemantic,
			Importance: item.Importance,
			CreatedAt:  item.CreatedAt,
		})
	}
	return chunks
}

func (a *Assembler) factChunks(ctx context.Context, agentID string) []*Chunk {
	facts, err := a.store.Query(ctx, agentID, memory.Filter{
		Kinds:         []memory.Kind{memory.KindFact},
		MinImportance: a.opts.FactImportanceMin,
	})
	if err != nil {
		a.logger.Warn().Err(err).Str("agent_id", agentID).Msg("Fact retrieval unavailable")
		return nil
	}
	chunks := make([]*Chunk, 0, len(facts))
	for _, item := range facts {
		chunks = append(chunks, &Chunk{
			Source:     SourceFact,
			Ref:        "memory:" + strconv.FormatInt(item.ID, 10),
			Text:       item.Content,
			Priority:   priorityFact,
			Importance: item.Importance,
			CreatedAt:  item.CreatedAt,
		})
	}
	return chunks
}

// pack greedily admits ranked chunks whole until the next one would not fit.
// The incoming message is always first in rank order; if even it exceeds the
// budget it is truncated rather than dropped.
func (a *Assembler) pack(ranked []*Chunk, available int) (packed, dropped []*Chunk) {
	used := 0
	for _, c := range ranked {
		cost := c.Tokens()
		if used+cost <= available {
			packed = append(packed, c)
			used += cost
			continue
		}
		if c.Source == SourceMessage && len(packed) == 0 {
			clone := *c
			clone.Text = truncateToTokens(c.Text, available)
			packed = append(packed, &clone)
			used += clone.Tokens()
			continue
		}
		dropped = append(dropped, c)
	}
	return packed, dropped
}

// compress tries to rescue dropped chunks by summarizing them, lowest
// priority last so the most useful text gets budget first. The top-ranked
// chunk is already packed and is never compressed.
func (a *Assembler) compress(ctx context.Context, packed, dropped []*Chunk, available int) []*Chunk {
	used := 0
	for _, c := range packed {
		used += c.Tokens()
	}

	for _, c := range dropped {
		remaining := available - used
		if remaining <= 0 {
			break
		}
		text := a.compressText(ctx, c.Text, remaining)
		if text == "" || estimateTokens(text) > remaining {
			continue
		}
		clone := *c
		clone.Text = text
		clone.Compressed = true
		packed = append(packed, &clone)
		used += clone.Tokens()
	}
	return packed
}

func (a *Assembler) compressText(ctx context.Context, text string, maxTokens int) string {
	if a.summarizer != nil {
		summary, err := a.summarizer.Summarize(ctx, text)
		if err == nil && summary != "" && estimateTokens(summary) <= maxTokens {
			return summary
		}
		if err != nil {
			a.logger.Warn().Err(err).Msg("Summarizer failed. Falling back to extraction.")
		}
	}
	return extractLead(text, maxTokens)
}

// finalize orders packed chunks for the prompt: memory context by rank,
// session tail chronologically, current message last.
func (a *Assembler) finalize(packed []*Chunk) *AssembledContext {
	var memoryChunks, sessionChunks []*Chunk
	var messageChunk *Chunk
	for _, c := range packed {
		switch c.Source {
		case SourceMessage:
			messageChunk = c
		case SourceSession:
			sessionChunks = append(sessionChunks, c)
		default:
			memoryChunks = append(memoryChunks, c)
		}
	}

	rankChunks(memoryChunks)
	sortChronological(sessionChunks)

	ordered := make([]*Chunk, 0, len(packed))
	ordered = append(ordered, memoryChunks...)
	ordered = append(ordered, sessionChunks...)
	if messageChunk != nil {
		ordered = append(ordered, messageChunk)
	}

	result := &AssembledContext{Chunks: ordered}
	for _, c := range ordered {
		result.TokenEstimate += c.Tokens()
		if c.Ref != "" {
			result.Manifest = append(result.Manifest, c.Ref)
		}
	}
	return result
}

// extractLead keeps leading sentences within the token allowance.
func extractLead(text string, maxTokens int) string {
	maxChars := maxTokens * 4
	if len(text) <= maxChars {
		return text
	}

	sentences := strings.SplitAfter(text, ". ")
	var b strings.Builder
	for _, s := range sentences {
		if b.Len()+len(s) > maxChars {
			break
		}
		b.WriteString(s)
	}
	if b.Len() == 0 {
		return strings.TrimSpace(text[:maxChars])
	}
	return strings.TrimSpace(b.String())
}

func truncateToTokens(text string, maxTokens int) string {
	maxChars := maxTokens * 4
	if len(text) <= maxChars {
		return text
	}
	return text[:maxChars]
}
