package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// ErrNotFound is returned when a memory item id does not exist.
var ErrNotFound = errors.New("memory item not found")

// EvictFunc is notified synchronously when items are evicted, before Write or
// the eviction sweep returns. The vector index uses this to drop its entries
// so nothing dangles.
type EvictFunc func(agentID string, ids []int64)

// StoreOptions control retention and decay behavior.
type StoreOptions struct {
	CeilingPerAgent int           // Max items per agent; 0 disables eviction
	DecayFactor     float64       // Importance multiplier per decay pass
	DecayFloor      float64       // Importance never decays below this
	RecencyHalfLife time.Duration // Half-life for the eviction recency weight
	HighValueMin    float64       // Importance floor for HighValueOnly queries
	HighValueMaxAge time.Duration // Age ceiling for HighValueOnly queries
}

// Store manages durable memory persistence for all agents.
// Reads are safe for concurrent use; writes are serialized per agent.
type Store struct {
	db       *sql.DB
	embedder Embedder
	opts     StoreOptions
	onEvict  EvictFunc
	logger   zerolog.Logger

	// ftsEnabled is false when the sqlite build lacks the FTS5 module
	// (mattn/go-sqlite3 needs the sqlite_fts5 build tag). Keyword search
	// then degrades to substring matching.
	ftsEnabled bool

	mu         sync.Mutex
	agentLocks map[string]*sync.Mutex
}

// NewStore creates and returns a Store.
func NewStore(db *sql.DB, embedder Embedder, opts StoreOptions, logger zerolog.Logger) *Store {
	logger = logger.With().Str("component", "memory_store").Logger()
	if opts.DecayFactor <= 0 || opts.DecayFactor >= 1 {
		opts.DecayFactor = 0.98
	}
	if opts.RecencyHalfLife <= 0 {
		opts.RecencyHalfLife = 7 * 24 * time.Hour
	}
	if opts.HighValueMin <= 0 {
		opts.HighValueMin = 0.7
	}
	logger.Info().Int("ceiling", opts.CeilingPerAgent).Msg("Initializing memory store")

	ftsEnabled := true
	if _, err := db.Exec(`CREATE VIRTUAL TABLE IF NOT EXISTS memory_items_fts USING fts5(content)`); err != nil {
		ftsEnabled = false
		logger.Warn().Err(err).
			Msg("FTS5 unavailable. Keyword search degrades to substring matching. Build with -tags sqlite_fts5 for ranked full-text search.")
	}

	return &Store{
		db:         db,
		embedder:   embedder,
		opts:       opts,
		logger:     logger,
		ftsEnabled: ftsEnabled,
		agentLocks: make(map[string]*sync.Mutex),
	}
}

// SetOnEvict registers the eviction callback. Must be set before Write traffic.
func (s *Store) SetOnEvict(fn EvictFunc) {
	s.onEvict = fn
}

// lockAgent returns the write lock for agentID, creating it on first use.
func (s *Store) lockAgent(agentID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.agentLocks[agentID]
	if !ok {
		l = &sync.Mutex{}
		s.agentLocks[agentID] = l
	}
	return l
}

func now() int64 { return time.Now().Unix() }

// Write persists a new item, embedding it best-effort, and enforces the
// per-agent ceiling. Returns the assigned id.
func (s *Store) Write(ctx context.Context, item *Item) (int64, error) {
	if item == nil {
		return 0, errors.New("item is nil")
	}
	if strings.TrimSpace(item.Content) == "" {
		s.logger.Warn().Str("method", "Write").Msg("Attempted to write empty content")
		return 0, errors.New("content is empty")
	}
	if item.AgentID == "" {
		return 0, errors.New("agent id is required")
	}
	if !item.Kind.Valid() {
		return 0, fmt.Errorf("invalid memory kind: %q", item.Kind)
	}
	if item.Importance < 0 {
		item.Importance = 0
	}
	if item.Importance > 1 {
		item.Importance = 1
	}

	var metaJSON []byte
	var err error
	if item.Metadata != nil {
		metaJSON, err = json.Marshal(item.Metadata)
		if err != nil {
			return 0, fmt.Errorf("marshal metadata: %w", err)
		}
	}

	if item.Embedding == nil && s.embedder != nil {
		vec, err := s.embedder.Embed(ctx, item.Content)
		if err != nil {
			s.logger.Error().Str("method", "Write").Err(err).
				Msg("Embedding failed. Saving anyway without embedding.")
		} else {
			item.Embedding = vec
		}
	}

	lock := s.lockAgent(item.AgentID)
	lock.Lock()
	defer lock.Unlock()

	nowUnix := now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	query := statementBuilder().
		Insert("memory_items").
		Columns("agent_id", "kind", "content", "embedding", "metadata",
			"importance", "created_at", "updated_at").
		Values(item.AgentID, string(item.Kind), item.Content, EncodeEmbedding(item.Embedding),
			metaJSON, item.Importance, nowUnix, nowUnix)

	queryStr, args, err := query.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build insert query: %w", err)
	}

	res, err := tx.ExecContext(ctx, queryStr, args...)
	if err != nil {
		return 0, fmt.Errorf("insert memory_item: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	if s.ftsEnabled {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO memory_items_fts (rowid, content) VALUES (?, ?)
`, id, item.Content); err != nil {
			return 0, fmt.Errorf("insert fts: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	item.ID = id
	item.CreatedAt = time.Unix(nowUnix, 0)
	item.UpdatedAt = item.CreatedAt

	s.logger.Info().
		Str("method", "Write").
		Str("agent_id", item.AgentID).
		Str("kind", string(item.Kind)).
		Float64("importance", item.Importance).
		Int64("id", id).
		Msg("Memory item written")

	if _, err := s.enforceCeilingLocked(ctx, item.AgentID); err != nil {
		s.logger.Warn().Err(err).Str("agent_id", item.AgentID).Msg("Eviction pass failed after write")
	}

	return id, nil
}

// Read returns the item with the given id, or ErrNotFound.
func (s *Store) Read(ctx context.Context, id int64) (*Item, error) {
	query := statementBuilder().
		Select(selectItemColumns()...).
		From("memory_items").
		Where(sq.Eq{"id": id})

	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("id %d: %w", id, ErrNotFound)
	}
	return loadItemFromRow(rows)
}

// Query returns items for an agent matching the filter, newest first.
func (s *Store) Query(ctx context.Context, agentID string, f Filter) ([]*Item, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	minImportance := f.MinImportance
	maxAge := f.MaxAge
	if f.HighValueOnly {
		if minImportance < s.opts.HighValueMin {
			minImportance = s.opts.HighValueMin
		}
		if maxAge == 0 || maxAge > s.opts.HighValueMaxAge {
			maxAge = s.opts.HighValueMaxAge
		}
	}

	conditions := []sq.Sqlizer{sq.Eq{"agent_id": agentID}}
	if len(f.Kinds) > 0 {
		kinds := lo.Map(f.Kinds, func(k Kind, _ int) string { return string(k) })
		conditions = append(conditions, sq.Eq{"kind": kinds})
	}
	if minImportance > 0 {
		conditions = append(conditions, sq.GtOrEq{"importance": minImportance})
	}
	if maxAge > 0 {
		cutoff := time.Now().Add(-maxAge).Unix()
		conditions = append(conditions, sq.GtOrEq{"created_at": cutoff})
	}

	query := statementBuilder().
		Select(selectItemColumns()...).
		From("memory_items").
		Where(sq.And(conditions)).
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(limit)) //nolint:gosec // limit is bounded above

	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var items []*Item
	for rows.Next() {
		item, err := loadItemFromRow(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

// FactIDsByKey returns the ids of every fact the agent holds under the
// given metadata key, unbounded so key replacement never misses old facts.
func (s *Store) FactIDsByKey(ctx context.Context, agentID, key string) ([]int64, error) {
	query := statementBuilder().
		Select("id").
		From("memory_items").
		Where(sq.And{
			sq.Eq{"agent_id": agentID},
			sq.Eq{"kind": string(KindFact)},
			sq.Expr("json_extract(metadata, '$.key') = ?", key),
		})

	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// EmbeddedItems returns every item for the agent that carries a stored
// embedding, oldest first. Used to rebuild the vector index at startup.
func (s *Store) EmbeddedItems(ctx context.Context, agentID string) ([]*Item, error) {
	query := statementBuilder().
		Select(selectItemColumns()...).
		From("memory_items").
		Where(sq.And{
			sq.Eq{"agent_id": agentID},
			sq.Expr("embedding IS NOT NULL AND length(embedding) > 0"),
		}).
		OrderBy("created_at ASC", "id ASC")

	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var items []*Item
	for rows.Next() {
		item, err := loadItemFromRow(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

// UpdateImportance sets the importance of an existing item. Importance is the
// only mutable field on a written item.
func (s *Store) UpdateImportance(ctx context.Context, id int64, importance float64) error {
	if importance < 0 {
		importance = 0
	}
	if importance > 1 {
		importance = 1
	}

	query := statementBuilder().
		Update("memory_items").
		Set("importance", importance).
		Set("updated_at", now()).
		Where(sq.Eq{"id": id})

	queryStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, queryStr, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("id %d: %w", id, ErrNotFound)
	}
	return nil
}

// DecayImportance applies one multiplicative decay pass to an agent's items.
// Items at importance 1.0 are pinned and never decay. Returns rows touched.
func (s *Store) DecayImportance(ctx context.Context, agentID string) (int64, error) {
	lock := s.lockAgent(agentID)
	lock.Lock()
	defer lock.Unlock()

	res, err := s.db.ExecContext(ctx, `
UPDATE memory_items
SET importance = MAX(?, importance * ?), updated_at = ?
WHERE agent_id = ? AND importance < 1.0
`, s.opts.DecayFloor, s.opts.DecayFactor, now(), agentID)
	if err != nil {
		return 0, fmt.Errorf("decay importance: %w", err)
	}
	touched, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	s.logger.Debug().
		Str("agent_id", agentID).
		Int64("touched", touched).
		Msg("Importance decay applied")
	return touched, nil
}

// EnforceCeiling runs an eviction pass for an agent, removing the lowest
// importance-weighted items until the count is back under the ceiling.
// Returns the evicted ids.
func (s *Store) EnforceCeiling(ctx context.Context, agentID string) ([]int64, error) {
	lock := s.lockAgent(agentID)
	lock.Lock()
	defer lock.Unlock()
	return s.enforceCeilingLocked(ctx, agentID)
}

type evictCandidate struct {
	id         int64
	importance float64
	createdAt  int64
	weight     float64
}

func (s *Store) enforceCeilingLocked(ctx context.Context, agentID string) ([]int64, error) {
	if s.opts.CeilingPerAgent <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, importance, created_at FROM memory_items WHERE agent_id = ?
`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var candidates []evictCandidate
	for rows.Next() {
		var c evictCandidate
		if err := rows.Scan(&c.id, &c.importance, &c.createdAt); err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	over := len(candidates) - s.opts.CeilingPerAgent
	if over <= 0 {
		return nil, nil
	}

	nowUnix := float64(now())
	halfLife := s.opts.RecencyHalfLife.Seconds()
	for i := range candidates {
		age := nowUnix - float64(candidates[i].createdAt)
		if age < 0 {
			age = 0
		}
		candidates[i].weight = candidates[i].importance * math.Exp2(-age/halfLife)
	}

	// Items at importance 1.0 are only eligible once everything else is gone.
	unpinned := lo.Filter(candidates, func(c evictCandidate, _ int) bool { return c.importance < 1.0 })
	pinned := lo.Filter(candidates, func(c evictCandidate, _ int) bool { return c.importance >= 1.0 })

	byWeight := func(cs []evictCandidate) {
		sort.Slice(cs, func(i, j int) bool {
			if cs[i].weight != cs[j].weight {
				return cs[i].weight < cs[j].weight
			}
			return cs[i].createdAt < cs[j].createdAt
		})
	}
	byWeight(unpinned)
	byWeight(pinned)

	victims := make([]int64, 0, over)
	for _, c := range unpinned {
		if len(victims) == over {
			break
		}
		victims = append(victims, c.id)
	}
	for _, c := range pinned {
		if len(victims) == over {
			break
		}
		victims = append(victims, c.id)
	}

	if err := s.deleteItems(ctx, victims); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("agent_id", agentID).
		Int("evicted", len(victims)).
		Int("ceiling", s.opts.CeilingPerAgent).
		Msg("Memory ceiling enforced")

	if s.onEvict != nil {
		s.onEvict(agentID, victims)
	}
	return victims, nil
}

func (s *Store) deleteItems(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	idArgs := lo.Map(ids, func(id int64, _ int) interface{} { return id })

	query := statementBuilder().Delete("memory_items").Where(sq.Eq{"id": idArgs})
	queryStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build delete query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, queryStr, args...); err != nil {
		return fmt.Errorf("delete memory_items: %w", err)
	}

	if s.ftsEnabled {
		ftsQuery := statementBuilder().Delete("memory_items_fts").Where(sq.Eq{"rowid": idArgs})
		ftsStr, ftsArgs, err := ftsQuery.ToSql()
		if err != nil {
			return fmt.Errorf("build fts delete query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, ftsStr, ftsArgs...); err != nil {
			return fmt.Errorf("delete fts rows: %w", err)
		}
	}

	return tx.Commit()
}

// Delete removes items by id and notifies the eviction hook so the
// vector index stays in sync.
func (s *Store) Delete(ctx context.Context, agentID string, ids []int64) error {
	lock := s.lockAgent(agentID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.deleteItems(ctx, ids); err != nil {
		return err
	}
	if s.onEvict != nil {
		s.onEvict(agentID, ids)
	}
	return nil
}

// CountByAgent returns the number of items stored for an agent.
func (s *Store) CountByAgent(ctx context.Context, agentID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memory_items WHERE agent_id = ?`, agentID).Scan(&count)
	return count, err
}

// AgentIDs returns every agent id that has at least one memory item.
// The maintenance scheduler uses this to drive decay and eviction sweeps.
func (s *Store) AgentIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT agent_id FROM memory_items`)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// statementBuilder returns a Squirrel StatementBuilder configured for SQLite.
// SQLite uses '?' as placeholders, which is Squirrel's default.
func statementBuilder() sq.StatementBuilderType {
	return sq.StatementBuilder
}

func selectItemColumns() []string {
	return []string{
		"id", "agent_id", "kind", "content", "embedding",
		"metadata", "importance", "created_at", "updated_at",
	}
}

func loadItemFromRow(rows *sql.Rows) (*Item, error) {
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
	)
	if err := rows.Scan(&id, &agentID, &kindStr, &content, &embBlob,
		&metaJSON, &importance, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	vec, err := DecodeEmbedding(embBlob)
	if err != nil {
		return nil, err
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
	}, nil
}
