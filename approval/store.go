package approval

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// Store persists approval records. The gate serializes decisions itself;
// stores only need to be safe for concurrent reads and writes.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	Update(ctx context.Context, rec *Record) error
	// ListPending returns pending records, oldest first. Empty agentID
	// means all agents.
	ListPending(ctx context.Context, agentID string) ([]*Record, error)
}

// SQLStore keeps approval records in the daemon's SQLite database so pending
// requests survive restarts.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Create(ctx context.Context, rec *Record) error {
	query := sq.Insert("approvals").
		Columns("id", "agent_id", "tool_name", "args", "status", "reason",
			"decided_by", "created_at", "decided_at").
		Values(rec.ID, rec.AgentID, rec.ToolName, []byte(rec.Args), string(rec.Status),
			rec.Reason, rec.DecidedBy, rec.CreatedAt.Unix(), nil)

	queryStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, queryStr, args...)
	return err
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Record, error) {
	query := sq.Select("id", "agent_id", "tool_name", "args", "status", "reason",
		"decided_by", "created_at", "decided_at").
		From("approvals").
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
		return nil, fmt.Errorf("id %s: %w", id, ErrNotFound)
	}
	return scanRecord(rows)
}

func (s *SQLStore) Update(ctx context.Context, rec *Record) error {
	var decidedAt interface{}
	if !rec.DecidedAt.IsZero() {
		decidedAt = rec.DecidedAt.Unix()
	}

	query := sq.Update("approvals").
		Set("status", string(rec.Status)).
		Set("reason", rec.Reason).
		Set("decided_by", rec.DecidedBy).
		Set("decided_at", decidedAt).
		Where(sq.Eq{"id": rec.ID})

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
		return fmt.Errorf("id %s: %w", rec.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLStore) ListPending(ctx context.Context, agentID string) ([]*Record, error) {
	conditions := []sq.Sqlizer{sq.Eq{"status": string(StatusPending)}}
	if agentID != "" {
		conditions = append(conditions, sq.Eq{"agent_id": agentID})
	}

	query := sq.Select("id", "agent_id", "tool_name", "args", "status", "reason",
		"decided_by", "created_at", "decided_at").
		From("approvals").
		Where(sq.And(conditions)).
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

	var recs []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func scanRecord(rows *sql.Rows) (*Record, error) {
	var (
		rec       Record
		status    string
		args      []byte
		createdAt int64
		decidedAt sql.NullInt64
	)
	if err := rows.Scan(&rec.ID, &rec.AgentID, &rec.ToolName, &args, &status,
		&rec.Reason, &rec.DecidedBy, &createdAt, &decidedAt); err != nil {
		return nil, err
	}
	rec.Args = args
	rec.Status = Status(status)
	rec.CreatedAt = time.Unix(createdAt, 0)
	if decidedAt.Valid {
		rec.DecidedAt = time.Unix(decidedAt.Int64, 0)
	}
	return &rec, nil
}

// MemoryStore is a thread-safe in-memory Store for tests and single-shot
// runs that do not need durability.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (s *MemoryStore) Create(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *rec
	s.records[rec.ID] = &clone
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("id %s: %w", id, ErrNotFound)
	}
	clone := *rec
	return &clone, nil
}

func (s *MemoryStore) Update(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; !ok {
		return fmt.Errorf("id %s: %w", rec.ID, ErrNotFound)
	}
	clone := *rec
	s.records[rec.ID] = &clone
	return nil
}

func (s *MemoryStore) ListPending(ctx context.Context, agentID string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var recs []*Record
	for _, rec := range s.records {
		if rec.Status != StatusPending {
			continue
		}
		if agentID != "" && rec.AgentID != agentID {
			continue
		}
		clone := *rec
		recs = append(recs, &clone)
	}
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
	return recs, nil
}
