package conversations

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// Message roles. System rows are internal markers and are excluded from
// reads unless asked for.
const (
	RoleUser      = "user"
	RoleAgent     = "agent"
	RoleTool      = "tool"
	RoleSystem    = "system"
)

// Message is one entry in an agent's conversation log.
type Message struct {
	ID        int64     `json:"id"`
	AgentID   string    `json:"agent_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	ToolName  string    `json:"tool_name,omitempty"`
	ToolID    string    `json:"tool_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store handles persistence of conversation messages.
// Appends preserve arrival order; reads return chronological order.
type Store struct {
	db *sql.DB
}

// NewStore creates a conversation store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) append(ctx context.Context, agentID, role, content string, toolName, toolID *string, dedupe bool) error {
	now := time.Now().Unix()
	query := sq.Insert("conversations").
		Columns("agent_id", "role", "content", "tool_name", "tool_id", "created_at").
		Values(agentID, role, content, toolName, toolID, now)

	queryStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if dedupe {
		// SQLite wants "OR IGNORE" inside the INSERT keyword. The unique
		// index on (agent_id, tool_id, role) makes replayed tool rows no-ops.
		queryStr = strings.Replace(queryStr, "INSERT INTO", "INSERT OR IGNORE INTO", 1)
	}

	_, err = s.db.ExecContext(ctx, queryStr, args...)
	return err
}

// AppendUserMessage saves a user text message to the conversation history.
func (s *Store) AppendUserMessage(ctx context.Context, agentID, content string) error {
	return s.append(ctx, agentID, RoleUser, content, nil, nil, false)
}

// AppendAgentMessage saves an agent text message to the conversation history.
func (s *Store) AppendAgentMessage(ctx context.Context, agentID, content string) error {
	return s.append(ctx, agentID, RoleAgent, content, nil, nil, false)
}

// AppendToolCall saves an agent tool-use message. The content is the
// exact argument payload the model produced, stored verbatim so replays and
// audits see what the model actually asked for.
func (s *Store) AppendToolCall(ctx context.Context, agentID, toolID, toolName string, args json.RawMessage) error {
	payload := map[string]interface{}{
		"tool_call": toolName,
		"args":      args,
	}
	contentJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal tool call: %w", err)
	}
	return s.append(ctx, agentID, RoleAgent, string(contentJSON), &toolName, &toolID, true)
}

// AppendToolResult saves a tool result message tied to a prior tool call.
func (s *Store) AppendToolResult(ctx context.Context, agentID, toolID, toolName string, result any, isError bool) error {
	var resultStr string
	if resultBytes, err := json.Marshal(result); err == nil {
		resultStr = string(resultBytes)
	} else {
		resultStr = fmt.Sprintf("%v", result)
	}

	payload := map[string]interface{}{
		"id":       toolID,
		"result":   resultStr,
		"is_error": isError,
	}
	contentJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal tool result: %w", err)
	}
	return s.append(ctx, agentID, RoleTool, string(contentJSON), &toolName, &toolID, true)
}

// AppendSystemMarker saves an internal system row, such as an approval
// expiry note. System rows never surface in default reads.
func (s *Store) AppendSystemMarker(ctx context.Context, agentID, content string) error {
	return s.append(ctx, agentID, RoleSystem, content, nil, nil, false)
}

// History returns the full conversation for an agent in chronological order.
// System rows are omitted unless includeSystem is set.
func (s *Store) History(ctx context.Context, agentID string, includeSystem bool) ([]*Message, error) {
	conditions := []sq.Sqlizer{sq.Eq{"agent_id": agentID}}
	if !includeSystem {
		conditions = append(conditions, sq.NotEq{"role": RoleSystem})
	}

	query := sq.Select("id", "agent_id", "role", "content", "tool_name", "tool_id", "created_at").
		From("conversations").
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

	return scanMessages(rows)
}

// Filter returns the agent's non-system messages matching pred, in
// chronological order.
func (s *Store) Filter(ctx context.Context, agentID string, pred func(*Message) bool) ([]*Message, error) {
	messages, err := s.History(ctx, agentID, false)
	if err != nil {
		return nil, err
	}
	var matched []*Message
	for _, m := range messages {
		if pred(m) {
			matched = append(matched, m)
		}
	}
	return matched, nil
}

// Tail returns the most recent n non-system messages in chronological order.
func (s *Store) Tail(ctx context.Context, agentID string, n int) ([]*Message, error) {
	if n <= 0 {
		return nil, nil
	}

	query := sq.Select("id", "agent_id", "role", "content", "tool_name", "tool_id", "created_at").
		From("conversations").
		Where(sq.And{sq.Eq{"agent_id": agentID}, sq.NotEq{"role": RoleSystem}}).
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(n)) //nolint:gosec // n checked above

	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	// Flip back to chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func scanMessages(rows *sql.Rows) ([]*Message, error) {
	var msgs []*Message
	for rows.Next() {
		var (
			m         Message
			toolName  sql.NullString
			toolID    sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&m.ID, &m.AgentID, &m.Role, &m.Content, &toolName, &toolID, &createdAt); err != nil {
			return nil, err
		}
		m.ToolName = toolName.String
		m.ToolID = toolID.String
		m.CreatedAt = time.Unix(createdAt, 0)
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return msgs, nil
}
