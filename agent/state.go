package agent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/rs/zerolog"
)

// State represents the current state of an agent
type State string

const (
	StateIdle            State = "idle"
	StateRunning         State = "running"
	StateWaitingApproval State = "waiting_approval"
)

var validStates = []State{StateIdle, StateRunning, StateWaitingApproval}

// StateManager manages agent state persistence
type StateManager struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewStateManager creates a new StateManager
func NewStateManager(db *sql.DB, logger zerolog.Logger) *StateManager {
	return &StateManager{db: db, logger: logger.With().Str("component", "state_manager").Logger()}
}

// GetState retrieves the current state of an agent. Agents without a
// persisted row report idle.
func (sm *StateManager) GetState(ctx context.Context, agentID string) (State, error) {
	query := sq.Select("state").
		From("agent_states").
		Where(sq.Eq{"agent_id": agentID})

	queryStr, args, err := query.ToSql()
	if err != nil {
		return "", fmt.Errorf("build query: %w", err)
	}

	var stateStr string
	err = sm.db.QueryRowContext(ctx, queryStr, args...).Scan(&stateStr)
	if errors.Is(err, sql.ErrNoRows) {
		return StateIdle, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get agent state: %w", err)
	}
	return State(stateStr), nil
}

// SetState updates the state of an agent
func (sm *StateManager) SetState(ctx context.Context, agentID string, state State) error {
	valid := false
	for _, vs := range validStates {
		if state == vs {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid state: %s", state)
	}

	query := sq.Insert("agent_states").
		Columns("agent_id", "state", "updated_at").
		Values(agentID, string(state), time.Now().Unix()).
		Suffix("ON CONFLICT(agent_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at")

	queryStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}

	if _, err := sm.db.ExecContext(ctx, queryStr, args...); err != nil {
		sm.logger.Error().
			Err(err).
			Str("agent_id", agentID).
			Str("state", string(state)).
			Msg("Failed to set agent state")
		return fmt.Errorf("failed to set agent state: %w", err)
	}

	sm.logger.Debug().
		Str("agent_id", agentID).
		Str("state", string(state)).
		Msg("Agent state updated")
	return nil
}

// Activate ensures the agent has a persisted state row. Already-active
// agents are untouched, so activation is idempotent.
func (sm *StateManager) Activate(ctx context.Context, agentID string) error {
	query := sq.Insert("agent_states").
		Columns("agent_id", "state", "updated_at").
		Values(agentID, string(StateIdle), time.Now().Unix()).
		Suffix("ON CONFLICT(agent_id) DO NOTHING")

	queryStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if _, err := sm.db.ExecContext(ctx, queryStr, args...); err != nil {
		return fmt.Errorf("failed to activate agent: %w", err)
	}
	return nil
}

// GetAllStates retrieves all agent states
func (sm *StateManager) GetAllStates(ctx context.Context) (map[string]State, error) {
	query := sq.Select("agent_id", "state").From("agent_states")

	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := sm.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query agent states: %w", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	states := make(map[string]State)
	for rows.Next() {
		var agentID, stateStr string
		if err := rows.Scan(&agentID, &stateStr); err != nil {
			return nil, fmt.Errorf("failed to scan agent state: %w", err)
		}
		states[agentID] = State(stateStr)
	}
	return states, rows.Err()
}
