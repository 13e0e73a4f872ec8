package approval

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of an approval record. Pending is the only
// state a decision can move out of; every other state is terminal.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusExpired
}

// Record is one approval request for a sensitive tool call. Args holds the
// exact argument bytes the model produced; the gate never rewrites them.
type Record struct {
	ID        string          `json:"id"`
	AgentID   string          `json:"agent_id"`
	ToolName  string          `json:"tool_name"`
	Args      json.RawMessage `json:"args"`
	Status    Status          `json:"status"`
	Reason    string          `json:"reason,omitempty"`
	DecidedBy string          `json:"decided_by,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	DecidedAt time.Time       `json:"decided_at,omitempty"`
}

// ErrNotFound is returned when an approval id does not exist.
var ErrNotFound = errors.New("approval not found")

// AlreadyDecidedError is returned when a decision arrives for a record that
// has already reached a different terminal state. The original outcome is
// preserved; the late decision is discarded.
type AlreadyDecidedError struct {
	ID     string
	Status Status
}

func (e *AlreadyDecidedError) Error() string {
	return fmt.Sprintf("approval %s already %s", e.ID, e.Status)
}
