package approval

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Gate mediates sensitive tool calls. Execution blocks on the channel
// returned from Request until a decision lands or the request expires.
// Decisions are serialized through the gate so racing approvals cannot both
// win; the first to commit decides the record.
type Gate struct {
	store   Store
	timeout time.Duration
	logger  zerolog.Logger

	mu      sync.Mutex
	waiters map[string]chan Status
}

// NewGate creates a gate over the given store. Pending requests older than
// timeout expire on the next ExpireStale pass.
func NewGate(store Store, timeout time.Duration, logger zerolog.Logger) *Gate {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &Gate{
		store:   store,
		timeout: timeout,
		logger:  logger.With().Str("component", "approval_gate").Logger(),
		waiters: make(map[string]chan Status),
	}
}

// Request files a pending approval for a tool call and returns the record
// plus a channel that receives the final status exactly once.
func (g *Gate) Request(ctx context.Context, agentID, toolName string, args json.RawMessage) (*Record, <-chan Status, error) {
	rec := &Record{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		ToolName:  toolName,
		Args:      args,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}
	if err := g.store.Create(ctx, rec); err != nil {
		return nil, nil, err
	}

	ch := make(chan Status, 1)
	g.mu.Lock()
	g.waiters[rec.ID] = ch
	g.mu.Unlock()

	g.logger.Info().
		Str("approval_id", rec.ID).
		Str("agent_id", agentID).
		Str("tool", toolName).
		Msg("Approval requested")
	return rec, ch, nil
}

// Decide resolves a pending approval. Re-submitting the same decision is a
// no-op that returns the settled record. A conflicting decision, or any
// decision on an expired record, returns AlreadyDecidedError.
func (g *Gate) Decide(ctx context.Context, id string, approve bool, decidedBy, reason string) (*Record, error) {
	target := StatusRejected
	if approve {
		target = StatusApproved
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	rec, err := g.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status == target {
		return rec, nil
	}
	if rec.Status.Terminal() {
		return nil, &AlreadyDecidedError{ID: id, Status: rec.Status}
	}

	rec.Status = target
	rec.DecidedBy = decidedBy
	rec.Reason = reason
	rec.DecidedAt = time.Now()
	if err := g.store.Update(ctx, rec); err != nil {
		return nil, err
	}

	g.notifyLocked(id, target)
	g.logger.Info().
		Str("approval_id", id).
		Str("status", string(target)).
		Str("decided_by", decidedBy).
		Msg("Approval decided")
	return rec, nil
}

// Get returns a record by id.
func (g *Gate) Get(ctx context.Context, id string) (*Record, error) {
	return g.store.Get(ctx, id)
}

// ListPending returns pending approvals, oldest first. Empty agentID lists
// every agent.
func (g *Gate) ListPending(ctx context.Context, agentID string) ([]*Record, error) {
	return g.store.ListPending(ctx, agentID)
}

// ExpireStale expires pending approvals older than the gate timeout and
// releases their waiters. The maintenance scheduler calls this periodically.
func (g *Gate) ExpireStale(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-g.timeout)
	return g.expireWhere(ctx, "", func(rec *Record) bool {
		return rec.CreatedAt.Before(cutoff)
	}, "approval timed out")
}

// ExpireAgent expires every pending approval for one agent. Called when a
// turn tears down so abandoned requests cannot be approved later.
func (g *Gate) ExpireAgent(ctx context.Context, agentID string) (int, error) {
	return g.expireWhere(ctx, agentID, func(*Record) bool { return true }, "turn ended")
}

func (g *Gate) expireWhere(ctx context.Context, agentID string, match func(*Record) bool, reason string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	pending, err := g.store.ListPending(ctx, agentID)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, rec := range pending {
		if !match(rec) {
			continue
		}
		rec.Status = StatusExpired
		rec.Reason = reason
		rec.DecidedAt = time.Now()
		if err := g.store.Update(ctx, rec); err != nil {
			return expired, err
		}
		g.notifyLocked(rec.ID, StatusExpired)
		expired++
	}

	if expired > 0 {
		g.logger.Info().Int("expired", expired).Str("reason", reason).Msg("Pending approvals expired")
	}
	return expired, nil
}

func (g *Gate) notifyLocked(id string, status Status) {
	if ch, ok := g.waiters[id]; ok {
		ch <- status
		close(ch)
		delete(g.waiters, id)
	}
}
