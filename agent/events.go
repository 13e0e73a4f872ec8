package agent

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentdesk/agentd/conversations"
)

// EventType identifies a stage of turn progress.
type EventType string

const (
	EventReceived        EventType = "received"
	EventAnalyzing       EventType = "analyzing"
	EventToolRequested   EventType = "tool_requested"
	EventPendingApproval EventType = "pending_approval"
	EventToolResult      EventType = "tool_result"
	EventResponding      EventType = "responding"
	EventError           EventType = "error"
)

// Event is one entry in a turn's progress sequence. Events carry a
// monotonically increasing Seq and are delivered in emission order.
type Event struct {
	Seq        int       `json:"seq"`
	Type       EventType `json:"type"`
	ToolName   string    `json:"tool_name,omitempty"`
	ApprovalID string    `json:"approval_id,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Failed     bool      `json:"failed,omitempty"`
	At         time.Time `json:"at"`
}

// Turn is one in-flight user-message-to-reply cycle. Its event channel is
// finite, closes when the turn completes, and is meant for a single
// consumer; it is not replayable.
type Turn struct {
	AgentID string

	events  chan Event
	seq     int
	dropped int
	done    chan struct{}
	reply   *conversations.Message
	err     error
	logger  zerolog.Logger
}

func newTurn(agentID string, eventBuffer int, logger zerolog.Logger) *Turn {
	return &Turn{
		AgentID: agentID,
		events:  make(chan Event, eventBuffer),
		done:    make(chan struct{}),
		logger:  logger,
	}
}

// Events returns the turn's ordered progress stream. The channel closes
// when the turn reaches a terminal state.
func (t *Turn) Events() <-chan Event {
	return t.events
}

// Wait blocks until the turn completes and returns the terminal agent
// message, or the turn's error.
func (t *Turn) Wait(ctx context.Context) (*conversations.Message, error) {
	select {
	case <-t.done:
		return t.reply, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// emit appends an event to the stream. The buffer is sized for a full turn;
// if a detached consumer lets it fill anyway, the event is dropped rather
// than stalling tool execution, and the drop is logged.
func (t *Turn) emit(ev Event) {
	t.seq++
	ev.Seq = t.seq
	ev.At = time.Now()
	select {
	case t.events <- ev:
	default:
		t.dropped++
		t.logger.Warn().
			Str("agent_id", t.AgentID).
			Int("seq", ev.Seq).
			Str("type", string(ev.Type)).
			Msg("Turn event buffer full. Event dropped.")
	}
}

func (t *Turn) finish(reply *conversations.Message, err error) {
	t.reply = reply
	t.err = err
	if t.dropped > 0 {
		t.logger.Warn().
			Str("agent_id", t.AgentID).
			Int("dropped", t.dropped).
			Msg("Turn completed with dropped progress events")
	}
	close(t.events)
	close(t.done)
}
