package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentdesk/agentd/agent"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPingInterval = 15 * time.Second
	wsEventBuffer  = 100
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// eventWatcher is one websocket subscriber, optionally filtered by agent.
type eventWatcher struct {
	agentID string // empty subscribes to every agent
	events  chan watchedEvent
}

type watchedEvent struct {
	AgentID string      `json:"agent_id"`
	Event   agent.Event `json:"event"`
}

// relayEvents fans a turn's progress events out to websocket subscribers.
// Slow subscribers lose events rather than stalling the turn.
func (s *Server) relayEvents(turn *agent.Turn) {
	for ev := range turn.Events() {
		s.watchersMu.RLock()
		for watcher := range s.watchers {
			if watcher.agentID != "" && watcher.agentID != turn.AgentID {
				continue
			}
			select {
			case watcher.events <- watchedEvent{AgentID: turn.AgentID, Event: ev}:
			default:
			}
		}
		s.watchersMu.RUnlock()
	}
}

// handleWS streams turn progress events. Closing the socket detaches the
// stream only; in-flight turns keep running.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	watcher := &eventWatcher{
		agentID: r.URL.Query().Get("agent"),
		events:  make(chan watchedEvent, wsEventBuffer),
	}
	s.watchersMu.Lock()
	s.watchers[watcher] = struct{}{}
	s.watchersMu.Unlock()

	s.logger.Debug().Str("agent_id", watcher.agentID).Msg("Websocket subscriber attached")

	defer func() {
		s.watchersMu.Lock()
		delete(s.watchers, watcher)
		s.watchersMu.Unlock()
		conn.Close() //nolint:errcheck // connection is going away
		s.logger.Debug().Str("agent_id", watcher.agentID).Msg("Websocket subscriber detached")
	}()

	// Reader goroutine only notices the peer going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-watcher.events:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
