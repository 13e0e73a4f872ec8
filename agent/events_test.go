package agent

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestTurnEmitCountsDropsWhenBufferFull(t *testing.T) {
	turn := newTurn("agent-1", 1, zerolog.Nop())

	turn.emit(Event{Type: EventReceived})
	turn.emit(Event{Type: EventAnalyzing})
	turn.emit(Event{Type: EventResponding})

	if turn.dropped != 2 {
		t.Errorf("dropped = %d, want 2", turn.dropped)
	}

	// Seq keeps counting across drops so a consumer can detect the gap.
	ev := <-turn.events
	if ev.Seq != 1 || ev.Type != EventReceived {
		t.Errorf("delivered event = %+v, want seq 1 received", ev)
	}
}

func TestTurnEmitNeverBlocks(t *testing.T) {
	turn := newTurn("agent-1", 0, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			turn.emit(Event{Type: EventToolResult})
		}
		close(done)
	}()

	<-done
	if turn.dropped != 100 {
		t.Errorf("dropped = %d, want 100", turn.dropped)
	}
}
