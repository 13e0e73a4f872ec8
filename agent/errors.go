package agent

import (
	"errors"
	"fmt"
)

// ErrAgentBusy signals that the agent is already mid-turn. New messages are
// rejected, never queued; the caller retries after the current turn ends.
var ErrAgentBusy = errors.New("agent is busy with another turn")

// StepLimitExceededError ends a turn that kept requesting tools without
// producing a reply. Fatal for the turn only; the agent stays usable.
type StepLimitExceededError struct {
	Steps int
}

func (e *StepLimitExceededError) Error() string {
	return fmt.Sprintf("turn exceeded maximum of %d reasoning steps", e.Steps)
}

// UpstreamTimeoutError marks a model or tool call that exceeded its deadline.
type UpstreamTimeoutError struct {
	Op  string // "model" or the tool name
	Err error
}

func (e *UpstreamTimeoutError) Error() string {
	return fmt.Sprintf("upstream call %q exceeded deadline: %v", e.Op, e.Err)
}

func (e *UpstreamTimeoutError) Unwrap() error {
	return e.Err
}
