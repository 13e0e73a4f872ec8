package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentdesk/agentd/approval"
	"github.com/agentdesk/agentd/assembler"
	"github.com/agentdesk/agentd/conversations"
	"github.com/agentdesk/agentd/llm"
	"github.com/agentdesk/agentd/memory"
)

// ToolExecutor runs registered tools and exposes their specs to the model.
type ToolExecutor interface {
	Handle(ctx context.Context, toolName, agentID string, args json.RawMessage) (any, error)
	Specs(names []string) []llm.ToolSpec
}

// Options tune turn execution.
type Options struct {
	Model        string
	SystemPrompt string
	MaxSteps     int           // model invocations per turn
	MaxTokens    int64         // response cap passed to the model
	ModelTimeout time.Duration // deadline per model invocation
	ToolTimeout  time.Duration // deadline per tool execution
	Budget       assembler.Budget
	EnabledTools []string // nil enables every registered tool
}

// Orchestrator drives conversational turns. Turns for one agent run strictly
// one at a time; a message for a busy agent is rejected with ErrAgentBusy.
// Turns for different agents run in parallel.
type Orchestrator struct {
	llmClient  llm.Client
	assembler  *assembler.Assembler
	sessions   *conversations.Store
	store      *memory.Store
	index      *memory.Index
	gate       *approval.Gate
	classifier *approval.Classifier
	toolExec   ToolExecutor
	states     *StateManager
	opts       Options
	logger     zerolog.Logger

	mu       sync.Mutex
	busy     map[string]bool
	profiles map[string]Profile
}

// Profile overrides turn options for one agent.
type Profile struct {
	SystemPrompt string
	Tools        []string // nil inherits the orchestrator default
	Model        string
	MaxTokens    int64
}

// New creates an Orchestrator. The index may be nil when no embedder is
// configured.
func New(
	llmClient llm.Client,
	asm *assembler.Assembler,
	sessions *conversations.Store,
	store *memory.Store,
	index *memory.Index,
	gate *approval.Gate,
	classifier *approval.Classifier,
	toolExec ToolExecutor,
	states *StateManager,
	opts Options,
	logger zerolog.Logger,
) (*Orchestrator, error) {
	if llmClient == nil {
		return nil, fmt.Errorf("llm client is required")
	}
	if asm == nil || sessions == nil || store == nil || gate == nil || classifier == nil || toolExec == nil || states == nil {
		return nil, fmt.Errorf("all orchestrator dependencies except the index are required")
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = 8
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}
	if opts.ModelTimeout <= 0 {
		opts.ModelTimeout = 60 * time.Second
	}
	if opts.ToolTimeout <= 0 {
		opts.ToolTimeout = 30 * time.Second
	}
	if opts.Budget.MaxTokens <= 0 {
		opts.Budget = assembler.Budget{MaxTokens: 8000, ReservedForResponse: 1000}
	}
	return &Orchestrator{
		llmClient:  llmClient,
		assembler:  asm,
		sessions:   sessions,
		store:      store,
		index:      index,
		gate:       gate,
		classifier: classifier,
		toolExec:   toolExec,
		states:     states,
		opts:       opts,
		logger:     logger.With().Str("component", "orchestrator").Logger(),
		busy:       make(map[string]bool),
		profiles:   make(map[string]Profile),
	}, nil
}

// SetProfile registers per-agent overrides for system prompt, model, response
// cap, and tool set. Zero fields inherit the orchestrator defaults.
func (o *Orchestrator) SetProfile(agentID string, p Profile) {
	o.mu.Lock()
	o.profiles[agentID] = p
	o.mu.Unlock()
}

func (o *Orchestrator) profileFor(agentID string) (system, model string, maxTokens int64, toolNames []string) {
	system = o.opts.SystemPrompt
	model = o.opts.Model
	maxTokens = o.opts.MaxTokens
	toolNames = o.opts.EnabledTools
	o.mu.Lock()
	defer o.mu.Unlock()
	if p, ok := o.profiles[agentID]; ok {
		if p.SystemPrompt != "" {
			system = p.SystemPrompt
		}
		if p.Model != "" {
			model = p.Model
		}
		if p.MaxTokens > 0 {
			maxTokens = p.MaxTokens
		}
		if p.Tools != nil {
			toolNames = p.Tools
		}
	}
	return system, model, maxTokens, toolNames
}

// StartAgent activates an agent. Already-active agents are untouched.
func (o *Orchestrator) StartAgent(ctx context.Context, agentID string) error {
	if agentID == "" {
		return fmt.Errorf("agent id is required")
	}
	o.logger.Info().Str("agent_id", agentID).Msg("Starting agent")
	return o.states.Activate(ctx, agentID)
}

// SendMessage starts a turn for the agent and returns immediately. Progress
// streams over Turn.Events and the terminal reply comes from Turn.Wait.
func (o *Orchestrator) SendMessage(ctx context.Context, agentID, text string) (*Turn, error) {
	if agentID == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("message text is required")
	}

	o.mu.Lock()
	if o.busy[agentID] {
		o.mu.Unlock()
		return nil, ErrAgentBusy
	}
	o.busy[agentID] = true
	o.mu.Unlock()

	turn := newTurn(agentID, o.opts.MaxSteps*8+8, o.logger)
	go o.runTurn(ctx, turn, text)
	return turn, nil
}

func (o *Orchestrator) runTurn(ctx context.Context, turn *Turn, text string) {
	agentID := turn.AgentID
	// Teardown must run even when the caller's context is gone.
	detached := context.WithoutCancel(ctx)

	defer func() {
		if n, err := o.gate.ExpireAgent(detached, agentID); err != nil {
			o.logger.Warn().Err(err).Str("agent_id", agentID).Msg("Failed to expire pending approvals")
		} else if n > 0 {
			o.logger.Info().Str("agent_id", agentID).Int("expired", n).Msg("Expired pending approvals at turn end")
		}
		if err := o.states.SetState(detached, agentID, StateIdle); err != nil {
			o.logger.Warn().Err(err).Str("agent_id", agentID).Msg("Failed to reset agent state")
		}
		o.mu.Lock()
		delete(o.busy, agentID)
		o.mu.Unlock()
	}()

	if err := o.states.Activate(detached, agentID); err != nil {
		o.logger.Warn().Err(err).Str("agent_id", agentID).Msg("Failed to activate agent")
	}
	if err := o.states.SetState(detached, agentID, StateRunning); err != nil {
		o.logger.Warn().Err(err).Str("agent_id", agentID).Msg("Failed to set agent state to running")
	}

	turn.emit(Event{Type: EventReceived})

	if err := o.sessions.AppendUserMessage(ctx, agentID, text); err != nil {
		o.failTurn(detached, turn, fmt.Errorf("failed to persist user message: %w", err))
		return
	}

	assembled, err := o.assembler.Build(ctx, agentID, text, o.opts.Budget)
	if err != nil {
		o.failTurn(detached, turn, fmt.Errorf("failed to assemble context: %w", err))
		return
	}
	turn.emit(Event{Type: EventAnalyzing, Detail: fmt.Sprintf("%d context chunks", len(assembled.Chunks))})

	messages := []llm.Message{llm.NewTextMessage(llm.RoleUser, assembled.PromptText())}

	for step := 1; step <= o.opts.MaxSteps; step++ {
		resp, err := o.generate(ctx, agentID, messages)
		if err != nil {
			o.failTurn(detached, turn, err)
			return
		}

		toolUses := resp.ToolUses()
		if len(toolUses) == 0 {
			o.completeTurn(ctx, detached, turn, text, resp, assembled.Manifest)
			return
		}

		messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Content})

		results := make([]llm.ToolResultBlock, 0, len(toolUses))
		for _, toolUse := range toolUses {
			block, fatal := o.runTool(ctx, detached, turn, toolUse)
			if fatal != nil {
				o.failTurn(detached, turn, fatal)
				return
			}
			results = append(results, block)
		}
		messages = append(messages, llm.NewToolResultMessage(results))
	}

	o.failTurn(detached, turn, &StepLimitExceededError{Steps: o.opts.MaxSteps})
}

func (o *Orchestrator) completeTurn(ctx, detached context.Context, turn *Turn, userText string, resp *llm.Response, manifest []string) {
	agentID := turn.AgentID
	replyText := strings.TrimSpace(resp.Text())
	if replyText == "" {
		replyText = "I don't have anything to add."
	}

	turn.emit(Event{Type: EventResponding})
	if err := o.sessions.AppendAgentMessage(ctx, agentID, replyText); err != nil {
		o.failTurn(detached, turn, fmt.Errorf("failed to persist reply: %w", err))
		return
	}

	o.recordInteraction(detached, agentID, userText, replyText, manifest)

	turn.finish(&conversations.Message{
		AgentID:   agentID,
		Role:      conversations.RoleAgent,
		Content:   replyText,
		CreatedAt: time.Now(),
	}, nil)
}

// generate invokes the model under the configured deadline.
func (o *Orchestrator) generate(ctx context.Context, agentID string, messages []llm.Message) (*llm.Response, error) {
	mctx, cancel := context.WithTimeout(ctx, o.opts.ModelTimeout)
	defer cancel()

	system, model, maxTokens, toolNames := o.profileFor(agentID)
	resp, err := o.llmClient.Generate(mctx, &llm.Request{
		Model:     model,
		Messages:  messages,
		System:    system,
		Tools:     o.toolExec.Specs(toolNames),
		MaxTokens: maxTokens,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &UpstreamTimeoutError{Op: "model", Err: err}
		}
		return nil, err
	}
	return resp, nil
}

// runTool executes one tool call, routing sensitive tools through the
// approval gate first. A non-nil fatal error aborts the whole turn.
func (o *Orchestrator) runTool(ctx, detached context.Context, turn *Turn, toolUse *llm.ToolUseBlock) (llm.ToolResultBlock, error) {
	agentID := turn.AgentID

	args, err := toolUse.ArgsJSON()
	if err != nil {
		args = json.RawMessage("{}")
	}

	turn.emit(Event{Type: EventToolRequested, ToolName: toolUse.Name})
	if err := o.sessions.AppendToolCall(ctx, agentID, toolUse.ID, toolUse.Name, args); err != nil {
		o.logger.Warn().Err(err).Str("tool", toolUse.Name).Msg("Failed to persist tool call")
	}

	execCtx := ctx
	// Classification is consulted on every invocation, never cached.
	if o.classifier.Sensitive(toolUse.Name) {
		record, waiter, err := o.gate.Request(ctx, agentID, toolUse.Name, args)
		if err != nil {
			return llm.ToolResultBlock{}, fmt.Errorf("failed to request approval for %s: %w", toolUse.Name, err)
		}
		turn.emit(Event{Type: EventPendingApproval, ToolName: toolUse.Name, ApprovalID: record.ID})

		if err := o.states.SetState(detached, agentID, StateWaitingApproval); err != nil {
			o.logger.Warn().Err(err).Str("agent_id", agentID).Msg("Failed to set agent state")
		}

		var status approval.Status
		select {
		case status = <-waiter:
		case <-ctx.Done():
			return llm.ToolResultBlock{}, ctx.Err()
		}

		if err := o.states.SetState(detached, agentID, StateRunning); err != nil {
			o.logger.Warn().Err(err).Str("agent_id", agentID).Msg("Failed to set agent state")
		}

		if status != approval.StatusApproved {
			return o.refuseTool(detached, turn, toolUse, record.ID, status), nil
		}
		// Approved side effects run to completion even if the caller
		// detaches mid-execution.
		execCtx = detached
	}

	result, execErr := o.executeTool(execCtx, agentID, toolUse.Name, args)
	var timeoutErr *UpstreamTimeoutError
	if errors.As(execErr, &timeoutErr) {
		return llm.ToolResultBlock{}, execErr
	}
	if execErr != nil {
		result = map[string]any{"error": execErr.Error()}
	}

	o.persistToolResult(detached, turn, toolUse, result, execErr != nil)

	content, err := json.Marshal(result)
	if err != nil {
		content = []byte(fmt.Sprintf("%v", result))
	}
	return llm.ToolResultBlock{ID: toolUse.ID, Content: string(content), IsError: execErr != nil}, nil
}

func (o *Orchestrator) executeTool(ctx context.Context, agentID, toolName string, args json.RawMessage) (any, error) {
	tctx, cancel := context.WithTimeout(ctx, o.opts.ToolTimeout)
	defer cancel()

	result, err := o.toolExec.Handle(tctx, toolName, agentID, args)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return nil, &UpstreamTimeoutError{Op: toolName, Err: err}
	}
	return result, err
}

// refuseTool records a rejected or expired tool call without executing it.
func (o *Orchestrator) refuseTool(detached context.Context, turn *Turn, toolUse *llm.ToolUseBlock, recordID string, status approval.Status) llm.ToolResultBlock {
	reason := fmt.Sprintf("the approval request %s", status)
	if record, err := o.gate.Get(detached, recordID); err == nil && record.Reason != "" {
		reason = record.Reason
	}

	refusal := fmt.Sprintf("Tool %s was not executed: %s", toolUse.Name, reason)
	o.persistToolResult(detached, turn, toolUse, map[string]any{"refused": true, "reason": reason}, true)

	return llm.ToolResultBlock{ID: toolUse.ID, Content: refusal, IsError: true}
}

// persistToolResult appends the result to the session, writes the
// tool_result memory item, and emits the progress event. Failed attempts
// are recorded too, so later turns know the attempt happened.
func (o *Orchestrator) persistToolResult(detached context.Context, turn *Turn, toolUse *llm.ToolUseBlock, result any, failed bool) {
	agentID := turn.AgentID

	if err := o.sessions.AppendToolResult(detached, agentID, toolUse.ID, toolUse.Name, result, failed); err != nil {
		o.logger.Warn().Err(err).Str("tool", toolUse.Name).Msg("Failed to persist tool result")
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		resultJSON = []byte(fmt.Sprintf("%v", result))
	}
	item := &memory.Item{
		AgentID:    agentID,
		Kind:       memory.KindToolResult,
		Content:    fmt.Sprintf("%s -> %s", toolUse.Name, truncate(string(resultJSON), 2000)),
		Importance: 0.4,
		Metadata:   map[string]interface{}{"tool": toolUse.Name, "failed": failed},
	}
	if _, err := o.store.Write(detached, item); err != nil {
		o.logger.Warn().Err(err).Str("tool", toolUse.Name).Msg("Failed to write tool result memory")
	} else if o.index != nil {
		if err := o.index.Add(detached, item); err != nil {
			o.logger.Warn().Err(err).Int64("id", item.ID).Msg("Failed to index tool result memory")
		}
	}

	turn.emit(Event{Type: EventToolResult, ToolName: toolUse.Name, Failed: failed})
}

// recordInteraction writes the exchange back to memory with the manifest of
// context that informed the reply.
func (o *Orchestrator) recordInteraction(detached context.Context, agentID, userText, replyText string, manifest []string) {
	var metadata map[string]interface{}
	if len(manifest) > 0 {
		metadata = map[string]interface{}{"manifest": manifest}
	}
	item := &memory.Item{
		AgentID:    agentID,
		Kind:       memory.KindInteraction,
		Content:    fmt.Sprintf("User: %s\nAgent: %s", truncate(userText, 1000), truncate(replyText, 1000)),
		Importance: 0.5,
		Metadata:   metadata,
	}
	if _, err := o.store.Write(detached, item); err != nil {
		o.logger.Warn().Err(err).Str("agent_id", agentID).Msg("Failed to write interaction memory")
		return
	}
	if o.index != nil {
		if err := o.index.Add(detached, item); err != nil {
			o.logger.Warn().Err(err).Int64("id", item.ID).Msg("Failed to index interaction memory")
		}
	}
}

// failTurn ends the turn with a synthesized user-facing message. The
// structured error stays on the Turn for callers and logs.
func (o *Orchestrator) failTurn(detached context.Context, turn *Turn, err error) {
	agentID := turn.AgentID
	o.logger.Error().Err(err).Str("agent_id", agentID).Msg("Turn failed")

	apology := "I ran into a problem and couldn't finish handling your message. Please try again."
	var timeoutErr *UpstreamTimeoutError
	var stepErr *StepLimitExceededError
	switch {
	case errors.As(err, &timeoutErr):
		apology = "I took too long processing that and had to stop. Please try again."
	case errors.As(err, &stepErr):
		apology = "I couldn't finish that within a reasonable number of steps. Please try breaking the request into smaller parts."
	}

	if appendErr := o.sessions.AppendAgentMessage(detached, agentID, apology); appendErr != nil {
		o.logger.Warn().Err(appendErr).Str("agent_id", agentID).Msg("Failed to persist failure message")
	}

	turn.emit(Event{Type: EventError, Detail: err.Error()})
	turn.finish(&conversations.Message{
		AgentID:   agentID,
		Role:      conversations.RoleAgent,
		Content:   apology,
		CreatedAt: time.Now(),
	}, err)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "... (truncated)"
}
