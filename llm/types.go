package llm

import "encoding/json"

// MessageRole represents the role of a message in a conversation.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// Message is a provider-neutral conversation message.
type Message struct {
	Role    MessageRole
	Content []ContentBlock
}

// ContentBlock is a single block within a message: text, a tool invocation,
// or a tool result.
type ContentBlock struct {
	Type       ContentBlockType
	Text       string
	ToolUse    *ToolUseBlock
	ToolResult *ToolResultBlock
}

// ContentBlockType represents the type of content block.
type ContentBlockType string

const (
	ContentBlockTypeText       ContentBlockType = "text"
	ContentBlockTypeToolUse    ContentBlockType = "tool_use"
	ContentBlockTypeToolResult ContentBlockType = "tool_result"
)

// ToolUseBlock is a tool invocation request from the assistant.
type ToolUseBlock struct {
	ID    string
	Name  string
	Input map[string]interface{}
}

// ArgsJSON returns the invocation arguments as raw JSON. These bytes are
// what gets persisted and shown to approvers, so marshaling happens once.
func (t *ToolUseBlock) ArgsJSON() (json.RawMessage, error) {
	if t.Input == nil {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(t.Input)
}

// ToolResultBlock is the outcome of a tool invocation.
type ToolResultBlock struct {
	ID      string
	Content string
	IsError bool
}

// ToolSpec is a tool definition offered to the model.
type ToolSpec struct {
	Name        string
	Description string
	Schema      ToolSchema
}

// ToolSchema is the JSON schema for a tool's input parameters.
type ToolSchema struct {
	Type       string
	Properties map[string]interface{}
	Required   []string
}

// Request is a complete model invocation request.
type Request struct {
	Model       string
	Messages    []Message
	System      string
	Tools       []ToolSpec
	MaxTokens   int64
	Temperature *float64
}

// Response is a complete model response.
type Response struct {
	Content    []ContentBlock
	Usage      *Usage
	StopReason string
}

// Text concatenates the response's text blocks.
func (r *Response) Text() string {
	var out string
	for _, block := range r.Content {
		if block.Type == ContentBlockTypeText {
			if out != "" {
				out += "\n"
			}
			out += block.Text
		}
	}
	return out
}

// ToolUses returns the response's tool invocation requests in order.
func (r *Response) ToolUses() []*ToolUseBlock {
	var uses []*ToolUseBlock
	for _, block := range r.Content {
		if block.Type == ContentBlockTypeToolUse && block.ToolUse != nil {
			uses = append(uses, block.ToolUse)
		}
	}
	return uses
}

// Usage is token accounting from a model response.
type Usage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
}

// NewTextMessage creates a message with a single text block.
func NewTextMessage(role MessageRole, text string) Message {
	return Message{
		Role: role,
		Content: []ContentBlock{
			{Type: ContentBlockTypeText, Text: text},
		},
	}
}

// NewToolUseMessage creates an assistant message with tool use blocks.
func NewToolUseMessage(toolUses []ToolUseBlock) Message {
	content := make([]ContentBlock, len(toolUses))
	for i, tu := range toolUses {
		content[i] = ContentBlock{
			Type:    ContentBlockTypeToolUse,
			ToolUse: &tu,
		}
	}
	return Message{Role: RoleAssistant, Content: content}
}

// NewToolResultMessage creates a user message carrying tool result blocks.
func NewToolResultMessage(toolResults []ToolResultBlock) Message {
	content := make([]ContentBlock, len(toolResults))
	for i, tr := range toolResults {
		content[i] = ContentBlock{
			Type:       ContentBlockTypeToolResult,
			ToolResult: &tr,
		}
	}
	return Message{Role: RoleUser, Content: content}
}
