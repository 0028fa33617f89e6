// Package llm defines the provider-agnostic interface for model interactions.
package llm

import "context"

// Provider is the abstraction over any LLM backend (OpenAI, Anthropic, etc.).
type Provider interface {
	// Complete sends a conversation to the model and returns its response.
	Complete(ctx context.Context, req *Request) (*Response, error)
	// Name returns the provider identifier (e.g. "openai").
	Name() string
}

// Request represents a full conversation sent to the model.
type Request struct {
	System    string
	Messages  []Message
	MaxTokens int
	Tools     []ToolDefinition // nil = no tool use
}

// ToolDefinition describes a tool the model can invoke.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Role identifies who sent a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single turn in the conversation.
type Message struct {
	Role   Role    `json:"role"`
	Blocks []Block `json:"blocks"`
}

// TextContent returns the concatenated text from all text blocks.
func (m *Message) TextContent() string {
	var s string
	for _, b := range m.Blocks {
		if b.Kind == BlockText {
			s += b.Text
		}
	}
	return s
}

// BlockKind tags the variants of Block.
type BlockKind string

const (
	BlockText       BlockKind = "text"
	BlockToolUse    BlockKind = "tool_use"
	BlockToolResult BlockKind = "tool_result"
)

// Block is a tagged union representing a piece of message content.
// The Kind field determines which other fields are meaningful.
type Block struct {
	Kind BlockKind `json:"kind"`

	// text block fields
	Text string `json:"text,omitempty"`

	// tool_use block fields
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result block fields
	ToolUseID string `json:"tool_use_id,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Text creates a text content block.
func Text(text string) Block {
	return Block{Kind: BlockText, Text: text}
}

// ToolUse creates a tool_use content block.
func ToolUse(id, name string, input map[string]any) Block {
	return Block{Kind: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResult creates a tool_result content block.
func ToolResult(toolUseID, content string, isError bool) Block {
	return Block{Kind: BlockToolResult, ToolUseID: toolUseID, Text: content, IsError: isError}
}

// UserText builds a user message holding a single text block.
func UserText(text string) Message {
	return Message{Role: RoleUser, Blocks: []Block{Text(text)}}
}

// Canonical stop reasons across providers.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// Response is what the model returns.
type Response struct {
	Blocks     []Block
	StopReason string
	Usage      Usage
}

// Text returns the concatenated text content of the response.
func (r *Response) Text() string {
	var s string
	for _, b := range r.Blocks {
		if b.Kind == BlockText {
			s += b.Text
		}
	}
	return s
}

// HasToolCalls returns true if the model is requesting tool execution.
func (r *Response) HasToolCalls() bool {
	return r.StopReason == StopToolUse
}

// ToolCalls returns only the tool_use blocks from the response.
func (r *Response) ToolCalls() []Block {
	var calls []Block
	for _, b := range r.Blocks {
		if b.Kind == BlockToolUse {
			calls = append(calls, b)
		}
	}
	return calls
}

// Usage tracks token consumption for cost accounting.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Add accumulates another usage sample.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}
