package cortex

import (
	"context"
	"encoding/json"
)

// --- LLM protocol types ---

// ChatMessage is one turn of an agent conversation. Metadata carries
// provider-specific payload (e.g. reasoning signatures) as an opaque blob so
// that a stored conversation can be replayed to the same provider untouched.
type ChatMessage struct {
	Role       string          `json:"role"` // "system", "user", "assistant", "tool"
	Content    string          `json:"content"`
	ToolCalls  []ToolCall      `json:"toolCalls,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolDescriptor advertises a callable tool to the model.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// Usage reports token consumption for one model call.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
	TotalTokens  int `json:"totalTokens"`
}

// Total returns TotalTokens, falling back to input+output when the provider
// does not report a combined figure.
func (u Usage) Total() int {
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	return u.InputTokens + u.OutputTokens
}

// GenerateTextRequest is one agent-loop iteration's model call.
type GenerateTextRequest struct {
	System   string           `json:"system,omitempty"`
	Messages []ChatMessage    `json:"messages"`
	Tools    []ToolDescriptor `json:"tools,omitempty"`
}

// GenerateTextResult is the model's reply. ResponseMessages preserves the
// provider's message objects verbatim (including metadata) for conversation
// replay; Text and ToolCalls are the parsed views the loop acts on.
type GenerateTextResult struct {
	Text             string        `json:"text,omitempty"`
	ToolCalls        []ToolCall    `json:"toolCalls,omitempty"`
	Usage            Usage         `json:"usage"`
	ResponseMessages []ChatMessage `json:"responseMessages"`
}

// GenerateObjectRequest asks the model for a value conforming to a schema.
type GenerateObjectRequest struct {
	Schema   json.RawMessage `json:"schema"`
	Messages []ChatMessage   `json:"messages"`
}

// GenerateObjectResult carries the schema-conforming value.
type GenerateObjectResult struct {
	Object any   `json:"object"`
	Usage  Usage `json:"usage"`
}

// TextChunk is one increment of a streamed model reply.
type TextChunk struct {
	Text string `json:"text"`
}

// ObjectGenerator abstracts the LLM backend consumed by the agent loop.
// Implementations must observe ctx cancellation: the engine cancels the call
// context when a KILL signal arrives mid-call, and the partial result is
// discarded.
type ObjectGenerator interface {
	GenerateText(ctx context.Context, req GenerateTextRequest) (GenerateTextResult, error)
	GenerateObject(ctx context.Context, req GenerateObjectRequest) (GenerateObjectResult, error)
}

// StreamingGenerator is an optional extension for providers that can stream.
// The engine does not require it; hosts may type-assert for watch surfaces.
type StreamingGenerator interface {
	ObjectGenerator
	// StreamText emits chunks into ch while the call is in flight and
	// returns the final assembled result. Implementations close ch.
	StreamText(ctx context.Context, req GenerateTextRequest, ch chan<- TextChunk) (GenerateTextResult, error)
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}

func ToolResultMessage(callID, content string) ChatMessage {
	return ChatMessage{Role: "tool", Content: content, ToolCallID: callID}
}
