package testutil

import (
	"github.com/hupe1980/turnaudit/core"
)

// TranscriptBuilder provides a fluent helper for constructing turn transcripts
// in tests. Example:
//
//	msgs := NewTranscriptBuilder().
//		User("I feel anxious").
//		ToolCalls("routing first", core.FunctionCall{ID: "c1", Name: "get_medical_response"}).
//		ToolResult("c1", "get_medical_response", "breathe").
//		Assistant("Try slow breathing for a minute.").
//		Build()
//
// Chain only the messages you need; message IDs are generated.
type TranscriptBuilder struct {
	author   string
	messages []core.Message
}

// NewTranscriptBuilder creates a builder with default assistant author "agent".
func NewTranscriptBuilder() *TranscriptBuilder { return &TranscriptBuilder{author: "agent"} }

// Author sets the author used for subsequent assistant messages (chainable).
func (b *TranscriptBuilder) Author(a string) *TranscriptBuilder { b.author = a; return b }

// User appends a user text message (chainable).
func (b *TranscriptBuilder) User(text string) *TranscriptBuilder {
	b.messages = append(b.messages, core.NewUserMessage(text))
	return b
}

// Assistant appends an assistant text message without tool calls (chainable).
func (b *TranscriptBuilder) Assistant(text string) *TranscriptBuilder {
	b.messages = append(b.messages, core.NewAssistantMessage(b.author, text))
	return b
}

// ToolCalls appends an assistant message carrying tool-call intents preceded
// by an optional rationale text (chainable).
func (b *TranscriptBuilder) ToolCalls(rationale string, calls ...core.FunctionCall) *TranscriptBuilder {
	b.messages = append(b.messages, core.NewToolCallMessage(b.author, rationale, calls...))
	return b
}

// Call appends an assistant message with a single tool call (chainable).
func (b *TranscriptBuilder) Call(id, name, args string) *TranscriptBuilder {
	return b.ToolCalls("", core.FunctionCall{ID: id, Name: name, Arguments: args})
}

// ToolResult appends a tool-role message routing a result back to the agent (chainable).
func (b *TranscriptBuilder) ToolResult(id, name string, result any) *TranscriptBuilder {
	b.messages = append(b.messages, core.NewToolResultMessage(id, name, result, nil))
	return b
}

// ToolError appends a tool-role message carrying a failed result (chainable).
func (b *TranscriptBuilder) ToolError(id, name string, err error) *TranscriptBuilder {
	b.messages = append(b.messages, core.NewToolResultMessage(id, name, nil, err))
	return b
}

// Add appends an arbitrary message (chainable).
func (b *TranscriptBuilder) Add(m core.Message) *TranscriptBuilder {
	b.messages = append(b.messages, m)
	return b
}

// Build returns a copy of the accumulated transcript.
func (b *TranscriptBuilder) Build() []core.Message {
	out := make([]core.Message, len(b.messages))
	copy(out, b.messages)
	return out
}
