package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Conversation roles recognised in a transcript.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry of a turn transcript. After the agent hands the
// transcript over it should be treated as immutable. It captures:
//   - Identity (ID, Author)
//   - Conversation role
//   - Ordered heterogeneous Parts (text, tool-call intents, tool results)
//   - High precision UTC timestamp
//
// Transcript messages carry no timing for the tool calls they describe and no
// reference to telemetry run tokens.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Author    string    `json:"author,omitempty"`
	Parts     []Part    `json:"-"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage creates a bare message for the given role.
func NewMessage(role string, parts ...Part) Message {
	return Message{
		ID:        NewID(),
		Role:      role,
		Parts:     parts,
		Timestamp: time.Now().UTC(),
	}
}

// NewUserMessage creates a user-authored text message.
func NewUserMessage(text string) Message {
	m := NewMessage(RoleUser, TextPart{Text: text})
	m.Author = RoleUser
	return m
}

// NewAssistantMessage creates an assistant text message without tool calls.
func NewAssistantMessage(author, text string) Message {
	m := NewMessage(RoleAssistant, TextPart{Text: text})
	m.Author = author
	return m
}

// NewToolCallMessage creates an assistant message carrying one or more
// tool-call intents. A non-empty rationale is placed ahead of the calls as a
// text part, mirroring how providers emit "thinking out loud" text before
// tool_use blocks.
func NewToolCallMessage(author, rationale string, calls ...FunctionCall) Message {
	parts := make([]Part, 0, len(calls)+1)
	if rationale != "" {
		parts = append(parts, TextPart{Text: rationale})
	}
	for _, fc := range calls {
		parts = append(parts, FunctionCallPart{FunctionCall: fc})
	}
	m := NewMessage(RoleAssistant, parts...)
	m.Author = author
	return m
}

// NewToolResultMessage records the completion result (or error) of a tool
// invocation as routed back to the agent. If err is non-nil its message is
// copied into the response Error field.
func NewToolResultMessage(id, functionName string, result any, err error) Message {
	fr := FunctionResponse{ID: id, Name: functionName, Response: result}
	if err != nil {
		fr.Error = err.Error()
	}
	m := NewMessage(RoleTool, FunctionResponsePart{FunctionResponse: fr})
	m.Author = functionName
	return m
}

// FunctionCalls returns any FunctionCall parts contained within the message
// preserving their original order.
func (m Message) FunctionCalls() []FunctionCall {
	var calls []FunctionCall
	for _, p := range m.Parts {
		if fc, ok := p.(FunctionCallPart); ok {
			calls = append(calls, fc.FunctionCall)
		}
	}
	return calls
}

// FunctionResponses returns any FunctionResponse parts contained within the
// message preserving their original order.
func (m Message) FunctionResponses() []FunctionResponse {
	var responses []FunctionResponse
	for _, p := range m.Parts {
		if fr, ok := p.(FunctionResponsePart); ok {
			responses = append(responses, fr.FunctionResponse)
		}
	}
	return responses
}

// HasFunctionCalls reports whether the message carries at least one tool-call intent.
func (m Message) HasFunctionCalls() bool {
	for _, p := range m.Parts {
		if _, ok := p.(FunctionCallPart); ok {
			return true
		}
	}
	return false
}

// Text concatenates all text parts. Tool-role messages without text parts
// fall back to the rendered function response content so the "content" of
// every message is well defined.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if tp, ok := p.(TextPart); ok {
			b.WriteString(tp.Text)
		}
	}
	if b.Len() > 0 || m.Role != RoleTool {
		return b.String()
	}
	for i, fr := range m.FunctionResponses() {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(fr.Content())
	}
	return b.String()
}

// Content renders the response payload as text. A populated Error wins over
// the Response value.
func (fr FunctionResponse) Content() string {
	if fr.Error != "" {
		return fr.Error
	}
	return Render(fr.Response)
}

// Render converts an opaque payload into text. Strings are used verbatim,
// errors and fmt.Stringers use their own rendering, other values are JSON
// encoded with a fmt fallback for values JSON cannot represent.
func Render(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case error:
		return t.Error()
	case fmt.Stringer:
		return t.String()
	default:
		if b, err := json.Marshal(t); err == nil {
			return string(b)
		}
		return fmt.Sprintf("%v", t)
	}
}
