// Package audit defines the persisted unit of the turn auditor: the immutable
// Record describing one finalized turn, its JSON line codec and the JSON
// Schema every persisted line conforms to.
package audit

import (
	"encoding/json"
	"time"

	"github.com/hupe1980/turnaudit/core"
)

// Model call event names, as written to the "event" field.
const (
	EventModelStart = "chat_model_start"
	EventModelEnd   = "chat_model_end"
)

// Record is the finalized, immutable document for one turn. It is created once
// when the turn is finalized and never mutated after persistence.
type Record struct {
	InteractionID     string      `json:"interaction_id"`
	SessionID         string      `json:"session_id"`
	Timestamp         time.Time   `json:"timestamp"`
	Model             string      `json:"model"`
	RawUserInput      string      `json:"raw_user_input"`
	PreprocessedInput string      `json:"preprocessed_input"`
	ToolsCalled       []ToolCall  `json:"tools_called"`
	ModelCalls        []ModelCall `json:"model_calls"`
	FinalAnswer       *string     `json:"final_answer"`
	LatencyMs         int64       `json:"latency_ms"`
}

// ToolCall is a transcript intent augmented with the timing of the telemetry
// run it was positionally matched with. Timing fields are nil when no run was
// available for its position.
type ToolCall struct {
	ToolCallID       string          `json:"tool_call_id,omitempty"`
	Name             string          `json:"name"`
	Arguments        json.RawMessage `json:"arguments,omitempty"`
	RationaleExcerpt *string         `json:"rationale_excerpt,omitempty"`
	ToolOutput       *string         `json:"tool_output,omitempty"`
	StartTime        *time.Time      `json:"start_time,omitempty"`
	EndTime          *time.Time      `json:"end_time,omitempty"`
	DurationMs       *int64          `json:"duration_ms,omitempty"`
	OutputPreview    *string         `json:"output_preview,omitempty"`
}

// Timed reports whether timing fields were attached during correlation.
func (c ToolCall) Timed() bool { return c.DurationMs != nil }

// ModelCall records one model request (EventModelStart) or one model response
// (EventModelEnd). RawOutput is only set when a response could not be
// normalized into messages.
type ModelCall struct {
	Event     string    `json:"event"`
	RunID     string    `json:"run_id"`
	ModelName string    `json:"model_name,omitempty"`
	Messages  []Message `json:"messages,omitempty"`
	Outputs   []Message `json:"outputs,omitempty"`
	RawOutput string    `json:"raw_output,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Message is the JSON-friendly rendering of a core.Message.
type Message struct {
	Role       string            `json:"role"`
	Content    string            `json:"content,omitempty"`
	ToolCalls  []MessageToolCall `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	Name       string            `json:"name,omitempty"`
}

// MessageToolCall is a tool-call intent embedded in a rendered message.
type MessageToolCall struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// FromMessages renders transcript messages for persistence. Tool-role messages
// carrying several responses are expanded into one rendered message each.
func FromMessages(msgs []core.Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == core.RoleTool {
			if resps := m.FunctionResponses(); len(resps) > 0 {
				for _, fr := range resps {
					out = append(out, Message{
						Role:       core.RoleTool,
						Content:    fr.Content(),
						ToolCallID: fr.ID,
						Name:       fr.Name,
					})
				}
				continue
			}
		}
		rm := Message{Role: m.Role, Content: m.Text(), Name: m.Author}
		for _, fc := range m.FunctionCalls() {
			rm.ToolCalls = append(rm.ToolCalls, MessageToolCall{
				ID:        fc.ID,
				Name:      fc.Name,
				Arguments: Arguments(fc.Arguments),
			})
		}
		out = append(out, rm)
	}
	return out
}

// Arguments converts a serialized argument payload into raw JSON. Valid JSON
// is embedded as is, anything else is embedded as a JSON string. Empty input
// yields nil so the field is omitted.
func Arguments(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	b, _ := json.Marshal(s)
	return b
}
