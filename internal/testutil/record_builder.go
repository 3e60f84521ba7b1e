package testutil

import (
	"time"

	"github.com/hupe1980/turnaudit/audit"
)

// RecordBuilder helps construct audit records with fluent chaining for tests.
// Example:
//
//	rec := NewRecordBuilder("sess-1").Input("hi").Tool("lookup", `{"q":1}`).Answer("ok").Build()
type RecordBuilder struct {
	rec audit.Record
}

// NewRecordBuilder creates a builder for a record of the given session with a
// fresh interaction id and a fixed timestamp.
func NewRecordBuilder(sessionID string) *RecordBuilder {
	return &RecordBuilder{rec: audit.Record{
		InteractionID: "interaction-1",
		SessionID:     sessionID,
		Timestamp:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Model:         "test-model",
		ToolsCalled:   []audit.ToolCall{},
		ModelCalls:    []audit.ModelCall{},
	}}
}

// Interaction overrides the interaction id (chainable).
func (b *RecordBuilder) Interaction(id string) *RecordBuilder { b.rec.InteractionID = id; return b }

// At overrides the record timestamp (chainable).
func (b *RecordBuilder) At(t time.Time) *RecordBuilder { b.rec.Timestamp = t; return b }

// Input sets both the raw and the preprocessed input (chainable).
func (b *RecordBuilder) Input(s string) *RecordBuilder {
	b.rec.RawUserInput = s
	b.rec.PreprocessedInput = s
	return b
}

// Tool appends an untimed tool entry (chainable).
func (b *RecordBuilder) Tool(name, args string) *RecordBuilder {
	b.rec.ToolsCalled = append(b.rec.ToolsCalled, audit.ToolCall{Name: name, Arguments: audit.Arguments(args)})
	return b
}

// Answer sets the final answer (chainable).
func (b *RecordBuilder) Answer(s string) *RecordBuilder { b.rec.FinalAnswer = &s; return b }

// Latency sets the end-to-end latency (chainable).
func (b *RecordBuilder) Latency(ms int64) *RecordBuilder { b.rec.LatencyMs = ms; return b }

// Build returns a pointer to a copy of the record.
func (b *RecordBuilder) Build() *audit.Record {
	rec := b.rec
	rec.ToolsCalled = append([]audit.ToolCall{}, b.rec.ToolsCalled...)
	rec.ModelCalls = append([]audit.ModelCall{}, b.rec.ModelCalls...)
	return &rec
}
