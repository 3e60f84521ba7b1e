// Package correlate joins transcript intents with telemetry executions.
//
// The join is positional: the i-th intent is paired with the i-th completed
// execution. Transcripts carry no run tokens and telemetry carries no call
// ids, so order is the only shared key. The pairing is best effort; when
// intents and executions disagree in count the surplus intents stay untimed
// and the mismatch is reported through Stats.
package correlate

import (
	"github.com/hupe1980/turnaudit/audit"
	"github.com/hupe1980/turnaudit/telemetry"
	"github.com/hupe1980/turnaudit/transcript"
)

// Stats describes a single merge.
type Stats struct {
	Intents    int
	Executions int
	Matched    int
	Mismatch   bool
}

// Merge returns one audit.ToolCall per intent, in intent order. Calls at
// index i < min(len(intents), len(executions)) carry the timing of
// executions[i]; the rest carry none. Merge never fails.
func Merge(intents []transcript.Intent, executions []telemetry.ExecutionRecord) ([]audit.ToolCall, Stats) {
	st := Stats{
		Intents:    len(intents),
		Executions: len(executions),
		Mismatch:   len(intents) != len(executions),
	}
	st.Matched = min(st.Intents, st.Executions)

	calls := make([]audit.ToolCall, 0, len(intents))
	for i, in := range intents {
		call := audit.ToolCall{
			ToolCallID:       in.ID,
			Name:             in.Name,
			Arguments:        audit.Arguments(in.Arguments),
			RationaleExcerpt: in.Rationale,
			ToolOutput:       in.Output,
		}
		if i < st.Matched {
			attachTiming(&call, executions[i])
		}
		calls = append(calls, call)
	}
	return calls, st
}

func attachTiming(call *audit.ToolCall, ex telemetry.ExecutionRecord) {
	start := ex.Start.UTC()
	end := ex.End.UTC()
	ms := ex.Duration.Milliseconds()
	preview := ex.OutputPreview
	call.StartTime = &start
	call.EndTime = &end
	call.DurationMs = &ms
	call.OutputPreview = &preview
}
