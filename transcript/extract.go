// Package transcript derives the agent's declared tool-call intents and the
// final answer from the conversational transcript of a finished turn.
package transcript

import (
	"github.com/hupe1980/turnaudit/core"
	"github.com/hupe1980/turnaudit/telemetry"
)

// DefaultRationaleMax bounds the rationale excerpt in characters.
const DefaultRationaleMax = 500

// Intent is one declared tool call as found in the transcript.
type Intent struct {
	ID        string
	Name      string
	Arguments string
	// Rationale is the excerpt of the text accompanying the call, nil when the
	// assistant message carried no text.
	Rationale *string
	// Output is the result routed back to the agent for this call, nil when
	// no tool message answered it.
	Output *string
}

// Result is the outcome of a single extraction pass.
type Result struct {
	Intents []Intent
	// FinalAnswer is the text of the last transcript message, nil for an
	// empty transcript.
	FinalAnswer *string
	// OrphanResults counts tool results whose id matched no open intent.
	OrphanResults int
}

// Options configures Extract.
type Options struct {
	// RationaleMax bounds the rationale excerpt in characters (runes). Values
	// <= 0 select DefaultRationaleMax.
	RationaleMax int
}

// Extract performs one forward pass over msgs. Assistant messages with
// tool-call parts yield one Intent per call in order; tool-role messages
// attach their content to the first intent with the same id that has no
// output yet.
func Extract(msgs []core.Message, optFns ...func(o *Options)) Result {
	opts := Options{RationaleMax: DefaultRationaleMax}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.RationaleMax <= 0 {
		opts.RationaleMax = DefaultRationaleMax
	}

	res := Result{Intents: []Intent{}}
	for _, m := range msgs {
		switch m.Role {
		case core.RoleAssistant:
			calls := m.FunctionCalls()
			if len(calls) == 0 {
				continue
			}
			var rationale *string
			if text := m.Text(); text != "" {
				excerpt := telemetry.Truncate(text, opts.RationaleMax)
				rationale = &excerpt
			}
			for _, fc := range calls {
				res.Intents = append(res.Intents, Intent{
					ID:        fc.ID,
					Name:      fc.Name,
					Arguments: fc.Arguments,
					Rationale: rationale,
				})
			}
		case core.RoleTool:
			for _, fr := range m.FunctionResponses() {
				if !res.attach(fr) {
					res.OrphanResults++
				}
			}
		}
	}

	if n := len(msgs); n > 0 {
		answer := msgs[n-1].Text()
		res.FinalAnswer = &answer
	}
	return res
}

func (r *Result) attach(fr core.FunctionResponse) bool {
	for i := range r.Intents {
		in := &r.Intents[i]
		if in.ID == fr.ID && in.Output == nil {
			out := fr.Content()
			in.Output = &out
			return true
		}
	}
	return false
}
