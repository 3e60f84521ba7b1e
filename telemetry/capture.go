// Package telemetry captures the low-level start/end event stream emitted by
// instrumented tool and model invocations during a turn. Runs are indexed by
// their opaque run token while in flight and moved to a completion-ordered
// list once their end event arrives.
package telemetry

import (
	"context"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/hupe1980/turnaudit/audit"
	"github.com/hupe1980/turnaudit/callback"
	"github.com/hupe1980/turnaudit/core"
	"github.com/hupe1980/turnaudit/logging"
)

// DefaultPreviewMax is the default output preview bound in characters.
const DefaultPreviewMax = 2000

// ExecutionRecord is the timing record of one tool run. It is created on the
// start event and completed by the end event carrying the same run token.
type ExecutionRecord struct {
	RunToken      core.RunToken
	Name          string
	Input         string
	Start         time.Time
	End           time.Time
	Duration      time.Duration
	OutputPreview string
}

// Stats summarises the capture state and the anomalies observed since the
// last Reset.
type Stats struct {
	Pending         int
	Completed       int
	ModelCalls      int
	UnmatchedEnds   int
	DuplicateStarts int
}

// Options configures a Capture.
type Options struct {
	// PreviewMax bounds the output preview in characters (runes). Values <= 0
	// select DefaultPreviewMax.
	PreviewMax int
	// Now is the clock used for start/end timestamps. Defaults to time.Now.
	Now func() time.Time
	// Logger receives debug lines for captured runs and dropped events.
	Logger logging.Logger
	// Metrics receives anomaly counters.
	Metrics Metrics
}

// Capture maintains the in-flight run index and the completed run list for
// the turn currently being audited.
//
// Handlers only perform in-memory bookkeeping and never block on I/O. They are
// safe for concurrent use because instrumented tools run on their own
// goroutines.
type Capture struct {
	opts    Options
	logger  logging.Logger
	metrics Metrics

	mu         sync.Mutex
	pending    map[core.RunToken]*ExecutionRecord
	completed  []ExecutionRecord
	modelCalls []audit.ModelCall
	unmatched  int
	duplicates int
}

// New creates an empty Capture.
func New(optFns ...func(o *Options)) *Capture {
	opts := Options{
		PreviewMax: DefaultPreviewMax,
		Now:        time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.PreviewMax <= 0 {
		opts.PreviewMax = DefaultPreviewMax
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Capture{
		opts:    opts,
		logger:  logging.Ensure(opts.Logger),
		metrics: EnsureMetrics(opts.Metrics),
		pending: make(map[core.RunToken]*ExecutionRecord),
	}
}

// ToolStart opens an execution record for token. A second start for a token
// that is still open replaces the earlier entry so at most one record is open
// per token.
func (c *Capture) ToolStart(token core.RunToken, name, input string) {
	now := c.opts.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.pending[token]; exists {
		c.duplicates++
		c.metrics.IncCounter(MetricDuplicateStart, 1)
		c.logger.Debug("telemetry.tool.duplicate_start", "run_id", token.String(), "tool", name)
	}
	c.pending[token] = &ExecutionRecord{
		RunToken: token,
		Name:     name,
		Input:    input,
		Start:    now,
	}
}

// ToolEnd completes the execution record for token and reports whether a
// matching start was found. An end without a matching start (instrumentation
// gap or a run from an abandoned turn) is discarded and counted.
func (c *Capture) ToolEnd(token core.RunToken, output any) bool {
	now := c.opts.Now()
	preview := Truncate(core.Render(output), c.opts.PreviewMax)

	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.pending[token]
	if !ok {
		c.unmatched++
		c.metrics.IncCounter(MetricUnmatchedEnd, 1)
		c.logger.Debug("telemetry.tool.unmatched_end", "run_id", token.String())
		return false
	}
	delete(c.pending, token)

	rec.End = now
	rec.Duration = now.Sub(rec.Start)
	rec.OutputPreview = preview
	c.completed = append(c.completed, *rec)
	logging.ToolRun(c.logger, rec.Name, token.String(), rec.Duration)
	return true
}

// ModelStart records an outbound model request.
func (c *Capture) ModelStart(token core.RunToken, modelName string, messages []core.Message) {
	call := audit.ModelCall{
		Event:     audit.EventModelStart,
		RunID:     token.String(),
		ModelName: modelName,
		Messages:  audit.FromMessages(messages),
		Timestamp: c.opts.Now().UTC(),
	}
	c.appendModelCall(call)
}

// ModelEnd records the normalized messages of a model response.
func (c *Capture) ModelEnd(token core.RunToken, messages []core.Message) {
	call := audit.ModelCall{
		Event:     audit.EventModelEnd,
		RunID:     token.String(),
		Outputs:   audit.FromMessages(messages),
		Timestamp: c.opts.Now().UTC(),
	}
	c.appendModelCall(call)
}

// ModelEndRaw records a model response whose shape could not be normalized.
// The payload is kept as a lossy string rendering.
func (c *Capture) ModelEndRaw(token core.RunToken, raw any) {
	call := audit.ModelCall{
		Event:     audit.EventModelEnd,
		RunID:     token.String(),
		RawOutput: core.Render(raw),
		Timestamp: c.opts.Now().UTC(),
	}
	c.appendModelCall(call)
}

func (c *Capture) appendModelCall(call audit.ModelCall) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.modelCalls = append(c.modelCalls, call)
	logging.ModelCall(c.logger, call.Event, call.RunID, len(call.Messages)+len(call.Outputs))
}

// Reset clears all turn-scoped state and returns the number of runs that
// were still pending, i.e. abandoned by the previous turn.
func (c *Capture) Reset() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	abandoned := len(c.pending)
	c.pending = make(map[core.RunToken]*ExecutionRecord)
	c.completed = nil
	c.modelCalls = nil
	c.unmatched = 0
	c.duplicates = 0
	return abandoned
}

// Completed returns a copy of the completed runs in completion order.
func (c *Capture) Completed() []ExecutionRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ExecutionRecord, len(c.completed))
	copy(out, c.completed)
	return out
}

// ModelCalls returns a copy of the captured model calls in arrival order.
func (c *Capture) ModelCalls() []audit.ModelCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]audit.ModelCall, len(c.modelCalls))
	copy(out, c.modelCalls)
	return out
}

// Stats returns the current counters.
func (c *Capture) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Pending:         len(c.pending),
		Completed:       len(c.completed),
		ModelCalls:      len(c.modelCalls),
		UnmatchedEnds:   c.unmatched,
		DuplicateStarts: c.duplicates,
	}
}

// Register subscribes the capture handlers to the lifecycle callbacks of m.
func (c *Capture) Register(m *callback.Manager) {
	m.RegisterFunc(callback.ToolStart, func(_ context.Context, ev *callback.Event) error {
		c.ToolStart(ev.RunToken, ev.Name, ev.Input)
		return nil
	})
	m.RegisterFunc(callback.ToolEnd, func(_ context.Context, ev *callback.Event) error {
		out := ev.Output
		if out == nil && ev.Err != nil {
			out = ev.Err
		}
		c.ToolEnd(ev.RunToken, out)
		return nil
	})
	m.RegisterFunc(callback.ModelStart, func(_ context.Context, ev *callback.Event) error {
		c.ModelStart(ev.RunToken, ev.Name, ev.Messages)
		return nil
	})
	m.RegisterFunc(callback.ModelEnd, func(_ context.Context, ev *callback.Event) error {
		if ev.Messages == nil && ev.Raw != nil {
			c.ModelEndRaw(ev.RunToken, ev.Raw)
			return nil
		}
		c.ModelEnd(ev.RunToken, ev.Messages)
		return nil
	})
}

// Truncate returns the first limit characters (runes) of s.
func Truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}
