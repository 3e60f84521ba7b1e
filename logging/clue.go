package logging

import (
	"context"

	"goa.design/clue/log"
)

// ClueAdapter implements Logger on top of goa.design/clue/log. Clue reads its
// formatting and debug settings from the context, so the adapter captures the
// context prepared with log.Context at construction time.
type ClueAdapter struct {
	ctx context.Context
}

// NewClueAdapter wraps a clue-initialised context. When ctx carries no clue
// logger a default one is attached using the given options.
func NewClueAdapter(ctx context.Context, opts ...log.LogOption) Logger {
	if ctx == nil {
		ctx = context.Background()
	}
	return &ClueAdapter{ctx: log.Context(ctx, opts...)}
}

// Debug emits a debug-level log message with structured key-value pairs.
func (c *ClueAdapter) Debug(msg string, args ...any) {
	log.Debug(c.ctx, fielders(msg, args)...)
}

// Info emits an info-level log message with structured key-value pairs.
func (c *ClueAdapter) Info(msg string, args ...any) {
	log.Info(c.ctx, fielders(msg, args)...)
}

// Warn emits a warning-level log message with structured key-value pairs.
func (c *ClueAdapter) Warn(msg string, args ...any) {
	log.Warn(c.ctx, fielders(msg, args)...)
}

// Error emits an error-level log message with structured key-value pairs.
func (c *ClueAdapter) Error(msg string, args ...any) {
	log.Error(c.ctx, nil, fielders(msg, args)...)
}

// fielders converts alternating key/value args into clue fielders prefixed by
// the message. Non-string keys are skipped.
func fielders(msg string, args []any) []log.Fielder {
	fs := make([]log.Fielder, 0, len(args)/2+1)
	fs = append(fs, log.KV{K: "msg", V: msg})
	for i := 0; i < len(args); i += 2 {
		k, ok := args[i].(string)
		if !ok {
			continue
		}
		var v any
		if i+1 < len(args) {
			v = args[i+1]
		}
		fs = append(fs, log.KV{K: k, V: v})
	}
	return fs
}
