// Package flow drives the request -> model -> (optional tool loop) cycle of
// one conversational turn and returns the turn's transcript. Request
// processors assemble each model request; the tool executor publishes the
// telemetry the turn auditor correlates.
package flow

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/hupe1980/turnaudit/core"
	"github.com/hupe1980/turnaudit/logging"
	"github.com/hupe1980/turnaudit/model"
	"github.com/hupe1980/turnaudit/tool"
)

var (
	// ErrMaxSteps is returned when the model keeps requesting tools after
	// MaxSteps model calls. The transcript produced so far is still returned.
	ErrMaxSteps = errors.New("flow: maximum steps exceeded")
	// ErrNoExecutor is returned when the model requests tools but the loop
	// has no executor.
	ErrNoExecutor = errors.New("flow: model requested tools but no executor is configured")
)

// Conversation is the input a RequestProcessor sees: prior turns plus the
// messages of the running turn.
type Conversation struct {
	History []core.Message
	Turn    []core.Message
}

// RequestProcessor modifies the model request before each model call.
type RequestProcessor interface {
	// Name returns the processor's identifier.
	Name() string
	// ProcessRequest populates or rewrites req.
	ProcessRequest(ctx context.Context, req *model.Request, conv Conversation) error
}

// Options configures a Loop.
type Options struct {
	// Instructions is the system prompt; it may reference Vars as a template.
	Instructions string
	Vars         map[string]any
	// MaxSteps bounds model calls per turn.
	MaxSteps int
	// MaxHistory bounds prior messages sent to the model. Messages of the
	// running turn are always sent.
	MaxHistory int
	Stream     bool
	Logger     logging.Logger
	// Processors run after the default instructions and contents processors.
	Processors []RequestProcessor
}

// Loop runs one turn against a model and an optional tool executor.
type Loop struct {
	model      model.Model
	executor   *tool.Executor
	opts       Options
	processors []RequestProcessor
	tools      []model.ToolDefinition
	logger     logging.Logger
}

// New creates a Loop. exec may be nil for tool-less agents.
func New(m model.Model, exec *tool.Executor, optFns ...func(o *Options)) *Loop {
	opts := Options{
		MaxSteps:   8,
		MaxHistory: 50,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = 8
	}

	processors := []RequestProcessor{
		NewInstructionsProcessor(opts.Instructions, opts.Vars),
		NewContentsProcessor(opts.MaxHistory),
	}
	processors = append(processors, opts.Processors...)

	var defs []model.ToolDefinition
	if exec != nil {
		tools := exec.Tools()
		sort.Slice(tools, func(i, j int) bool { return tools[i].Name() < tools[j].Name() })
		defs = tool.Definitions(tools...)
	}

	return &Loop{
		model:      m,
		executor:   exec,
		opts:       opts,
		processors: processors,
		tools:      defs,
		logger:     logging.Ensure(opts.Logger),
	}
}

// ModelName returns the name of the model driving the loop.
func (l *Loop) ModelName() string { return l.model.Info().Name }

// Run executes one turn for input and returns the messages it produced,
// starting with the user message. On error the partial transcript is
// returned alongside it.
func (l *Loop) Run(ctx context.Context, history []core.Message, input string) ([]core.Message, error) {
	conv := Conversation{History: history, Turn: []core.Message{core.NewUserMessage(input)}}

	for step := 0; step < l.opts.MaxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return conv.Turn, err
		}
		req := model.Request{Tools: l.tools, Stream: l.opts.Stream}
		for _, p := range l.processors {
			if err := p.ProcessRequest(ctx, &req, conv); err != nil {
				return conv.Turn, fmt.Errorf("request processor %s failed: %w", p.Name(), err)
			}
		}

		resp, err := model.Collect(ctx, l.model, req)
		if err != nil {
			return conv.Turn, err
		}
		conv.Turn = append(conv.Turn, resp.Message)

		calls := resp.Message.FunctionCalls()
		if len(calls) == 0 {
			return conv.Turn, nil
		}
		if l.executor == nil {
			return conv.Turn, ErrNoExecutor
		}
		l.logger.Debug("flow.tool_calls", "step", step, "count", len(calls))
		conv.Turn = append(conv.Turn, l.executor.Execute(ctx, calls)...)
	}
	return conv.Turn, ErrMaxSteps
}
