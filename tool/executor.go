package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/hupe1980/turnaudit/callback"
	"github.com/hupe1980/turnaudit/core"
	"github.com/hupe1980/turnaudit/logging"
)

// ExecutorOptions configures an Executor.
type ExecutorOptions struct {
	// MaxParallel bounds concurrent tool runs. Values < 1 run every call of a
	// batch at once.
	MaxParallel int
	Logger      logging.Logger
}

// Executor runs a batch of function calls, possibly in parallel, and returns
// one tool-result message per call in call order. Every run is bracketed by a
// tool_start and a tool_end callback sharing a fresh run token; end callbacks
// fire in completion order, which may differ from call order.
//
// The executor never panics: a panicking tool yields an error result.
type Executor struct {
	tools     map[string]Tool
	callbacks *callback.Manager
	opts      ExecutorOptions
	logger    logging.Logger
}

// NewExecutor creates an Executor for tools publishing to cb.
func NewExecutor(cb *callback.Manager, tools []Tool, optFns ...func(o *ExecutorOptions)) *Executor {
	opts := ExecutorOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}
	registry := make(map[string]Tool, len(tools))
	for _, t := range tools {
		registry[t.Name()] = t
	}
	return &Executor{
		tools:     registry,
		callbacks: cb,
		opts:      opts,
		logger:    logging.Ensure(opts.Logger),
	}
}

// Tools returns the registered tools.
func (e *Executor) Tools() []Tool {
	out := make([]Tool, 0, len(e.tools))
	for _, t := range e.tools {
		out = append(out, t)
	}
	return out
}

// Execute runs calls and returns their result messages in call order. Calls
// not started because ctx was cancelled yield a result carrying ctx.Err().
func (e *Executor) Execute(ctx context.Context, calls []core.FunctionCall) []core.Message {
	n := len(calls)
	if n == 0 {
		return nil
	}
	results := make([]core.Message, n)
	if n == 1 {
		results[0] = e.run(ctx, calls[0])
		return results
	}

	maxPar := e.opts.MaxParallel
	if maxPar <= 0 || maxPar > n {
		maxPar = n
	}
	sem := make(chan struct{}, maxPar)
	var wg sync.WaitGroup

	batchStart := time.Now()
	for i, fc := range calls {
		if err := ctx.Err(); err != nil {
			results[i] = core.NewToolResultMessage(fc.ID, fc.Name, nil, err)
			continue
		}
		select {
		case <-ctx.Done():
			results[i] = core.NewToolResultMessage(fc.ID, fc.Name, nil, ctx.Err())
			continue
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(idx int, fc core.FunctionCall) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = e.run(ctx, fc)
		}(i, fc)
	}
	wg.Wait()

	e.logger.Debug(
		"tool.batch.complete",
		"count", n,
		"parallelism", maxPar,
		"duration_ms", time.Since(batchStart).Milliseconds(),
	)
	return results
}

func (e *Executor) run(ctx context.Context, fc core.FunctionCall) core.Message {
	token := core.NewRunToken()
	e.dispatch(ctx, &callback.Event{Type: callback.ToolStart, RunToken: token, Name: fc.Name, Input: fc.Arguments})

	start := time.Now()
	var (
		result any
		err    error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = &ToolError{Tool: fc.Name, Message: fmt.Sprintf("panic: %v", r), Code: CodePanic, Details: string(debug.Stack())}
				e.logger.Error("tool.call.panic", "tool", fc.Name, "recover", r)
			}
		}()
		result, err = e.call(ctx, fc)
	}()

	e.logger.Debug(
		"tool.call.executed",
		"tool", fc.Name,
		"function_call_id", fc.ID,
		"duration_ms", time.Since(start).Milliseconds(),
		"error", err != nil,
	)
	e.dispatch(ctx, &callback.Event{Type: callback.ToolEnd, RunToken: token, Name: fc.Name, Output: result, Err: err})
	return core.NewToolResultMessage(fc.ID, fc.Name, result, err)
}

func (e *Executor) call(ctx context.Context, fc core.FunctionCall) (any, error) {
	impl, ok := e.tools[fc.Name]
	if !ok {
		return nil, NewToolError(fc.Name, "tool not found", CodeNotFound)
	}
	args := map[string]any{}
	if fc.Arguments != "" {
		if err := json.Unmarshal([]byte(fc.Arguments), &args); err != nil {
			return nil, &ToolError{Tool: fc.Name, Message: fmt.Sprintf("failed to unmarshal args: %v", err), Code: CodeBadArgs, cause: err}
		}
	}
	return impl.Call(ctx, args)
}

// dispatch publishes ev. Observer failures never fail the tool run.
func (e *Executor) dispatch(ctx context.Context, ev *callback.Event) {
	if e.callbacks == nil {
		return
	}
	if err := e.callbacks.Dispatch(ctx, ev); err != nil {
		e.logger.Warn("tool.callback.error", "type", string(ev.Type), "tool", ev.Name, "error", err)
	}
}
