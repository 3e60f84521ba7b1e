// Package callback is the ingress surface between an agent runtime and the
// turn auditor. Instrumented collaborators (tool executors, model wrappers)
// dispatch lifecycle events through a Manager; observers such as
// telemetry.Capture register against it.
package callback

import (
	"context"
	"errors"
	"sync"

	"github.com/hupe1980/turnaudit/core"
	"github.com/hupe1980/turnaudit/logging"
)

// Type defines the specific lifecycle points where callbacks can be executed.
//
// Each type represents a point in the execution of a single tool or model
// invocation. Start/end pairs are tied together by the RunToken carried on the
// Event; events of different tokens may interleave arbitrarily.
type Type string

const (
	// ToolStart is triggered right before a tool invocation runs.
	ToolStart Type = "tool_start"

	// ToolEnd is triggered once a tool invocation returned (successfully or not).
	ToolEnd Type = "tool_end"

	// ModelStart is triggered before a model request is sent.
	ModelStart Type = "model_start"

	// ModelEnd is triggered after the model response was received.
	ModelEnd Type = "model_end"
)

// Event carries the payload of one lifecycle notification. Only the fields
// relevant to the Type are populated:
//   - ToolStart: RunToken, Name, Input
//   - ToolEnd: RunToken, Output, Err
//   - ModelStart: RunToken, Name (model identifier), Messages (outbound)
//   - ModelEnd: RunToken, Messages (inbound) or Raw when the response could
//     not be normalized at the boundary
type Event struct {
	Type     Type
	RunToken core.RunToken
	Name     string
	Input    string
	Output   any
	Err      error
	Messages []core.Message
	Raw      any
	Metadata map[string]any
}

// Callback defines the interface for lifecycle hooks.
//
// Implementations should be fast and must not block: callbacks run on the
// goroutine that executes the instrumented tool or model call. Returning an
// error stops dispatch to later callbacks for the same event.
type Callback interface {
	// Type returns the callback type this implementation handles.
	Type() Type

	// Execute performs the callback logic for the event.
	Execute(ctx context.Context, ev *Event) error
}

// FunctionCallback wraps a function as a callback implementation.
//
// Example:
//
//	cb := callback.NewFunctionCallback(callback.ToolStart,
//	    func(ctx context.Context, ev *callback.Event) error {
//	        log.Printf("tool %s started", ev.Name)
//	        return nil
//	    },
//	)
type FunctionCallback struct {
	callbackType Type
	fn           func(ctx context.Context, ev *Event) error
}

// NewFunctionCallback creates a new function-based callback.
func NewFunctionCallback(callbackType Type, fn func(ctx context.Context, ev *Event) error) *FunctionCallback {
	return &FunctionCallback{callbackType: callbackType, fn: fn}
}

// Type returns the callback type this function handles.
func (c *FunctionCallback) Type() Type { return c.callbackType }

// Execute calls the wrapped function with the provided event.
func (c *FunctionCallback) Execute(ctx context.Context, ev *Event) error {
	return c.fn(ctx, ev)
}

// ErrNilEvent is returned by Dispatch when called without an event.
var ErrNilEvent = errors.New("callback: nil event")

// Manager is the registry callbacks are attached to.
//
// Callbacks are executed in registration order; the first error stops
// dispatch for that event. Registration and dispatch are safe for concurrent
// use since instrumented tools typically run on separate goroutines.
type Manager struct {
	mu        sync.RWMutex
	callbacks map[Type][]Callback
}

// NewManager creates an empty callback manager.
func NewManager() *Manager {
	return &Manager{callbacks: make(map[Type][]Callback)}
}

// Register adds a callback for its type.
func (m *Manager) Register(cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := cb.Type()
	m.callbacks[t] = append(m.callbacks[t], cb)
}

// RegisterFunc is shorthand for Register(NewFunctionCallback(t, fn)).
func (m *Manager) RegisterFunc(t Type, fn func(ctx context.Context, ev *Event) error) {
	m.Register(NewFunctionCallback(t, fn))
}

// Dispatch executes all callbacks registered for ev.Type.
func (m *Manager) Dispatch(ctx context.Context, ev *Event) error {
	if ev == nil {
		return ErrNilEvent
	}
	m.mu.RLock()
	callbacks := m.callbacks[ev.Type]
	m.mu.RUnlock()

	for _, cb := range callbacks {
		if err := cb.Execute(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// Len reports how many callbacks are registered for t.
func (m *Manager) Len(t Type) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.callbacks[t])
}

// LoggingCallback forwards lifecycle events to a logger at debug level.
// It is useful while wiring new instrumentation.
type LoggingCallback struct {
	callbackType Type
	logger       logging.Logger
}

// NewLoggingCallback creates a new logging callback.
func NewLoggingCallback(callbackType Type, logger logging.Logger) *LoggingCallback {
	return &LoggingCallback{callbackType: callbackType, logger: logging.Ensure(logger)}
}

// Type returns the callback type this logger handles.
func (c *LoggingCallback) Type() Type { return c.callbackType }

// Execute logs the event. It never fails.
func (c *LoggingCallback) Execute(_ context.Context, ev *Event) error {
	c.logger.Debug("callback.dispatch",
		"type", string(ev.Type),
		"run_id", ev.RunToken.String(),
		"name", ev.Name,
		"messages", len(ev.Messages),
	)
	return nil
}
