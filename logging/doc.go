// Package logging provides a minimal logging interface and adapters.
//
// The Logger interface defines the standard logging methods (Debug, Info, Warn, Error)
// that the turn manager, telemetry capture and sinks use for observability. This
// package includes:
//
//   - Logger interface for dependency injection
//   - AuditLogger, a contextual slog logger with turn-specific helpers
//   - ClueAdapter bridging to goa.design/clue/log
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	mgr, err := turn.New(sink, func(o *turn.Options) { o.Logger = logger })
package logging
