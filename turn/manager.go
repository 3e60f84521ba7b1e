// Package turn owns the lifecycle of one user turn: it opens the turn, lets
// telemetry accumulate while the agent works, and on finalize joins the
// transcript with the captured runs into an audit record that is persisted
// exactly once.
package turn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/turnaudit/audit"
	"github.com/hupe1980/turnaudit/callback"
	"github.com/hupe1980/turnaudit/core"
	"github.com/hupe1980/turnaudit/correlate"
	"github.com/hupe1980/turnaudit/logging"
	"github.com/hupe1980/turnaudit/store"
	"github.com/hupe1980/turnaudit/telemetry"
	"github.com/hupe1980/turnaudit/transcript"
)

var (
	// ErrNoOpenTurn is returned by Finalize when no turn was started.
	ErrNoOpenTurn = errors.New("turn: no open turn")
	// ErrTurnAlreadyOpen is returned by Start in strict mode while a turn is open.
	ErrTurnAlreadyOpen = errors.New("turn: a turn is already open")
	// ErrFinalizing is returned when Start or Finalize race an ongoing Finalize.
	ErrFinalizing = errors.New("turn: finalize in progress")
)

// PersistError reports that a finalized record could not be persisted. The
// record itself is still returned by Finalize.
type PersistError struct {
	InteractionID string
	Err           error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("turn %s: persist audit record: %v", e.InteractionID, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// Preprocessor transforms raw user input before the agent sees it, e.g.
// translation or redaction.
type Preprocessor func(ctx context.Context, raw string) (string, error)

// Options configures a Manager.
type Options struct {
	// SessionID is recorded on every turn. Generated when empty.
	SessionID string
	// Model is the default model id used when Start gets none.
	Model string
	// PreviewMax bounds tool output previews (runes).
	PreviewMax int
	// RationaleMax bounds rationale excerpts (runes).
	RationaleMax int
	// StrictStart rejects Start while a turn is open instead of silently
	// abandoning its pending telemetry.
	StrictStart bool
	Now         func() time.Time
	Logger      logging.Logger
	Metrics     telemetry.Metrics
	Tracer      trace.Tracer
}

type openTurn struct {
	interactionID string
	start         time.Time
	model         string
	rawInput      string
	preprocessed  string
}

// Manager drives one turn at a time for a single session. Telemetry
// handlers may be invoked concurrently while a turn is open; Start, Finalize
// and Abandon are meant to be called from the conversational loop.
type Manager struct {
	opts      Options
	sink      store.Sink
	capture   *telemetry.Capture
	callbacks *callback.Manager
	logger    logging.Logger
	metrics   telemetry.Metrics
	tracer    trace.Tracer

	mu    sync.Mutex
	state State
	turn  openTurn
}

// New creates a Manager persisting to sink. A nil sink disables persistence.
func New(sink store.Sink, optFns ...func(o *Options)) *Manager {
	opts := Options{
		PreviewMax:   telemetry.DefaultPreviewMax,
		RationaleMax: transcript.DefaultRationaleMax,
		Now:          time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SessionID == "" {
		opts.SessionID = core.NewID()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/hupe1980/turnaudit/turn")
	}
	if sink == nil {
		sink = store.SinkFunc(func(context.Context, *audit.Record) error { return nil })
	}

	logger := logging.Ensure(opts.Logger)
	metrics := telemetry.EnsureMetrics(opts.Metrics)
	capture := telemetry.New(func(o *telemetry.Options) {
		o.PreviewMax = opts.PreviewMax
		o.Now = opts.Now
		o.Logger = logger
		o.Metrics = metrics
	})
	callbacks := callback.NewManager()
	capture.Register(callbacks)

	return &Manager{
		opts:      opts,
		sink:      sink,
		capture:   capture,
		callbacks: callbacks,
		logger:    logger,
		metrics:   metrics,
		tracer:    opts.Tracer,
	}
}

// SessionID returns the session id recorded on every turn.
func (m *Manager) SessionID() string { return m.opts.SessionID }

// Callbacks returns the lifecycle callback registry the telemetry capture
// listens on. Instrumented tools and models publish to it.
func (m *Manager) Callbacks() *callback.Manager { return m.callbacks }

// Capture exposes the telemetry capture for inspection.
func (m *Manager) Capture() *telemetry.Capture { return m.capture }

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// InteractionID returns the id of the open turn, if any.
func (m *Manager) InteractionID() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateIdle {
		return "", false
	}
	return m.turn.interactionID, true
}

// Start opens a turn and returns its fresh interaction id. Turn-scoped
// telemetry is reset; runs still pending from an unfinalized turn are
// abandoned unless StrictStart is set, in which case ErrTurnAlreadyOpen is
// returned and the open turn is left untouched.
func (m *Manager) Start(rawInput, preprocessedInput, modelID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateFinalizing:
		return "", ErrFinalizing
	case StateOpen:
		if m.opts.StrictStart {
			return "", ErrTurnAlreadyOpen
		}
		m.logger.Debug("turn.abandoned", "interaction_id", m.turn.interactionID)
	}

	if abandoned := m.capture.Reset(); abandoned > 0 {
		m.metrics.IncCounter(telemetry.MetricAbandonedRuns, float64(abandoned))
		m.logger.Debug("turn.abandoned_runs", "count", abandoned)
	}
	if modelID == "" {
		modelID = m.opts.Model
	}
	m.turn = openTurn{
		interactionID: core.NewID(),
		start:         m.opts.Now(),
		model:         modelID,
		rawInput:      rawInput,
		preprocessed:  preprocessedInput,
	}
	m.state = StateOpen
	m.logger.Debug("turn.started", "interaction_id", m.turn.interactionID, "session_id", m.opts.SessionID, "model", modelID)
	return m.turn.interactionID, nil
}

// Begin preprocesses raw with pre (when non-nil) and starts a turn with the
// result. It returns the interaction id and the preprocessed input the agent
// should receive.
func (m *Manager) Begin(ctx context.Context, raw, modelID string, pre Preprocessor) (string, string, error) {
	preprocessed := raw
	if pre != nil {
		out, err := pre(ctx, raw)
		if err != nil {
			return "", "", fmt.Errorf("turn: preprocess input: %w", err)
		}
		preprocessed = out
	}
	id, err := m.Start(raw, preprocessed, modelID)
	if err != nil {
		return "", "", err
	}
	return id, preprocessed, nil
}

// Abandon closes the open turn without producing a record and returns the
// number of runs that were still pending.
func (m *Manager) Abandon() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateOpen {
		return 0
	}
	abandoned := m.capture.Reset()
	if abandoned > 0 {
		m.metrics.IncCounter(telemetry.MetricAbandonedRuns, float64(abandoned))
	}
	m.logger.Debug("turn.abandon", "interaction_id", m.turn.interactionID, "pending", abandoned)
	m.state = StateIdle
	m.turn = openTurn{}
	return abandoned
}

// Finalize closes the open turn: it extracts intents from transcript, joins
// them with the captured runs, assembles the record and hands it to the sink
// exactly once, even when ctx is already cancelled. If persistence fails the record is returned together with a
// *PersistError so the conversation can continue.
func (m *Manager) Finalize(ctx context.Context, msgs []core.Message) (*audit.Record, error) {
	m.mu.Lock()
	switch m.state {
	case StateIdle:
		m.mu.Unlock()
		return nil, ErrNoOpenTurn
	case StateFinalizing:
		m.mu.Unlock()
		return nil, ErrFinalizing
	}
	m.state = StateFinalizing
	t := m.turn
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.state = StateIdle
		m.turn = openTurn{}
		m.mu.Unlock()
	}()

	ctx, span := m.tracer.Start(ctx, "turnaudit.turn.finalize", trace.WithAttributes(
		attribute.String("turnaudit.session_id", m.opts.SessionID),
		attribute.String("turnaudit.interaction_id", t.interactionID),
	))
	defer span.End()

	latency := m.opts.Now().Sub(t.start)
	if latency < 0 {
		latency = 0
	}

	extracted := transcript.Extract(msgs, func(o *transcript.Options) { o.RationaleMax = m.opts.RationaleMax })
	calls, stats := correlate.Merge(extracted.Intents, m.capture.Completed())
	if stats.Mismatch {
		m.metrics.IncCounter(telemetry.MetricCountMismatch, 1)
		m.logger.Debug("turn.count_mismatch", "interaction_id", t.interactionID, "intents", stats.Intents, "executions", stats.Executions)
	}
	if extracted.OrphanResults > 0 {
		m.metrics.IncCounter(telemetry.MetricOrphanResult, float64(extracted.OrphanResults))
	}

	rec := &audit.Record{
		InteractionID:     t.interactionID,
		SessionID:         m.opts.SessionID,
		Timestamp:         t.start.UTC(),
		Model:             t.model,
		RawUserInput:      t.rawInput,
		PreprocessedInput: t.preprocessed,
		ToolsCalled:       calls,
		ModelCalls:        m.capture.ModelCalls(),
		FinalAnswer:       extracted.FinalAnswer,
		LatencyMs:         latency.Milliseconds(),
	}
	m.metrics.RecordTimer(telemetry.MetricTurnLatency, latency)
	span.SetAttributes(
		attribute.Int("turnaudit.tools_called", len(calls)),
		attribute.Int("turnaudit.tools_timed", stats.Matched),
		attribute.Int64("turnaudit.latency_ms", rec.LatencyMs),
	)
	logging.Turn(m.logger, t.interactionID, len(calls), stats.Matched, latency)

	persistStart := time.Now()
	// The record of a cancelled turn is still persisted.
	err := m.sink.Write(context.WithoutCancel(ctx), rec)
	m.metrics.RecordTimer(telemetry.MetricPersistDuration, time.Since(persistStart))
	if err != nil {
		m.metrics.IncCounter(telemetry.MetricPersistFailure, 1)
		logging.ErrorWithStack(m.logger, err, "turn.persist_failed", "interaction_id", t.interactionID)
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		return rec, &PersistError{InteractionID: t.interactionID, Err: err}
	}
	return rec, nil
}
