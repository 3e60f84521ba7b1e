package turn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/turnaudit/audit"
	"github.com/hupe1980/turnaudit/callback"
	"github.com/hupe1980/turnaudit/core"
	"github.com/hupe1980/turnaudit/internal/testutil"
	"github.com/hupe1980/turnaudit/logging"
	"github.com/hupe1980/turnaudit/store"
	"github.com/hupe1980/turnaudit/store/file"
	"github.com/hupe1980/turnaudit/store/memory"
	"github.com/hupe1980/turnaudit/telemetry"
)

type countingMetrics struct {
	mu       sync.Mutex
	counters map[string]float64
	timers   map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{counters: map[string]float64{}, timers: map[string]int{}}
}

func (m *countingMetrics) IncCounter(name string, v float64, _ ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name] += v
}

func (m *countingMetrics) RecordTimer(name string, _ time.Duration, _ ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timers[name]++
}

func (m *countingMetrics) counter(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

var t0 = time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)

func newManager(t *testing.T, sink store.Sink, optFns ...func(o *Options)) (*Manager, *testutil.Clock) {
	t.Helper()
	clock := testutil.NewClock(t0)
	fns := append([]func(o *Options){func(o *Options) {
		o.SessionID = "session-1"
		o.Model = "gemini-2.0-flash"
		o.Now = clock.Now
	}}, optFns...)
	return New(sink, fns...), clock
}

func TestManager_SingleToolTurn(t *testing.T) {
	mem := memory.New()
	m, clock := newManager(t, mem)

	id, err := m.Start("எனக்கு பதட்டமாக இருக்கிறது", "I feel anxious", "")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, StateOpen, m.State())

	clock.Advance(100 * time.Millisecond)
	token := core.NewRunToken()
	m.Capture().ToolStart(token, "get_medical_response", `{"query":"I feel anxious"}`)
	clock.Advance(1200 * time.Millisecond)
	require.True(t, m.Capture().ToolEnd(token, "Try slow breathing."))
	clock.Advance(200 * time.Millisecond)

	msgs := testutil.NewTranscriptBuilder().
		User("I feel anxious").
		ToolCalls("Routing to Mindwell", core.FunctionCall{ID: "c1", Name: "get_medical_response", Arguments: `{"query":"I feel anxious"}`}).
		ToolResult("c1", "get_medical_response", "Try slow breathing.").
		Assistant("Try slow breathing for a minute.").
		Build()

	rec, err := m.Finalize(context.Background(), msgs)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, m.State())

	assert.Equal(t, id, rec.InteractionID)
	assert.Equal(t, "session-1", rec.SessionID)
	assert.Equal(t, "gemini-2.0-flash", rec.Model)
	assert.Equal(t, "எனக்கு பதட்டமாக இருக்கிறது", rec.RawUserInput)
	assert.Equal(t, "I feel anxious", rec.PreprocessedInput)
	assert.True(t, rec.Timestamp.Equal(t0))
	assert.Equal(t, int64(1500), rec.LatencyMs)
	require.NotNil(t, rec.FinalAnswer)
	assert.Equal(t, "Try slow breathing for a minute.", *rec.FinalAnswer)

	require.Len(t, rec.ToolsCalled, 1)
	call := rec.ToolsCalled[0]
	assert.Equal(t, "get_medical_response", call.Name)
	require.NotNil(t, call.RationaleExcerpt)
	assert.Equal(t, "Routing to Mindwell", *call.RationaleExcerpt)
	require.NotNil(t, call.ToolOutput)
	assert.Equal(t, "Try slow breathing.", *call.ToolOutput)
	require.True(t, call.Timed())
	assert.Equal(t, int64(1200), *call.DurationMs)
	assert.GreaterOrEqual(t, rec.LatencyMs, *call.DurationMs)
	assert.True(t, call.StartTime.Equal(t0.Add(100*time.Millisecond)))
	assert.Equal(t, "Try slow breathing.", *call.OutputPreview)

	stored, ok := mem.Get(id)
	require.True(t, ok)
	assert.Equal(t, rec.InteractionID, stored.InteractionID)
	assert.Equal(t, 1, mem.Len())
}

func TestManager_ZeroToolTurn(t *testing.T) {
	mem := memory.New()
	m, _ := newManager(t, mem)

	_, err := m.Start("hello", "hello", "")
	require.NoError(t, err)
	rec, err := m.Finalize(context.Background(), testutil.NewTranscriptBuilder().User("hello").Assistant("Hi!").Build())
	require.NoError(t, err)

	assert.NotNil(t, rec.ToolsCalled)
	assert.Empty(t, rec.ToolsCalled)
	line, err := audit.Encode(rec)
	require.NoError(t, err)
	assert.Contains(t, string(line), `"tools_called":[]`)
	assert.NoError(t, audit.Validate(line))
}

func TestManager_FinalizeWithoutStart(t *testing.T) {
	mem := memory.New()
	m, _ := newManager(t, mem)

	_, err := m.Finalize(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoOpenTurn)
	assert.Equal(t, 0, mem.Len())

	_, err = m.Start("a", "a", "")
	require.NoError(t, err)
	_, err = m.Finalize(context.Background(), nil)
	require.NoError(t, err)

	// A second finalize for the same turn is rejected.
	_, err = m.Finalize(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoOpenTurn)
	assert.Equal(t, 1, mem.Len())
}

func TestManager_EmptyTranscriptHasNoFinalAnswer(t *testing.T) {
	m, _ := newManager(t, nil)
	_, err := m.Start("a", "a", "")
	require.NoError(t, err)
	rec, err := m.Finalize(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, rec.FinalAnswer)
}

func TestManager_CountMismatch(t *testing.T) {
	metrics := newCountingMetrics()
	m, clock := newManager(t, nil, func(o *Options) { o.Metrics = metrics })

	_, err := m.Start("q", "q", "")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		token := core.NewRunToken()
		m.Capture().ToolStart(token, "lookup", "")
		clock.Advance(10 * time.Millisecond)
		m.Capture().ToolEnd(token, "ok")
	}

	msgs := testutil.NewTranscriptBuilder().
		User("q").
		ToolCalls("", core.FunctionCall{ID: "a", Name: "lookup"}, core.FunctionCall{ID: "b", Name: "lookup"}).
		Assistant("done").
		Build()
	rec, err := m.Finalize(context.Background(), msgs)
	require.NoError(t, err)

	require.Len(t, rec.ToolsCalled, 2)
	assert.True(t, rec.ToolsCalled[0].Timed())
	assert.True(t, rec.ToolsCalled[1].Timed())
	assert.Equal(t, float64(1), metrics.counter(telemetry.MetricCountMismatch))
}

func TestManager_MoreIntentsThanRuns(t *testing.T) {
	m, clock := newManager(t, nil)

	_, err := m.Start("q", "q", "")
	require.NoError(t, err)
	token := core.NewRunToken()
	m.Capture().ToolStart(token, "lookup", "")
	clock.Advance(10 * time.Millisecond)
	m.Capture().ToolEnd(token, "ok")

	msgs := testutil.NewTranscriptBuilder().
		ToolCalls("", core.FunctionCall{ID: "a", Name: "lookup"}, core.FunctionCall{ID: "b", Name: "lookup"}).
		Build()
	rec, err := m.Finalize(context.Background(), msgs)
	require.NoError(t, err)

	require.Len(t, rec.ToolsCalled, 2)
	assert.True(t, rec.ToolsCalled[0].Timed())
	assert.False(t, rec.ToolsCalled[1].Timed())
}

func TestManager_StartResetsTelemetry(t *testing.T) {
	metrics := newCountingMetrics()
	m, _ := newManager(t, nil, func(o *Options) { o.Metrics = metrics })

	first, err := m.Start("a", "a", "")
	require.NoError(t, err)
	stale := core.NewRunToken()
	m.Capture().ToolStart(stale, "slow_tool", "")

	second, err := m.Start("b", "b", "other-model")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.Equal(t, float64(1), metrics.counter(telemetry.MetricAbandonedRuns))

	// The end of the abandoned run arrives late and is dropped.
	assert.False(t, m.Capture().ToolEnd(stale, "late"))

	rec, err := m.Finalize(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, second, rec.InteractionID)
	assert.Equal(t, "other-model", rec.Model)
	assert.Equal(t, "b", rec.RawUserInput)
}

func TestManager_StrictStart(t *testing.T) {
	m, _ := newManager(t, nil, func(o *Options) { o.StrictStart = true })

	first, err := m.Start("a", "a", "")
	require.NoError(t, err)
	_, err = m.Start("b", "b", "")
	assert.ErrorIs(t, err, ErrTurnAlreadyOpen)

	current, ok := m.InteractionID()
	require.True(t, ok)
	assert.Equal(t, first, current)
}

func TestManager_PersistErrorReturnsRecord(t *testing.T) {
	boom := errors.New("disk full")
	metrics := newCountingMetrics()
	sink := store.SinkFunc(func(context.Context, *audit.Record) error { return boom })
	m, _ := newManager(t, sink, func(o *Options) { o.Metrics = metrics })

	id, err := m.Start("a", "a", "")
	require.NoError(t, err)
	rec, err := m.Finalize(context.Background(), testutil.NewTranscriptBuilder().Assistant("answer").Build())

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	var pe *PersistError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, id, pe.InteractionID)
	require.NotNil(t, rec)
	assert.Equal(t, id, rec.InteractionID)
	assert.Equal(t, StateIdle, m.State())
	assert.Equal(t, float64(1), metrics.counter(telemetry.MetricPersistFailure))

	// The session continues with the next turn.
	_, err = m.Start("b", "b", "")
	assert.NoError(t, err)
}

func TestManager_TwoTurnsAcrossDayBoundary(t *testing.T) {
	dir := t.TempDir()
	clock := testutil.NewClock(time.Date(2026, 10, 19, 23, 59, 59, 0, time.UTC))
	w, err := file.NewWriter(dir, func(o *file.Options) { o.Now = clock.Now })
	require.NoError(t, err)
	m := New(w, func(o *Options) {
		o.SessionID = "session-1"
		o.Now = clock.Now
	})
	ctx := context.Background()

	first, err := m.Start("a", "a", "")
	require.NoError(t, err)
	_, err = m.Finalize(ctx, testutil.NewTranscriptBuilder().Assistant("one").Build())
	require.NoError(t, err)

	clock.Advance(5 * time.Second)
	second, err := m.Start("b", "b", "")
	require.NoError(t, err)
	_, err = m.Finalize(ctx, testutil.NewTranscriptBuilder().Assistant("two").Build())
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	r := file.NewReader(dir, true)
	days, err := r.Days()
	require.NoError(t, err)
	assert.Len(t, days, 2)

	records, err := r.Session(ctx, "session-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, first, records[0].InteractionID)
	assert.Equal(t, second, records[1].InteractionID)
}

func TestManager_Begin(t *testing.T) {
	m, _ := newManager(t, nil)

	id, input, err := m.Begin(context.Background(), "வணக்கம்", "", func(_ context.Context, raw string) (string, error) {
		return "hello", nil
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, "hello", input)
	rec, err := m.Finalize(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "வணக்கம்", rec.RawUserInput)
	assert.Equal(t, "hello", rec.PreprocessedInput)

	fail := errors.New("translate failed")
	_, _, err = m.Begin(context.Background(), "x", "", func(context.Context, string) (string, error) { return "", fail })
	assert.ErrorIs(t, err, fail)
	assert.Equal(t, StateIdle, m.State())

	_, input, err = m.Begin(context.Background(), "plain", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "plain", input)
	rec, err = m.Finalize(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "plain", rec.PreprocessedInput)
}

func TestManager_FinalizePersistsCancelledTurn(t *testing.T) {
	var got error
	sink := store.SinkFunc(func(ctx context.Context, _ *audit.Record) error {
		got = ctx.Err()
		return got
	})
	m, _ := newManager(t, sink)

	_, err := m.Start("a", "a", "")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec, err := m.Finalize(ctx, nil)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.NoError(t, got)
}

func TestManager_AbandonedWarningStaysQuiet(t *testing.T) {
	logger := &levelLogger{}
	m, _ := newManager(t, nil, func(o *Options) { o.Logger = logger })

	_, err := m.Start("a", "a", "")
	require.NoError(t, err)
	_, err = m.Start("b", "b", "")
	require.NoError(t, err)
	assert.Zero(t, logger.warns)
}

func TestManager_PersistFailureLogsError(t *testing.T) {
	logger := &levelLogger{}
	sink := store.SinkFunc(func(context.Context, *audit.Record) error { return errors.New("disk full") })
	m, _ := newManager(t, sink, func(o *Options) { o.Logger = logger })

	_, err := m.Start("a", "a", "")
	require.NoError(t, err)
	_, err = m.Finalize(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, 1, logger.errors)
}

type levelLogger struct {
	logging.NoOpLogger
	mu     sync.Mutex
	warns  int
	errors int
}

func (l *levelLogger) Warn(string, ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns++
}

func (l *levelLogger) Error(string, ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors++
}

func TestManager_Abandon(t *testing.T) {
	m, _ := newManager(t, nil)
	assert.Equal(t, 0, m.Abandon())

	_, err := m.Start("a", "a", "")
	require.NoError(t, err)
	m.Capture().ToolStart(core.NewRunToken(), "slow", "")
	assert.Equal(t, 1, m.Abandon())
	assert.Equal(t, StateIdle, m.State())

	_, ok := m.InteractionID()
	assert.False(t, ok)
}

func TestManager_CallbacksFeedCapture(t *testing.T) {
	m, _ := newManager(t, nil)
	assert.NotEmpty(t, m.SessionID())
	assert.Equal(t, 1, m.Callbacks().Len(callback.ToolStart))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "finalizing", StateFinalizing.String())
	assert.Equal(t, "unknown", State(42).String())
}
