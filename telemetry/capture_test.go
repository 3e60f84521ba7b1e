package telemetry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/turnaudit/audit"
	"github.com/hupe1980/turnaudit/callback"
	"github.com/hupe1980/turnaudit/core"
	"github.com/hupe1980/turnaudit/internal/testutil"
)

type countingMetrics struct {
	mu       sync.Mutex
	counters map[string]float64
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{counters: map[string]float64{}}
}

func (m *countingMetrics) IncCounter(name string, value float64, _ ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name] += value
}

func (m *countingMetrics) RecordTimer(string, time.Duration, ...string) {}

func (m *countingMetrics) get(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

func newClockCapture(clock *testutil.Clock, metrics Metrics) *Capture {
	return New(func(o *Options) {
		o.Now = clock.Now
		o.Metrics = metrics
	})
}

func TestCapture_StartEnd(t *testing.T) {
	clock := testutil.NewClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	c := newClockCapture(clock, nil)

	c.ToolStart("r1", "get_medical_response", `{"query":"I feel anxious"}`)
	assert.Equal(t, 1, c.Stats().Pending)

	clock.Advance(1200 * time.Millisecond)
	require.True(t, c.ToolEnd("r1", "Try slow breathing."))

	done := c.Completed()
	require.Len(t, done, 1)
	assert.Equal(t, "get_medical_response", done[0].Name)
	assert.Equal(t, `{"query":"I feel anxious"}`, done[0].Input)
	assert.Equal(t, 1200*time.Millisecond, done[0].Duration)
	assert.Equal(t, "Try slow breathing.", done[0].OutputPreview)
	assert.Equal(t, Stats{Completed: 1}, c.Stats())
}

func TestCapture_UnmatchedEndDropped(t *testing.T) {
	metrics := newCountingMetrics()
	c := New(func(o *Options) { o.Metrics = metrics })

	assert.False(t, c.ToolEnd("ghost", "x"))
	assert.Empty(t, c.Completed())
	assert.Equal(t, 1, c.Stats().UnmatchedEnds)
	assert.Equal(t, float64(1), metrics.get(MetricUnmatchedEnd))
}

func TestCapture_DuplicateStartReplaces(t *testing.T) {
	clock := testutil.NewClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	metrics := newCountingMetrics()
	c := newClockCapture(clock, metrics)

	c.ToolStart("r1", "first", "a")
	clock.Advance(time.Second)
	c.ToolStart("r1", "second", "b")
	clock.Advance(time.Second)
	require.True(t, c.ToolEnd("r1", nil))

	done := c.Completed()
	require.Len(t, done, 1)
	assert.Equal(t, "second", done[0].Name)
	assert.Equal(t, time.Second, done[0].Duration)
	assert.Equal(t, "", done[0].OutputPreview)
	assert.Equal(t, 1, c.Stats().DuplicateStarts)
	assert.Equal(t, float64(1), metrics.get(MetricDuplicateStart))
}

func TestCapture_PreviewTruncation(t *testing.T) {
	c := New()
	c.ToolStart("r1", "big", "")
	c.ToolEnd("r1", strings.Repeat("x", 10000))
	assert.Len(t, c.Completed()[0].OutputPreview, 2000)

	c = New(func(o *Options) { o.PreviewMax = 3 })
	c.ToolStart("r2", "unicode", "")
	c.ToolEnd("r2", "ஆஇஈஉ")
	assert.Equal(t, "ஆஇஈ", c.Completed()[0].OutputPreview)
}

func TestCapture_CompletionOrder(t *testing.T) {
	c := New()
	c.ToolStart("a", "tool_a", "")
	c.ToolStart("b", "tool_b", "")
	c.ToolStart("c", "tool_c", "")
	c.ToolEnd("c", "3")
	c.ToolEnd("a", "1")
	c.ToolEnd("b", "2")

	var names []string
	for _, r := range c.Completed() {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{"tool_c", "tool_a", "tool_b"}, names)
}

func TestCapture_ResetReportsAbandoned(t *testing.T) {
	c := New()
	c.ToolStart("a", "x", "")
	c.ToolStart("b", "y", "")
	c.ToolEnd("a", "done")
	c.ModelStart("m", "gpt", []core.Message{core.NewUserMessage("hi")})

	assert.Equal(t, 1, c.Reset())
	assert.Equal(t, Stats{}, c.Stats())

	// The abandoned run's end arrives after the reset and is dropped.
	assert.False(t, c.ToolEnd("b", "late"))
	assert.Empty(t, c.Completed())
}

func TestCapture_ModelCalls(t *testing.T) {
	clock := testutil.NewClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.FixedZone("IST", 19800)))
	c := newClockCapture(clock, nil)

	c.ModelStart("m1", "gpt-4o", []core.Message{core.NewUserMessage("I feel anxious")})
	clock.Advance(time.Second)
	c.ModelEnd("m1", []core.Message{core.NewAssistantMessage("agent", "Breathe.")})
	c.ModelEndRaw("m2", struct{ Weird int }{Weird: 7})

	calls := c.ModelCalls()
	require.Len(t, calls, 3)
	assert.Equal(t, audit.EventModelStart, calls[0].Event)
	assert.Equal(t, "gpt-4o", calls[0].ModelName)
	assert.Equal(t, "I feel anxious", calls[0].Messages[0].Content)
	assert.Equal(t, time.UTC, calls[0].Timestamp.Location())
	assert.Equal(t, audit.EventModelEnd, calls[1].Event)
	assert.Equal(t, "Breathe.", calls[1].Outputs[0].Content)
	assert.Equal(t, `{"Weird":7}`, calls[2].RawOutput)
	assert.Nil(t, calls[2].Outputs)
}

func TestCapture_RegisterWithCallbackManager(t *testing.T) {
	c := New()
	m := callback.NewManager()
	c.Register(m)
	ctx := context.Background()

	require.NoError(t, m.Dispatch(ctx, &callback.Event{Type: callback.ToolStart, RunToken: "r1", Name: "lookup", Input: `{"q":1}`}))
	require.NoError(t, m.Dispatch(ctx, &callback.Event{Type: callback.ToolEnd, RunToken: "r1", Err: errors.New("backend down")}))
	require.NoError(t, m.Dispatch(ctx, &callback.Event{Type: callback.ModelStart, RunToken: "m1", Name: "gpt"}))
	require.NoError(t, m.Dispatch(ctx, &callback.Event{Type: callback.ModelEnd, RunToken: "m1", Raw: "opaque"}))
	require.NoError(t, m.Dispatch(ctx, &callback.Event{Type: callback.ModelEnd, RunToken: "m2", Messages: []core.Message{core.NewAssistantMessage("a", "ok")}}))

	done := c.Completed()
	require.Len(t, done, 1)
	assert.Equal(t, "backend down", done[0].OutputPreview)

	calls := c.ModelCalls()
	require.Len(t, calls, 3)
	assert.Equal(t, "gpt", calls[0].ModelName)
	assert.Equal(t, "opaque", calls[1].RawOutput)
	assert.Equal(t, "ok", calls[2].Outputs[0].Content)
}

func TestCapture_ConcurrentRuns(t *testing.T) {
	c := New()
	const n = 64

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token := core.RunToken(fmt.Sprintf("run-%d", i))
			c.ToolStart(token, "tool", "")
			c.ToolEnd(token, i)
		}(i)
	}
	wg.Wait()

	st := c.Stats()
	assert.Equal(t, n, st.Completed)
	assert.Equal(t, 0, st.Pending)
	assert.Equal(t, 0, st.UnmatchedEnds)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 5))
	assert.Equal(t, "ab", Truncate("abc", 2))
	assert.Equal(t, "abc", Truncate("abc", 0))
	assert.Equal(t, "", Truncate("", 3))
}

func TestCapture_CompletionOrderProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("completed runs follow end-event order for any interleaving", prop.ForAll(
		func(n int, seed int64) bool {
			c := New()
			for i := 0; i < n; i++ {
				c.ToolStart(core.RunToken(fmt.Sprintf("r%d", i)), fmt.Sprintf("t%d", i), "")
			}
			order := rand.New(rand.NewSource(seed)).Perm(n)
			for _, i := range order {
				if !c.ToolEnd(core.RunToken(fmt.Sprintf("r%d", i)), i) {
					return false
				}
			}
			done := c.Completed()
			if len(done) != n || c.Stats().Pending != 0 {
				return false
			}
			for k, i := range order {
				if done[k].Name != fmt.Sprintf("t%d", i) {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 30),
		gen.Int64(),
	))

	properties.TestingRun(t)
}
