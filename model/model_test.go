package model

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/turnaudit/callback"
	"github.com/hupe1980/turnaudit/core"
)

func TestMockModel_CannedAndFallback(t *testing.T) {
	m := NewMockModel("mock", "test")
	m.AddResponse("hi", "hello")
	ctx := context.Background()

	resp, err := Collect(ctx, m, Request{Messages: []core.Message{core.NewUserMessage("hi")}})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Message.Text())
	assert.Equal(t, "stop", resp.FinishReason)

	resp, err = Collect(ctx, m, Request{Messages: []core.Message{core.NewUserMessage("other")}})
	require.NoError(t, err)
	assert.Equal(t, "Mock response to: other", resp.Message.Text())
	assert.Equal(t, 2, m.Calls())

	_, err = Collect(ctx, m, Request{})
	assert.Error(t, err)
}

func TestMockModel_ScriptAndStream(t *testing.T) {
	m := NewMockModel("mock", "test")
	m.Script(
		core.NewToolCallMessage("mock", "", core.FunctionCall{ID: "c1", Name: "lookup"}),
		core.NewAssistantMessage("mock", "abc"),
	)
	ctx := context.Background()

	resp, err := Collect(ctx, m, Request{})
	require.NoError(t, err)
	assert.Equal(t, "tool_calls", resp.FinishReason)
	assert.True(t, resp.Message.HasFunctionCalls())

	respCh, errCh := m.Generate(ctx, Request{Stream: true})
	var partials int
	var final Response
	for r := range respCh {
		if r.Partial {
			partials++
			continue
		}
		final = r
	}
	require.NoError(t, <-errCh)
	assert.Equal(t, 3, partials)
	assert.Equal(t, "abc", final.Message.Text())
}

type recorder struct {
	mu     sync.Mutex
	events []callback.Event
}

func (r *recorder) register(m *callback.Manager) {
	for _, typ := range []callback.Type{callback.ModelStart, callback.ModelEnd} {
		m.RegisterFunc(typ, func(_ context.Context, ev *callback.Event) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, *ev)
			return nil
		})
	}
}

func TestInstrument_DispatchesStartAndEnd(t *testing.T) {
	cb := callback.NewManager()
	rec := &recorder{}
	rec.register(cb)

	inner := NewMockModel("gpt-test", "mock")
	inner.AddResponse("I feel anxious", "Breathe.")
	m := Instrument(inner, cb)
	assert.Equal(t, "gpt-test", m.Info().Name)

	resp, err := Collect(context.Background(), m, Request{Messages: []core.Message{core.NewUserMessage("I feel anxious")}})
	require.NoError(t, err)
	assert.Equal(t, "Breathe.", resp.Message.Text())

	require.Len(t, rec.events, 2)
	start, end := rec.events[0], rec.events[1]
	assert.Equal(t, callback.ModelStart, start.Type)
	assert.Equal(t, "gpt-test", start.Name)
	require.Len(t, start.Messages, 1)
	assert.Equal(t, callback.ModelEnd, end.Type)
	assert.Equal(t, start.RunToken, end.RunToken)
	assert.NotEmpty(t, end.RunToken)
	require.Len(t, end.Messages, 1)
	assert.Equal(t, "Breathe.", end.Messages[0].Text())
}

type failingModel struct{ err error }

func (f failingModel) Info() Info { return Info{Name: "broken"} }

func (f failingModel) Generate(context.Context, Request) (<-chan Response, <-chan error) {
	out := make(chan Response)
	errCh := make(chan error, 1)
	close(out)
	errCh <- f.err
	close(errCh)
	return out, errCh
}

func TestInstrument_ErrorBecomesRawEnd(t *testing.T) {
	cb := callback.NewManager()
	rec := &recorder{}
	rec.register(cb)
	boom := errors.New("rate limited")

	_, err := Collect(context.Background(), Instrument(failingModel{err: boom}, cb), Request{})
	assert.ErrorIs(t, err, boom)

	require.Len(t, rec.events, 2)
	end := rec.events[1]
	assert.Nil(t, end.Messages)
	assert.Equal(t, boom, end.Raw)
	assert.ErrorIs(t, end.Err, boom)
}

func TestInstrument_StartCallbackErrorAborts(t *testing.T) {
	cb := callback.NewManager()
	denied := errors.New("denied")
	cb.RegisterFunc(callback.ModelStart, func(context.Context, *callback.Event) error { return denied })
	inner := NewMockModel("m", "mock")

	_, err := Collect(context.Background(), Instrument(inner, cb), Request{Messages: []core.Message{core.NewUserMessage("x")}})
	assert.ErrorIs(t, err, denied)
	assert.Equal(t, 0, inner.Calls())
}
