package model

import (
	"context"

	"github.com/hupe1980/turnaudit/callback"
	"github.com/hupe1980/turnaudit/core"
)

// Instrumented wraps a Model and publishes a model_start callback before each
// request and a model_end callback with the final decoded message afterwards.
// Each Generate call gets a fresh run token shared by both callbacks.
type Instrumented struct {
	next      Model
	callbacks *callback.Manager
}

// Instrument wraps m so its calls are visible to callbacks registered on cb.
func Instrument(m Model, cb *callback.Manager) *Instrumented {
	return &Instrumented{next: m, callbacks: cb}
}

// Info returns the wrapped model's info.
func (i *Instrumented) Info() Info { return i.next.Info() }

// Generate forwards to the wrapped model. Callback errors are reported on the
// error channel; a failed model_start aborts the request.
func (i *Instrumented) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	token := core.NewRunToken()
	out := make(chan Response, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		start := &callback.Event{
			Type:     callback.ModelStart,
			RunToken: token,
			Name:     i.next.Info().Name,
			Messages: req.Messages,
		}
		if err := i.callbacks.Dispatch(ctx, start); err != nil {
			errCh <- err
			return
		}

		respCh, innerErr := i.next.Generate(ctx, req)
		var final *Response
		for r := range respCh {
			if !r.Partial {
				r := r
				final = &r
			}
			out <- r
		}
		genErr := <-innerErr

		end := &callback.Event{Type: callback.ModelEnd, RunToken: token, Err: genErr}
		switch {
		case final != nil && len(final.Message.Parts) > 0:
			end.Messages = []core.Message{final.Message}
			end.Raw = final.Raw
		case final != nil && final.Raw != nil:
			end.Raw = final.Raw
		case genErr != nil:
			end.Raw = genErr
		}
		if err := i.callbacks.Dispatch(ctx, end); err != nil && genErr == nil {
			genErr = err
		}
		if genErr != nil {
			errCh <- genErr
		}
	}()
	return out, errCh
}
