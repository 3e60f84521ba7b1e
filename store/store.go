// Package store defines where finalized audit records go. A Sink receives each
// record exactly once per turn; composite sinks add mirroring and retries on
// top of the concrete backends in the subpackages.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hupe1980/turnaudit/audit"
	"github.com/hupe1980/turnaudit/logging"
)

// ErrNilRecord is returned by sinks asked to persist a nil record.
var ErrNilRecord = errors.New("store: nil record")

// Sink persists finalized audit records.
type Sink interface {
	Write(ctx context.Context, rec *audit.Record) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, rec *audit.Record) error

// Write calls f(ctx, rec).
func (f SinkFunc) Write(ctx context.Context, rec *audit.Record) error { return f(ctx, rec) }

// Fanout writes to a primary sink and any number of mirrors. Only the
// primary's error is returned; mirror failures are logged and dropped so a
// secondary backend can never fail a turn.
type Fanout struct {
	primary Sink
	mirrors []Sink
	logger  logging.Logger
}

// NewFanout creates a Fanout. logger may be nil.
func NewFanout(primary Sink, logger logging.Logger, mirrors ...Sink) *Fanout {
	return &Fanout{primary: primary, mirrors: mirrors, logger: logging.Ensure(logger)}
}

// Write persists rec to the primary, then to each mirror in order.
func (f *Fanout) Write(ctx context.Context, rec *audit.Record) error {
	if rec == nil {
		return ErrNilRecord
	}
	err := f.primary.Write(ctx, rec)
	for i, m := range f.mirrors {
		if merr := m.Write(ctx, rec); merr != nil {
			f.logger.Warn("store.mirror.failed", "mirror", i, "interaction_id", rec.InteractionID, "error", merr)
		}
	}
	return err
}

// RetryConfig configures Retrying.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first one.
	// Values below 1 are treated as 1.
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryConfig returns three attempts starting at 50ms.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     3,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     time.Second,
	}
}

// ExhaustedError is returned when every attempt of a Retrying sink failed.
type ExhaustedError struct {
	Attempts  int
	LastError error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("store: write failed after %d attempts: %v", e.Attempts, e.LastError)
}

func (e *ExhaustedError) Unwrap() error { return e.LastError }

// Retrying wraps a sink with exponential backoff.
type Retrying struct {
	next   Sink
	cfg    RetryConfig
	logger logging.Logger
}

// NewRetrying wraps next. logger may be nil.
func NewRetrying(next Sink, cfg RetryConfig, logger logging.Logger) *Retrying {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Retrying{next: next, cfg: cfg, logger: logging.Ensure(logger)}
}

// Write attempts next.Write until it succeeds, the attempts are used up or ctx
// is done. Nil records and context errors are not retried.
func (r *Retrying) Write(ctx context.Context, rec *audit.Record) error {
	if rec == nil {
		return ErrNilRecord
	}

	eb := backoff.NewExponentialBackOff()
	if r.cfg.InitialInterval > 0 {
		eb.InitialInterval = r.cfg.InitialInterval
	}
	if r.cfg.MaxInterval > 0 {
		eb.MaxInterval = r.cfg.MaxInterval
	}
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(r.cfg.MaxAttempts-1)), ctx)

	attempts := 0
	op := func() error {
		attempts++
		err := r.next.Write(ctx, rec)
		if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Warn("store.retry", "interaction_id", rec.InteractionID, "attempt", attempts, "wait", wait, "error", err)
	}

	err := backoff.RetryNotify(op, policy, notify)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		err = fmt.Errorf("%w: %w", ctxErr, err)
	}
	return &ExhaustedError{Attempts: attempts, LastError: err}
}
