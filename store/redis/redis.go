// Package redis mirrors audit records onto a Redis stream so downstream
// consumers can follow turns as they are finalized.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hupe1980/turnaudit/audit"
	"github.com/hupe1980/turnaudit/logging"
	"github.com/hupe1980/turnaudit/store"
)

const (
	defaultStream = "turnaudit:records"
	defaultMaxLen = 100_000

	fieldInteraction = "interaction_id"
	fieldSession     = "session_id"
	fieldRecord      = "record"
)

// Client is the subset of the go-redis client used by the sink.
// *redis.Client, *redis.ClusterClient and redis.UniversalClient satisfy it.
type Client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XRevRangeN(ctx context.Context, stream, start, stop string, count int64) *redis.XMessageSliceCmd
}

// Options configures a Sink.
type Options struct {
	Client Client
	// Stream is the stream key. Defaults to "turnaudit:records".
	Stream string
	// MaxLen approximately caps the stream length. Defaults to 100000;
	// negative disables trimming.
	MaxLen int64
	// Timeout bounds each command. Zero disables the per-call timeout.
	Timeout time.Duration
	Logger  logging.Logger
}

// Sink appends one stream entry per record holding the JSON line and the
// identifiers consumers filter on.
type Sink struct {
	client  Client
	stream  string
	maxLen  int64
	timeout time.Duration
	logger  logging.Logger
}

var _ store.Sink = (*Sink)(nil)

// New returns a Sink backed by opts.Client.
func New(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("redis: client is required")
	}
	stream := opts.Stream
	if stream == "" {
		stream = defaultStream
	}
	maxLen := opts.MaxLen
	if maxLen == 0 {
		maxLen = defaultMaxLen
	}
	if maxLen < 0 {
		maxLen = 0
	}
	return &Sink{
		client:  opts.Client,
		stream:  stream,
		maxLen:  maxLen,
		timeout: opts.Timeout,
		logger:  logging.Ensure(opts.Logger),
	}, nil
}

// Write adds rec to the stream.
func (s *Sink) Write(ctx context.Context, rec *audit.Record) error {
	if rec == nil {
		return store.ErrNilRecord
	}
	line, err := audit.Encode(rec)
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	args := &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: s.maxLen > 0,
		Values: map[string]any{
			fieldInteraction: rec.InteractionID,
			fieldSession:     rec.SessionID,
			fieldRecord:      string(line),
		},
	}
	_, err = s.client.XAdd(ctx, args).Result()
	if err != nil {
		err = fmt.Errorf("redis: xadd %s: %w", s.stream, err)
	}
	logging.Persist(s.logger, "redis", time.Since(start), err)
	return err
}

// Recent returns up to count of the newest records, newest first.
func (s *Sink) Recent(ctx context.Context, count int64) ([]*audit.Record, error) {
	if count <= 0 {
		return nil, errors.New("redis: count must be > 0")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	msgs, err := s.client.XRevRangeN(ctx, s.stream, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: xrevrange %s: %w", s.stream, err)
	}
	out := make([]*audit.Record, 0, len(msgs))
	for _, m := range msgs {
		raw, ok := m.Values[fieldRecord].(string)
		if !ok {
			return nil, fmt.Errorf("redis: entry %s has no %s field", m.ID, fieldRecord)
		}
		rec, err := audit.Decode([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("redis: entry %s: %w", m.ID, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Sink) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}
