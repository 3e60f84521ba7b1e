// Package turnaudit provides a high-level façade over the turn auditor. It
// wires the configured sinks (daily JSON line files, optionally mirrored to
// Redis and MongoDB) to a turn.Manager and exposes helpers to instrument
// models and tools so their telemetry lands in the audit record. Most
// applications interact with this package by:
//  1. Creating an Auditor via New()
//  2. Wrapping their model with InstrumentModel and tools with NewExecutor
//  3. Running each user turn through RunTurn (or Start/Finalize directly)
//
// All defaults are safe for local development: records go to ./audit_logs
// and no mirrors are configured.
package turnaudit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/turnaudit/audit"
	"github.com/hupe1980/turnaudit/callback"
	"github.com/hupe1980/turnaudit/config"
	"github.com/hupe1980/turnaudit/core"
	"github.com/hupe1980/turnaudit/flow"
	"github.com/hupe1980/turnaudit/logging"
	"github.com/hupe1980/turnaudit/model"
	"github.com/hupe1980/turnaudit/store"
	"github.com/hupe1980/turnaudit/store/file"
	storemongo "github.com/hupe1980/turnaudit/store/mongo"
	storeredis "github.com/hupe1980/turnaudit/store/redis"
	"github.com/hupe1980/turnaudit/telemetry"
	"github.com/hupe1980/turnaudit/tool"
	"github.com/hupe1980/turnaudit/turn"
)

// Options configures the Auditor instance.
type Options struct {
	// Config defaults to config.Default() with a generated session id.
	Config *config.Config
	// Logger defaults to the logger described by Config.Log.
	Logger  logging.Logger
	Metrics telemetry.Metrics
	Tracer  trace.Tracer
	// Now drives turn timing and file rotation. Defaults to time.Now.
	Now func() time.Time
	// Mirrors receive every record after the primary file sink, in addition
	// to the Redis and MongoDB mirrors derived from Config.
	Mirrors []store.Sink
}

// Auditor is the high-level façade aggregating the sinks and the turn manager.
type Auditor struct {
	cfg     *config.Config
	logger  logging.Logger
	writer  *file.Writer
	manager *turn.Manager
	closers []func(ctx context.Context) error
}

// New creates an Auditor. Mirror connections named in the config are opened
// here and released by Close.
func New(ctx context.Context, optFns ...func(o *Options)) (*Auditor, error) {
	opts := Options{Now: time.Now}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	cfg.EnsureSessionID()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("turnaudit: invalid config: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		if strings.EqualFold(cfg.Log.Format, "clue") {
			logger = logging.NewClueAdapter(ctx)
		} else {
			logger = cfg.Logger()
		}
	}

	writer, err := file.NewWriter(cfg.LogDir, func(o *file.Options) {
		o.Now = opts.Now
		o.Logger = logger
	})
	if err != nil {
		return nil, fmt.Errorf("turnaudit: %w", err)
	}

	a := &Auditor{cfg: cfg, logger: logger, writer: writer}

	var primary store.Sink = writer
	if cfg.Retry.MaxAttempts > 1 {
		primary = store.NewRetrying(writer, store.RetryConfig{
			MaxAttempts:     cfg.Retry.MaxAttempts,
			InitialInterval: cfg.Retry.InitialInterval,
			MaxInterval:     cfg.Retry.MaxInterval,
		}, logger)
	}

	mirrors, err := a.openMirrors(ctx)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	mirrors = append(mirrors, opts.Mirrors...)

	a.manager = turn.New(store.NewFanout(primary, logger, mirrors...), func(o *turn.Options) {
		o.SessionID = cfg.SessionID
		o.Model = cfg.Model
		o.PreviewMax = cfg.OutputPreviewMax
		o.RationaleMax = cfg.RationaleMax
		o.StrictStart = cfg.StrictStart
		o.Now = opts.Now
		o.Logger = logger
		o.Metrics = opts.Metrics
		o.Tracer = opts.Tracer
	})
	logger.Info("turnaudit.ready", "session_id", cfg.SessionID, "log_dir", cfg.LogDir, "mirrors", len(mirrors))
	return a, nil
}

func (a *Auditor) openMirrors(ctx context.Context) ([]store.Sink, error) {
	var mirrors []store.Sink

	if addr := a.cfg.Redis.Addr; addr != "" {
		client := goredis.NewClient(&goredis.Options{Addr: addr})
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		sink, err := storeredis.New(storeredis.Options{
			Client: client,
			Stream: a.cfg.Redis.Stream,
			MaxLen: a.cfg.Redis.MaxLen,
			Logger: a.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("turnaudit: redis mirror: %w", err)
		}
		mirrors = append(mirrors, sink)
	}

	if uri := a.cfg.Mongo.URI; uri != "" {
		client, err := mongodriver.Connect(options.Client().ApplyURI(uri))
		if err != nil {
			return nil, fmt.Errorf("turnaudit: mongo connect: %w", err)
		}
		a.closers = append(a.closers, client.Disconnect)
		sink, err := storemongo.New(ctx, storemongo.Options{
			Client:     client,
			Database:   a.cfg.Mongo.Database,
			Collection: a.cfg.Mongo.Collection,
			Logger:     a.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("turnaudit: mongo mirror: %w", err)
		}
		mirrors = append(mirrors, sink)
	}
	return mirrors, nil
}

// Close releases mirror connections.
func (a *Auditor) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Config returns the effective configuration.
func (a *Auditor) Config() *config.Config { return a.cfg }

// SessionID returns the session id recorded on every turn.
func (a *Auditor) SessionID() string { return a.manager.SessionID() }

// Manager returns the underlying turn manager.
func (a *Auditor) Manager() *turn.Manager { return a.manager }

// Callbacks returns the registry instrumented models and tools publish to.
func (a *Auditor) Callbacks() *callback.Manager { return a.manager.Callbacks() }

// Reader returns a reader over the audit log directory.
func (a *Auditor) Reader() *file.Reader { return file.NewReader(a.cfg.LogDir, true) }

// InstrumentModel wraps m so its requests and responses are recorded as
// model calls of the open turn.
func (a *Auditor) InstrumentModel(m model.Model) model.Model {
	return model.Instrument(m, a.manager.Callbacks())
}

// NewExecutor creates a tool executor whose runs are timed by the auditor.
func (a *Auditor) NewExecutor(tools []tool.Tool, optFns ...func(o *tool.ExecutorOptions)) *tool.Executor {
	fns := append([]func(o *tool.ExecutorOptions){func(o *tool.ExecutorOptions) { o.Logger = a.logger }}, optFns...)
	return tool.NewExecutor(a.manager.Callbacks(), tools, fns...)
}

// Start opens a turn. See turn.Manager.Start.
func (a *Auditor) Start(rawInput, preprocessedInput, modelID string) (string, error) {
	return a.manager.Start(rawInput, preprocessedInput, modelID)
}

// Finalize closes the open turn. See turn.Manager.Finalize.
func (a *Auditor) Finalize(ctx context.Context, msgs []core.Message) (*audit.Record, error) {
	return a.manager.Finalize(ctx, msgs)
}

// RunTurn audits one full turn: it preprocesses raw, runs loop on the
// result and finalizes the record from the produced transcript. A loop
// error still finalizes the turn with the partial transcript and is
// returned joined with any persistence error.
func (a *Auditor) RunTurn(
	ctx context.Context,
	loop *flow.Loop,
	history []core.Message,
	raw string,
	pre turn.Preprocessor,
) (*audit.Record, []core.Message, error) {
	modelID := a.cfg.Model
	if modelID == "" {
		modelID = loop.ModelName()
	}
	_, input, err := a.manager.Begin(ctx, raw, modelID, pre)
	if err != nil {
		return nil, nil, err
	}

	msgs, loopErr := loop.Run(ctx, history, input)
	rec, err := a.manager.Finalize(ctx, msgs)
	if loopErr != nil {
		return rec, msgs, errors.Join(loopErr, err)
	}
	return rec, msgs, err
}
