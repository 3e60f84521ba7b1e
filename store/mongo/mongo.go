// Package mongo stores audit records as MongoDB documents for querying by
// session and interaction.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/hupe1980/turnaudit/audit"
	"github.com/hupe1980/turnaudit/logging"
	"github.com/hupe1980/turnaudit/store"
)

const (
	defaultCollection = "turn_audit_records"
	defaultTimeout    = 5 * time.Second
)

type (
	// Options configures the Mongo sink.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
		Logger     logging.Logger
	}

	// Sink writes one document per record.
	Sink struct {
		coll    collection
		timeout time.Duration
		logger  logging.Logger
	}

	// recordDocument keeps the queryable identifiers as top level fields and
	// the full record as its JSON line.
	recordDocument struct {
		InteractionID string    `bson:"interaction_id"`
		SessionID     string    `bson:"session_id"`
		Model         string    `bson:"model"`
		Timestamp     time.Time `bson:"timestamp"`
		LatencyMs     int64     `bson:"latency_ms"`
		ToolCount     int       `bson:"tool_count"`
		Record        string    `bson:"record"`
	}
)

var _ store.Sink = (*Sink)(nil)

// New returns a Sink backed by the provided MongoDB client and ensures the
// session index exists.
func New(ctx context.Context, opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo: client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("mongo: database name is required")
	}
	name := opts.Collection
	if name == "" {
		name = defaultCollection
	}
	coll := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(name)}
	s := newWithCollection(coll, opts.Timeout, opts.Logger)

	ictx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := coll.ensureIndexes(ictx); err != nil {
		return nil, fmt.Errorf("mongo: create indexes: %w", err)
	}
	return s, nil
}

func newWithCollection(coll collection, timeout time.Duration, logger logging.Logger) *Sink {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Sink{coll: coll, timeout: timeout, logger: logging.Ensure(logger)}
}

// Write inserts rec.
func (s *Sink) Write(ctx context.Context, rec *audit.Record) error {
	if rec == nil {
		return store.ErrNilRecord
	}
	line, err := audit.Encode(rec)
	if err != nil {
		return err
	}
	doc := recordDocument{
		InteractionID: rec.InteractionID,
		SessionID:     rec.SessionID,
		Model:         rec.Model,
		Timestamp:     rec.Timestamp.UTC(),
		LatencyMs:     rec.LatencyMs,
		ToolCount:     len(rec.ToolsCalled),
		Record:        string(line),
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	start := time.Now()
	err = s.coll.insertOne(ctx, doc)
	if err != nil {
		err = fmt.Errorf("mongo: insert: %w", err)
	}
	logging.Persist(s.logger, "mongo", time.Since(start), err)
	return err
}

// Session returns up to limit records of a session, oldest first.
func (s *Sink) Session(ctx context.Context, sessionID string, limit int) (out []*audit.Record, err error) {
	if sessionID == "" {
		return nil, errors.New("mongo: session id is required")
	}
	if limit <= 0 {
		return nil, errors.New("mongo: limit must be > 0")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.coll.find(ctx, bson.M{"session_id": sessionID}, int64(limit))
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()

	for cur.Next(ctx) {
		var doc recordDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		rec, err := audit.Decode([]byte(doc.Record))
		if err != nil {
			return nil, fmt.Errorf("mongo: interaction %s: %w", doc.InteractionID, err)
		}
		out = append(out, rec)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Sink) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

type collection interface {
	insertOne(ctx context.Context, doc any) error
	find(ctx context.Context, filter any, limit int64) (cursor, error)
}

type cursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) insertOne(ctx context.Context, doc any) error {
	_, err := c.coll.InsertOne(ctx, doc)
	return err
}

func (c mongoCollection) find(ctx context.Context, filter any, limit int64) (cursor, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: 1}}).
		SetLimit(limit)
	return c.coll.Find(ctx, filter, opts)
}

func (c mongoCollection) ensureIndexes(ctx context.Context) error {
	_, err := c.coll.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "timestamp", Value: 1}}},
		{Keys: bson.D{{Key: "interaction_id", Value: 1}}, Options: options.Index().SetUnique(true)},
	})
	return err
}
