// Package file persists audit records as JSON lines in one append-only file
// per UTC day, named audit_<YYYY-MM-DD>.jsonl.
package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hupe1980/turnaudit/audit"
	"github.com/hupe1980/turnaudit/logging"
	"github.com/hupe1980/turnaudit/store"
)

const (
	filePrefix = "audit_"
	fileSuffix = ".jsonl"
	dateLayout = "2006-01-02"
)

// FileName returns the log file name for the UTC day containing t.
func FileName(t time.Time) string {
	return filePrefix + t.UTC().Format(dateLayout) + fileSuffix
}

// Options configures a Writer.
type Options struct {
	// Now selects the file at write time. Defaults to time.Now.
	Now func() time.Time
	// Perm is the mode used when creating files. Defaults to 0o644.
	Perm os.FileMode
	// Logger receives persistence timings and failures.
	Logger logging.Logger
}

// Writer appends records to the day file of the moment they are written. A
// record finalized just before midnight UTC and written after it lands in the
// next day's file.
//
// Writes are serialized so each record is appended with a single write call
// and lines from concurrent callers never interleave.
type Writer struct {
	dir    string
	now    func() time.Time
	perm   os.FileMode
	logger logging.Logger

	mu sync.Mutex
}

var _ store.Sink = (*Writer)(nil)

// NewWriter returns a Writer rooted at dir. The directory is created on
// write, and re-created if it was removed in between.
func NewWriter(dir string, optFns ...func(o *Options)) (*Writer, error) {
	if dir == "" {
		return nil, fmt.Errorf("file: log directory is required")
	}
	opts := Options{Now: time.Now, Perm: 0o644}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Perm == 0 {
		opts.Perm = 0o644
	}
	return &Writer{
		dir:    dir,
		now:    opts.Now,
		perm:   opts.Perm,
		logger: logging.Ensure(opts.Logger),
	}, nil
}

// Dir returns the log directory.
func (w *Writer) Dir() string { return w.dir }

// Path returns the file a record written at t goes to.
func (w *Writer) Path(t time.Time) string { return filepath.Join(w.dir, FileName(t)) }

// Write encodes rec and appends it to the current day file.
func (w *Writer) Write(ctx context.Context, rec *audit.Record) error {
	if rec == nil {
		return store.ErrNilRecord
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := audit.Encode(rec)
	if err != nil {
		return err
	}

	start := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()

	err = w.appendLocked(w.Path(w.now()), line)
	logging.Persist(w.logger, "file", time.Since(start), err)
	return err
}

func (w *Writer) appendLocked(path string, line []byte) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("file: create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, w.perm)
	if err != nil {
		return fmt.Errorf("file: open %s: %w", path, err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("file: append %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("file: close %s: %w", path, err)
	}
	return nil
}
