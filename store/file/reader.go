package file

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/hupe1980/turnaudit/audit"
)


// ErrStop may be returned by a Scan callback to end the scan early without
// an error.
var ErrStop = errors.New("file: stop scan")

// LineError locates a line that failed to decode or validate.
type LineError struct {
	Path string
	Line int
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("file: %s:%d: %v", e.Path, e.Line, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }

// Reader reads records back from a log directory for retrieval and review.
type Reader struct {
	dir      string
	validate bool
}

// NewReader returns a Reader over dir. When validate is true every line is
// checked against the record JSON Schema before decoding.
func NewReader(dir string, validate bool) *Reader {
	return &Reader{dir: dir, validate: validate}
}

// Dir returns the directory being read.
func (r *Reader) Dir() string { return r.dir }

// Days returns the UTC days that have a log file, oldest first.
func (r *Reader) Days() ([]time.Time, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var days []time.Time
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if day, ok := parseFileName(e.Name()); ok {
			days = append(days, day)
		}
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days, nil
}

// ReadDay returns every record of the UTC day containing day, in append
// order. A missing file yields no records.
func (r *Reader) ReadDay(ctx context.Context, day time.Time) ([]*audit.Record, error) {
	var out []*audit.Record
	err := r.scanFile(ctx, filepath.Join(r.dir, FileName(day)), func(rec *audit.Record) error {
		out = append(out, rec)
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return out, err
}

// Scan calls fn for every record of every day file, oldest day first.
// Returning ErrStop from fn ends the scan with a nil error.
func (r *Reader) Scan(ctx context.Context, fn func(rec *audit.Record) error) error {
	days, err := r.Days()
	if err != nil {
		return err
	}
	for _, day := range days {
		if err := r.scanFile(ctx, filepath.Join(r.dir, FileName(day)), fn); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}
	return nil
}

// Session returns the records of one session across all days.
func (r *Reader) Session(ctx context.Context, sessionID string) ([]*audit.Record, error) {
	var out []*audit.Record
	err := r.Scan(ctx, func(rec *audit.Record) error {
		if rec.SessionID == sessionID {
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

func (r *Reader) scanFile(ctx context.Context, path string, fn func(rec *audit.Record) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	// Lines are not length-bounded: tool outputs and model call dumps can be
	// arbitrarily large.
	br := bufio.NewReaderSize(f, 64*1024)
	n := 0
	for {
		line, readErr := br.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return readErr
		}
		if len(line) > 0 {
			n++
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := r.handleLine(path, n, line, fn); err != nil {
				return err
			}
		}
		if readErr != nil {
			return nil
		}
	}
}

func (r *Reader) handleLine(path string, n int, line []byte, fn func(rec *audit.Record) error) error {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}
	if r.validate {
		if err := audit.Validate(line); err != nil {
			return &LineError{Path: path, Line: n, Err: err}
		}
	}
	rec, err := audit.Decode(line)
	if err != nil {
		return &LineError{Path: path, Line: n, Err: err}
	}
	return fn(rec)
}

func parseFileName(name string) (time.Time, bool) {
	if len(name) != len(filePrefix)+len(dateLayout)+len(fileSuffix) ||
		name[:len(filePrefix)] != filePrefix ||
		name[len(name)-len(fileSuffix):] != fileSuffix {
		return time.Time{}, false
	}
	day, err := time.Parse(dateLayout, name[len(filePrefix):len(name)-len(fileSuffix)])
	if err != nil {
		return time.Time{}, false
	}
	return day, true
}
