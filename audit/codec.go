package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrEmptyLine is returned by Decode for blank input.
var ErrEmptyLine = errors.New("audit: empty line")

// Encode serializes the record into a single JSON line terminated by '\n'.
// HTML characters and non-ASCII text are written verbatim.
func Encode(r *Record) ([]byte, error) {
	if r == nil {
		return nil, errors.New("audit: nil record")
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(r); err != nil {
		return nil, fmt.Errorf("audit: encode record %s: %w", r.InteractionID, err)
	}
	return buf.Bytes(), nil
}

// Decode parses one persisted line.
func Decode(line []byte) (*Record, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, ErrEmptyLine
	}
	var r Record
	if err := json.Unmarshal(line, &r); err != nil {
		return nil, fmt.Errorf("audit: decode record: %w", err)
	}
	return &r, nil
}
