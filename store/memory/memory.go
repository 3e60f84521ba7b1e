// Package memory provides a volatile audit sink kept in process memory.
package memory

import (
	"context"
	"sync"

	"github.com/hupe1980/turnaudit/audit"
	"github.com/hupe1980/turnaudit/store"
)

// Store is a volatile Sink storing records in a process local slice with a
// per-session index. It is safe for concurrent access and best suited for
// tests or ephemeral deployments. Stored records are shallow copies; records
// are immutable after finalization so nested slices are shared.
type Store struct {
	mu        sync.RWMutex
	records   []audit.Record
	bySession map[string][]int
	byID      map[string]int
}

var _ store.Sink = (*Store)(nil)

// New constructs an empty in-memory store.
func New() *Store {
	return &Store{bySession: make(map[string][]int), byID: make(map[string]int)}
}

// Write appends a copy of rec.
func (s *Store) Write(ctx context.Context, rec *audit.Record) error {
	if rec == nil {
		return store.ErrNilRecord
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := len(s.records)
	s.records = append(s.records, *rec)
	s.bySession[rec.SessionID] = append(s.bySession[rec.SessionID], idx)
	s.byID[rec.InteractionID] = idx
	return nil
}

// Get returns the record for an interaction id.
func (s *Store) Get(interactionID string) (*audit.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byID[interactionID]
	if !ok {
		return nil, false
	}
	rec := s.records[idx]
	return &rec, true
}

// Session returns the records of a session in write order.
func (s *Store) Session(sessionID string) []*audit.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idxs := s.bySession[sessionID]
	out := make([]*audit.Record, 0, len(idxs))
	for _, i := range idxs {
		rec := s.records[i]
		out = append(out, &rec)
	}
	return out
}

// All returns every record in write order.
func (s *Store) All() []*audit.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*audit.Record, 0, len(s.records))
	for i := range s.records {
		rec := s.records[i]
		out = append(out, &rec)
	}
	return out
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
