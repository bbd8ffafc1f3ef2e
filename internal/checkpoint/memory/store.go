// Package memory provides an in-process checkpoint store for development and tests.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/harvest"
)

// ErrInjected is returned by WriteBatch while FailWrites is set.
var ErrInjected = errors.New("injected write failure")

// Store keeps records keyed by row.
type Store struct {
	mu       sync.RWMutex
	rows     map[int]harvest.Result
	meta     *harvest.Metadata
	legacy   bool
	failures int
	writes   int
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{rows: make(map[int]harvest.Result)}
}

// FailWrites makes the next n WriteBatch calls fail without changing state.
func (s *Store) FailWrites(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
}

// MarkLegacy makes ReadMetadata report the legacy layout.
func (s *Store) MarkLegacy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.legacy = true
}

// Writes returns the number of successful WriteBatch calls.
func (s *Store) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

// Put stores a record directly, bypassing metadata. Useful for seeding state.
func (s *Store) Put(res harvest.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[res.Row] = cloneResult(res)
}

// Exists reports whether any data or metadata is present.
func (s *Store) Exists(context.Context) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows) > 0 || s.meta != nil || s.legacy, nil
}

// LastRow returns the highest stored row.
func (s *Store) LastRow(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	last := 0
	for row := range s.rows {
		last = max(last, row)
	}
	return last, nil
}

// ReadStatusColumn returns the status for each row in rng.
func (s *Store) ReadStatusColumn(_ context.Context, rng harvest.RowRange) (map[int]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int]string, max(rng.To-rng.From+1, 0))
	for row := rng.From; row <= rng.To; row++ {
		out[row] = string(s.rows[row].Status)
	}
	return out, nil
}

// WriteBatch stores records and replaces metadata.
func (s *Store) WriteBatch(_ context.Context, records []harvest.Result, meta harvest.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return ErrInjected
	}
	next := s.maxRow()
	for _, rec := range records {
		if rec.Row <= 0 {
			next++
			rec.Row = next
		}
		s.rows[rec.Row] = cloneResult(rec)
		next = max(next, rec.Row)
	}
	m := meta
	m.SavedRows = append([]int(nil), meta.SavedRows...)
	s.meta = &m
	s.legacy = false
	s.writes++
	return nil
}

// ReadMetadata returns the last written metadata.
func (s *Store) ReadMetadata(context.Context) (harvest.Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.legacy {
		return harvest.Metadata{}, harvest.ErrLegacyFormat
	}
	if s.meta == nil {
		return harvest.Metadata{}, harvest.ErrMetadataNotFound
	}
	m := *s.meta
	m.SavedRows = append([]int(nil), s.meta.SavedRows...)
	return m, nil
}

// ReadAll returns every record in row order.
func (s *Store) ReadAll(context.Context) ([]harvest.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]harvest.Result, 0, len(s.rows))
	for _, rec := range s.rows {
		out = append(out, cloneResult(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Row < out[j].Row })
	return out, nil
}

// Reset clears everything.
func (s *Store) Reset(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = make(map[int]harvest.Result)
	s.meta = nil
	s.legacy = false
	return nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func (s *Store) maxRow() int {
	last := 0
	for row := range s.rows {
		last = max(last, row)
	}
	return last
}

func cloneResult(r harvest.Result) harvest.Result {
	fields := make(map[string]string, len(r.Fields))
	for k, v := range r.Fields {
		fields[k] = v
	}
	r.Fields = fields
	return r
}
