package store

import (
	"sync"
	"time"
)

// nowUTC is swapped out by tests that need a fixed clock
var nowUTC = func() time.Time { return time.Now().UTC() }

// Serializer funnels every read-modify-write cycle against the store
// through a single mutex so concurrent callers never interleave. This is
// the only point of shared mutable state in the core: adapters, HTTP calls
// and polling all run outside it. Mutations complete in submission order,
// each observing the fully applied result of all previous ones.
type Serializer struct {
	mu    sync.Mutex
	store *Store
	doc   *Document
}

// NewSerializer wraps the store. The document is loaded on first use and
// lives for the process lifetime; no teardown is required beyond exit.
func NewSerializer(s *Store) *Serializer {
	return &Serializer{store: s}
}

// Mutate runs fn against a working copy of the document and persists the
// result. A failing fn leaves the document untouched and does not block
// subsequent mutations; a failing persist likewise discards the copy.
func (s *Serializer) Mutate(fn func(doc *Document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(); err != nil {
		return err
	}

	work := s.doc.Clone()
	if err := fn(work); err != nil {
		return err
	}

	written, err := s.store.Write(work)
	if err != nil {
		return err
	}
	s.doc = written
	return nil
}

// Snapshot returns a deep copy of the current document for read-only use
func (s *Serializer) Snapshot() (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	return s.doc.Clone(), nil
}

func (s *Serializer) loadLocked() error {
	if s.doc != nil {
		return nil
	}
	doc, err := s.store.Read()
	if err != nil {
		return err
	}
	s.doc = doc
	return nil
}
