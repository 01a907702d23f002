// Package store persists the product's single accounting document (license
// keys, accounts, ledger) as one JSON file replaced atomically on write,
// and serializes every read-modify-write cycle against it.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nivara-ai/museflow/internal/logging"
	"github.com/rs/zerolog"
)

// Store reads and writes the durable document at a filesystem path.
// Writes go to a uniquely named temp file in the same directory and are
// renamed into place, so concurrent readers never observe a partial write.
type Store struct {
	path string
	log  zerolog.Logger
}

// New creates a store backed by the given file path
func New(path string) *Store {
	return &Store{
		path: path,
		log:  logging.NewLogger("store"),
	}
}

// Path returns the backing file path
func (s *Store) Path() string {
	return s.path
}

// Read loads and normalizes the document. A missing store is initialized
// with an empty document and persisted rather than reported as an error.
func (s *Store) Read() (*Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.log.Info().Str("path", s.path).Msg("Store file missing, initializing empty document")
			return s.Write(NewDocument())
		}
		return nil, fmt.Errorf("failed to read store %s: %w", s.path, err)
	}
	return decodeDocument(data), nil
}

// Write normalizes doc, stamps updatedAt, and atomically replaces the
// store file. The normalized document as persisted is returned.
func (s *Store) Write(doc *Document) (*Document, error) {
	doc.Normalize()
	doc.UpdatedAt = nowUTC()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode store document: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".museflow-store-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp store file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to write temp store file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to close temp store file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to replace store file: %w", err)
	}

	return doc, nil
}
