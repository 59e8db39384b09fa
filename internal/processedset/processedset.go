// Package processedset implements the bounded FIFO processed-event store
// (spec.md §4.3): a single JSON document {schema_version,
// processed_event_keys}, trimmed to a cap, with an O(1) in-memory index.
// Grounded on the teacher's internal/config schema-version comparison
// idiom (internal/upgrade/checker.go's RequiredSchemaVersion check),
// repurposed from a Postgres migration version to a JSON document tag.
package processedset

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/tauhq/taucore/internal/atomicfile"
)

// SchemaVersion is the current on-disk schema version for the processed
// event set document.
const SchemaVersion = 1

// SchemaMismatch is returned when a persisted document's schema_version
// does not match SchemaVersion. Per spec.md §7 this is terminal for the
// store: the caller must fail closed rather than guess at the old shape.
type SchemaMismatch struct {
	Path     string
	Expected int
	Actual   int
}

func (e *SchemaMismatch) Error() string {
	return fmt.Sprintf("processedset: schema mismatch at %s: expected %d, got %d", e.Path, e.Expected, e.Actual)
}

type document struct {
	SchemaVersion       int      `json:"schema_version"`
	ProcessedEventKeys []string `json:"processed_event_keys"`
}

// Store is the bounded FIFO processed-event-key set (spec.md
// ProcessedEventSet). Safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	path string
	cap  int
	keys []string        // insertion order, oldest first
	idx  map[string]bool // O(1) membership
}

// Open loads path if present (read-or-default), validating schema
// version, and returns a Store bounded to cap (must be >= 1).
func Open(path string, cap int) (*Store, error) {
	if cap < 1 {
		cap = 1
	}
	s := &Store{path: path, cap: cap, idx: make(map[string]bool)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("processedset: read %s: %w", path, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("processedset: parse %s: %w", path, err)
	}
	if doc.SchemaVersion != SchemaVersion {
		return nil, &SchemaMismatch{Path: path, Expected: SchemaVersion, Actual: doc.SchemaVersion}
	}

	s.keys = doc.ProcessedEventKeys
	for _, k := range s.keys {
		s.idx[k] = true
	}
	s.trimLocked()
	return s, nil
}

// Contains reports whether key has been marked processed. O(1).
func (s *Store) Contains(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idx[key]
}

// MarkProcessed inserts key iff absent, evicts from the front until size
// <= cap, and returns whether the state changed (spec.md §4.3).
func (s *Store) MarkProcessed(key string) (changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.idx[key] {
		return false
	}
	s.keys = append(s.keys, key)
	s.idx[key] = true
	s.trimLocked()
	return true
}

func (s *Store) trimLocked() {
	for len(s.keys) > s.cap {
		evicted := s.keys[0]
		s.keys = s.keys[1:]
		delete(s.idx, evicted)
	}
}

// Len returns the current number of tracked keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

// Save atomically persists the current state (spec.md §4.3: "Callers save
// after every mutation that must survive restart").
func (s *Store) Save() error {
	s.mu.Lock()
	keysCopy := make([]string, len(s.keys))
	copy(keysCopy, s.keys)
	s.mu.Unlock()

	doc := document{SchemaVersion: SchemaVersion, ProcessedEventKeys: keysCopy}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("processedset: marshal: %w", err)
	}
	return atomicfile.WriteJSONPretty(s.path, data, 0o644)
}
