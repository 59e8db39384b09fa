package processedset

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestMarkProcessedAndContains(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "processed.json"), 10)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if s.Contains("k1") {
		t.Fatalf("Contains(k1) = true before MarkProcessed")
	}
	if changed := s.MarkProcessed("k1"); !changed {
		t.Fatalf("MarkProcessed(k1) changed = false, want true")
	}
	if !s.Contains("k1") {
		t.Fatalf("Contains(k1) = false after MarkProcessed")
	}
	if changed := s.MarkProcessed("k1"); changed {
		t.Fatalf("MarkProcessed(k1) second call changed = true, want false")
	}
}

func TestBoundedFIFOEviction(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "processed.json"), 2)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	s.MarkProcessed("k1")
	s.MarkProcessed("k2")
	s.MarkProcessed("k3")
	if s.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", s.Len())
	}
	if s.Contains("k1") {
		t.Fatalf("Contains(k1) = true, want evicted")
	}
	if !s.Contains("k2") || !s.Contains("k3") {
		t.Fatalf("expected k2 and k3 to remain")
	}
}

func TestSaveAndReopenRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "processed.json")
	s, err := Open(path, 5)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	s.MarkProcessed("a")
	s.MarkProcessed("b")
	if err := s.Save(); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	s2, err := Open(path, 5)
	if err != nil {
		t.Fatalf("reopen Open() error = %v", err)
	}
	if !s2.Contains("a") || !s2.Contains("b") {
		t.Fatalf("reopened store missing keys")
	}
}

func TestOpenRejectsSchemaMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "processed.json")
	bad, _ := json.Marshal(map[string]any{"schema_version": 99, "processed_event_keys": []string{}})
	if err := os.WriteFile(path, bad, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	_, err := Open(path, 5)
	if err == nil {
		t.Fatalf("Open() error = nil, want SchemaMismatch")
	}
	var mismatch *SchemaMismatch
	if !asSchemaMismatch(err, &mismatch) {
		t.Fatalf("Open() error = %v, want *SchemaMismatch", err)
	}
}

func asSchemaMismatch(err error, target **SchemaMismatch) bool {
	m, ok := err.(*SchemaMismatch)
	if ok {
		*target = m
	}
	return ok
}
