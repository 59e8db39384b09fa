package eventlog

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

type record struct {
	Name string `json:"name"`
	N    int    `json:"n"`
}

func decodeRecord(line []byte) (record, error) {
	var r record
	err := json.Unmarshal(line, &r)
	return r, err
}

func TestAppendAndReadAllTolerant(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.jsonl")

	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := l.Append(record{Name: "a", N: i}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	recs, invalid, err := ReadAllTolerant(path, decodeRecord)
	if err != nil {
		t.Fatalf("ReadAllTolerant() error = %v", err)
	}
	if invalid != 0 || len(recs) != 3 {
		t.Fatalf("got %d records, %d invalid; want 3, 0", len(recs), invalid)
	}
	for i, r := range recs {
		if r.N != i {
			t.Fatalf("recs[%d].N = %d, want %d", i, r.N, i)
		}
	}
}

func TestReadAllTolerantSkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.jsonl")
	content := bytes.Join([][]byte{
		[]byte(`{"name":"ok","n":1}`),
		[]byte(`not json`),
		[]byte(``),
		[]byte(`{"name":"ok2","n":2}`),
	}, []byte("\n"))
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	recs, invalid, err := ReadAllTolerant(path, decodeRecord)
	if err != nil {
		t.Fatalf("ReadAllTolerant() error = %v", err)
	}
	if invalid != 1 {
		t.Fatalf("invalid = %d, want 1", invalid)
	}
	if len(recs) != 2 {
		t.Fatalf("len(recs) = %d, want 2", len(recs))
	}
}

func TestReadAllTolerantMissingFileIsNoop(t *testing.T) {
	recs, invalid, err := ReadAllTolerant(filepath.Join(t.TempDir(), "missing.jsonl"), decodeRecord)
	if err != nil || recs != nil || invalid != 0 {
		t.Fatalf("got (%v, %d, %v), want (nil, 0, nil)", recs, invalid, err)
	}
}

func TestRewriteAllCollapsesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.jsonl")
	if err := os.WriteFile(path, []byte("garbage\nmore garbage\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := RewriteAll(path, []record{{Name: "x", N: 1}}); err != nil {
		t.Fatalf("RewriteAll() error = %v", err)
	}
	recs, invalid, err := ReadAllTolerant(path, decodeRecord)
	if err != nil {
		t.Fatalf("ReadAllTolerant() error = %v", err)
	}
	if invalid != 0 || len(recs) != 1 || recs[0].Name != "x" {
		t.Fatalf("got %+v invalid=%d, want single record x", recs, invalid)
	}
}
