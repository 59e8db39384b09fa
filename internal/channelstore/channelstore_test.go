package channelstore

import (
	"os"
	"testing"
)

func TestOpenCreatesDirectoryLayout(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root, "slack", "C123")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := os.Stat(s.Root()); err != nil {
		t.Fatalf("store root missing: %v", err)
	}
}

func TestAppendLogEntry(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root, "slack", "C123")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	err = s.AppendLogEntry(ChannelLogEntry{
		TimestampUnixMS: 1000,
		Direction:       "inbound",
		EventKey:        "evt-1",
		Source:          "slack",
		Payload:         map[string]any{"text": "hi"},
	})
	if err != nil {
		t.Fatalf("AppendLogEntry() error = %v", err)
	}
}

func TestWriteTextArtifactAndListActive(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root, "github", "owner/repo#1")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	rec, err := s.WriteTextArtifact("run-1", "summary", "private", 1, "md", "# hello", "art-1", 1_000_000)
	if err != nil {
		t.Fatalf("WriteTextArtifact() error = %v", err)
	}
	if rec.ChecksumSHA256 == "" {
		t.Fatalf("expected non-empty checksum")
	}
	if rec.ExpiresUnixMS == nil || *rec.ExpiresUnixMS != 1_000_000+millisPerDay {
		t.Fatalf("ExpiresUnixMS = %v, want created+1 day", rec.ExpiresUnixMS)
	}

	active, invalid, err := s.ListActiveArtifacts(1_000_001)
	if err != nil {
		t.Fatalf("ListActiveArtifacts() error = %v", err)
	}
	if invalid != 0 || len(active) != 1 {
		t.Fatalf("got %d active, %d invalid; want 1, 0", len(active), invalid)
	}
}

func TestWriteTextArtifactRetentionZeroNeverExpires(t *testing.T) {
	root := t.TempDir()
	s, _ := Open(root, "slack", "C1")
	rec, err := s.WriteTextArtifact("run-1", "log", "private", 0, "txt", "body", "art-1", 1000)
	if err != nil {
		t.Fatalf("WriteTextArtifact() error = %v", err)
	}
	if rec.ExpiresUnixMS != nil {
		t.Fatalf("ExpiresUnixMS = %v, want nil for retention=0", rec.ExpiresUnixMS)
	}
}

func TestPurgeExpiredArtifactsRemovesBlobAndIndexLine(t *testing.T) {
	root := t.TempDir()
	s, _ := Open(root, "slack", "C1")
	_, err := s.WriteTextArtifact("run-1", "log", "private", 1, "txt", "body", "expired", 0)
	if err != nil {
		t.Fatalf("WriteTextArtifact() error = %v", err)
	}
	_, err = s.WriteTextArtifact("run-1", "log", "private", 0, "txt", "body2", "kept", 0)
	if err != nil {
		t.Fatalf("WriteTextArtifact() error = %v", err)
	}

	removed, invalid, err := s.PurgeExpiredArtifacts(millisPerDay + 1)
	if err != nil {
		t.Fatalf("PurgeExpiredArtifacts() error = %v", err)
	}
	if removed != 1 || invalid != 0 {
		t.Fatalf("removed=%d invalid=%d, want 1,0", removed, invalid)
	}

	active, _, err := s.ListActiveArtifacts(millisPerDay + 1)
	if err != nil {
		t.Fatalf("ListActiveArtifacts() error = %v", err)
	}
	if len(active) != 1 || active[0].ID != "kept" {
		t.Fatalf("active = %+v, want only 'kept'", active)
	}
}

func TestSanitizeReplacesHostileChars(t *testing.T) {
	if got := Sanitize("owner/repo#1"); got == "owner/repo#1" {
		t.Fatalf("Sanitize() did not change path-hostile input")
	}
	if got := Sanitize(""); got != "_" {
		t.Fatalf("Sanitize(\"\") = %q, want \"_\"", got)
	}
}

func TestTokenFormat(t *testing.T) {
	if got := Token("slack", "C123"); got != "slack:C123" {
		t.Fatalf("Token() = %q, want slack:C123", got)
	}
}
