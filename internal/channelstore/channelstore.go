// Package channelstore implements the per-(transport, channel-id)
// directory store described in spec.md §4.4: log.jsonl, context.jsonl,
// session.json, attachments/<event-key>/..., and artifacts/index.jsonl +
// blobs. Grounded on the teacher's internal/sessions/manager.go (per-key
// file layout rooted at a storage directory) and
// internal/store/file/sessions.go (a store-interface wrapper around an
// internal manager).
package channelstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/tauhq/taucore/internal/atomicfile"
	"github.com/tauhq/taucore/internal/eventlog"
)

// ChannelLogEntry mirrors spec.md's ChannelLogEntry.
type ChannelLogEntry struct {
	TimestampUnixMS int64          `json:"timestamp_unix_ms"`
	Direction       string         `json:"direction"` // "inbound" | "outbound"
	EventKey        string         `json:"event_key,omitempty"`
	Source          string         `json:"source"`
	Payload         map[string]any `json:"payload"`
}

// ArtifactRecord mirrors spec.md's ArtifactRecord.
type ArtifactRecord struct {
	ID              string `json:"id"`
	RunID           string `json:"run_id"`
	ArtifactType    string `json:"artifact_type"`
	Visibility      string `json:"visibility"`
	RelativePath    string `json:"relative_path"`
	Bytes           int64  `json:"bytes"`
	ChecksumSHA256  string `json:"checksum_sha256"`
	CreatedUnixMS   int64  `json:"created_unix_ms"`
	ExpiresUnixMS   *int64 `json:"expires_unix_ms,omitempty"`
}

const millisPerDay = 86_400_000

// ExpiryForRetention computes expires_unix_ms per spec P5: retention>0
// gives created+retention*86_400_000; retention==0 gives nil (B3).
func ExpiryForRetention(createdUnixMS int64, retentionDays int) *int64 {
	if retentionDays <= 0 {
		return nil
	}
	exp := createdUnixMS + int64(retentionDays)*millisPerDay
	return &exp
}

var sanitizeRe = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// Sanitize strips path-hostile characters from an identifier before it is
// used as a path segment (event keys, file names).
func Sanitize(s string) string {
	s = sanitizeRe.ReplaceAllString(s, "_")
	if s == "" {
		return "_"
	}
	return s
}

// Store is one channel's on-disk state, rooted at
// <channel-root>/<transport>/<channel-id>/.
type Store struct {
	root string // <channel-root>/<transport>/<channel-id>

	mu      sync.Mutex // serializes artifacts/index.jsonl per I1; the log handles use eventlog.Log's own mutex
	logLog  *eventlog.Log
	ctxLog  *eventlog.Log
}

// Open lazily creates the channel directory structure (spec.md lifecycle:
// "lazily created on first reference").
func Open(channelRoot, transport, channelID string) (*Store, error) {
	root := filepath.Join(channelRoot, Sanitize(transport), Sanitize(channelID))
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("channelstore: mkdir %s: %w", root, err)
	}
	logLog, err := eventlog.Open(filepath.Join(root, "log.jsonl"))
	if err != nil {
		return nil, err
	}
	ctxLog, err := eventlog.Open(filepath.Join(root, "context.jsonl"))
	if err != nil {
		return nil, err
	}
	return &Store{root: root, logLog: logLog, ctxLog: ctxLog}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// SessionPath returns the path to session.json (owned by an external
// session-runtime collaborator; channelstore only reserves the path).
func (s *Store) SessionPath() string { return filepath.Join(s.root, "session.json") }

// AttachmentsDir returns the attachments directory for an event key.
func (s *Store) AttachmentsDir(eventKey string) string {
	return filepath.Join(s.root, "attachments", Sanitize(eventKey))
}

// AppendLogEntry appends one ChannelLogEntry to log.jsonl.
func (s *Store) AppendLogEntry(e ChannelLogEntry) error {
	return s.logLog.Append(e)
}

// SyncContextFromMessages writes an assistant/user lineage snapshot to
// context.jsonl — one line per message, in order. messages is opaque to
// this package (the agent runtime owns the shape); channelstore only
// persists it.
func (s *Store) SyncContextFromMessages(messages []map[string]any) error {
	for _, m := range messages {
		if err := s.ctxLog.Append(m); err != nil {
			return err
		}
	}
	return nil
}

// --- Artifacts ---

func (s *Store) artifactsDir() string       { return filepath.Join(s.root, "artifacts") }
func (s *Store) artifactsIndexPath() string { return filepath.Join(s.artifactsDir(), "index.jsonl") }

// WriteTextArtifact computes the SHA-256 of body, writes it atomically
// under artifacts/<run-id>/<type>-<id>.<ext>, appends an index line, and
// returns the resulting ArtifactRecord (spec.md §4.4).
func (s *Store) WriteTextArtifact(runID, artifactType, visibility string, retentionDays int, ext, body string, id string, nowUnixMS int64) (*ArtifactRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := sha256.Sum256([]byte(body))
	checksum := hex.EncodeToString(sum[:])

	relDir := filepath.Join("artifacts", Sanitize(runID))
	relPath := filepath.Join(relDir, fmt.Sprintf("%s-%s.%s", Sanitize(artifactType), Sanitize(id), ext))
	absPath := filepath.Join(s.root, relPath)

	if err := atomicfile.Write(absPath, []byte(body), 0o644); err != nil {
		return nil, err
	}

	rec := &ArtifactRecord{
		ID:             id,
		RunID:          runID,
		ArtifactType:   artifactType,
		Visibility:     visibility,
		RelativePath:   relPath,
		Bytes:          int64(len(body)),
		ChecksumSHA256: checksum,
		CreatedUnixMS:  nowUnixMS,
		ExpiresUnixMS:  ExpiryForRetention(nowUnixMS, retentionDays),
	}

	idxLog, err := eventlog.Open(s.artifactsIndexPath())
	if err != nil {
		return nil, err
	}
	defer idxLog.Close()
	if err := idxLog.Append(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func decodeArtifact(line []byte) (ArtifactRecord, error) {
	var r ArtifactRecord
	if err := json.Unmarshal(line, &r); err != nil {
		return ArtifactRecord{}, err
	}
	return r, nil
}

// ListActiveArtifacts loads the index tolerantly (spec §4.4: malformed
// lines are counted and skipped), filters out records expired as of
// nowUnixMS, and returns (records, invalidLines).
func (s *Store) ListActiveArtifacts(nowUnixMS int64) ([]ArtifactRecord, int, error) {
	all, invalid, err := eventlog.ReadAllTolerant(s.artifactsIndexPath(), decodeArtifact)
	if err != nil {
		return nil, invalid, err
	}
	active := make([]ArtifactRecord, 0, len(all))
	for _, r := range all {
		if r.ExpiresUnixMS == nil || *r.ExpiresUnixMS > nowUnixMS {
			active = append(active, r)
		}
	}
	return active, invalid, nil
}

// GetArtifact returns the single artifact record with the given id, or
// false if not present (tolerant of invalid lines elsewhere in the index).
func (s *Store) GetArtifact(id string) (ArtifactRecord, bool, error) {
	all, _, err := eventlog.ReadAllTolerant(s.artifactsIndexPath(), decodeArtifact)
	if err != nil {
		return ArtifactRecord{}, false, err
	}
	for _, r := range all {
		if r.ID == id {
			return r, true, nil
		}
	}
	return ArtifactRecord{}, false, nil
}

// PurgeExpiredArtifacts deletes expired blobs and invalid index lines,
// rewriting the index atomically, and returns counts (spec.md §4.4).
func (s *Store) PurgeExpiredArtifacts(nowUnixMS int64) (expiredRemoved, invalidRemoved int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, invalid, err := eventlog.ReadAllTolerant(s.artifactsIndexPath(), decodeArtifact)
	if err != nil {
		return 0, 0, err
	}

	kept := make([]ArtifactRecord, 0, len(all))
	for _, r := range all {
		if r.ExpiresUnixMS != nil && *r.ExpiresUnixMS <= nowUnixMS {
			expiredRemoved++
			_ = os.Remove(filepath.Join(s.root, r.RelativePath))
			continue
		}
		kept = append(kept, r)
	}

	if err := eventlog.RewriteAll(s.artifactsIndexPath(), kept); err != nil {
		return expiredRemoved, invalid, err
	}
	return expiredRemoved, invalid, nil
}

// RunArtifactsFilter narrows a list of artifacts to those belonging to
// runID (used by the "/tau artifacts run <id>" command).
func RunArtifactsFilter(records []ArtifactRecord, runID string) []ArtifactRecord {
	if runID == "" {
		return records
	}
	out := make([]ArtifactRecord, 0, len(records))
	for _, r := range records {
		if r.RunID == runID {
			out = append(out, r)
		}
	}
	return out
}

// Token builds the "<transport>:<channel-id>" pairing token used by
// internal/pairing, kept here since channelstore owns the canonical
// transport/channel naming convention.
func Token(transport, channelID string) string {
	return strings.Join([]string{transport, channelID}, ":")
}
