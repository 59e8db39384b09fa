// Package session implements the small piece of "session runtime"
// mechanics spec.md §4.12 step 4 asks the dispatch core to own directly:
// a stale-aware file lock around session.json, and the on-disk message
// lineage an Agent replays at run start. The agent/provider/tool
// machinery itself remains an external collaborator (internal/agent).
// Grounded on the teacher's internal/sessions/manager.go file-per-key
// persistence idiom; the (wait_ms, stale_ms) lock-breaking algorithm has
// no third-party equivalent anywhere in the retrieved pack (gofrs/flock,
// the only flock library present, is an indirect transitive dependency
// of an unrelated repo and does not implement stale-lock breaking), so
// it is hand-rolled here on top of os.OpenFile(O_CREATE|O_EXCL).
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tauhq/taucore/internal/atomicfile"
)

// LockTimeoutError is returned when a lock could not be acquired within
// wait_ms and no stale lock was found to break.
type LockTimeoutError struct {
	Path string
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("session: timed out acquiring lock at %s", e.Path)
}

type lockPayload struct {
	PID           int   `json:"pid"`
	AcquiredUnixMS int64 `json:"acquired_unix_ms"`
}

// Lock is a held advisory lock; call Unlock to release it.
type Lock struct {
	path string
}

// Acquire retries creating path+".lock" exclusively until it succeeds,
// wait_ms elapses, or an existing lock is older than stale_ms (in which
// case it is broken and retried once).
func Acquire(sessionPath string, waitMS, staleMS int64, nowUnixMS func() int64) (*Lock, error) {
	lockPath := sessionPath + ".lock"
	deadline := time.Now().Add(time.Duration(waitMS) * time.Millisecond)

	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			payload, _ := json.Marshal(lockPayload{PID: os.Getpid(), AcquiredUnixMS: nowUnixMS()})
			f.Write(payload)
			f.Close()
			return &Lock{path: lockPath}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("session: create lock %s: %w", lockPath, err)
		}

		if broke := breakIfStale(lockPath, staleMS, nowUnixMS); broke {
			continue
		}

		if time.Now().After(deadline) {
			return nil, &LockTimeoutError{Path: lockPath}
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func breakIfStale(lockPath string, staleMS int64, nowUnixMS func() int64) bool {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return false
	}
	var payload lockPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return false
	}
	if nowUnixMS()-payload.AcquiredUnixMS <= staleMS {
		return false
	}
	return os.Remove(lockPath) == nil
}

// Unlock releases the lock.
func (l *Lock) Unlock() error {
	return os.Remove(l.path)
}

// Message mirrors the replayable lineage entry shape (role/content),
// stored independently of internal/agent.Message to avoid runtask
// needing to import both with a conversion at the boundary.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type document struct {
	HeadMessageID string    `json:"head_message_id"`
	Messages      []Message `json:"messages"`
}

// EnsureHeadLineage loads sessionPath if present, or creates an empty
// lineage document with a fresh head message id when absent
// (spec.md §4.12 step 4: "ensure a head message lineage exists"). It
// returns the head message id alongside the replayable messages so
// AppendMessages can preserve it.
func EnsureHeadLineage(sessionPath string, newHeadID func() string) (headID string, messages []Message, err error) {
	data, err := os.ReadFile(sessionPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return "", nil, fmt.Errorf("session: read %s: %w", sessionPath, err)
		}
		doc := document{HeadMessageID: newHeadID(), Messages: []Message{}}
		if err := saveDocument(sessionPath, doc); err != nil {
			return "", nil, err
		}
		return doc.HeadMessageID, doc.Messages, nil
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", nil, fmt.Errorf("session: parse %s: %w", sessionPath, err)
	}
	return doc.HeadMessageID, doc.Messages, nil
}

// AppendMessages appends new lineage entries under the existing head id
// and persists the document atomically.
func AppendMessages(sessionPath, headID string, existing []Message, add []Message) error {
	doc := document{HeadMessageID: headID, Messages: append(existing, add...)}
	return saveDocument(sessionPath, doc)
}

func saveDocument(path string, doc document) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("session: mkdir %s: %w", filepath.Dir(path), err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("session: marshal: %w", err)
	}
	return atomicfile.WriteJSONPretty(path, data, 0o644)
}
