// Package atomicfile writes files crash-safely: write to a sibling temp
// file, fsync, then rename over the final path. No partial file is ever
// observable under the final name. Grounded on the teacher's
// internal/sessions/manager.go Save() and internal/config/config_load.go
// Save() temp+rename idiom.
package atomicfile

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// IoError wraps a filesystem failure with the path and operation that
// failed, matching spec.md §7's IoError{path, operation} error kind.
type IoError struct {
	Path      string
	Operation string
	Cause     error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("atomicfile: %s %s: %v", e.Operation, e.Path, e.Cause)
}

func (e *IoError) Unwrap() error { return e.Cause }

// Write atomically writes data to path, creating parent directories when
// missing. The temp file is named "<path>.tmp-<pid>-<ms>" per spec §4.1.
func Write(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &IoError{Path: dir, Operation: "mkdir", Cause: err}
	}

	tmpPath := fmt.Sprintf("%s.tmp-%d-%d", path, os.Getpid(), time.Now().UnixMilli())
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, perm)
	if err != nil {
		return &IoError{Path: tmpPath, Operation: "create_temp", Cause: err}
	}
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return &IoError{Path: tmpPath, Operation: "chmod", Cause: err}
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &IoError{Path: tmpPath, Operation: "write", Cause: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &IoError{Path: tmpPath, Operation: "fsync", Cause: err}
	}
	if err := tmp.Close(); err != nil {
		return &IoError{Path: tmpPath, Operation: "close", Cause: err}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return &IoError{Path: path, Operation: "rename", Cause: err}
	}
	cleanup = false
	return nil
}

// WriteJSONPretty takes an already-encoded (typically MarshalIndent'ed)
// JSON document, appends a trailing newline, and writes it atomically,
// per spec §4.3's "pretty-printed document plus trailing newline"
// requirement. It does not marshal or re-indent data itself.
func WriteJSONPretty(path string, data []byte, perm os.FileMode) error {
	return Write(path, append(data, '\n'), perm)
}
