// Package jsonutil provides the JSON helpers shared by the progress tracker
// and the json-snapshot presenter: indent-stable marshalling and atomic
// file replacement.
package jsonutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Marshal renders v with two-space indentation and a trailing newline, the
// canonical format of the progress file.
func Marshal(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshalling JSON: %w", err)
	}
	return append(data, '\n'), nil
}

// WriteFileAtomic replaces the file at path with data by writing a sibling
// temp file and renaming it over the target. A reader that opens the path
// between two calls sees either the old or the new content, never a partial
// write.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}

// Indent pretty-prints already-encoded JSON. Used by the json-snapshot
// presenter to re-emit the progress document.
func Indent(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return nil, fmt.Errorf("indenting JSON: %w", err)
	}
	return buf.Bytes(), nil
}
