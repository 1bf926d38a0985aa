package state

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

const (
	// Rotate once the active log crosses this size.
	defaultMaxLogSize = 5 * 1024 * 1024
	// Rotated generations kept on disk (<path>.1, <path>.2).
	rotatedGenerations = 2
)

// JSONLWriter appends one JSON document per line to a log file and rotates
// it when it grows past maxSize. Rotated files keep numeric suffixes; the
// oldest generation is dropped.
type JSONLWriter struct {
	path    string
	maxSize int64
	file    *os.File
	size    int64
	mu      sync.Mutex
}

// NewJSONLWriter opens (or creates) an append-only JSONL log.
func NewJSONLWriter(path string) (*JSONLWriter, error) {
	w := &JSONLWriter{path: path, maxSize: defaultMaxLogSize}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *JSONLWriter) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open log %s: %w", w.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat log %s: %w", w.path, err)
	}
	w.file = f
	w.size = info.Size()
	return nil
}

// Append marshals v and writes it as a single line.
func (w *JSONLWriter) Append(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode log record: %w", err)
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size+int64(len(data)) > w.maxSize {
		if err := w.rotateLocked(); err != nil {
			return err
		}
	}

	n, err := w.file.Write(data)
	w.size += int64(n)
	if err != nil {
		return fmt.Errorf("failed to append to log %s: %w", w.path, err)
	}
	return nil
}

// rotateLocked shifts path.1 -> path.2, path -> path.1 and reopens.
func (w *JSONLWriter) rotateLocked() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close log for rotation: %w", err)
	}

	for i := rotatedGenerations; i >= 1; i-- {
		src := fmt.Sprintf("%s.%d", w.path, i-1)
		if i == 1 {
			src = w.path
		}
		dst := fmt.Sprintf("%s.%d", w.path, i)
		if i == rotatedGenerations {
			os.Remove(dst)
		}
		if _, err := os.Stat(src); err == nil {
			if err := os.Rename(src, dst); err != nil {
				return fmt.Errorf("failed to rotate %s: %w", src, err)
			}
		}
	}

	return w.open()
}

// Close flushes and closes the underlying file.
func (w *JSONLWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// SetMaxSize overrides the rotation threshold. Used by tests.
func (w *JSONLWriter) SetMaxSize(n int64) {
	w.mu.Lock()
	w.maxSize = n
	w.mu.Unlock()
}
