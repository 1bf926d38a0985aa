package transcript

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"
)

// Tailer reads new lines from an append-only file across calls. It keeps a
// per-file line counter; only the stream worker mutates it.
type Tailer struct {
	mu        sync.Mutex
	path      string
	lineCount int   // lines already consumed
	byteCount int64 // bytes already consumed
}

// NewTailer creates a tailer positioned at the end of the current file so
// only lines appended after startup are reported.
func NewTailer(path string) (*Tailer, error) {
	t := &Tailer{path: path}
	lines, bytes, err := countFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	t.lineCount = lines
	t.byteCount = bytes
	return t, nil
}

// NewTailerFromStart creates a tailer that reports the whole file.
func NewTailerFromStart(path string) *Tailer {
	return &Tailer{path: path}
}

// Path returns the file being tailed.
func (t *Tailer) Path() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.path
}

// Retarget points the tailer at a different transcript file, starting from
// its beginning. Used when a hook reports a new transcript path.
func (t *Tailer) Retarget(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.path == path {
		return
	}
	t.path = path
	t.lineCount = 0
	t.byteCount = 0
}

// ReadNew returns lines appended since the previous call, with the 1-based
// line number of the first returned line. Malformed lines come back as nil
// entries so positions stay stable. Only newline-terminated lines are
// consumed: a partially-flushed final line stays uncounted and is re-read
// whole once the writer finishes it. If the file shrank (truncation or
// rewrite), the counter resets and the whole file is treated as new.
func (t *Tailer) ReadNew() ([]*Line, int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, 0, fmt.Errorf("stat transcript: %w", err)
	}
	if info.Size() < t.byteCount {
		// Truncated or rewritten. Start over.
		t.lineCount = 0
		t.byteCount = 0
	}

	if _, err := f.Seek(t.byteCount, io.SeekStart); err != nil {
		return nil, 0, fmt.Errorf("seek transcript: %w", err)
	}

	r := bufio.NewReaderSize(f, 64*1024)
	var lines []*Line
	firstNew := t.lineCount + 1

	for {
		raw, err := r.ReadBytes('\n')
		if err == io.EOF {
			// Incomplete final line: the writer is mid-flush. Leave it.
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("read transcript: %w", err)
		}

		t.lineCount++
		t.byteCount += int64(len(raw))

		parsed, perr := parseLine(raw[:len(raw)-1])
		if perr != nil {
			lines = append(lines, nil)
			continue
		}
		lines = append(lines, parsed)
	}
	return lines, firstNew, nil
}

// countFile counts the complete lines of a file; a trailing fragment without
// a newline is excluded so ReadNew picks it up once terminated.
func countFile(path string) (int, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64*1024)
	var (
		lines int
		bytes int64
	)
	for {
		raw, err := r.ReadBytes('\n')
		if err == io.EOF {
			return lines, bytes, nil
		}
		if err != nil {
			return 0, 0, err
		}
		lines++
		bytes += int64(len(raw))
	}
}
