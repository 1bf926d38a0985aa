package transcript

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appendLine(t *testing.T, path, line string) {
	t.Helper()
	appendRaw(t, path, line+"\n")
}

func appendRaw(t *testing.T, path, chunk string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(chunk)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

const assistantLine = `{"type":"assistant","message":{"content":[{"type":"text","text":"%s"}]}}`

func TestTailer_SkipsHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transcript.jsonl")
	appendLine(t, path, `{"type":"user","message":{"content":"old"}}`)
	appendLine(t, path, `{"type":"assistant","message":{"content":[{"type":"text","text":"old reply"}]}}`)

	tailer, err := NewTailer(path)
	require.NoError(t, err)

	lines, _, err := tailer.ReadNew()
	require.NoError(t, err)
	assert.Empty(t, lines, "history before startup is never redelivered")

	appendLine(t, path, `{"type":"assistant","message":{"content":[{"type":"text","text":"new reply"}]}}`)

	lines, first, err := tailer.ReadNew()
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, 3, first)
	assert.Equal(t, "new reply", lines[0].Message.Content[0].Text)
}

func TestTailer_IncrementalReads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transcript.jsonl")
	tailer := NewTailerFromStart(path)

	lines, _, err := tailer.ReadNew()
	require.NoError(t, err)
	assert.Empty(t, lines, "missing file reads empty")

	appendLine(t, path, `{"type":"user","message":{"content":"q1"}}`)
	lines, first, err := tailer.ReadNew()
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, 1, first)

	appendLine(t, path, `{"type":"assistant","message":{"content":[{"type":"text","text":"a1"}]}}`)
	appendLine(t, path, `{"type":"assistant","message":{"content":[{"type":"text","text":"a2"}]}}`)
	lines, first, err = tailer.ReadNew()
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, 2, first)
}

func TestTailer_PartialLineReadOnceCompleted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transcript.jsonl")
	tailer := NewTailerFromStart(path)

	appendLine(t, path, `{"type":"user","message":{"content":"q"}}`)
	full := fmt.Sprintf(assistantLine, "slow flush")

	// The writer flushes mid-line: no trailing newline yet.
	appendRaw(t, path, full[:40])

	lines, _, err := tailer.ReadNew()
	require.NoError(t, err)
	require.Len(t, lines, 1, "only the newline-terminated line is consumed")

	// The writer finishes the line.
	appendRaw(t, path, full[40:]+"\n")

	lines, first, err := tailer.ReadNew()
	require.NoError(t, err)
	require.Len(t, lines, 1, "the completed line is re-read whole")
	assert.Equal(t, 2, first)
	assert.Equal(t, "slow flush", lines[0].Message.Content[0].Text)
}

func TestTailer_TruncationResets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transcript.jsonl")
	tailer := NewTailerFromStart(path)

	appendLine(t, path, `{"type":"assistant","message":{"content":[{"type":"text","text":"before"}]}}`)
	_, _, err := tailer.ReadNew()
	require.NoError(t, err)

	// Rewrite with a shorter file; the counter resets and everything is new.
	require.NoError(t, os.WriteFile(path, []byte(`{"type":"assistant","message":{"content":[{"type":"text","text":"after"}]}}`+"\n"), 0o600))

	lines, first, err := tailer.ReadNew()
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, 1, first)
	assert.Equal(t, "after", lines[0].Message.Content[0].Text)
}

func TestTailer_MalformedLinesKeepPositions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transcript.jsonl")
	tailer := NewTailerFromStart(path)

	appendLine(t, path, `{"type":"user","message":{"content":"q"}}`)
	appendLine(t, path, `{broken json`)
	appendLine(t, path, `{"type":"assistant","message":{"content":[{"type":"text","text":"a"}]}}`)

	lines, first, err := tailer.ReadNew()
	require.NoError(t, err)
	require.Len(t, lines, 3)
	assert.Equal(t, 1, first)
	assert.Nil(t, lines[1])

	c := lastAssistantCandidate(lines, first, false)
	require.NotNil(t, c)
	assert.Equal(t, 3, c.LineNumber)
}

func TestTailer_Retarget(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "one.jsonl")
	second := filepath.Join(dir, "two.jsonl")
	appendLine(t, second, `{"type":"assistant","message":{"content":[{"type":"text","text":"from new file"}]}}`)

	tailer := NewTailerFromStart(first)
	tailer.Retarget(second)

	lines, _, err := tailer.ReadNew()
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "from new file", lines[0].Message.Content[0].Text)
}
