package session

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tether-agent/tether/internal/common/config"
	"github.com/tether-agent/tether/internal/common/logger"
)

// fakeRunner records commands and serves canned responses.
type fakeRunner struct {
	commands      []string
	sessionExists bool
	paneContent   string
}

func (f *fakeRunner) Run(ctx context.Context, command string) ([]byte, error) {
	f.commands = append(f.commands, command)
	if strings.Contains(command, "has-session") {
		if !f.sessionExists {
			return nil, fmt.Errorf("no session")
		}
		return nil, nil
	}
	if strings.Contains(command, "capture-pane") {
		return []byte(f.paneContent), nil
	}
	return nil, nil
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func testBridge(t *testing.T, runner Runner) *Bridge {
	t.Helper()
	return NewBridge(config.SessionConfig{SessionName: "main"}, runner, testLogger(t))
}

func TestInjectText_NewlinesBecomeSpaces(t *testing.T) {
	runner := &fakeRunner{sessionExists: true}
	bridge := testBridge(t, runner)

	status, err := bridge.InjectText(context.Background(), "line one\nline two\r\nline three")
	require.NoError(t, err)
	assert.Equal(t, Injected, status)

	// has-session, send-keys -l, send-keys Enter
	require.Len(t, runner.commands, 3)
	send := runner.commands[1]
	assert.Contains(t, send, "send-keys")
	assert.Contains(t, send, "-l")
	assert.Contains(t, send, "line one line two line three")
	assert.NotContains(t, send, "\n")

	assert.Contains(t, runner.commands[2], "Enter")
}

func TestInjectText_SingleQuotesEscaped(t *testing.T) {
	runner := &fakeRunner{sessionExists: true}
	bridge := testBridge(t, runner)

	_, err := bridge.InjectText(context.Background(), "it's done")
	require.NoError(t, err)

	send := runner.commands[1]
	assert.Contains(t, send, `it'\''s done`)
}

func TestInjectText_SessionAbsent(t *testing.T) {
	runner := &fakeRunner{sessionExists: false}
	bridge := testBridge(t, runner)

	status, err := bridge.InjectText(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, SessionAbsent, status)

	// Only the has-session probe ran; nothing was typed.
	require.Len(t, runner.commands, 1)
	assert.Contains(t, runner.commands[0], "has-session")
}

func TestInjectText_EmptyAfterSanitize(t *testing.T) {
	runner := &fakeRunner{sessionExists: true}
	bridge := testBridge(t, runner)

	status, err := bridge.InjectText(context.Background(), "\n\r\n  \n")
	require.NoError(t, err)
	assert.Equal(t, Injected, status)

	// Probe only, no keystrokes for empty input.
	require.Len(t, runner.commands, 1)
}

func TestIsAgentIdle_BusyMarker(t *testing.T) {
	runner := &fakeRunner{
		sessionExists: true,
		paneContent:   "some output\n✻ Pondering… (esc to interrupt)\n",
	}
	bridge := testBridge(t, runner)

	assert.False(t, bridge.IsAgentIdle(context.Background()))
}

func TestIsAgentIdle_PromptVisible(t *testing.T) {
	runner := &fakeRunner{
		sessionExists: true,
		paneContent:   "previous answer text\n❯ \n? for shortcuts\n",
	}
	bridge := testBridge(t, runner)

	assert.True(t, bridge.IsAgentIdle(context.Background()))
}

func TestIsAgentIdle_NoMarkersReadsBusy(t *testing.T) {
	// Neither a busy spinner nor an input prompt: the screen could be
	// mid-redraw, so injection waits.
	runner := &fakeRunner{
		sessionExists: true,
		paneContent:   "wall of plain output\nmore output\n",
	}
	bridge := testBridge(t, runner)

	assert.False(t, bridge.IsAgentIdle(context.Background()))
}

func TestIsAgentIdle_ConfiguredPromptMarker(t *testing.T) {
	runner := &fakeRunner{
		sessionExists: true,
		paneContent:   "output\nmy-repl$ \n",
	}
	bridge := NewBridge(config.SessionConfig{
		SessionName:  "main",
		PromptMarker: []string{`^my-repl\$`, `(invalid`},
	}, runner, testLogger(t))

	assert.True(t, bridge.IsAgentIdle(context.Background()))
}

func TestInjectText_PaneIDTargetsKeystrokes(t *testing.T) {
	runner := &fakeRunner{sessionExists: true}
	bridge := NewBridge(config.SessionConfig{
		SessionName: "main",
		PaneID:      "%3",
	}, runner, testLogger(t))

	_, err := bridge.InjectText(context.Background(), "hello")
	require.NoError(t, err)

	// The liveness check is per session; keystrokes go to the pane.
	assert.Contains(t, runner.commands[0], "has-session -t 'main'")
	assert.Contains(t, runner.commands[1], "send-keys -t '%3'")
	assert.Contains(t, runner.commands[2], "send-keys -t '%3'")
}

func TestCapturePane_StripsAnsiAndTrailingBlanks(t *testing.T) {
	runner := &fakeRunner{
		sessionExists: true,
		paneContent:   "\x1b[1;32mhello\x1b[0m world\r\nsecond line\r\n\r\n\r\n",
	}
	bridge := testBridge(t, runner)

	out, err := bridge.CapturePane(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, "hello world\nsecond line", out)
}

func TestSanitizeForInjection(t *testing.T) {
	assert.Equal(t, "a b c", sanitizeForInjection("a\nb\rc"))
	assert.Equal(t, "x y", sanitizeForInjection("  x\r\ny  "))
	assert.Equal(t, "", sanitizeForInjection("\n\n"))
}

func TestShQuote(t *testing.T) {
	assert.Equal(t, `'plain'`, shQuote("plain"))
	assert.Equal(t, `'a'\''b'`, shQuote("a'b"))
}
