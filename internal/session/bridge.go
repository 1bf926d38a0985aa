// Package session is the only module that talks to the tmux session hosting
// the REPL. It injects user traffic, reads the pane screen, and answers the
// "is the agent busy?" question for the scheduler and capture layers.
package session

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tether-agent/tether/internal/common/config"
	"github.com/tether-agent/tether/internal/common/logger"
)

// InjectStatus reports the outcome of an injection attempt.
type InjectStatus int

const (
	// Injected means the keystrokes were delivered to the pane.
	Injected InjectStatus = iota
	// SessionAbsent means there was no pane to inject into. Not an error;
	// callers decide whether to queue, drop, or report.
	SessionAbsent
)

// String implements fmt.Stringer.
func (s InjectStatus) String() string {
	if s == SessionAbsent {
		return "session-absent"
	}
	return "injected"
}

// Runner executes a shell command line and returns its combined stdout.
// The production runner shells out; tests substitute a fake.
type Runner interface {
	Run(ctx context.Context, command string) ([]byte, error)
}

// ShellRunner runs commands through sh -c.
type ShellRunner struct{}

// Run executes the command line and returns stdout.
func (ShellRunner) Run(ctx context.Context, command string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %w: %s", command, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// Bridge mediates all access to the REPL's tmux pane.
type Bridge struct {
	session string
	target  string // tmux target: the pane id when configured, else the session
	runner  Runner
	logger  *logger.Logger

	cols int
	rows int

	idleDetector *idleDetector
}

// NewBridge creates a bridge for the configured tmux session. A paneId pins
// keystrokes and captures to one pane of a multi-pane session; screen
// dimensions drive the virtual-terminal render.
func NewBridge(cfg config.SessionConfig, runner Runner, log *logger.Logger) *Bridge {
	if runner == nil {
		runner = ShellRunner{}
	}
	target := cfg.PaneID
	if target == "" {
		target = cfg.SessionName
	}
	cols := cfg.ScreenCols
	if cols <= 0 {
		cols = 120
	}
	rows := cfg.ScreenRows
	if rows <= 0 {
		rows = 50
	}
	return &Bridge{
		session:      cfg.SessionName,
		target:       target,
		runner:       runner,
		logger:       log.WithFields(zap.String("component", "session-bridge"), zap.String("session", cfg.SessionName)),
		cols:         cols,
		rows:         rows,
		idleDetector: newIdleDetector(cfg.PromptMarker),
	}
}

// SessionExists reports whether the tmux session is up.
func (b *Bridge) SessionExists(ctx context.Context) bool {
	_, err := b.runner.Run(ctx, fmt.Sprintf("tmux has-session -t %s 2>/dev/null", shQuote(b.session)))
	return err == nil
}

// InjectText types text into the REPL input, then sends Enter as a separate
// keystroke. Newlines become single spaces; the text is sent in tmux literal
// mode so the REPL sees pasted text rather than key names.
func (b *Bridge) InjectText(ctx context.Context, text string) (InjectStatus, error) {
	if !b.SessionExists(ctx) {
		b.logger.Warn("inject skipped, session absent")
		return SessionAbsent, nil
	}

	sanitized := sanitizeForInjection(text)
	if sanitized == "" {
		return Injected, nil
	}

	send := fmt.Sprintf("tmux send-keys -t %s -l -- %s", shQuote(b.target), shQuote(sanitized))
	if _, err := b.runner.Run(ctx, send); err != nil {
		return Injected, fmt.Errorf("send-keys failed: %w", err)
	}

	enter := fmt.Sprintf("tmux send-keys -t %s Enter", shQuote(b.target))
	if _, err := b.runner.Run(ctx, enter); err != nil {
		return Injected, fmt.Errorf("send-keys Enter failed: %w", err)
	}

	b.logger.Debug("injected text", zap.Int("chars", len(sanitized)))
	return Injected, nil
}

// IsAgentIdle reports whether the REPL is waiting for input. It reads the
// pane screen and requires a visible input prompt with no busy marker; the
// check is bounded at one second and reports busy when the pane cannot be
// read in time.
func (b *Bridge) IsAgentIdle(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	lines, err := b.captureScreen(ctx, b.rows)
	if err != nil {
		b.logger.Debug("idle check failed, assuming busy", zap.Error(err))
		return false
	}
	return b.idleDetector.isIdle(lines)
}

// CapturePane returns the bottom n lines of the pane as a single string,
// rendered through a virtual terminal so ANSI sequences never leak out.
func (b *Bridge) CapturePane(ctx context.Context, nLines int) (string, error) {
	lines, err := b.captureScreen(ctx, nLines)
	if err != nil {
		return "", err
	}

	// Drop trailing blank rows; the pane is usually taller than the content.
	end := len(lines)
	for end > 0 && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	start := 0
	if end > nLines {
		start = end - nLines
	}
	return strings.Join(lines[start:end], "\n"), nil
}

// captureScreen grabs the raw pane (with escapes) and renders it.
func (b *Bridge) captureScreen(ctx context.Context, nLines int) ([]string, error) {
	cmd := fmt.Sprintf("tmux capture-pane -p -e -t %s -S -%d", shQuote(b.target), nLines)
	raw, err := b.runner.Run(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("capture-pane failed: %w", err)
	}
	return renderScreen(raw, b.cols, nLines+b.rows), nil
}

// sanitizeForInjection converts carriage returns and newlines to single
// spaces so multi-line text arrives as one input line.
func sanitizeForInjection(s string) string {
	s = strings.ReplaceAll(s, "\r\n", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	return strings.TrimSpace(s)
}

// shQuote single-quotes a string for sh, escaping embedded single quotes.
func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
