// Package watchdog monitors the REPL's context usage and injects save/clear
// commands before the window fills up.
package watchdog

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/tether-agent/tether/internal/common/logger"
	"github.com/tether-agent/tether/internal/common/pathutil"
	"github.com/tether-agent/tether/internal/session"
)

// Usage thresholds. At the save threshold the REPL is asked to persist a
// session snapshot; at the clear threshold it is also asked to clear.
const (
	saveThreshold  = 50
	clearThreshold = 65
)

// Injector is the piece of the session bridge the watchdog needs.
type Injector interface {
	InjectText(ctx context.Context, text string) (session.InjectStatus, error)
}

// Watchdog is the context-watchdog scheduled task.
type Watchdog struct {
	usageFile string
	injector  Injector
	logger    *logger.Logger

	mu           sync.Mutex
	savedAtLevel bool // /save-state already injected for the current climb
}

// New creates a watchdog reading the given usage file. The file holds a
// percentage, optionally with a trailing percent sign.
func New(usageFile string, injector Injector, log *logger.Logger) *Watchdog {
	return &Watchdog{
		usageFile: pathutil.ExpandHome(usageFile),
		injector:  injector,
		logger:    log.WithFields(zap.String("component", "context-watchdog")),
	}
}

// Check is the TaskFunc run by the scheduler.
func (w *Watchdog) Check(ctx context.Context) error {
	usage, err := w.readUsage()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	switch {
	case usage >= clearThreshold:
		w.logger.Warn("context usage critical, saving and clearing",
			zap.Int("usage_pct", usage))
		if _, err := w.injector.InjectText(ctx, "/save-state"); err != nil {
			return fmt.Errorf("inject /save-state: %w", err)
		}
		if _, err := w.injector.InjectText(ctx, "/clear"); err != nil {
			return fmt.Errorf("inject /clear: %w", err)
		}
		// After a clear the usage climbs from zero again.
		w.savedAtLevel = false

	case usage >= saveThreshold:
		if w.savedAtLevel {
			return nil
		}
		w.logger.Info("context usage high, saving state",
			zap.Int("usage_pct", usage))
		if _, err := w.injector.InjectText(ctx, "/save-state"); err != nil {
			return fmt.Errorf("inject /save-state: %w", err)
		}
		w.savedAtLevel = true

	default:
		w.savedAtLevel = false
	}

	return nil
}

func (w *Watchdog) readUsage() (int, error) {
	data, err := os.ReadFile(w.usageFile)
	if err != nil {
		return 0, err
	}
	text := strings.TrimSpace(string(data))
	text = strings.TrimSuffix(text, "%")
	usage, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil {
		return 0, fmt.Errorf("unparseable usage file %s: %q", w.usageFile, text)
	}
	return usage, nil
}
