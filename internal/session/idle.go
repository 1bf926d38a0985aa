package session

import (
	"regexp"
	"strings"
)

// idleDetector decides busy-vs-idle from the rendered pane screen. The REPL
// shows a spinner line with an interrupt hint while it is working and an
// input prompt box while it waits.
type idleDetector struct {
	busyPatterns   []*regexp.Regexp
	promptPatterns []*regexp.Regexp
}

var (
	// Spinner line while the assistant is working.
	// Example: "✻ Thinking… (esc to interrupt)"
	workingPattern = regexp.MustCompile(
		`[…\.]{1,}\s*\((esc|ctrl\+c)\s+to\s+interrupt\)`,
	)

	// Streaming/tool activity marker.
	runningToolPattern = regexp.MustCompile(`(?i)^\s*[✻✽✶·]\s+\S+.*…`)

	// Input prompt box markers.
	promptMarkerPattern = regexp.MustCompile(`^\s*[❯>]\s*$|^\s*[❯>]\s+\S`)
	inputHintPattern    = regexp.MustCompile(`(?i)\?\s+for\s+shortcuts|press\s+enter\s+to\s+send`)
)

// newIdleDetector builds the detector with the built-in markers plus any
// user-configured prompt regexes. Invalid configured patterns are skipped.
func newIdleDetector(promptMarkers []string) *idleDetector {
	d := &idleDetector{
		busyPatterns:   []*regexp.Regexp{workingPattern, runningToolPattern},
		promptPatterns: []*regexp.Regexp{promptMarkerPattern, inputHintPattern},
	}
	for _, marker := range promptMarkers {
		p, err := regexp.Compile(marker)
		if err != nil {
			continue
		}
		d.promptPatterns = append(d.promptPatterns, p)
	}
	return d
}

// isIdle returns true when no busy marker is visible and an input prompt is.
// Busy markers take precedence since both can be on screen at once; a screen
// showing neither reads as busy, the safe answer for injection timing.
func (d *idleDetector) isIdle(lines []string) bool {
	promptVisible := false
	for _, line := range lines {
		trimmed := strings.TrimRight(line, " \t")
		for _, p := range d.busyPatterns {
			if p.MatchString(trimmed) {
				return false
			}
		}
		if !promptVisible {
			for _, p := range d.promptPatterns {
				if p.MatchString(trimmed) {
					promptVisible = true
					break
				}
			}
		}
	}
	return promptVisible
}
