package transcript

import (
	"regexp"
	"strings"
)

// defaultStatusLineFilters strip the REPL's terminal chrome from pane
// captures: token counters, context-usage bars, spinner lines, prompt boxes.
var defaultStatusLineFilters = []string{
	`^\s*[✻✽✶·]\s+.*\((esc|ctrl\+c)\s+to\s+interrupt\)`,
	`(?i)^\s*\d+[km]?\s*tokens?\b`,
	`(?i)context\s+(left|used|usage)`,
	`^\s*[❯>]\s*$`,
	`^[─━═┄┅┈┉\-]{4,}$`,
	`^[╭╮╰╯│┃].*$`,
	`(?i)\?\s+for\s+shortcuts`,
}

// noiseFilter removes status-line chrome from pane-capture candidates.
type noiseFilter struct {
	patterns []*regexp.Regexp
}

// newNoiseFilter compiles the default filters plus any configured extras.
// Invalid patterns are skipped.
func newNoiseFilter(extra []string) *noiseFilter {
	all := append(append([]string{}, defaultStatusLineFilters...), extra...)
	f := &noiseFilter{}
	for _, p := range all {
		re, err := regexp.Compile(p)
		if err != nil {
			continue
		}
		f.patterns = append(f.patterns, re)
	}
	return f
}

// Clean drops chrome lines and returns the remaining text. An empty result
// means the capture held nothing but chrome and must be discarded.
func (f *noiseFilter) Clean(capture string) string {
	var kept []string
	for _, line := range strings.Split(capture, "\n") {
		trimmed := strings.TrimRight(line, " \t")
		if strings.TrimSpace(trimmed) == "" {
			continue
		}
		noisy := false
		for _, p := range f.patterns {
			if p.MatchString(trimmed) {
				noisy = true
				break
			}
		}
		if !noisy {
			kept = append(kept, trimmed)
		}
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}
