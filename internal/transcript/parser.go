package transcript

import (
	"strings"
)

// Candidate is an assistant utterance extracted from the transcript.
type Candidate struct {
	Text       string
	LineNumber int // 1-based position in the transcript file
}

// extractText concatenates the text parts of an assistant line in order,
// separated by single newlines. Thinking parts are included only when
// verbose is set; tool_use and tool_result are always excluded.
func extractText(line *Line, verbose bool) string {
	var parts []string
	for _, block := range line.Message.Content {
		switch block.Type {
		case "text":
			if trimmed := strings.TrimSpace(block.Text); trimmed != "" {
				parts = append(parts, strings.TrimSpace(block.Text))
			}
		case "thinking":
			if verbose {
				if trimmed := strings.TrimSpace(block.Thinking); trimmed != "" {
					parts = append(parts, trimmed)
				}
			}
		}
	}
	return strings.Join(parts, "\n")
}

// lastAssistantCandidate scans parsed lines and returns the final assistant
// line carrying non-empty text. In a tool loop the REPL emits several
// assistant lines per user turn; only the last one with text is the reply.
// lineOffset is the 1-based number of the first element of lines.
func lastAssistantCandidate(lines []*Line, lineOffset int, verbose bool) *Candidate {
	var found *Candidate
	for i, line := range lines {
		if line == nil || line.Type != "assistant" {
			continue
		}
		text := extractText(line, verbose)
		if text == "" {
			continue
		}
		found = &Candidate{Text: text, LineNumber: lineOffset + i}
	}
	return found
}
