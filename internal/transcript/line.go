// Package transcript reconstructs assistant utterances from the REPL's
// append-only JSONL transcript file and guarantees each one is delivered
// at most once.
package transcript

import (
	"encoding/json"
)

// Line is one record of the transcript file.
type Line struct {
	Type      string  `json:"type"`
	Message   Message `json:"message"`
	Timestamp string  `json:"timestamp,omitempty"`
}

// Message carries the heterogeneous content of a transcript line.
type Message struct {
	Role    string         `json:"role,omitempty"`
	Content []ContentBlock `json:"content"`
}

// ContentBlock mirrors the REPL's content block types. Unknown block types
// decode without error and are ignored by the parser.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
}

// UnmarshalJSON accepts both array-form content and the bare-string form
// some writers use for user lines.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role    string          `json:"role,omitempty"`
		Content json.RawMessage `json:"content"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	m.Role = a.Role

	if len(a.Content) == 0 {
		return nil
	}
	if a.Content[0] == '"' {
		var s string
		if err := json.Unmarshal(a.Content, &s); err != nil {
			return err
		}
		m.Content = []ContentBlock{{Type: "text", Text: s}}
		return nil
	}
	return json.Unmarshal(a.Content, &m.Content)
}

// parseLine decodes one transcript line. Malformed lines return an error and
// are skipped by callers; the file is written by another process and a
// partial flush mid-line is normal.
func parseLine(raw []byte) (*Line, error) {
	var line Line
	if err := json.Unmarshal(raw, &line); err != nil {
		return nil, err
	}
	return &line, nil
}
