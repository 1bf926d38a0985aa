package state

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// ReadChannel returns the persisted channel word, or def when the file is
// missing or holds an unknown value.
func (d *Dir) ReadChannel(def string, valid map[string]bool) string {
	data, err := os.ReadFile(d.File(ChannelFile))
	if err != nil {
		return def
	}
	word := strings.TrimSpace(string(data))
	if !valid[word] {
		return def
	}
	return word
}

// WriteChannel persists the channel word with a write-then-rename.
func (d *Dir) WriteChannel(word string) error {
	path := d.File(ChannelFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(word+"\n"), 0o600); err != nil {
		return fmt.Errorf("failed to write channel file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace channel file: %w", err)
	}
	return nil
}

// LoadJSON reads a JSON state file into v. A missing file returns
// os.ErrNotExist so callers can start from defaults. An unparseable file is
// quarantined with a .bad.<ts> suffix and reported via ErrCorrupt.
func (d *Dir) LoadJSON(name string, v interface{}) error {
	data, err := os.ReadFile(d.File(name))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		quarantined, qerr := d.Quarantine(name)
		if qerr != nil {
			return fmt.Errorf("corrupt state file %s (quarantine failed: %v): %w", name, qerr, err)
		}
		return &CorruptStateError{File: name, Quarantined: quarantined, Err: err}
	}
	return nil
}

// SaveJSON writes v as indented JSON with a write-then-rename.
func (d *Dir) SaveJSON(name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}
	path := d.File(name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", name, err)
	}
	return nil
}

// CorruptStateError reports a state file that failed to parse and was moved
// aside so the component can continue from defaults.
type CorruptStateError struct {
	File        string
	Quarantined string
	Err         error
}

func (e *CorruptStateError) Error() string {
	return fmt.Sprintf("corrupt state file %s quarantined as %s: %v", e.File, e.Quarantined, e.Err)
}

func (e *CorruptStateError) Unwrap() error {
	return e.Err
}
