// Package state owns the daemon's on-disk state directory: the channel
// atom, sender classification files, and append-only JSONL logs.
package state

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tether-agent/tether/internal/common/pathutil"
)

// Well-known file names inside the state directory.
const (
	ChannelFile         = "channel.txt"
	SafeSendersFile     = "safe-senders.json"
	ThirdPartyFile      = "3rd-party-senders.json"
	DeliveryLogFile     = "delivery.jsonl"
	PeerCommsLogFile    = "peer-comms.jsonl"
	SessionSnapshotStem = "session-snapshot"
)

// Dir is a handle on the state directory.
type Dir struct {
	path string
}

// OpenDir expands and creates the state directory if needed.
func OpenDir(path string) (*Dir, error) {
	expanded := pathutil.ExpandHome(path)
	if err := os.MkdirAll(expanded, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}
	return &Dir{path: expanded}, nil
}

// Path returns the absolute path of the state directory.
func (d *Dir) Path() string {
	return d.path
}

// File returns the absolute path of a file inside the state directory.
func (d *Dir) File(name string) string {
	return filepath.Join(d.path, name)
}

// Quarantine renames an unparseable state file to <name>.bad.<unix-ts> so the
// caller can start from defaults without destroying evidence.
func (d *Dir) Quarantine(name string) (string, error) {
	src := d.File(name)
	dst := fmt.Sprintf("%s.bad.%d", src, time.Now().Unix())
	if err := os.Rename(src, dst); err != nil {
		return "", fmt.Errorf("failed to quarantine %s: %w", name, err)
	}
	return dst, nil
}
