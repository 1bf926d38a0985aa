// Package pathutil normalizes externally supplied filesystem paths.
package pathutil

import (
	"os"
	"path/filepath"
	"strings"
)

// ExpandHome expands a leading "~" or "~/" to the current user's home
// directory. Hook payloads and config values may report paths either
// tilde-prefixed or absolute; everything must be expanded before file I/O.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	// "~user" forms are not supported; leave them untouched.
	return path
}
