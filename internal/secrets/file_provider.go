package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tether-agent/tether/internal/common/pathutil"
)

// FileProvider resolves credentials from a JSON file, by default
// ~/.tether/credentials.json. File format: {"credential-telegram": "...", ...}.
// It is the writable fallback used when no keychain is available.
type FileProvider struct {
	path        string
	credentials map[string]*Credential
	mu          sync.RWMutex
	loaded      bool
}

// NewFileProvider creates a new file provider. The path may start with "~".
func NewFileProvider(path string) *FileProvider {
	return &FileProvider{
		path:        pathutil.ExpandHome(path),
		credentials: make(map[string]*Credential),
	}
}

// Name returns the provider name.
func (p *FileProvider) Name() string {
	return "file"
}

func (p *FileProvider) load() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loadLocked()
}

func (p *FileProvider) loadLocked() error {
	if p.loaded {
		return nil
	}

	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			// No file means no credentials, not an error.
			p.loaded = true
			return nil
		}
		return fmt.Errorf("failed to read credentials file: %w", err)
	}

	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse credentials file: %w", err)
	}

	for key, value := range raw {
		p.credentials[key] = &Credential{
			Key:    key,
			Value:  value,
			Source: "file",
		}
	}

	p.loaded = true
	return nil
}

// GetCredential retrieves a credential from the file.
func (p *FileProvider) GetCredential(ctx context.Context, key string) (*Credential, error) {
	if err := p.load(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	cred, ok := p.credentials[key]
	if !ok {
		return nil, fmt.Errorf("credential not found: %s", key)
	}
	return cred, nil
}

// SetCredential persists a credential, rewriting the file with 0600 perms.
func (p *FileProvider) SetCredential(ctx context.Context, key, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.loadLocked(); err != nil {
		return err
	}

	p.credentials[key] = &Credential{Key: key, Value: value, Source: "file"}

	raw := make(map[string]string, len(p.credentials))
	for k, c := range p.credentials {
		raw[k] = c.Value
	}

	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(p.path), 0o700); err != nil {
		return fmt.Errorf("failed to create credentials dir: %w", err)
	}

	// Write-then-rename so a crash never leaves a truncated file.
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write credentials file: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return fmt.Errorf("failed to replace credentials file: %w", err)
	}

	return nil
}

// Reload forces a reload of credentials from the file.
func (p *FileProvider) Reload() error {
	p.mu.Lock()
	p.loaded = false
	p.credentials = make(map[string]*Credential)
	p.mu.Unlock()

	return p.load()
}
