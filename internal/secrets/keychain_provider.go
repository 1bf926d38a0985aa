package secrets

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

// commandRunner abstracts subprocess execution so tests can stub the
// keychain binary.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// KeychainProvider resolves credentials from the macOS keychain via the
// security(1) binary. On other platforms every lookup misses and the
// chain falls through to the file provider.
type KeychainProvider struct {
	account string
	run     commandRunner
}

// NewKeychainProvider creates a keychain provider for the given account
// (the agent name).
func NewKeychainProvider(account string) *KeychainProvider {
	return &KeychainProvider{account: account, run: runCommand}
}

// Name returns the provider name.
func (p *KeychainProvider) Name() string {
	return "keychain"
}

// Available reports whether this platform has a usable keychain.
func (p *KeychainProvider) Available() bool {
	return runtime.GOOS == "darwin"
}

// GetCredential looks up a generic password by service name.
func (p *KeychainProvider) GetCredential(ctx context.Context, key string) (*Credential, error) {
	if !p.Available() {
		return nil, fmt.Errorf("keychain not available on %s", runtime.GOOS)
	}

	out, err := p.run(ctx, "security", "find-generic-password",
		"-s", key, "-a", p.account, "-w")
	if err != nil {
		return nil, fmt.Errorf("credential not found: %s", key)
	}

	value := strings.TrimRight(string(out), "\n")
	if value == "" {
		return nil, fmt.Errorf("credential not found: %s", key)
	}
	return &Credential{Key: key, Value: value, Source: "keychain"}, nil
}

// SetCredential stores a generic password, replacing any existing entry.
func (p *KeychainProvider) SetCredential(ctx context.Context, key, value string) error {
	if !p.Available() {
		return fmt.Errorf("keychain not available on %s", runtime.GOOS)
	}

	_, err := p.run(ctx, "security", "add-generic-password",
		"-s", key, "-a", p.account, "-w", value, "-U")
	if err != nil {
		return fmt.Errorf("failed to store %s in keychain: %w", key, err)
	}
	return nil
}
