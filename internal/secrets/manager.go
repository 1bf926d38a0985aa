// Package secrets resolves credentials for channel providers and the relay
// identity. Keys follow the credential-<service> convention, e.g.
// credential-telegram or credential-tether-relay.
package secrets

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/tether-agent/tether/internal/common/logger"
)

// Credential represents a resolved secret.
type Credential struct {
	Key    string // Lookup key (e.g. credential-telegram)
	Value  string // The secret value (never logged)
	Source string // Where it came from (env, keychain, file)
}

// Provider interface for different secret sources.
type Provider interface {
	// GetCredential retrieves a credential by key
	GetCredential(ctx context.Context, key string) (*Credential, error)

	// Name returns the provider name
	Name() string
}

// WritableProvider is a provider that can also persist secrets. The relay
// identity is written through this path when generated for the first time.
type WritableProvider interface {
	Provider
	SetCredential(ctx context.Context, key, value string) error
}

// Manager resolves credentials through an ordered provider chain.
type Manager struct {
	providers []Provider
	cache     map[string]*Credential
	mu        sync.RWMutex
	logger    *logger.Logger
}

// NewManager creates a new secrets manager.
func NewManager(log *logger.Logger) *Manager {
	return &Manager{
		providers: make([]Provider, 0),
		cache:     make(map[string]*Credential),
		logger:    log.WithFields(zap.String("component", "secrets-manager")),
	}
}

// AddProvider appends a provider to the chain. Earlier providers win.
func (m *Manager) AddProvider(provider Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.providers = append(m.providers, provider)
	m.logger.Info("added secret provider", zap.String("provider", provider.Name()))
}

// Get retrieves a credential value, trying providers in order.
func (m *Manager) Get(ctx context.Context, key string) (string, error) {
	cred, err := m.GetCredential(ctx, key)
	if err != nil {
		return "", err
	}
	return cred.Value, nil
}

// GetCredential retrieves a credential from the provider chain.
func (m *Manager) GetCredential(ctx context.Context, key string) (*Credential, error) {
	m.mu.RLock()
	if cred, ok := m.cache[key]; ok {
		m.mu.RUnlock()
		return cred, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, provider := range m.providers {
		cred, err := provider.GetCredential(ctx, key)
		if err == nil {
			m.cache[key] = cred
			m.logger.Debug("credential resolved",
				zap.String("key", key),
				zap.String("source", cred.Source))
			return cred, nil
		}
	}

	return nil, fmt.Errorf("credential not found: %s", key)
}

// Set persists a secret through the first writable provider in the chain.
func (m *Manager) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, provider := range m.providers {
		w, ok := provider.(WritableProvider)
		if !ok {
			continue
		}
		if err := w.SetCredential(ctx, key, value); err != nil {
			return fmt.Errorf("store secret %s via %s: %w", key, w.Name(), err)
		}
		m.cache[key] = &Credential{Key: key, Value: value, Source: w.Name()}
		m.logger.Info("credential stored",
			zap.String("key", key),
			zap.String("provider", w.Name()))
		return nil
	}

	return fmt.Errorf("no writable secret provider configured")
}

// Has checks whether a credential can be resolved.
func (m *Manager) Has(ctx context.Context, key string) bool {
	_, err := m.GetCredential(ctx, key)
	return err == nil
}

// ClearCache clears the credential cache.
func (m *Manager) ClearCache() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cache = make(map[string]*Credential)
	m.logger.Debug("credential cache cleared")
}
