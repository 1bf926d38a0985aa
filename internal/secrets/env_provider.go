package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// EnvProvider resolves credentials from environment variables.
// The key credential-tether-relay maps to TETHER_SECRET_TETHER_RELAY.
type EnvProvider struct{}

// NewEnvProvider creates a new environment variable provider.
func NewEnvProvider() *EnvProvider {
	return &EnvProvider{}
}

// Name returns the provider name.
func (p *EnvProvider) Name() string {
	return "env"
}

// GetCredential retrieves a credential from the environment.
func (p *EnvProvider) GetCredential(ctx context.Context, key string) (*Credential, error) {
	value, ok := os.LookupEnv(envVarName(key))
	if !ok || value == "" {
		return nil, fmt.Errorf("credential not found: %s", key)
	}
	return &Credential{Key: key, Value: value, Source: "env"}, nil
}

// envVarName maps a credential key to its environment variable.
func envVarName(key string) string {
	name := strings.TrimPrefix(key, "credential-")
	name = strings.ToUpper(name)
	name = strings.NewReplacer("-", "_", ".", "_").Replace(name)
	return "TETHER_SECRET_" + name
}
