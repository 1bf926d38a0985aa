package secrets

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tether-agent/tether/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func TestEnvProvider(t *testing.T) {
	t.Setenv("TETHER_SECRET_TELEGRAM", "bot-token-123")

	p := NewEnvProvider()
	cred, err := p.GetCredential(context.Background(), "credential-telegram")
	require.NoError(t, err)
	assert.Equal(t, "bot-token-123", cred.Value)
	assert.Equal(t, "env", cred.Source)

	_, err = p.GetCredential(context.Background(), "credential-missing")
	assert.Error(t, err)
}

func TestEnvVarName(t *testing.T) {
	assert.Equal(t, "TETHER_SECRET_TETHER_RELAY", envVarName("credential-tether-relay"))
	assert.Equal(t, "TETHER_SECRET_TELEGRAM", envVarName("credential-telegram"))
	assert.Equal(t, "TETHER_SECRET_EMAIL_IMAP", envVarName("credential-email.imap"))
}

func TestFileProvider_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	ctx := context.Background()

	p := NewFileProvider(path)

	_, err := p.GetCredential(ctx, "credential-telegram")
	assert.Error(t, err, "empty store should miss")

	require.NoError(t, p.SetCredential(ctx, "credential-telegram", "tok-1"))
	require.NoError(t, p.SetCredential(ctx, "credential-tether-relay", "ed25519-seed"))

	// Fresh provider re-reads from disk.
	p2 := NewFileProvider(path)
	cred, err := p2.GetCredential(ctx, "credential-telegram")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", cred.Value)

	cred, err = p2.GetCredential(ctx, "credential-tether-relay")
	require.NoError(t, err)
	assert.Equal(t, "ed25519-seed", cred.Value)
}

func TestManager_ProviderOrder(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "credentials.json")

	file := NewFileProvider(path)
	require.NoError(t, file.SetCredential(ctx, "credential-telegram", "from-file"))

	t.Setenv("TETHER_SECRET_TELEGRAM", "from-env")

	m := NewManager(testLogger(t))
	m.AddProvider(NewEnvProvider())
	m.AddProvider(file)

	value, err := m.Get(ctx, "credential-telegram")
	require.NoError(t, err)
	assert.Equal(t, "from-env", value, "earlier provider wins")
}

func TestManager_SetUsesWritableProvider(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "credentials.json")

	m := NewManager(testLogger(t))
	m.AddProvider(NewEnvProvider()) // read-only, skipped for writes
	m.AddProvider(NewFileProvider(path))

	require.NoError(t, m.Set(ctx, "credential-tether-relay", "seed-hex"))

	value, err := m.Get(ctx, "credential-tether-relay")
	require.NoError(t, err)
	assert.Equal(t, "seed-hex", value)

	// Persisted, not just cached.
	fresh := NewFileProvider(path)
	cred, err := fresh.GetCredential(ctx, "credential-tether-relay")
	require.NoError(t, err)
	assert.Equal(t, "seed-hex", cred.Value)
}

func TestManager_NoWritableProvider(t *testing.T) {
	m := NewManager(testLogger(t))
	m.AddProvider(NewEnvProvider())

	err := m.Set(context.Background(), "credential-x", "v")
	assert.Error(t, err)
}

func TestManager_Miss(t *testing.T) {
	m := NewManager(testLogger(t))
	m.AddProvider(NewEnvProvider())

	_, err := m.Get(context.Background(), "credential-nope")
	assert.Error(t, err)
	assert.False(t, m.Has(context.Background(), "credential-nope"))
}
