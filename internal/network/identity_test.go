package network

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tether-agent/tether/internal/common/logger"
	"github.com/tether-agent/tether/internal/secrets"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func testSecrets(t *testing.T) *secrets.Manager {
	t.Helper()
	sm := secrets.NewManager(testLogger(t))
	sm.AddProvider(secrets.NewFileProvider(filepath.Join(t.TempDir(), "credentials.json")))
	return sm
}

func TestIdentity_SignVerifyRoundTrip(t *testing.T) {
	id, err := LoadOrCreateIdentity(context.Background(), "desk", testSecrets(t))
	require.NoError(t, err)

	body := []byte(`{"from":"desk","text":"hello"}`)
	sig := id.Sign(body)

	assert.True(t, Verify(id.PublicKeyBase64(), sig, body))
	assert.False(t, Verify(id.PublicKeyBase64(), sig, []byte(`{"from":"desk","text":"hellp"}`)),
		"one changed byte breaks the signature")
}

func TestIdentity_PersistsAcrossLoads(t *testing.T) {
	sm := testSecrets(t)

	first, err := LoadOrCreateIdentity(context.Background(), "desk", sm)
	require.NoError(t, err)
	second, err := LoadOrCreateIdentity(context.Background(), "desk", sm)
	require.NoError(t, err)

	assert.Equal(t, first.PublicKeyBase64(), second.PublicKeyBase64(),
		"the seed round-trips through the secret store")
}

func TestVerify_BadInputs(t *testing.T) {
	id, err := LoadOrCreateIdentity(context.Background(), "desk", testSecrets(t))
	require.NoError(t, err)
	body := []byte("data")

	assert.False(t, Verify("not base64!!", id.Sign(body), body))
	assert.False(t, Verify(id.PublicKeyBase64(), "not base64!!", body))
	assert.False(t, Verify("c2hvcnQ=", id.Sign(body), body), "wrong key length")
}

func TestCanonicalJSON_SortsKeys(t *testing.T) {
	out, err := CanonicalJSON(map[string]interface{}{
		"zeta":  1,
		"alpha": "x",
		"mid":   map[string]interface{}{"b": 2, "a": 1},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":"x","mid":{"a":1,"b":2},"zeta":1}`, string(out))
}

func TestCanonicalJSON_StructAndMapAgree(t *testing.T) {
	env := &Envelope{To: "kitchen", Nonce: "n1"}
	env.From = "desk"
	env.Type = "text"
	env.MessageID = "m1"
	env.Timestamp = "2026-08-24T10:00:00Z"
	env.Text = "hi"

	fromStruct, err := CanonicalJSON(env)
	require.NoError(t, err)

	fromMap, err := CanonicalJSON(map[string]interface{}{
		"from": "desk", "type": "text", "messageId": "m1",
		"timestamp": "2026-08-24T10:00:00Z", "text": "hi",
		"to": "kitchen", "nonce": "n1",
	})
	require.NoError(t, err)

	assert.Equal(t, string(fromMap), string(fromStruct),
		"signer and verifier produce identical bytes regardless of source shape")
}
