// Package network implements the internet relay path: an Ed25519 agent
// identity, a signing relay client, inbox polling with signature
// verification, and a database-backed replay defense.
package network

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/tether-agent/tether/internal/secrets"
)

// RelayKeySecret is the secret-store key holding the hex-encoded Ed25519
// seed. The private key never touches the filesystem outside the secret
// store's own file fallback.
const RelayKeySecret = "credential-tether-relay"

// Identity is this agent's relay identity.
type Identity struct {
	Name string

	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

// LoadOrCreateIdentity loads the Ed25519 seed from the secret store,
// generating and persisting a fresh keypair on first run.
func LoadOrCreateIdentity(ctx context.Context, name string, sm *secrets.Manager) (*Identity, error) {
	seedHex, err := sm.Get(ctx, RelayKeySecret)
	if err == nil && seedHex != "" {
		seed, decErr := hex.DecodeString(seedHex)
		if decErr != nil {
			return nil, fmt.Errorf("stored relay key is not hex: %w", decErr)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("stored relay key has wrong length %d", len(seed))
		}
		priv := ed25519.NewKeyFromSeed(seed)
		return &Identity{Name: name, priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate relay key: %w", err)
	}
	if err := sm.Set(ctx, RelayKeySecret, hex.EncodeToString(priv.Seed())); err != nil {
		return nil, fmt.Errorf("store relay key: %w", err)
	}
	return &Identity{Name: name, pub: pub, priv: priv}, nil
}

// Sign returns the base64 signature over data.
func (id *Identity) Sign(data []byte) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(id.priv, data))
}

// PublicKeyBase64 returns the public key in the registry's wire encoding.
func (id *Identity) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(id.pub)
}

// Verify checks sig (base64) over data against pubKeyB64.
func Verify(pubKeyB64, sig string, data []byte) bool {
	pub, err := base64.StdEncoding.DecodeString(pubKeyB64)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), data, raw)
}
