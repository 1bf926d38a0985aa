// Package chat implements the chat-messenger channel: an inbound webhook
// that classifies senders and injects into the REPL, and an outbound sender
// that satisfies the router's Adapter interface.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tether-agent/tether/internal/common/config"
	"github.com/tether-agent/tether/internal/secrets"
)

// Provider is one pluggable chat backend.
type Provider interface {
	Name() string
	SendMessage(ctx context.Context, recipient, text string) error
	// SendTyping shows a typing indicator once. Best effort.
	SendTyping(ctx context.Context, recipient string) error
}

// HTTPProvider talks to a chat platform's bot API over HTTP with a bearer
// credential from the secret store.
type HTTPProvider struct {
	name    string
	baseURL string
	secret  string // secret-store key, e.g. credential-telegram
	store   *secrets.Manager
	client  *http.Client
}

// NewHTTPProvider builds a provider from config.
func NewHTTPProvider(cfg config.ChatProviderConfig, store *secrets.Manager) *HTTPProvider {
	return &HTTPProvider{
		name:    cfg.Name,
		baseURL: cfg.BaseURL,
		secret:  cfg.SecretName,
		store:   store,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// Name returns the provider name.
func (p *HTTPProvider) Name() string {
	return p.name
}

// SendMessage posts a message to the provider's send endpoint.
func (p *HTTPProvider) SendMessage(ctx context.Context, recipient, text string) error {
	return p.post(ctx, "/messages", map[string]string{
		"recipient": recipient,
		"text":      text,
	})
}

// SendTyping posts a one-shot typing indicator.
func (p *HTTPProvider) SendTyping(ctx context.Context, recipient string) error {
	return p.post(ctx, "/typing", map[string]string{
		"recipient": recipient,
	})
}

func (p *HTTPProvider) post(ctx context.Context, path string, payload map[string]string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	if p.store != nil && p.secret != "" {
		token, err := p.store.Get(ctx, p.secret)
		if err != nil {
			return fmt.Errorf("resolve chat credential: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("chat provider %s: %w", p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("chat provider %s returned %d: %s", p.name, resp.StatusCode, snippet)
	}
	return nil
}
