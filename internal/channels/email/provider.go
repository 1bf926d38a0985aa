package email

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

// HTTPProvider talks to a mail-service REST API (fetch unread, send) with a
// bearer credential from the secret store.
type HTTPProvider struct {
	name    string
	baseURL string
	address string
	secret  string
	store   *secrets.Manager
	client  *http.Client
}

// NewHTTPProvider builds a provider from config.
func NewHTTPProvider(cfg config.EmailProviderConfig, store *secrets.Manager) *HTTPProvider {
	return &HTTPProvider{
		name:    cfg.Name,
		baseURL: cfg.BaseURL,
		address: cfg.Address,
		secret:  cfg.SecretName,
		store:   store,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Name returns the provider name.
func (p *HTTPProvider) Name() string {
	return p.name
}

// Fetch pulls unread messages for the configured address.
func (p *HTTPProvider) Fetch(ctx context.Context) ([]InboundEmail, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/inbox?address=%s&unread=true", p.baseURL, p.address), nil)
	if err != nil {
		return nil, fmt.Errorf("build inbox request: %w", err)
	}
	if err := p.authorize(ctx, req); err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("email provider %s: %w", p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("email provider %s returned %d: %s", p.name, resp.StatusCode, snippet)
	}

	var messages []InboundEmail
	if err := json.NewDecoder(resp.Body).Decode(&messages); err != nil {
		return nil, fmt.Errorf("decode inbox response: %w", err)
	}
	return messages, nil
}

// Send posts an outbound message.
func (p *HTTPProvider) Send(ctx context.Context, to, subject, body string) error {
	payload, err := json.Marshal(map[string]string{
		"from":    p.address,
		"to":      to,
		"subject": subject,
		"body":    body,
	})
	if err != nil {
		return fmt.Errorf("encode send payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/send", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := p.authorize(ctx, req); err != nil {
		return err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("email provider %s: %w", p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("email provider %s returned %d: %s", p.name, resp.StatusCode, snippet)
	}
	return nil
}

func (p *HTTPProvider) authorize(ctx context.Context, req *http.Request) error {
	if p.store == nil || p.secret == "" {
		return nil
	}
	token, err := p.store.Get(ctx, p.secret)
	if err != nil {
		return fmt.Errorf("resolve email credential: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}
