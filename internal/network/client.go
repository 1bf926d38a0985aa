package network

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tether-agent/tether/internal/common/logger"
	"github.com/tether-agent/tether/internal/peercomms"
)

// Registration statuses the relay registry reports.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRevoked  = "revoked"
)

// directoryTTL bounds how stale the cached registry directory may be.
const directoryTTL = 5 * time.Minute

// Envelope is the signed relay message body. The signature travels outside
// it, over the exact marshalled bytes.
type Envelope struct {
	peercomms.AgentMessage
	To    string `json:"to"`
	Nonce string `json:"nonce"`
}

// InboxEntry is one stored message redelivered by the relay: the original
// body bytes plus the sender's signature over them. ID is assigned by the
// relay so even an entry whose body will not parse can be acked away.
type InboxEntry struct {
	ID        string          `json:"id"`
	Body      json.RawMessage `json:"body"`
	Signature string          `json:"signature"`
}

// DirectoryEntry is one registered agent.
type DirectoryEntry struct {
	Name      string `json:"name"`
	PublicKey string `json:"publicKey"`
	Status    string `json:"status"`
}

// Client talks to the relay server. Registry endpoints are unauthenticated;
// everything else is signed with the agent identity.
type Client struct {
	baseURL    string
	identity   *Identity
	ownerEmail string
	http       *http.Client
	log        *logger.Logger

	dirMu        sync.Mutex
	dir          map[string]DirectoryEntry
	dirFetchedAt time.Time
	now          func() time.Time
}

// NewClient builds a relay client for the given identity.
func NewClient(relayURL string, identity *Identity, ownerEmail string, log *logger.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(relayURL, "/"),
		identity:   identity,
		ownerEmail: ownerEmail,
		http:       &http.Client{Timeout: 15 * time.Second},
		log:        log.WithFields(zap.String("component", "relay-client")),
		now:        time.Now,
	}
}

// Register announces this agent to the registry. A 409 means the name is
// already registered; the current status is fetched and returned instead of
// an error so the caller can tell pending from revoked.
func (c *Client) Register(ctx context.Context) (string, error) {
	body, err := json.Marshal(map[string]string{
		"name":       c.identity.Name,
		"publicKey":  c.identity.PublicKeyBase64(),
		"ownerEmail": c.ownerEmail,
	})
	if err != nil {
		return "", err
	}

	code, respBody, err := c.do(ctx, http.MethodPost, "/registry/agents", nil, body)
	if err != nil {
		return "", fmt.Errorf("register: %w", err)
	}
	switch {
	case code == http.StatusConflict:
		return c.RegistrationStatus(ctx)
	case code >= 200 && code < 300:
		var resp struct {
			Status string `json:"status"`
		}
		if json.Unmarshal(respBody, &resp) == nil && resp.Status != "" {
			return resp.Status, nil
		}
		return StatusPending, nil
	default:
		return "", fmt.Errorf("register: status %d: %s", code, snippet(respBody))
	}
}

// RegistrationStatus fetches this agent's registry status.
func (c *Client) RegistrationStatus(ctx context.Context) (string, error) {
	code, body, err := c.do(ctx, http.MethodGet, "/registry/agents/"+c.identity.Name, nil, nil)
	if err != nil {
		return "", fmt.Errorf("registration status: %w", err)
	}
	if code != http.StatusOK {
		return "", fmt.Errorf("registration status: status %d", code)
	}
	var entry DirectoryEntry
	if err := json.Unmarshal(body, &entry); err != nil {
		return "", fmt.Errorf("registration status: %w", err)
	}
	return entry.Status, nil
}

// Send signs the envelope and posts it to the relay. The signature covers
// the exact body bytes that go on the wire.
func (c *Client) Send(ctx context.Context, env *Envelope) error {
	body, err := CanonicalJSON(env)
	if err != nil {
		return fmt.Errorf("canonicalize: %w", err)
	}

	headers := map[string]string{
		"X-Agent":     c.identity.Name,
		"X-Signature": c.identity.Sign(body),
	}
	code, respBody, err := c.do(ctx, http.MethodPost, "/relay/send", headers, body)
	if err != nil {
		return fmt.Errorf("relay send: %w", err)
	}
	if code < 200 || code >= 300 {
		return fmt.Errorf("relay send: status %d: %s", code, snippet(respBody))
	}
	return nil
}

// PollInbox fetches stored messages. The request is authenticated by signing
// the literal string "GET /inbox/<name> <timestamp>".
func (c *Client) PollInbox(ctx context.Context) ([]InboxEntry, error) {
	ts := c.now().UTC().Format(time.RFC3339)
	proof := fmt.Sprintf("GET /inbox/%s %s", c.identity.Name, ts)

	headers := map[string]string{
		"X-Agent":     c.identity.Name,
		"X-Signature": c.identity.Sign([]byte(proof)),
		"X-Timestamp": ts,
	}
	code, body, err := c.do(ctx, http.MethodGet, "/relay/inbox/"+c.identity.Name, headers, nil)
	if err != nil {
		return nil, fmt.Errorf("poll inbox: %w", err)
	}
	if code != http.StatusOK {
		return nil, fmt.Errorf("poll inbox: status %d", code)
	}

	var resp struct {
		Messages []InboxEntry `json:"messages"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("poll inbox: %w", err)
	}
	return resp.Messages, nil
}

// Ack tells the relay which message ids were consumed so it can drop them.
func (c *Client) Ack(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	body, err := CanonicalJSON(map[string]interface{}{"messageIds": messageIDs})
	if err != nil {
		return err
	}

	headers := map[string]string{
		"X-Agent":     c.identity.Name,
		"X-Signature": c.identity.Sign(body),
	}
	code, respBody, err := c.do(ctx, http.MethodPost, "/relay/inbox/"+c.identity.Name+"/ack", headers, body)
	if err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	if code < 200 || code >= 300 {
		return fmt.Errorf("ack: status %d: %s", code, snippet(respBody))
	}
	return nil
}

// LookupKey returns the public key of an approved agent from the cached
// directory, refetching when the cache is older than the TTL.
func (c *Client) LookupKey(ctx context.Context, name string) (string, error) {
	c.dirMu.Lock()
	defer c.dirMu.Unlock()

	if c.dir == nil || c.now().Sub(c.dirFetchedAt) > directoryTTL {
		if err := c.refreshDirectoryLocked(ctx); err != nil {
			if c.dir == nil {
				return "", err
			}
			// A stale directory beats none at all.
			c.log.Warn("directory refresh failed, using stale cache", zap.Error(err))
		}
	}

	entry, ok := c.dir[name]
	if !ok {
		return "", fmt.Errorf("agent %q not in directory", name)
	}
	if entry.Status != StatusApproved {
		return "", fmt.Errorf("agent %q is %s", name, entry.Status)
	}
	return entry.PublicKey, nil
}

func (c *Client) refreshDirectoryLocked(ctx context.Context) error {
	code, body, err := c.do(ctx, http.MethodGet, "/registry/agents", nil, nil)
	if err != nil {
		return fmt.Errorf("fetch directory: %w", err)
	}
	if code != http.StatusOK {
		return fmt.Errorf("fetch directory: status %d", code)
	}

	var entries []DirectoryEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return fmt.Errorf("fetch directory: %w", err)
	}

	dir := make(map[string]DirectoryEntry, len(entries))
	for _, e := range entries {
		dir[e.Name] = e
	}
	c.dir = dir
	c.dirFetchedAt = c.now()
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, headers map[string]string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, respBody, nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 256 {
		s = s[:256]
	}
	return s
}
