package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tether-agent/tether/internal/common/config"
	"github.com/tether-agent/tether/internal/common/logger"
	"github.com/tether-agent/tether/internal/peercomms"
)

type fakeSession struct{ exists, idle bool }

func (f *fakeSession) SessionExists(ctx context.Context) bool { return f.exists }
func (f *fakeSession) IsAgentIdle(ctx context.Context) bool   { return f.idle }

type fakeHooks struct {
	paths  []string
	events []string
	err    error
}

func (f *fakeHooks) HandleHook(ctx context.Context, path, event string) error {
	f.paths = append(f.paths, path)
	f.events = append(f.events, event)
	return f.err
}

type fakePeers struct {
	authErr error
	result  *peercomms.InboundResult
	inErr   error
	got     []*peercomms.AgentMessage
}

func (f *fakePeers) CheckAuth(ctx context.Context, remote, token string) error { return f.authErr }
func (f *fakePeers) HandleInbound(ctx context.Context, msg *peercomms.AgentMessage) (*peercomms.InboundResult, error) {
	f.got = append(f.got, msg)
	if f.inErr != nil {
		return nil, f.inErr
	}
	if f.result != nil {
		return f.result, nil
	}
	return &peercomms.InboundResult{OK: true}, nil
}
func (f *fakePeers) PeerStates() []peercomms.PeerState {
	return []peercomms.PeerState{{Name: "kitchen", Status: peercomms.PeerIdle}}
}

type fakeSender struct {
	peers []string
	err   error
}

func (f *fakeSender) SendToPeer(ctx context.Context, peer string, msg *peercomms.AgentMessage) error {
	f.peers = append(f.peers, peer)
	return f.err
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func newTestServer(t *testing.T, deps Deps) *Server {
	t.Helper()
	return New(&config.DaemonConfig{Host: "127.0.0.1", Port: 3847}, deps, testLogger(t))
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, Deps{})
	rec := doJSON(t, s, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
}

func TestStatus(t *testing.T) {
	s := newTestServer(t, Deps{
		Session: &fakeSession{exists: true},
		Peers:   &fakePeers{},
	})
	rec := doJSON(t, s, http.MethodGet, "/status", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		OK      bool `json:"ok"`
		Session bool `json:"session"`
		Peers   []peercomms.PeerState
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.True(t, resp.Session)
	require.Len(t, resp.Peers, 1)
	assert.Equal(t, "kitchen", resp.Peers[0].Name)
}

func TestHookResponse(t *testing.T) {
	hooks := &fakeHooks{}
	s := newTestServer(t, Deps{Hooks: hooks})

	rec := doJSON(t, s, http.MethodPost, "/hook/response",
		map[string]string{"transcript_path": "/tmp/t.jsonl"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, hooks.paths, 1)
	assert.Equal(t, "/tmp/t.jsonl", hooks.paths[0])
	assert.Equal(t, "Stop", hooks.events[0], "missing hook_event defaults to Stop")
}

func TestHookResponse_MissingPath(t *testing.T) {
	s := newTestServer(t, Deps{Hooks: &fakeHooks{}})
	rec := doJSON(t, s, http.MethodPost, "/hook/response", map[string]string{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "error")
}

func TestHookResponse_HandlerError(t *testing.T) {
	s := newTestServer(t, Deps{Hooks: &fakeHooks{err: fmt.Errorf("unknown hook event: Nope")}})
	rec := doJSON(t, s, http.MethodPost, "/hook/response",
		map[string]string{"transcript_path": "/tmp/t.jsonl", "hook_event": "Nope"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAgentMessage(t *testing.T) {
	peers := &fakePeers{}
	s := newTestServer(t, Deps{Peers: peers})

	rec := doJSON(t, s, http.MethodPost, "/agent/message", peercomms.AgentMessage{
		From: "kitchen", Type: "text", MessageID: "m1",
		Timestamp: "2026-08-24T10:00:00Z", Text: "hi",
	}, map[string]string{"Authorization": "Bearer hunter2"})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
	require.Len(t, peers.got, 1)
	assert.Equal(t, "kitchen", peers.got[0].From)
}

func TestAgentMessage_BadToken(t *testing.T) {
	peers := &fakePeers{authErr: fmt.Errorf("invalid token")}
	s := newTestServer(t, Deps{Peers: peers})

	rec := doJSON(t, s, http.MethodPost, "/agent/message", peercomms.AgentMessage{
		From: "kitchen", Type: "text", MessageID: "m1", Timestamp: "2026-08-24T10:00:00Z",
	}, map[string]string{"Authorization": "Bearer wrong"})

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, peers.got, "unauthenticated bodies are never processed")
}

func TestAgentMessage_ValidationIs4xx(t *testing.T) {
	peers := &fakePeers{inErr: fmt.Errorf(`unsupported type: "gossip"`)}
	s := newTestServer(t, Deps{Peers: peers})

	rec := doJSON(t, s, http.MethodPost, "/agent/message", peercomms.AgentMessage{
		From: "kitchen", Type: "gossip", MessageID: "m1", Timestamp: "2026-08-24T10:00:00Z",
	}, map[string]string{"Authorization": "Bearer hunter2"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAgentMessage_QueuedWhenSessionAbsent(t *testing.T) {
	peers := &fakePeers{result: &peercomms.InboundResult{OK: true, Queued: true}}
	s := newTestServer(t, Deps{Peers: peers})

	rec := doJSON(t, s, http.MethodPost, "/agent/message", peercomms.AgentMessage{
		From: "kitchen", Type: "text", MessageID: "m1", Timestamp: "2026-08-24T10:00:00Z",
	}, map[string]string{"Authorization": "Bearer hunter2"})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true,"queued":true}`, rec.Body.String())
}

func TestAgentMessage_Disabled(t *testing.T) {
	s := newTestServer(t, Deps{})
	rec := doJSON(t, s, http.MethodPost, "/agent/message", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAgentStatus(t *testing.T) {
	s := newTestServer(t, Deps{Session: &fakeSession{idle: true}})
	rec := doJSON(t, s, http.MethodGet, "/agent/status", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"idle"`)

	s = newTestServer(t, Deps{Session: &fakeSession{idle: false}})
	rec = doJSON(t, s, http.MethodGet, "/agent/status", nil, nil)
	assert.Contains(t, rec.Body.String(), `"status":"busy"`)
}

func TestAgentSend(t *testing.T) {
	sender := &fakeSender{}
	s := newTestServer(t, Deps{Sender: sender})

	rec := doJSON(t, s, http.MethodPost, "/agent/send",
		map[string]string{"peer": "kitchen", "text": "dinner?"}, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"kitchen"}, sender.peers)
}

func TestAgentSend_NoRoute(t *testing.T) {
	sender := &fakeSender{err: fmt.Errorf("no route to peer kitchen")}
	s := newTestServer(t, Deps{Sender: sender})

	rec := doJSON(t, s, http.MethodPost, "/agent/send",
		map[string]string{"peer": "kitchen", "text": "hi"}, nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestAgentSend_MissingPeer(t *testing.T) {
	s := newTestServer(t, Deps{Sender: &fakeSender{}})
	rec := doJSON(t, s, http.MethodPost, "/agent/send", map[string]string{"text": "hi"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
