package peercomms

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tether-agent/tether/internal/common/config"
	"github.com/tether-agent/tether/internal/common/logger"
	"github.com/tether-agent/tether/internal/events"
	"github.com/tether-agent/tether/internal/events/bus"
	"github.com/tether-agent/tether/internal/secrets"
	"github.com/tether-agent/tether/internal/session"
	"github.com/tether-agent/tether/internal/state"
)

// authFailureThreshold is how many consecutive bad bearer tokens a sender may
// present before the service stops answering them for a while.
const authFailureThreshold = 5

// authRefusalWindow is how long a sender over the threshold stays refused.
const authRefusalWindow = 10 * time.Minute

// Peer status values reported by heartbeats.
const (
	PeerIdle    = "idle"
	PeerBusy    = "busy"
	PeerUnknown = "unknown"
)

// Injector delivers text into the agent pane.
type Injector interface {
	InjectText(ctx context.Context, text string) (session.InjectStatus, error)
}

// TurnNoter is told when an injection started a new agent turn.
type TurnNoter interface {
	NoteInjection(ctx context.Context)
}

// PeerState is the cached view of one peer.
type PeerState struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updatedAt"`
	LatencyMs int64     `json:"latencyMs"`
}

// InboundResult reports what the service did with a peer message.
type InboundResult struct {
	OK     bool `json:"ok"`
	Queued bool `json:"queued,omitempty"`
}

// commsLogEntry is one line in peer-comms.jsonl.
type commsLogEntry struct {
	Timestamp string `json:"ts"`
	Direction string `json:"direction"` // in | out
	Peer      string `json:"peer"`
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	Outcome   string `json:"outcome"`
}

type authFailures struct {
	count     int
	refusedAt time.Time
}

// Service handles the LAN side of inter-agent messaging.
type Service struct {
	cfg       *config.AgentCommsConfig
	agentName string
	secrets   *secrets.Manager
	transport Transport
	injector  Injector
	noter     TurnNoter
	eventBus  bus.EventBus
	log       *logger.Logger
	commsLog  *state.JSONLWriter

	mu       sync.RWMutex
	peers    map[string]*PeerState
	failures map[string]*authFailures

	now func() time.Time
}

// NewService builds the peer-comms service. The comms log lives in the state
// directory and rotates like the other JSONL logs.
func NewService(cfg *config.AgentCommsConfig, agentName string, sm *secrets.Manager, injector Injector, noter TurnNoter, eventBus bus.EventBus, dir *state.Dir, log *logger.Logger) (*Service, error) {
	commsLog, err := state.NewJSONLWriter(dir.File(state.PeerCommsLogFile))
	if err != nil {
		return nil, fmt.Errorf("open peer comms log: %w", err)
	}

	peers := make(map[string]*PeerState, len(cfg.Peers))
	for _, p := range cfg.Peers {
		peers[p.Name] = &PeerState{Name: p.Name, Status: PeerUnknown}
	}

	return &Service{
		cfg:       cfg,
		agentName: agentName,
		secrets:   sm,
		transport: NewTransport(cfg.LANTransport),
		injector:  injector,
		noter:     noter,
		eventBus:  eventBus,
		log:       log.WithFields(zap.String("component", "peercomms")),
		commsLog:  commsLog,
		peers:     peers,
		failures:  make(map[string]*authFailures),
		now:       time.Now,
	}, nil
}

// Close releases the comms log.
func (s *Service) Close() error {
	return s.commsLog.Close()
}

// CheckAuth validates the LAN bearer token. remote identifies the caller for
// the failure counter; after too many bad tokens the caller is refused even
// with a correct one until the window passes.
func (s *Service) CheckAuth(ctx context.Context, remote, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f := s.failures[remote]; f != nil && !f.refusedAt.IsZero() {
		if s.now().Sub(f.refusedAt) < authRefusalWindow {
			return fmt.Errorf("temporarily refused after repeated auth failures")
		}
		delete(s.failures, remote)
	}

	expected, err := s.secrets.Get(ctx, s.cfg.SharedSecretName)
	if err != nil {
		return fmt.Errorf("shared secret unavailable: %w", err)
	}
	if token == expected && token != "" {
		delete(s.failures, remote)
		return nil
	}

	f := s.failures[remote]
	if f == nil {
		f = &authFailures{}
		s.failures[remote] = f
	}
	f.count++
	if f.count >= authFailureThreshold {
		f.refusedAt = s.now()
		s.log.Warn("peer auth failure threshold reached",
			zap.String("remote", remote), zap.Int("failures", f.count))
	}
	return fmt.Errorf("invalid token")
}

// HandleInbound processes a validated-auth peer message: checks the envelope,
// injects into the pane, and logs the event. Validation failures are returned
// to the caller and never reach the pane. An absent session is not an error;
// the message is acknowledged as queued and retained in the log only.
func (s *Service) HandleInbound(ctx context.Context, msg *AgentMessage) (*InboundResult, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	line := fmt.Sprintf("[Agent] %s: %s", msg.From, msg.DisplayText())
	status, err := s.injector.InjectText(ctx, line)
	if err != nil {
		s.logEvent("in", msg.From, msg, "inject-error")
		return nil, fmt.Errorf("inject: %w", err)
	}

	eventData := map[string]interface{}{
		"from":      msg.From,
		"type":      msg.Type,
		"messageId": msg.MessageID,
	}

	if status == session.SessionAbsent {
		s.logEvent("in", msg.From, msg, "queued")
		s.publish(events.PeerMessageIn, eventData)
		return &InboundResult{OK: true, Queued: true}, nil
	}

	if s.noter != nil {
		s.noter.NoteInjection(ctx)
	}
	s.logEvent("in", msg.From, msg, "injected")
	s.publish(events.PeerMessageIn, eventData)
	return &InboundResult{OK: true}, nil
}

// Send delivers a message to a named LAN peer.
func (s *Service) Send(ctx context.Context, peer string, msg *AgentMessage) error {
	s.fillEnvelope(msg)
	if err := msg.Validate(); err != nil {
		return err
	}

	pc := s.peerConfig(peer)
	if pc == nil {
		return fmt.Errorf("unknown peer: %q", peer)
	}

	token, err := s.secrets.Get(ctx, s.cfg.SharedSecretName)
	if err != nil {
		return fmt.Errorf("shared secret unavailable: %w", err)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	url := fmt.Sprintf("http://%s:%d/agent/message", pc.Host, pc.Port)
	code, _, err := s.transport.PostJSON(ctx, url, map[string]string{
		"Authorization": "Bearer " + token,
	}, body)
	if err != nil {
		s.logEvent("out", peer, msg, "send-error")
		return fmt.Errorf("send to %s: %w", peer, err)
	}
	if code < 200 || code >= 300 {
		s.logEvent("out", peer, msg, fmt.Sprintf("http-%d", code))
		return fmt.Errorf("send to %s: status %d", peer, code)
	}

	s.logEvent("out", peer, msg, "sent")
	s.publish(events.PeerMessageOut, map[string]interface{}{
		"peer":      peer,
		"type":      msg.Type,
		"messageId": msg.MessageID,
	})
	return nil
}

// fillEnvelope stamps the sender identity, a fresh message id, and the
// timestamp when the caller left them empty.
func (s *Service) fillEnvelope(msg *AgentMessage) {
	if msg.From == "" {
		msg.From = s.agentName
	}
	if msg.MessageID == "" {
		msg.MessageID = uuid.New().String()
	}
	if msg.Timestamp == "" {
		msg.Timestamp = s.now().UTC().Format(time.RFC3339)
	}
}

func (s *Service) peerConfig(name string) *config.PeerConfig {
	for i := range s.cfg.Peers {
		if s.cfg.Peers[i].Name == name {
			return &s.cfg.Peers[i]
		}
	}
	return nil
}

// HasPeer reports whether a peer is configured on the LAN.
func (s *Service) HasPeer(name string) bool {
	return s.peerConfig(name) != nil
}

// PeerStates returns a snapshot of the peer cache.
func (s *Service) PeerStates() []PeerState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]PeerState, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, *p)
	}
	return out
}

// Heartbeat probes each configured peer's status endpoint and refreshes the
// cache. Registered as a scheduler task.
func (s *Service) Heartbeat(ctx context.Context) error {
	for _, pc := range s.cfg.Peers {
		s.probePeer(ctx, pc)
	}
	return nil
}

func (s *Service) probePeer(ctx context.Context, pc config.PeerConfig) {
	url := fmt.Sprintf("http://%s:%d/agent/status", pc.Host, pc.Port)

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := s.now()
	status, latency := PeerUnknown, int64(0)

	code, body, err := getJSON(probeCtx, url)
	if err == nil && code == 200 {
		latency = time.Since(start).Milliseconds()
		var payload struct {
			Status string `json:"status"`
		}
		if json.Unmarshal(body, &payload) == nil && (payload.Status == PeerIdle || payload.Status == PeerBusy) {
			status = payload.Status
		}
	}

	s.mu.Lock()
	p := s.peers[pc.Name]
	if p == nil {
		p = &PeerState{Name: pc.Name}
		s.peers[pc.Name] = p
	}
	p.Status = status
	p.UpdatedAt = s.now()
	p.LatencyMs = latency
	s.mu.Unlock()

	s.publish(events.PeerStateView, map[string]interface{}{
		"peer":      pc.Name,
		"status":    status,
		"latencyMs": latency,
	})
}

func (s *Service) logEvent(direction, peer string, msg *AgentMessage, outcome string) {
	entry := commsLogEntry{
		Timestamp: s.now().UTC().Format(time.RFC3339),
		Direction: direction,
		Peer:      peer,
		Type:      msg.Type,
		MessageID: msg.MessageID,
		Outcome:   outcome,
	}
	if err := s.commsLog.Append(entry); err != nil {
		s.log.Warn("peer comms log append failed", zap.Error(err))
	}
}

func (s *Service) publish(eventType string, data map[string]interface{}) {
	if s.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, "peercomms", data)
	if err := s.eventBus.Publish(context.Background(), eventType, event); err != nil {
		s.log.Warn("event publish failed", zap.String("type", eventType), zap.Error(err))
	}
}
