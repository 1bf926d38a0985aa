package network

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tether-agent/tether/internal/common/logger"
	"github.com/tether-agent/tether/internal/peercomms"
)

// Sender routes outbound peer messages: LAN first when the peer is
// configured locally, falling back to the relay.
type Sender struct {
	lan   *peercomms.Service
	relay *Client
	log   *logger.Logger
}

// NewSender builds the LAN-first sender. Either path may be nil when the
// corresponding subsystem is disabled.
func NewSender(lan *peercomms.Service, relay *Client, log *logger.Logger) *Sender {
	return &Sender{
		lan:   lan,
		relay: relay,
		log:   log.WithFields(zap.String("component", "peer-sender")),
	}
}

// SendToPeer delivers msg to the named peer. A failed LAN attempt falls
// through to the relay rather than surfacing immediately.
func (s *Sender) SendToPeer(ctx context.Context, peer string, msg *peercomms.AgentMessage) error {
	var lanErr error
	if s.lan != nil && s.lan.HasPeer(peer) {
		lanErr = s.lan.Send(ctx, peer, msg)
		if lanErr == nil {
			return nil
		}
		s.log.Warn("LAN send failed, trying relay",
			zap.String("peer", peer), zap.Error(lanErr))
	}

	if s.relay == nil {
		if lanErr != nil {
			return lanErr
		}
		return &NoRouteError{Peer: peer}
	}

	env := &Envelope{
		AgentMessage: *msg,
		To:           peer,
		Nonce:        uuid.New().String(),
	}
	if env.From == "" {
		env.From = s.relay.identity.Name
	}
	if env.MessageID == "" {
		env.MessageID = uuid.New().String()
	}
	if env.Timestamp == "" {
		env.Timestamp = s.relay.now().UTC().Format(time.RFC3339)
	}
	return s.relay.Send(ctx, env)
}

// NoRouteError reports a peer reachable by neither LAN nor relay.
type NoRouteError struct {
	Peer string
}

func (e *NoRouteError) Error() string {
	return "no route to peer " + e.Peer
}
