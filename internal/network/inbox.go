package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tether-agent/tether/internal/common/logger"
	"github.com/tether-agent/tether/internal/peercomms"
	"github.com/tether-agent/tether/internal/session"
)

// Poller drains the relay inbox: verifies signatures against the registry
// directory, applies the replay defense, and injects surviving messages into
// the agent pane. Runs as a scheduler task.
type Poller struct {
	client   *Client
	replay   *ReplayStore
	injector peercomms.Injector
	noter    peercomms.TurnNoter
	log      *logger.Logger
}

// NewPoller builds the inbox poller.
func NewPoller(client *Client, replay *ReplayStore, injector peercomms.Injector, noter peercomms.TurnNoter, log *logger.Logger) *Poller {
	return &Poller{
		client:   client,
		replay:   replay,
		injector: injector,
		noter:    noter,
		log:      log.WithFields(zap.String("component", "relay-inbox")),
	}
}

// Poll fetches pending messages, processes each, and acks whatever was
// consumed. Malformed and replayed entries are consumed too, so a poisoned
// message cannot wedge the inbox.
func (p *Poller) Poll(ctx context.Context) error {
	entries, err := p.client.PollInbox(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	var acked []string
	for _, entry := range entries {
		id, err := p.process(ctx, entry)
		if err != nil {
			p.log.Warn("inbox entry dropped", zap.String("id", id), zap.Error(err))
		}
		if id != "" {
			acked = append(acked, id)
		}
	}

	if err := p.client.Ack(ctx, acked); err != nil {
		p.log.Warn("inbox ack failed", zap.Int("count", len(acked)), zap.Error(err))
	}
	return nil
}

// process handles one entry and returns the id to ack when the entry should
// be consumed. The relay-assigned id is preferred; without one a body that
// will not parse cannot be acked and is skipped.
func (p *Poller) process(ctx context.Context, entry InboxEntry) (string, error) {
	ackID := entry.ID

	var env Envelope
	if err := json.Unmarshal(entry.Body, &env); err != nil {
		return ackID, fmt.Errorf("unmarshal body: %w", err)
	}
	if ackID == "" {
		ackID = env.MessageID
	}
	if err := env.Validate(); err != nil {
		return ackID, err
	}
	if env.Nonce == "" {
		return ackID, fmt.Errorf("missing nonce")
	}

	// The nonce table is the authority on freshness; the envelope timestamp
	// is informational only.
	if err := p.replay.CheckNonce(ctx, env.From, env.Nonce); err != nil {
		if errors.Is(err, ErrReplay) {
			return ackID, err
		}
		return "", err
	}
	if err := p.replay.CheckMessage(ctx, env.From, env.MessageID); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return ackID, err
		}
		return "", err
	}

	verified := false
	if key, err := p.client.LookupKey(ctx, env.From); err == nil {
		verified = Verify(key, entry.Signature, entry.Body)
	} else {
		p.log.Warn("sender key unavailable", zap.String("from", env.From), zap.Error(err))
	}

	line := fmt.Sprintf("[Network] %s: %s", env.From, env.DisplayText())
	if !verified {
		line = "[UNVERIFIED] " + line
	}

	status, err := p.injector.InjectText(ctx, line)
	if err != nil {
		return ackID, fmt.Errorf("inject: %w", err)
	}
	if status == session.SessionAbsent {
		p.log.Info("relay message retained in log only, no session",
			zap.String("from", env.From), zap.String("messageId", env.MessageID))
		return ackID, nil
	}
	if p.noter != nil {
		p.noter.NoteInjection(ctx)
	}
	return ackID, nil
}
