package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tether-agent/tether/internal/access"
	"github.com/tether-agent/tether/internal/common/config"
	"github.com/tether-agent/tether/internal/common/logger"
	"github.com/tether-agent/tether/internal/session"
)

// Injector puts user-facing text into the REPL pane. Satisfied by the
// session bridge.
type Injector interface {
	InjectText(ctx context.Context, text string) (session.InjectStatus, error)
}

// TurnNoter arms the transcript capture layers after an injection.
// Satisfied by the transcript stream.
type TurnNoter interface {
	NoteInjection(ctx context.Context)
}

// ChannelSetter flips the channel atom when chat traffic arrives.
// Satisfied by the router.
type ChannelSetter interface {
	SetChatRecipient(recipient string)
}

// Adapter is the chat-messenger channel. Its Send side satisfies
// router.Adapter; its inbound side is driven by the webhook handler.
type Adapter struct {
	cfg      config.ChatConfig
	provider Provider
	acl      *access.Controller
	injector Injector
	noter    TurnNoter
	channel  ChannelSetter
	logger   *logger.Logger

	// Typing indicator is sent once per inbound message, never in a loop.
	typingMu sync.Mutex

	// Messages past the inbound rate limit wait here until the window frees.
	queueMu  sync.Mutex
	queued   map[string][]*InboundMessage
	draining map[string]bool
}

// NewAdapter wires the chat channel.
func NewAdapter(
	cfg config.ChatConfig,
	provider Provider,
	acl *access.Controller,
	injector Injector,
	noter TurnNoter,
	channel ChannelSetter,
	log *logger.Logger,
) *Adapter {
	a := &Adapter{
		cfg:      cfg,
		provider: provider,
		acl:      acl,
		injector: injector,
		noter:    noter,
		channel:  channel,
		logger:   log.WithFields(zap.String("component", "chat-adapter")),
		queued:   make(map[string][]*InboundMessage),
		draining: make(map[string]bool),
	}
	if acl != nil {
		acl.OnApproval(a.deliverHeld)
	}
	return a
}

// Name implements router.Adapter.
func (a *Adapter) Name() string {
	if a.provider != nil {
		return "chat/" + a.provider.Name()
	}
	return "chat"
}

// MaxLength implements router.Adapter.
func (a *Adapter) MaxLength() int {
	if a.cfg.MaxLength > 0 {
		return a.cfg.MaxLength
	}
	return 4096
}

// Send implements router.Adapter.
func (a *Adapter) Send(ctx context.Context, recipient, text string) error {
	if a.provider == nil {
		return fmt.Errorf("no chat provider configured")
	}
	return a.provider.SendMessage(ctx, recipient, text)
}

// InboundMessage is one normalized webhook delivery.
type InboundMessage struct {
	Channel     string `json:"channel" binding:"required"`
	ExternalID  string `json:"externalId" binding:"required"`
	DisplayName string `json:"displayName"`
	Text        string `json:"text" binding:"required"`
}

// InboundResult describes what the webhook did with a message.
type InboundResult struct {
	Tier     access.Tier
	Injected bool
	// Queued marks a message waiting out the inbound rate limit.
	Queued bool
	// Ack is the optional reply sent back to the sender.
	Ack string
}

// HandleInbound classifies the sender, applies the inbound rate limit, and
// for allowed tiers injects the message into the REPL with the tier's tag
// prefix. Rate-limited messages are held and released when the window frees.
func (a *Adapter) HandleInbound(ctx context.Context, msg *InboundMessage) (*InboundResult, error) {
	tier := a.acl.Classify(msg.Channel, msg.ExternalID)
	log := a.logger.WithFields(
		zap.String("channel", msg.Channel),
		zap.String("external_id", msg.ExternalID),
		zap.String("tier", string(tier)))

	if tier == access.TierBlocked {
		log.Debug("blocked sender dropped silently")
		return &InboundResult{Tier: tier}, nil
	}

	switch a.acl.AllowInbound(msg.Channel, msg.ExternalID) {
	case access.InboundDrop:
		log.Warn("inbound rate limit exceeded, dropped")
		return &InboundResult{Tier: tier}, nil
	case access.InboundQueue:
		a.enqueueInbound(msg)
		log.Warn("inbound rate limit exceeded, held for the window")
		return &InboundResult{Tier: tier, Queued: true}, nil
	}

	return a.deliver(ctx, msg, tier, log)
}

// deliver runs the tier-specific handling for a message that passed the
// rate limit.
func (a *Adapter) deliver(ctx context.Context, msg *InboundMessage, tier access.Tier, log *logger.Logger) (*InboundResult, error) {
	name := msg.DisplayName
	if name == "" {
		name = msg.ExternalID
	}

	switch tier {
	case access.TierPrimary, access.TierApproved:
		prefix := "[Chat]"
		if tier == access.TierApproved {
			prefix = "[3rdParty][Chat]"
		}
		line := fmt.Sprintf("%s %s: %s", prefix, name, msg.Text)

		status, err := a.injector.InjectText(ctx, line)
		if err != nil {
			return nil, fmt.Errorf("inject chat message: %w", err)
		}
		if status == session.SessionAbsent {
			log.Warn("session absent, chat message not injected")
			return &InboundResult{Tier: tier}, nil
		}

		// The sender becomes the active chat recipient before capture starts
		// so the reply routes back to them.
		if a.channel != nil {
			a.channel.SetChatRecipient(msg.ExternalID)
		}
		if a.noter != nil {
			a.noter.NoteInjection(ctx)
		}
		a.sendTypingOnce(ctx, msg.ExternalID)

		return &InboundResult{Tier: tier, Injected: true}, nil

	case access.TierRecentlyDenied, access.TierUnknown:
		// First contact or still pending: hold for human approval. The text
		// is retained and delivered if the operator approves.
		if err := a.acl.MarkPending(msg.Channel, msg.ExternalID, msg.DisplayName); err != nil {
			log.Error("failed to record pending sender", zap.Error(err))
		}
		if err := a.acl.HoldMessage(msg.Channel, msg.ExternalID, msg.Text); err != nil {
			log.Error("failed to hold pending message", zap.Error(err))
		}
		a.notifyPrimary(ctx, msg, name)

		ack := "Your message is waiting on approval from the operator."
		if err := a.Send(ctx, msg.ExternalID, ack); err != nil {
			log.Warn("waiting-on-human ack failed", zap.Error(err))
		}
		return &InboundResult{Tier: tier, Ack: ack}, nil
	}

	return &InboundResult{Tier: tier}, nil
}

// enqueueInbound parks a rate-limited message and makes sure one release
// loop is running for the sender.
func (a *Adapter) enqueueInbound(msg *InboundMessage) {
	key := msg.Channel + ":" + msg.ExternalID

	a.queueMu.Lock()
	a.queued[key] = append(a.queued[key], msg)
	if a.draining[key] {
		a.queueMu.Unlock()
		return
	}
	a.draining[key] = true
	a.queueMu.Unlock()

	go a.drainInbound(msg.Channel, msg.ExternalID, key)
}

// drainInbound releases held messages one at a time as the sliding window
// frees, then exits. Each release counts against the sender's window.
func (a *Adapter) drainInbound(channel, externalID, key string) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		a.queueMu.Lock()
		if len(a.queued[key]) == 0 {
			a.draining[key] = false
			a.queueMu.Unlock()
			return
		}
		a.queueMu.Unlock()

		if !a.acl.ReleaseInbound(channel, externalID) {
			continue
		}

		a.queueMu.Lock()
		msg := a.queued[key][0]
		a.queued[key] = a.queued[key][1:]
		a.queueMu.Unlock()

		// Reclassify at release time; the sender may have been blocked since.
		tier := a.acl.Classify(channel, externalID)
		if tier == access.TierBlocked {
			continue
		}
		if _, err := a.deliver(context.Background(), msg, tier, a.logger); err != nil {
			a.logger.Warn("queued message release failed",
				zap.String("external_id", externalID), zap.Error(err))
		}
	}
}

// deliverHeld injects messages that accumulated while a sender was pending,
// fired by the access controller on approval. Email traffic is re-fetched by
// its own poll, so only chat entries are replayed here.
func (a *Adapter) deliverHeld(entry access.ThirdPartySender, held []string) {
	if len(held) == 0 || entry.Channel == "email" {
		return
	}

	name := entry.DisplayName
	if name == "" {
		name = entry.ExternalID
	}

	ctx := context.Background()
	injected := false
	for _, text := range held {
		line := fmt.Sprintf("[3rdParty][Chat] %s: %s", name, text)
		status, err := a.injector.InjectText(ctx, line)
		if err != nil {
			a.logger.Warn("held message delivery failed",
				zap.String("external_id", entry.ExternalID), zap.Error(err))
			return
		}
		if status == session.SessionAbsent {
			a.logger.Warn("session absent, held messages not delivered",
				zap.String("external_id", entry.ExternalID))
			return
		}
		injected = true
	}

	if injected {
		if a.channel != nil {
			a.channel.SetChatRecipient(entry.ExternalID)
		}
		if a.noter != nil {
			a.noter.NoteInjection(ctx)
		}
	}
}

// notifyPrimary tells the REPL a stranger is knocking, without injecting
// the stranger's text.
func (a *Adapter) notifyPrimary(ctx context.Context, msg *InboundMessage, name string) {
	notice := fmt.Sprintf("[Chat] approval needed: %s (%s on %s) is waiting to talk to you",
		name, msg.ExternalID, msg.Channel)
	if _, err := a.injector.InjectText(ctx, notice); err != nil {
		a.logger.Warn("primary notification failed", zap.Error(err))
	}
}

// sendTypingOnce shows a single typing indicator.
func (a *Adapter) sendTypingOnce(ctx context.Context, recipient string) {
	if a.provider == nil {
		return
	}
	a.typingMu.Lock()
	defer a.typingMu.Unlock()
	if err := a.provider.SendTyping(ctx, recipient); err != nil {
		a.logger.Debug("typing indicator failed", zap.Error(err))
	}
}
