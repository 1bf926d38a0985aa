// Package router delivers captured assistant responses to exactly one
// outbound adapter based on the process-wide channel state.
package router

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tether-agent/tether/internal/common/appctx"
	"github.com/tether-agent/tether/internal/common/logger"
	"github.com/tether-agent/tether/internal/events"
	"github.com/tether-agent/tether/internal/events/bus"
	"github.com/tether-agent/tether/internal/state"
	"github.com/tether-agent/tether/internal/transcript"
)

// Channel is the routing destination class.
type Channel string

const (
	ChannelTerminal     Channel = "terminal"
	ChannelChat         Channel = "chat"
	ChannelSilent       Channel = "silent"
	ChannelVoicePending Channel = "voice-pending"
)

var validChannels = map[string]bool{
	string(ChannelTerminal):     true,
	string(ChannelChat):         true,
	string(ChannelSilent):       true,
	string(ChannelVoicePending): true,
}

// Adapter is an outbound channel transport.
type Adapter interface {
	Name() string
	Send(ctx context.Context, recipient, text string) error
	// MaxLength is the adapter's outbound size cap; 0 means unlimited.
	MaxLength() int
}

// Ellipsis marks truncation on length-capped adapters.
const Ellipsis = " […]"

// Retry ladder for adapter sends.
const (
	retryInitial = 500 * time.Millisecond
	retryCap     = 5 * time.Second
	retryHorizon = 60 * time.Second
)

// channelSnapshot is the atomically-swapped channel state.
type channelSnapshot struct {
	channel   Channel
	recipient string // last active chat recipient, may be empty
}

// Router dispatches assistant responses and proactive pushes.
type Router struct {
	snapshot atomic.Pointer[channelSnapshot]
	dir      *state.Dir
	adapters map[Channel]Adapter
	limiter  *RateLimiter
	eventBus bus.EventBus
	logger   *logger.Logger

	heldMu sync.Mutex
	held   string // response waiting for a chat recipient to appear

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a router, restoring the channel atom from channel.txt.
func New(dir *state.Dir, limiter *RateLimiter, eventBus bus.EventBus, log *logger.Logger) *Router {
	r := &Router{
		dir:      dir,
		adapters: make(map[Channel]Adapter),
		limiter:  limiter,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "channel-router")),
		stopCh:   make(chan struct{}),
	}
	word := ChannelTerminal
	if dir != nil {
		word = Channel(dir.ReadChannel(string(ChannelTerminal), validChannels))
	}
	r.snapshot.Store(&channelSnapshot{channel: word})
	return r
}

// RegisterAdapter binds an adapter to a channel.
func (r *Router) RegisterAdapter(channel Channel, adapter Adapter) {
	r.adapters[channel] = adapter
	r.logger.Info("adapter registered",
		zap.String("channel", string(channel)),
		zap.String("adapter", adapter.Name()))
}

// Stop waits for in-flight async retries.
func (r *Router) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

// Channel returns the current channel.
func (r *Router) Channel() Channel {
	return r.snapshot.Load().channel
}

// LastRecipient returns the last active chat recipient.
func (r *Router) LastRecipient() string {
	return r.snapshot.Load().recipient
}

// SetChannel swaps the channel atom and persists it. The recipient is kept
// when empty so a channel flip does not forget who we were talking to.
func (r *Router) SetChannel(channel Channel, recipient string) {
	prev := r.snapshot.Load()
	if recipient == "" {
		recipient = prev.recipient
	}
	r.snapshot.Store(&channelSnapshot{channel: channel, recipient: recipient})

	if r.dir != nil {
		if err := r.dir.WriteChannel(string(channel)); err != nil {
			r.logger.Error("failed to persist channel", zap.Error(err))
		}
	}

	if prev.channel != channel {
		r.publish(events.ChannelChanged, map[string]interface{}{
			"from": string(prev.channel),
			"to":   string(channel),
		})
		r.logger.Info("channel changed",
			zap.String("from", string(prev.channel)),
			zap.String("to", string(channel)))
	}

	// A chat recipient just became known; flush anything held for them.
	if channel == ChannelChat && recipient != "" {
		r.flushHeld(recipient)
	}
}

// SetChatRecipient marks an inbound chat sender as the active recipient and
// flips the channel to chat.
func (r *Router) SetChatRecipient(recipient string) {
	r.SetChannel(ChannelChat, recipient)
}

// Route delivers a captured response on the current channel. Implements the
// transcript stream's Deliverer: the returned recipient is who the response
// was dispatched to, empty on channels with no outbound side.
func (r *Router) Route(ctx context.Context, response *transcript.AssistantResponse) (string, error) {
	snap := r.snapshot.Load()

	switch snap.channel {
	case ChannelSilent:
		// Null sink. Delivery is recorded upstream; just note the suppression.
		r.logger.Info("response suppressed on silent channel",
			zap.String("fingerprint", response.Fingerprint))
		return "", nil

	case ChannelTerminal:
		// The user is at the pane and has already seen the text.
		r.logger.Debug("response stays on terminal",
			zap.String("fingerprint", response.Fingerprint))
		return "", nil

	case ChannelVoicePending:
		r.logger.Info("response held, voice pending",
			zap.String("fingerprint", response.Fingerprint))
		return "", nil

	case ChannelChat:
		if snap.recipient == "" {
			r.hold(response.Text)
			r.logger.Warn("no chat recipient known, response held",
				zap.String("fingerprint", response.Fingerprint))
			return "", nil
		}
		if err := r.dispatch(ctx, ChannelChat, snap.recipient, response.Text); err != nil {
			return "", err
		}
		return snap.recipient, nil

	default:
		return "", fmt.Errorf("unroutable channel: %s", snap.channel)
	}
}

// RouteProactive pushes text to the user without a triggering prompt, used
// by scheduled tasks. An empty recipient falls back to the last chat peer.
func (r *Router) RouteProactive(ctx context.Context, text string, channel Channel, recipient string) error {
	if channel == ChannelSilent || channel == ChannelTerminal {
		r.logger.Debug("proactive push skipped",
			zap.String("channel", string(channel)))
		return nil
	}
	if recipient == "" {
		recipient = r.snapshot.Load().recipient
	}
	if recipient == "" {
		return fmt.Errorf("proactive push needs a recipient")
	}
	return r.dispatch(ctx, channel, recipient, text)
}

// dispatch truncates, rate-limits, and sends through the adapter with the
// retry ladder.
func (r *Router) dispatch(ctx context.Context, channel Channel, recipient, text string) error {
	adapter, ok := r.adapters[channel]
	if !ok {
		return fmt.Errorf("no adapter for channel %s", channel)
	}

	text = truncate(text, adapter.MaxLength())

	if r.limiter != nil {
		verdict := r.limiter.Admit(recipient)
		switch verdict {
		case admitQueue:
			if r.limiter.Enqueue(recipient, text) {
				r.logger.Warn("outbound rate limited, queued",
					zap.String("recipient", recipient))
				r.drainLater(channel, recipient)
				return nil
			}
			r.logger.Warn("outbound queue full, dropped",
				zap.String("recipient", recipient))
			return nil
		case admitDrop:
			r.logger.Warn("outbound rate limited, dropped",
				zap.String("recipient", recipient))
			return nil
		}
	}

	return r.sendWithRetry(ctx, adapter, recipient, text)
}

// sendWithRetry tries once synchronously; further attempts continue in the
// background so the caller returns after transport acceptance is underway.
func (r *Router) sendWithRetry(ctx context.Context, adapter Adapter, recipient, text string) error {
	err := adapter.Send(ctx, recipient, text)
	if err == nil {
		r.publish(events.DeliveryRecorded, map[string]interface{}{
			"adapter":   adapter.Name(),
			"recipient": recipient,
		})
		return nil
	}

	r.logger.Warn("send failed, starting retry ladder",
		zap.String("adapter", adapter.Name()),
		zap.String("recipient", recipient),
		zap.Error(err))

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		retryCtx, cancel := appctx.Detached(ctx, r.stopCh, retryHorizon)
		defer cancel()

		backoff := retryInitial
		deadline := time.Now().Add(retryHorizon)
		attempt := 1
		for time.Now().Before(deadline) {
			select {
			case <-retryCtx.Done():
				return
			case <-time.After(backoff):
			}

			attempt++
			if sendErr := adapter.Send(retryCtx, recipient, text); sendErr == nil {
				r.publish(events.DeliveryRecorded, map[string]interface{}{
					"adapter":   adapter.Name(),
					"recipient": recipient,
					"attempt":   attempt,
				})
				return
			}

			backoff *= 2
			if backoff > retryCap {
				backoff = retryCap
			}
		}

		r.logger.Error("retry ladder exhausted",
			zap.String("adapter", adapter.Name()),
			zap.String("recipient", recipient),
			zap.Int("attempts", attempt))
	}()

	return nil
}

// drainLater retries queued messages once the bucket refills.
func (r *Router) drainLater(channel Channel, recipient string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				if r.limiter.Admit(recipient) != admitSend {
					continue
				}
				text, ok := r.limiter.Dequeue(recipient)
				if !ok {
					return
				}
				adapter := r.adapters[channel]
				if adapter == nil {
					return
				}
				_ = r.sendWithRetry(context.Background(), adapter, recipient, text)
				if r.limiter.QueueLen(recipient) == 0 {
					return
				}
			}
		}
	}()
}

// hold keeps the latest undeliverable chat response for the next inbound
// chat message. Only the newest response is retained.
func (r *Router) hold(text string) {
	r.heldMu.Lock()
	r.held = text
	r.heldMu.Unlock()
}

// flushHeld reattempts a held response now that a recipient is known.
func (r *Router) flushHeld(recipient string) {
	r.heldMu.Lock()
	text := r.held
	r.held = ""
	r.heldMu.Unlock()

	if text == "" {
		return
	}

	r.logger.Info("reattempting held response", zap.String("recipient", recipient))
	if err := r.dispatch(context.Background(), ChannelChat, recipient, text); err != nil {
		r.logger.Error("held response dispatch failed", zap.Error(err))
	}
}

func (r *Router) publish(eventType string, data map[string]interface{}) {
	if r.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, "channel-router", data)
	if err := r.eventBus.Publish(context.Background(), eventType, event); err != nil {
		r.logger.Warn("event publish failed", zap.String("type", eventType), zap.Error(err))
	}
}

// truncate caps text at max bytes with a visible ellipsis marker.
func truncate(text string, max int) string {
	if max <= 0 || len(text) <= max {
		return text
	}
	cut := max - len(Ellipsis)
	if cut < 0 {
		cut = 0
	}
	// Do not split a UTF-8 sequence.
	for cut > 0 && !utf8RuneStart(text[cut]) {
		cut--
	}
	return strings.TrimRight(text[:cut], " ") + Ellipsis
}

func utf8RuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
