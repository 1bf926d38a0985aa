// Package email implements the email channel: an inbox poll driven by the
// scheduler's email-check task and an outbound sender behind pluggable
// providers.
package email

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/tether-agent/tether/internal/access"
	"github.com/tether-agent/tether/internal/common/config"
	"github.com/tether-agent/tether/internal/common/logger"
	"github.com/tether-agent/tether/internal/session"
)

// InboundEmail is one message fetched from the inbox.
type InboundEmail struct {
	ID      string
	From    string // sender address, the externalId on this channel
	Subject string
	Body    string
}

// Provider is one pluggable email backend.
type Provider interface {
	Name() string
	// Fetch returns unread messages and marks them read.
	Fetch(ctx context.Context) ([]InboundEmail, error)
	Send(ctx context.Context, to, subject, body string) error
}

// Injector puts inbound mail into the REPL pane.
type Injector interface {
	InjectText(ctx context.Context, text string) (session.InjectStatus, error)
}

// TurnNoter arms the transcript capture layers after an injection.
type TurnNoter interface {
	NoteInjection(ctx context.Context)
}

// Adapter is the email channel. Send satisfies router.Adapter; Poll is run
// by the email-check scheduled task.
type Adapter struct {
	cfg      config.EmailConfig
	provider Provider
	acl      *access.Controller
	injector Injector
	noter    TurnNoter
	logger   *logger.Logger
}

// NewAdapter wires the email channel.
func NewAdapter(
	cfg config.EmailConfig,
	provider Provider,
	acl *access.Controller,
	injector Injector,
	noter TurnNoter,
	log *logger.Logger,
) *Adapter {
	return &Adapter{
		cfg:      cfg,
		provider: provider,
		acl:      acl,
		injector: injector,
		noter:    noter,
		logger:   log.WithFields(zap.String("component", "email-adapter")),
	}
}

// Name implements router.Adapter.
func (a *Adapter) Name() string {
	if a.provider != nil {
		return "email/" + a.provider.Name()
	}
	return "email"
}

// MaxLength implements router.Adapter. Email has no meaningful cap.
func (a *Adapter) MaxLength() int {
	return 0
}

// Send implements router.Adapter. The recipient is an address; the subject
// is a fixed reply marker.
func (a *Adapter) Send(ctx context.Context, recipient, text string) error {
	if a.provider == nil {
		return fmt.Errorf("no email provider configured")
	}
	return a.provider.Send(ctx, recipient, "Re: agent reply", text)
}

// Poll fetches unread mail and injects messages from allowed senders.
// Returns how many messages were injected.
func (a *Adapter) Poll(ctx context.Context) (int, error) {
	if a.provider == nil {
		return 0, nil
	}

	messages, err := a.provider.Fetch(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch inbox: %w", err)
	}

	injected := 0
	for i := range messages {
		msg := &messages[i]
		tier := a.acl.Classify("email", msg.From)

		switch tier {
		case access.TierBlocked:
			a.logger.Debug("blocked email sender dropped", zap.String("from", msg.From))
			continue

		case access.TierPrimary, access.TierApproved:
			prefix := "[Email]"
			if tier == access.TierApproved {
				prefix = "[3rdParty][Email]"
			}
			line := fmt.Sprintf("%s %s: %s / %s", prefix, msg.From, msg.Subject, msg.Body)

			status, err := a.injector.InjectText(ctx, line)
			if err != nil {
				a.logger.Error("email injection failed",
					zap.String("from", msg.From),
					zap.Error(err))
				continue
			}
			if status == session.SessionAbsent {
				a.logger.Warn("session absent, email not injected", zap.String("from", msg.From))
				continue
			}
			if a.noter != nil {
				a.noter.NoteInjection(ctx)
			}
			injected++

		default:
			if err := a.acl.MarkPending("email", msg.From, ""); err != nil {
				a.logger.Error("failed to record pending email sender", zap.Error(err))
			}
			a.logger.Info("email from unapproved sender held",
				zap.String("from", msg.From),
				zap.String("tier", string(tier)))
		}
	}

	if len(messages) > 0 {
		a.logger.Info("inbox polled",
			zap.Int("fetched", len(messages)),
			zap.Int("injected", injected))
	}
	return injected, nil
}
