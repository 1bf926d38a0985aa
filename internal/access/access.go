// Package access classifies inbound senders and enforces per-sender
// rate limits. Primary identities and third-party approvals are persisted
// as two JSON files in the state directory.
package access

import (
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tether-agent/tether/internal/common/config"
	"github.com/tether-agent/tether/internal/common/logger"
	"github.com/tether-agent/tether/internal/state"
)

// Tier is the classification of a sender, checked in order.
type Tier string

const (
	TierBlocked        Tier = "blocked"
	TierPrimary        Tier = "primary"
	TierApproved       Tier = "approvedThirdParty"
	TierRecentlyDenied Tier = "recentlyDenied"
	TierUnknown        Tier = "unknown"
)

// Third-party sender statuses on disk.
const (
	StatusApproved = "approved"
	StatusPending  = "pending"
	StatusDenied   = "denied"
	StatusBlocked  = "blocked"
)

// A denial counts as "recent" for this long; after that the sender is
// treated as unknown again.
const deniedWindow = 24 * time.Hour

// heldCap bounds the messages retained per pending sender; the oldest is
// dropped first.
const heldCap = 10

// safeSenders mirrors safe-senders.json: {channel: {users: [externalId,…]}}.
type safeSenders map[string]struct {
	Users []string `json:"users"`
}

// ThirdPartySender is one entry of 3rd-party-senders.json.
type ThirdPartySender struct {
	Channel     string     `json:"channel"`
	ExternalID  string     `json:"externalId"`
	DisplayName string     `json:"displayName,omitempty"`
	Status      string     `json:"status"`
	ApprovedAt  *time.Time `json:"approvedAt,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	DeniedAt    *time.Time `json:"deniedAt,omitempty"`
	// Held are messages received while the sender was pending, delivered to
	// the approval callbacks once the operator approves.
	Held []string `json:"held,omitempty"`
}

// ApprovalFunc receives a newly approved sender together with any messages
// held while approval was pending.
type ApprovalFunc func(entry ThirdPartySender, held []string)

func senderKey(channel, externalID string) string {
	return channel + ":" + externalID
}

// Controller classifies senders and owns both persistence files.
type Controller struct {
	dir     *state.Dir
	limiter *slidingWindow
	logger  *logger.Logger

	mu          sync.RWMutex
	primary     map[string]map[string]bool   // channel -> externalId set
	thirdParty  map[string]*ThirdPartySender // senderKey -> entry
	approvalFns []ApprovalFunc
}

// NewController loads both sender files. Corrupt files are quarantined and
// the controller starts from defaults.
func NewController(dir *state.Dir, rl config.RateLimitConfig, log *logger.Logger) (*Controller, error) {
	c := &Controller{
		dir:        dir,
		limiter:    newSlidingWindow(rl),
		logger:     log.WithFields(zap.String("component", "access-control")),
		primary:    make(map[string]map[string]bool),
		thirdParty: make(map[string]*ThirdPartySender),
	}

	var safe safeSenders
	if err := dir.LoadJSON(state.SafeSendersFile, &safe); err != nil {
		if !os.IsNotExist(err) {
			c.logger.Error("safe-senders file unreadable, starting empty", zap.Error(err))
		}
	} else {
		for channel, entry := range safe {
			set := make(map[string]bool, len(entry.Users))
			for _, id := range entry.Users {
				set[id] = true
			}
			c.primary[channel] = set
		}
	}

	var third map[string]*ThirdPartySender
	if err := dir.LoadJSON(state.ThirdPartyFile, &third); err != nil {
		if !os.IsNotExist(err) {
			c.logger.Error("third-party file unreadable, starting empty", zap.Error(err))
		}
	} else {
		c.thirdParty = third
	}

	return c, nil
}

// Classify returns the sender's tier, checking blocked first, then primary,
// approved third party, recent denial, and finally unknown.
func (c *Controller) Classify(channel, externalID string) Tier {
	c.mu.RLock()
	defer c.mu.RUnlock()

	key := senderKey(channel, externalID)
	entry := c.thirdParty[key]

	if entry != nil && entry.Status == StatusBlocked {
		return TierBlocked
	}

	if set, ok := c.primary[channel]; ok && set[externalID] {
		return TierPrimary
	}

	if entry != nil {
		switch entry.Status {
		case StatusApproved:
			if entry.ExpiresAt == nil || time.Now().Before(*entry.ExpiresAt) {
				return TierApproved
			}
			// Expired approval behaves as pending until the audit demotes it.
			return TierUnknown
		case StatusDenied:
			if entry.DeniedAt != nil && time.Since(*entry.DeniedAt) < deniedWindow {
				return TierRecentlyDenied
			}
			return TierUnknown
		case StatusPending:
			return TierUnknown
		}
	}

	return TierUnknown
}

// AddPrimary registers a primary identity for a channel and persists.
func (c *Controller) AddPrimary(channel, externalID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.primary[channel] == nil {
		c.primary[channel] = make(map[string]bool)
	}
	c.primary[channel][externalID] = true
	return c.savePrimaryLocked()
}

// OnApproval registers a callback invoked whenever a sender is approved.
// Channel adapters use it to deliver messages held while approval was
// pending.
func (c *Controller) OnApproval(fn ApprovalFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.approvalFns = append(c.approvalFns, fn)
}

// Approve grants a third-party sender access until expiry. Messages held
// while the sender was pending are handed to the approval callbacks.
func (c *Controller) Approve(channel, externalID, displayName string, expiresAt time.Time) error {
	c.mu.Lock()

	now := time.Now()
	key := senderKey(channel, externalID)
	var held []string
	if prev := c.thirdParty[key]; prev != nil {
		held = prev.Held
	}
	entry := &ThirdPartySender{
		Channel:     channel,
		ExternalID:  externalID,
		DisplayName: displayName,
		Status:      StatusApproved,
		ApprovedAt:  &now,
		ExpiresAt:   &expiresAt,
	}
	c.thirdParty[key] = entry
	c.logger.Info("sender approved",
		zap.String("channel", channel),
		zap.String("external_id", externalID),
		zap.Time("expires_at", expiresAt))
	err := c.saveThirdPartyLocked()
	fns := append([]ApprovalFunc(nil), c.approvalFns...)
	snapshot := *entry
	c.mu.Unlock()

	for _, fn := range fns {
		fn(snapshot, held)
	}
	return err
}

// Deny records a denial; the sender is recentlyDenied for the denial window.
func (c *Controller) Deny(channel, externalID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	key := senderKey(channel, externalID)
	entry := c.thirdParty[key]
	if entry == nil {
		entry = &ThirdPartySender{Channel: channel, ExternalID: externalID}
		c.thirdParty[key] = entry
	}
	entry.Status = StatusDenied
	entry.DeniedAt = &now
	return c.saveThirdPartyLocked()
}

// Block permanently refuses a sender.
func (c *Controller) Block(channel, externalID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := senderKey(channel, externalID)
	entry := c.thirdParty[key]
	if entry == nil {
		entry = &ThirdPartySender{Channel: channel, ExternalID: externalID}
		c.thirdParty[key] = entry
	}
	entry.Status = StatusBlocked
	return c.saveThirdPartyLocked()
}

// MarkPending records a first-contact sender awaiting human approval.
func (c *Controller) MarkPending(channel, externalID, displayName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := senderKey(channel, externalID)
	if _, exists := c.thirdParty[key]; exists {
		return nil
	}
	c.thirdParty[key] = &ThirdPartySender{
		Channel:     channel,
		ExternalID:  externalID,
		DisplayName: displayName,
		Status:      StatusPending,
	}
	return c.saveThirdPartyLocked()
}

// HoldMessage retains a message from a pending sender for delivery upon
// approval. The newest messages win when the cap is hit.
func (c *Controller) HoldMessage(channel, externalID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := c.thirdParty[senderKey(channel, externalID)]
	if entry == nil || entry.Status != StatusPending {
		return nil
	}
	entry.Held = append(entry.Held, text)
	if len(entry.Held) > heldCap {
		entry.Held = entry.Held[len(entry.Held)-heldCap:]
	}
	return c.saveThirdPartyLocked()
}

// AuditExpirations demotes expired approvals to pending. Returns how many
// entries were demoted. Run by the approval-audit scheduled task.
func (c *Controller) AuditExpirations() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	demoted := 0
	for _, entry := range c.thirdParty {
		if entry.Status != StatusApproved || entry.ExpiresAt == nil {
			continue
		}
		if now.After(*entry.ExpiresAt) {
			entry.Status = StatusPending
			demoted++
			c.logger.Info("approval expired, demoted to pending",
				zap.String("channel", entry.Channel),
				zap.String("external_id", entry.ExternalID))
		}
	}

	if demoted > 0 {
		if err := c.saveThirdPartyLocked(); err != nil {
			c.logger.Error("failed to persist audit result", zap.Error(err))
		}
	}
	return demoted
}

// AllowInbound applies the sliding-window rate limit for a sender.
func (c *Controller) AllowInbound(channel, externalID string) InboundVerdict {
	if c.limiter == nil {
		return InboundAllow
	}
	return c.limiter.Allow(senderKey(channel, externalID))
}

// ReleaseInbound reports whether a message queued by AllowInbound may go
// through now that time has passed.
func (c *Controller) ReleaseInbound(channel, externalID string) bool {
	if c.limiter == nil {
		return true
	}
	return c.limiter.TryAcquire(senderKey(channel, externalID))
}

func (c *Controller) savePrimaryLocked() error {
	out := make(safeSenders, len(c.primary))
	for channel, set := range c.primary {
		users := make([]string, 0, len(set))
		for id := range set {
			users = append(users, id)
		}
		out[channel] = struct {
			Users []string `json:"users"`
		}{Users: users}
	}
	if err := c.dir.SaveJSON(state.SafeSendersFile, out); err != nil {
		return fmt.Errorf("save safe senders: %w", err)
	}
	return nil
}

func (c *Controller) saveThirdPartyLocked() error {
	if err := c.dir.SaveJSON(state.ThirdPartyFile, c.thirdParty); err != nil {
		return fmt.Errorf("save third-party senders: %w", err)
	}
	return nil
}
