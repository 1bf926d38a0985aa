// Package peercomms implements the LAN path for inter-agent messaging:
// bearer-authenticated HTTP in both directions, a peer-state cache fed by a
// heartbeat task, and a rotating JSONL comms log.
package peercomms

import (
	"fmt"
	"strings"
)

// Message types allowed on the inter-agent wire.
const (
	TypeText         = "text"
	TypeStatus       = "status"
	TypeCoordination = "coordination"
	TypePRReview     = "pr-review"
)

var allowedTypes = map[string]bool{
	TypeText:         true,
	TypeStatus:       true,
	TypeCoordination: true,
	TypePRReview:     true,
}

// AgentMessage is the inter-agent envelope. (from, messageId) is the dedup
// key at every recipient.
type AgentMessage struct {
	From      string `json:"from"`
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	Timestamp string `json:"timestamp"` // ISO 8601

	// Type-specific fields.
	Text   string `json:"text,omitempty"`
	Status string `json:"status,omitempty"` // for type=status
	Action string `json:"action,omitempty"` // for type=coordination
	Task   string `json:"task,omitempty"`
	Repo   string `json:"repo,omitempty"` // for type=pr-review
	Branch string `json:"branch,omitempty"`
	PR     int    `json:"pr,omitempty"`
}

// Validate checks the required fields and the type allow-list.
func (m *AgentMessage) Validate() error {
	if strings.TrimSpace(m.From) == "" {
		return fmt.Errorf("missing from")
	}
	if strings.TrimSpace(m.MessageID) == "" {
		return fmt.Errorf("missing messageId")
	}
	if strings.TrimSpace(m.Timestamp) == "" {
		return fmt.Errorf("missing timestamp")
	}
	if !allowedTypes[m.Type] {
		return fmt.Errorf("unsupported type: %q", m.Type)
	}
	return nil
}

// DisplayText renders the message body for pane injection.
func (m *AgentMessage) DisplayText() string {
	switch m.Type {
	case TypeStatus:
		if m.Text != "" {
			return fmt.Sprintf("status %s: %s", m.Status, m.Text)
		}
		return "status " + m.Status
	case TypeCoordination:
		if m.Task != "" {
			return fmt.Sprintf("%s %s", m.Action, m.Task)
		}
		return m.Action
	case TypePRReview:
		return fmt.Sprintf("review requested: %s#%d (%s) %s", m.Repo, m.PR, m.Branch, m.Text)
	default:
		return m.Text
	}
}
