// Package events defines the subjects used on the daemon's event bus.
package events

// Event types for the transcript stream
const (
	ResponseCaptured = "response.captured"
	TurnStarted      = "turn.started"
	TurnExhausted    = "turn.exhausted"
)

// Event types for delivery
const (
	DeliveryRecorded = "delivery.recorded"
	ChannelChanged   = "channel.changed"
)

// Event types for inter-agent traffic
const (
	PeerMessageIn  = "peer.message.in"
	PeerMessageOut = "peer.message.out"
	PeerStateView  = "peer.state"
)

// Event types for sidecars
const (
	SidecarStarted   = "sidecar.started"
	SidecarUnhealthy = "sidecar.unhealthy"
	SidecarStopped   = "sidecar.stopped"
)
