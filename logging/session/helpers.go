package session

import (
	"context"

	"tabletop/session/logging"
)

const (
	// EventClientTransition is emitted whenever the client role changes state.
	EventClientTransition logging.EventType = "session.client_transition"
	// EventHostTransition is emitted whenever the host role starts or stops.
	EventHostTransition logging.EventType = "session.host_transition"
	// EventConnectFailed is emitted when a connection attempt ends without success.
	EventConnectFailed logging.EventType = "session.connect_failed"
	// EventCommandRejected is emitted when a user command is refused by the state machine.
	EventCommandRejected logging.EventType = "session.command_rejected"
	// EventClientJoined is emitted on the host when a remote client completes the handshake.
	EventClientJoined logging.EventType = "session.client_joined"
	// EventClientLeft is emitted on the host when a client disconnects.
	EventClientLeft logging.EventType = "session.client_left"
)

// TransitionPayload captures a state change.
type TransitionPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// FailurePayload captures the reason a connect attempt failed.
type FailurePayload struct {
	Address string `json:"address,omitempty"`
	Reason  string `json:"reason"`
}

// CommandPayload describes a refused command.
type CommandPayload struct {
	Command string `json:"command"`
	Reason  string `json:"reason"`
}

// PresencePayload records why a client joined or left.
type PresencePayload struct {
	Reason string `json:"reason,omitempty"`
}

func publish(ctx context.Context, pub logging.Publisher, eventType logging.EventType, severity logging.Severity, tick uint64, actor logging.EntityRef, payload any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     eventType,
		Tick:     tick,
		Actor:    actor,
		Severity: severity,
		Category: logging.CategorySession,
		Payload:  payload,
	})
}

// ClientTransition publishes a client state change.
func ClientTransition(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload TransitionPayload) {
	publish(ctx, pub, EventClientTransition, logging.SeverityInfo, tick, actor, payload)
}

// HostTransition publishes a host state change.
func HostTransition(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload TransitionPayload) {
	publish(ctx, pub, EventHostTransition, logging.SeverityInfo, tick, actor, payload)
}

// ConnectFailed publishes a warning describing a failed connection attempt.
func ConnectFailed(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload FailurePayload) {
	publish(ctx, pub, EventConnectFailed, logging.SeverityWarn, tick, actor, payload)
}

// CommandRejected publishes a warning for a command the state machine refused.
func CommandRejected(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload CommandPayload) {
	publish(ctx, pub, EventCommandRejected, logging.SeverityWarn, tick, actor, payload)
}

// ClientJoined publishes a host-side join.
func ClientJoined(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef) {
	publish(ctx, pub, EventClientJoined, logging.SeverityInfo, tick, actor, PresencePayload{})
}

// ClientLeft publishes a host-side departure.
func ClientLeft(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload PresencePayload) {
	publish(ctx, pub, EventClientLeft, logging.SeverityInfo, tick, actor, payload)
}
