package network

import (
	"context"

	"tabletop/session/logging"
)

const (
	// EventAckAdvanced is emitted when a client acknowledges a newer tick.
	EventAckAdvanced logging.EventType = "network.ack_advanced"
	// EventAckRegression is emitted when a client reports an older acknowledgement than previously recorded.
	EventAckRegression logging.EventType = "network.ack_regression"
	// EventStaleDiscarded is emitted when a sequenced channel drops an out-of-date packet.
	EventStaleDiscarded logging.EventType = "network.stale_discarded"
	// EventRejected is emitted when intake refuses an inbound envelope.
	EventRejected logging.EventType = "network.rejected"
)

// AckPayload captures acknowledgement progression details.
type AckPayload struct {
	Previous uint64 `json:"previous"`
	Ack      uint64 `json:"ack"`
}

// StalePayload identifies the discarded packet.
type StalePayload struct {
	Channel  string `json:"channel"`
	Sequence uint32 `json:"sequence"`
	Newest   uint32 `json:"newest"`
}

// RejectedPayload records why intake refused an envelope.
type RejectedPayload struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

func publish(ctx context.Context, pub logging.Publisher, eventType logging.EventType, severity logging.Severity, tick uint64, actor logging.EntityRef, payload any, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     eventType,
		Tick:     tick,
		Actor:    actor,
		Severity: severity,
		Category: logging.CategoryNetwork,
		Payload:  payload,
		Extra:    extra,
	})
}

// AckAdvanced publishes a debug event when a client acknowledgement advances.
func AckAdvanced(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload AckPayload, extra map[string]any) {
	publish(ctx, pub, EventAckAdvanced, logging.SeverityDebug, tick, actor, payload, extra)
}

// AckRegression publishes a warning event when a client acknowledgement regresses.
func AckRegression(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload AckPayload, extra map[string]any) {
	publish(ctx, pub, EventAckRegression, logging.SeverityWarn, tick, actor, payload, extra)
}

// StaleDiscarded publishes a debug event for a packet dropped by sequencing.
func StaleDiscarded(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload StalePayload) {
	publish(ctx, pub, EventStaleDiscarded, logging.SeverityDebug, tick, actor, payload, nil)
}

// Rejected publishes a warning for an envelope refused by intake.
func Rejected(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload RejectedPayload) {
	publish(ctx, pub, EventRejected, logging.SeverityWarn, tick, actor, payload, nil)
}
