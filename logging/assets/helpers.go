package assets

import (
	"context"

	"tabletop/session/logging"
)

const (
	// EventRequested is emitted when a peer asks the owner for missing content.
	EventRequested logging.EventType = "assets.requested"
	// EventNotShared is emitted when a request names content this peer does not hold.
	EventNotShared logging.EventType = "assets.not_shared"
	// EventEncodeFailed is emitted when owned content cannot be converted to the wire format.
	EventEncodeFailed logging.EventType = "assets.encode_failed"
	// EventDecodeFailed is emitted when a received payload is malformed or unsupported.
	EventDecodeFailed logging.EventType = "assets.decode_failed"
	// EventResolved is emitted when a placeholder is replaced by decoded content.
	EventResolved logging.EventType = "assets.resolved"
	// EventServed is emitted when the owner answers a request.
	EventServed logging.EventType = "assets.served"
)

// AssetPayload identifies the content involved in an event.
type AssetPayload struct {
	ID      string `json:"id"`
	Type    string `json:"type,omitempty"`
	Bytes   int    `json:"bytes,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

func publish(ctx context.Context, pub logging.Publisher, eventType logging.EventType, severity logging.Severity, tick uint64, actor logging.EntityRef, payload AssetPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     eventType,
		Tick:     tick,
		Actor:    actor,
		Targets:  []logging.EntityRef{{ID: payload.ID, Kind: logging.EntityKindAsset}},
		Severity: severity,
		Category: logging.CategoryAssets,
		Payload:  payload,
	})
}

// Requested publishes a debug event for an outgoing request.
func Requested(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload AssetPayload) {
	publish(ctx, pub, EventRequested, logging.SeverityDebug, tick, actor, payload)
}

// NotShared publishes an info event for a request that cannot be served.
func NotShared(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload AssetPayload) {
	publish(ctx, pub, EventNotShared, logging.SeverityInfo, tick, actor, payload)
}

// EncodeFailed publishes an error event for content that cannot be shared.
func EncodeFailed(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload AssetPayload) {
	publish(ctx, pub, EventEncodeFailed, logging.SeverityError, tick, actor, payload)
}

// DecodeFailed publishes an error event for a dropped payload.
func DecodeFailed(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload AssetPayload) {
	publish(ctx, pub, EventDecodeFailed, logging.SeverityError, tick, actor, payload)
}

// Resolved publishes an info event when content becomes available.
func Resolved(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload AssetPayload) {
	publish(ctx, pub, EventResolved, logging.SeverityInfo, tick, actor, payload)
}

// Served publishes a debug event when a payload is sent.
func Served(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload AssetPayload) {
	publish(ctx, pub, EventServed, logging.SeverityDebug, tick, actor, payload)
}
