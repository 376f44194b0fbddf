package replication

import (
	"context"

	"tabletop/session/logging"
)

const (
	// EventUpdateDropped is emitted when an inbound update cannot be applied.
	EventUpdateDropped logging.EventType = "replication.update_dropped"
	// EventEntitiesRetired is emitted when a departed client's entities are despawned.
	EventEntitiesRetired logging.EventType = "replication.entities_retired"
	// EventKeyframeSent is emitted when a full snapshot bootstraps a client.
	EventKeyframeSent logging.EventType = "replication.keyframe_sent"
)

// DroppedPayload describes an update that was skipped.
type DroppedPayload struct {
	NetID  uint64 `json:"netId"`
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

// RetiredPayload lists the network ids despawned for a departed owner.
type RetiredPayload struct {
	NetIDs []uint64 `json:"netIds"`
}

// KeyframePayload records the bootstrap snapshot size.
type KeyframePayload struct {
	Sequence uint64 `json:"sequence"`
	Entities int    `json:"entities"`
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
		Category: logging.CategoryReplication,
		Payload:  payload,
	})
}

// UpdateDropped publishes a debug event for an inapplicable update.
func UpdateDropped(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload DroppedPayload) {
	publish(ctx, pub, EventUpdateDropped, logging.SeverityDebug, tick, actor, payload)
}

// EntitiesRetired publishes the despawns triggered by a disconnect.
func EntitiesRetired(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload RetiredPayload) {
	publish(ctx, pub, EventEntitiesRetired, logging.SeverityInfo, tick, actor, payload)
}

// KeyframeSent publishes a debug event for a client bootstrap.
func KeyframeSent(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload KeyframePayload) {
	publish(ctx, pub, EventKeyframeSent, logging.SeverityDebug, tick, actor, payload)
}
