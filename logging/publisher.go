package logging

import (
	"context"
	"maps"
	"slices"
	"time"
)

type EventType string

type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarn
	SeverityError
)

// String renders the severity the way sinks print it.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarn:
		return "warn"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

// ParseSeverity maps a config string onto a severity, defaulting to info.
func ParseSeverity(value string) Severity {
	switch value {
	case "debug":
		return SeverityDebug
	case "warn", "warning":
		return SeverityWarn
	case "error":
		return SeverityError
	default:
		return SeverityInfo
	}
}

type EntityKind string

const (
	EntityKindUnknown EntityKind = "unknown"
	EntityKindHost    EntityKind = "host"
	EntityKindClient  EntityKind = "client"
	EntityKindEntity  EntityKind = "entity"
	EntityKindAsset   EntityKind = "asset"
	EntityKindSession EntityKind = "session"
)

type Event struct {
	Type     EventType      `json:"type"`
	Tick     uint64         `json:"tick"`
	Time     time.Time      `json:"time"`
	Actor    EntityRef      `json:"actor"`
	Targets  []EntityRef    `json:"targets,omitempty"`
	Severity Severity       `json:"severity"`
	Category string         `json:"category,omitempty"`
	Payload  any            `json:"payload,omitempty"`
	Extra    map[string]any `json:"extra,omitempty"`
}

type EntityRef struct {
	ID   string     `json:"id"`
	Kind EntityKind `json:"kind"`
}

const (
	CategorySession     = "session"
	CategoryReplication = "replication"
	CategoryAssets      = "assets"
	CategoryNetwork     = "network"
	CategorySystem      = "system"
)

type Publisher interface {
	Publish(ctx context.Context, event Event)
}

type PublisherFunc func(ctx context.Context, event Event)

func (f PublisherFunc) Publish(ctx context.Context, event Event) {
	if f == nil {
		return
	}
	f(ctx, event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) {}

func NopPublisher() Publisher {
	return nopPublisher{}
}

type fieldPublisher struct {
	next   Publisher
	fields map[string]any
}

func (p *fieldPublisher) Publish(ctx context.Context, event Event) {
	if p.next == nil {
		return
	}
	p.next.Publish(ctx, mergeFields(event, p.fields))
}

// mergeFields copies fields into event.Extra without overwriting keys the
// caller already set.
func mergeFields(event Event, fields map[string]any) Event {
	if len(fields) == 0 {
		return event
	}
	extra := maps.Clone(fields)
	maps.Copy(extra, event.Extra)
	event = cloneEvent(event)
	event.Extra = extra
	return event
}

func cloneEvent(event Event) Event {
	event.Targets = slices.Clone(event.Targets)
	event.Extra = maps.Clone(event.Extra)
	return event
}

// CloneEvent returns a copy safe to retain after Publish returns.
func CloneEvent(event Event) Event {
	return cloneEvent(event)
}

func WithFields(p Publisher, fields map[string]any) Publisher {
	if p == nil {
		return NopPublisher()
	}
	if len(fields) == 0 {
		return p
	}
	return &fieldPublisher{next: p, fields: maps.Clone(fields)}
}

func (e Event) WithExtra(key string, value any) Event {
	if e.Extra == nil {
		e.Extra = make(map[string]any, 1)
	}
	e.Extra[key] = value
	return e
}

// ClientRef identifies a remote participant by its 64-bit client id.
func ClientRef(id string) EntityRef {
	return EntityRef{ID: id, Kind: EntityKindClient}
}

// HostRef identifies the local host role.
func HostRef() EntityRef {
	return EntityRef{ID: "host", Kind: EntityKindHost}
}
