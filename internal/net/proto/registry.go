package proto

import (
	"fmt"

	"tabletop/session/internal/channel"
)

// Direction states which role may author a wire type.
type Direction uint8

const (
	ClientToHost Direction = iota + 1
	HostToClient
	Bidirectional
)

func (d Direction) String() string {
	switch d {
	case ClientToHost:
		return "client_to_host"
	case HostToClient:
		return "host_to_client"
	case Bidirectional:
		return "bidirectional"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// Role is the sending side of a packet.
type Role uint8

const (
	RoleHost Role = iota + 1
	RoleClient
)

// Allows reports whether a packet authored by sender may travel in d.
func (d Direction) Allows(sender Role) bool {
	switch d {
	case Bidirectional:
		return true
	case ClientToHost:
		return sender == RoleClient
	case HostToClient:
		return sender == RoleHost
	default:
		return false
	}
}

// Strategy governs how a replicated component propagates.
type Strategy uint8

const (
	// Once sends the component with the spawn and again only when the owner
	// changes it; used for slowly changing metadata.
	Once Strategy = iota + 1
	// Full replicates every change verbatim.
	Full
	// Interpolated replicates every change; receivers ease towards it.
	Interpolated
)

func (s Strategy) String() string {
	switch s {
	case Once:
		return "once"
	case Full:
		return "full"
	case Interpolated:
		return "interpolated"
	default:
		return fmt.Sprintf("strategy(%d)", uint8(s))
	}
}

// MessageSpec is the registration record of one wire kind.
type MessageSpec struct {
	Kind      Kind
	Direction Direction
	Channel   channel.Channel
	Resource  bool
}

// Registry fixes every wire type's direction and channel plus every
// component's sync strategy. It is built once and frozen before the session
// connects or starts hosting.
type Registry struct {
	channels   *channel.Registry
	messages   map[Kind]MessageSpec
	components map[ComponentKind]Strategy
	frozen     bool
}

// NewRegistry creates an empty registry over the declared channels.
func NewRegistry(channels *channel.Registry) *Registry {
	if channels == nil {
		channels = channel.DefaultRegistry()
	}
	return &Registry{
		channels:   channels,
		messages:   make(map[Kind]MessageSpec),
		components: make(map[ComponentKind]Strategy),
	}
}

func (r *Registry) checkOpen(what string) {
	if r.frozen {
		panic(fmt.Sprintf("proto: register %s after freeze", what))
	}
}

// RegisterMessage declares a message kind. The channel must already be declared.
func (r *Registry) RegisterMessage(kind Kind, dir Direction, channelName string) {
	r.checkOpen(string(kind))
	if _, exists := r.messages[kind]; exists {
		panic(fmt.Sprintf("proto: %q registered twice", kind))
	}
	r.messages[kind] = MessageSpec{Kind: kind, Direction: dir, Channel: r.channels.MustLookup(channelName)}
}

// RegisterResource declares a host-owned resource replicated to clients.
func (r *Registry) RegisterResource(kind Kind, channelName string) {
	r.RegisterMessage(kind, HostToClient, channelName)
	spec := r.messages[kind]
	spec.Resource = true
	r.messages[kind] = spec
}

// RegisterComponent fixes the sync strategy of a replicated component.
func (r *Registry) RegisterComponent(kind ComponentKind, strategy Strategy) {
	r.checkOpen(string(kind))
	r.components[kind] = strategy
}

// Freeze closes registration, including the channel registry.
func (r *Registry) Freeze() {
	r.frozen = true
	r.channels.Freeze()
}

// Frozen reports whether registration is closed.
func (r *Registry) Frozen() bool {
	return r.frozen
}

// Channels exposes the channel declarations the registry was built on.
func (r *Registry) Channels() *channel.Registry {
	return r.channels
}

// Spec returns the registration of kind.
func (r *Registry) Spec(kind Kind) (MessageSpec, bool) {
	spec, ok := r.messages[kind]
	return spec, ok
}

// MustSpec returns the registration of kind and panics when the kind was
// never registered.
func (r *Registry) MustSpec(kind Kind) MessageSpec {
	spec, ok := r.messages[kind]
	if !ok {
		panic(fmt.Sprintf("proto: %q is not registered", kind))
	}
	return spec
}

// CanSend reports whether role may author kind. Unknown kinds are never sendable.
func (r *Registry) CanSend(kind Kind, role Role) bool {
	spec, ok := r.messages[kind]
	return ok && spec.Direction.Allows(role)
}

// Strategy returns the sync strategy of a component, defaulting to Full.
func (r *Registry) Strategy(kind ComponentKind) Strategy {
	if s, ok := r.components[kind]; ok {
		return s
	}
	return Full
}

// DefaultRegistry registers every wire type used by the session layer and
// freezes it.
func DefaultRegistry() *Registry {
	r := NewRegistry(channel.DefaultRegistry())

	r.RegisterMessage(KindHelloPlayer, ClientToHost, channel.Reliable)
	r.RegisterMessage(KindSendChat, ClientToHost, channel.Reliable)
	r.RegisterMessage(KindChatEvent, HostToClient, channel.Reliable)
	r.RegisterMessage(KindRequestAsset, Bidirectional, channel.Reliable)
	r.RegisterMessage(KindAssetPayload, Bidirectional, channel.Reliable)
	r.RegisterMessage(KindEntityActions, HostToClient, channel.EntityActions)
	r.RegisterMessage(KindEntityUpdates, HostToClient, channel.EntityUpdates)
	r.RegisterMessage(KindUpdateAck, ClientToHost, channel.EntityUpdates)
	r.RegisterMessage(KindOwnedUpdates, ClientToHost, channel.EntityUpdates)
	r.RegisterMessage(KindDeselect, HostToClient, channel.Reliable)
	r.RegisterMessage(KindMoveToken, ClientToHost, channel.Reliable)
	r.RegisterResource(KindPlayerList, channel.EntityActions)
	r.RegisterResource(KindConnectedClients, channel.EntityActions)

	r.RegisterComponent(ComponentToken, Interpolated)
	r.RegisterComponent(ComponentCursor, Interpolated)
	r.RegisterComponent(ComponentOwner, Once)
	r.RegisterComponent(ComponentSharedAsset, Once)
	r.RegisterComponent(ComponentName, Once)

	r.Freeze()
	return r
}
