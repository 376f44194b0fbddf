// Package channel declares the named delivery paths every wire message is
// tagged with, and implements the sequencing rules those paths promise.
package channel

import (
	"fmt"
	"sort"
)

// Mode fixes the delivery and ordering guarantee of a channel.
type Mode uint8

const (
	// UnorderedReliable guarantees delivery in arbitrary order.
	UnorderedReliable Mode = iota + 1
	// SequencedReliable guarantees delivery; stale packets are discarded.
	SequencedReliable
	// SequencedUnreliable is best effort; stale packets are discarded.
	SequencedUnreliable
)

func (m Mode) String() string {
	switch m {
	case UnorderedReliable:
		return "unordered_reliable"
	case SequencedReliable:
		return "sequenced_reliable"
	case SequencedUnreliable:
		return "sequenced_unreliable"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// Reliable reports whether the transport must retransmit lost packets.
func (m Mode) Reliable() bool {
	return m == UnorderedReliable || m == SequencedReliable
}

// Sequenced reports whether receivers discard packets older than the newest seen.
func (m Mode) Sequenced() bool {
	return m == SequencedReliable || m == SequencedUnreliable
}

// Default channel names.
const (
	Reliable      = "reliable"
	EntityActions = "entity_actions"
	EntityUpdates = "entity_updates"
)

// Channel is an immutable {name, mode} declaration.
type Channel struct {
	Name string
	Mode Mode
}

// Registry holds the channel declarations. It is built once at startup and
// frozen before the session leaves its initial state.
type Registry struct {
	channels map[string]Channel
	frozen   bool
}

// NewRegistry returns an empty, unfrozen registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]Channel)}
}

// DefaultRegistry declares the three channels the session layer uses and
// freezes the result.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Declare(Reliable, UnorderedReliable)
	r.Declare(EntityActions, SequencedReliable)
	r.Declare(EntityUpdates, SequencedUnreliable)
	r.Freeze()
	return r
}

// Declare adds a channel. Declaring after Freeze, redeclaring a name or
// passing an unknown mode is a programming error.
func (r *Registry) Declare(name string, mode Mode) Channel {
	if r.frozen {
		panic(fmt.Sprintf("channel: declare %q after freeze", name))
	}
	if name == "" {
		panic("channel: empty channel name")
	}
	if mode < UnorderedReliable || mode > SequencedUnreliable {
		panic(fmt.Sprintf("channel: invalid mode %d for %q", mode, name))
	}
	if _, exists := r.channels[name]; exists {
		panic(fmt.Sprintf("channel: %q declared twice", name))
	}
	ch := Channel{Name: name, Mode: mode}
	r.channels[name] = ch
	return ch
}

// Freeze forbids further declarations.
func (r *Registry) Freeze() {
	r.frozen = true
}

// Frozen reports whether Freeze has been called.
func (r *Registry) Frozen() bool {
	return r.frozen
}

// Lookup returns the channel declared under name.
func (r *Registry) Lookup(name string) (Channel, bool) {
	ch, ok := r.channels[name]
	return ch, ok
}

// MustLookup returns the channel declared under name and panics when the
// name was never declared: sending on an undeclared channel is fatal.
func (r *Registry) MustLookup(name string) Channel {
	ch, ok := r.channels[name]
	if !ok {
		panic(fmt.Sprintf("channel: %q is not declared", name))
	}
	return ch
}

// Channels lists the declarations sorted by name.
func (r *Registry) Channels() []Channel {
	out := make([]Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
