// Package proto defines the versioned wire envelope, the closed set of
// payload kinds that travel inside it, and the registry that fixes each
// kind's direction and channel.
package proto

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Version tracks the wire-protocol revision expected by peers.
const Version = 1

// Kind tags the payload carried by an envelope.
type Kind string

const (
	KindHelloPlayer      Kind = "hello_player"
	KindSendChat         Kind = "send_chat"
	KindChatEvent        Kind = "chat_event"
	KindRequestAsset     Kind = "request_asset"
	KindAssetPayload     Kind = "asset_payload"
	KindEntityActions    Kind = "entity_actions"
	KindEntityUpdates    Kind = "entity_updates"
	KindUpdateAck        Kind = "update_ack"
	KindOwnedUpdates     Kind = "owned_updates"
	KindPlayerList       Kind = "player_list"
	KindConnectedClients Kind = "connected_clients"
	KindDeselect         Kind = "deselect"
	KindMoveToken        Kind = "move_token"
)

// DefaultCompressThreshold is the payload size above which the codec
// compresses when compression is enabled.
const DefaultCompressThreshold = 256

var (
	// ErrUnsupportedVersion is returned for envelopes from another protocol revision.
	ErrUnsupportedVersion = errors.New("proto: unsupported protocol version")
	// ErrUnknownKind is returned for envelopes whose kind is not registered.
	ErrUnknownKind = errors.New("proto: unknown message kind")
)

// Envelope is the tagged-union frame every packet travels in.
type Envelope struct {
	Ver        int    `json:"ver"`
	Kind       Kind   `json:"kind"`
	Channel    string `json:"ch"`
	Seq        uint32 `json:"seq,omitempty"`
	Tick       uint64 `json:"tick,omitempty"`
	Compressed bool   `json:"z,omitempty"`
	Payload    []byte `json:"payload,omitempty"`
}

// CodecOptions configures wire compression.
type CodecOptions struct {
	Compress  bool
	Threshold int
}

// Codec turns typed payloads into envelopes and back. It is safe for
// concurrent use.
type Codec struct {
	registry  *Registry
	compress  bool
	threshold int
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
}

// NewCodec binds a codec to a frozen registry.
func NewCodec(registry *Registry, opts CodecOptions) (*Codec, error) {
	if registry == nil {
		return nil, errors.New("proto: codec requires a registry")
	}
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = DefaultCompressThreshold
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("proto: create encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("proto: create decoder: %w", err)
	}
	return &Codec{
		registry:  registry,
		compress:  opts.Compress,
		threshold: threshold,
		encoder:   encoder,
		decoder:   decoder,
	}, nil
}

// Registry returns the registry the codec validates against.
func (c *Codec) Registry() *Registry {
	return c.registry
}

// Encode wraps msg in an envelope on the channel registered for kind.
// Encoding an unregistered kind, or encoding before the registry is frozen,
// is a programming error.
func (c *Codec) Encode(kind Kind, seq uint32, tick uint64, msg any) ([]byte, error) {
	if !c.registry.Frozen() {
		panic("proto: encode before registry freeze")
	}
	spec := c.registry.MustSpec(kind)
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("proto: marshal %s: %w", kind, err)
	}
	env := Envelope{
		Ver:     Version,
		Kind:    kind,
		Channel: spec.Channel.Name,
		Seq:     seq,
		Tick:    tick,
		Payload: payload,
	}
	if c.compress && len(payload) > c.threshold {
		env.Payload = c.encoder.EncodeAll(payload, make([]byte, 0, len(payload)/2))
		env.Compressed = true
	}
	return json.Marshal(env)
}

// Decode parses an envelope and inflates its payload. The kind must be
// registered; direction and channel checks belong to intake.
func (c *Codec) Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("proto: decode envelope: %w", err)
	}
	if env.Ver != Version {
		return env, fmt.Errorf("%w %d", ErrUnsupportedVersion, env.Ver)
	}
	if _, ok := c.registry.Spec(env.Kind); !ok {
		return env, fmt.Errorf("%w %q", ErrUnknownKind, env.Kind)
	}
	if env.Compressed {
		inflated, err := c.decoder.DecodeAll(env.Payload, nil)
		if err != nil {
			return env, fmt.Errorf("proto: inflate %s: %w", env.Kind, err)
		}
		env.Payload = inflated
		env.Compressed = false
	}
	return env, nil
}

// Close releases the compression state.
func (c *Codec) Close() {
	c.encoder.Close()
	c.decoder.Close()
}

// DecodePayload unmarshals the payload of a decoded envelope.
func DecodePayload[T any](env Envelope) (T, error) {
	var out T
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		return out, fmt.Errorf("proto: decode %s payload: %w", env.Kind, err)
	}
	return out, nil
}
