// Package intake admits inbound packets: it decodes the envelope, checks it
// against the protocol registry, applies channel sequencing and stamps the
// transport-level sender id.
package intake

import (
	"context"
	"errors"
	"fmt"

	"tabletop/session/internal/channel"
	"tabletop/session/internal/net/proto"
	"tabletop/session/internal/telemetry"
	"tabletop/session/logging"
	loggingnetwork "tabletop/session/logging/network"
)

var (
	ErrMalformed       = errors.New("intake: malformed envelope")
	ErrDirection       = errors.New("intake: direction not permitted")
	ErrChannelMismatch = errors.New("intake: channel does not match registration")
	ErrStale           = errors.New("intake: stale sequence")
)

// Message is an admitted envelope. Sender comes from the transport, never
// from the payload.
type Message struct {
	Sender   uint64
	Envelope proto.Envelope
}

// Config wires an Intake.
type Config struct {
	Codec *proto.Codec
	// Remote is the role of the peers this intake receives from.
	Remote    proto.Role
	Publisher logging.Publisher
	Metrics   telemetry.Metrics
	Tick      func() uint64
}

// Intake filters the packets of one receiving role.
type Intake struct {
	cfg      Config
	receiver *channel.Receiver
}

// New builds an intake over the codec's registry.
func New(cfg Config) *Intake {
	if cfg.Publisher == nil {
		cfg.Publisher = logging.NopPublisher()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.Nop()
	}
	if cfg.Tick == nil {
		cfg.Tick = func() uint64 { return 0 }
	}
	return &Intake{
		cfg:      cfg,
		receiver: channel.NewReceiver(cfg.Codec.Registry().Channels()),
	}
}

// Check validates data without logging. On error the returned message
// carries whatever could be decoded.
func (in *Intake) Check(sender uint64, data []byte) (Message, error) {
	env, err := in.cfg.Codec.Decode(data)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	msg := Message{Sender: sender, Envelope: env}
	spec := in.cfg.Codec.Registry().MustSpec(env.Kind)
	if !spec.Direction.Allows(in.cfg.Remote) {
		return msg, fmt.Errorf("%w: %s is %s", ErrDirection, env.Kind, spec.Direction)
	}
	if env.Channel != spec.Channel.Name {
		return msg, fmt.Errorf("%w: %s on %q", ErrChannelMismatch, env.Kind, env.Channel)
	}
	ok, newest := in.receiver.Accept(sender, env.Channel, env.Seq)
	if !ok {
		return msg, &StaleError{Channel: env.Channel, Sequence: env.Seq, Newest: newest}
	}
	return msg, nil
}

// Accept validates data and logs rejections.
func (in *Intake) Accept(ctx context.Context, sender uint64, data []byte) (Message, bool) {
	msg, err := in.Check(sender, data)
	if err == nil {
		return msg, true
	}
	actor := logging.ClientRef(fmt.Sprint(sender))
	var stale *StaleError
	if errors.As(err, &stale) {
		in.cfg.Metrics.Add("intake_stale_total", 1)
		loggingnetwork.StaleDiscarded(ctx, in.cfg.Publisher, in.cfg.Tick(), actor, loggingnetwork.StalePayload{
			Channel:  stale.Channel,
			Sequence: stale.Sequence,
			Newest:   stale.Newest,
		})
		return Message{}, false
	}
	in.cfg.Metrics.Add("intake_rejected_total", 1)
	loggingnetwork.Rejected(ctx, in.cfg.Publisher, in.cfg.Tick(), actor, loggingnetwork.RejectedPayload{
		Kind:   string(msg.Envelope.Kind),
		Reason: err.Error(),
	})
	return Message{}, false
}

// Forget resets sequencing for a departed sender.
func (in *Intake) Forget(sender uint64) {
	in.receiver.Forget(sender)
}

// StaleError describes a packet older than the newest accepted one.
type StaleError struct {
	Channel  string
	Sequence uint32
	Newest   uint32
}

func (e *StaleError) Error() string {
	return fmt.Sprintf("intake: stale sequence %d on %q (newest %d)", e.Sequence, e.Channel, e.Newest)
}

func (e *StaleError) Is(target error) bool {
	return target == ErrStale
}
