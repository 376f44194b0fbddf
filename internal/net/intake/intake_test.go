package intake

import (
	"context"
	"errors"
	"testing"

	"tabletop/session/internal/net/proto"
	"tabletop/session/logging/sinks"
	loggingnetwork "tabletop/session/logging/network"
)

func newCodec(t *testing.T) *proto.Codec {
	t.Helper()
	codec, err := proto.NewCodec(proto.DefaultRegistry(), proto.CodecOptions{})
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	t.Cleanup(codec.Close)
	return codec
}

func encode(t *testing.T, codec *proto.Codec, kind proto.Kind, seq uint32, msg any) []byte {
	t.Helper()
	data, err := codec.Encode(kind, seq, 0, msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return data
}

func TestCheck(t *testing.T) {
	codec := newCodec(t)

	t.Run("stamps transport sender", func(t *testing.T) {
		in := New(Config{Codec: codec, Remote: proto.RoleClient})
		msg, err := in.Check(77, encode(t, codec, proto.KindSendChat, 1, proto.SendChat{Text: "hi"}))
		if err != nil {
			t.Fatalf("Check: %v", err)
		}
		if msg.Sender != 77 || msg.Envelope.Kind != proto.KindSendChat {
			t.Fatalf("unexpected message %+v", msg)
		}
	})

	t.Run("rejects wrong direction", func(t *testing.T) {
		in := New(Config{Codec: codec, Remote: proto.RoleClient})
		_, err := in.Check(1, encode(t, codec, proto.KindChatEvent, 1, proto.ChatEvent{}))
		if !errors.Is(err, ErrDirection) {
			t.Fatalf("expected ErrDirection, got %v", err)
		}
	})

	t.Run("rejects malformed bytes", func(t *testing.T) {
		in := New(Config{Codec: codec, Remote: proto.RoleHost})
		if _, err := in.Check(0, []byte("{nope")); !errors.Is(err, ErrMalformed) {
			t.Fatalf("expected ErrMalformed, got %v", err)
		}
	})

	t.Run("rejects channel mismatch", func(t *testing.T) {
		in := New(Config{Codec: codec, Remote: proto.RoleClient})
		raw := []byte(`{"ver":1,"kind":"send_chat","ch":"entity_updates","seq":1,"payload":"e30="}`)
		if _, err := in.Check(1, raw); !errors.Is(err, ErrChannelMismatch) {
			t.Fatalf("expected ErrChannelMismatch, got %v", err)
		}
	})

	t.Run("discards stale sequenced packets per sender", func(t *testing.T) {
		in := New(Config{Codec: codec, Remote: proto.RoleHost})
		newer := encode(t, codec, proto.KindEntityUpdates, 5, proto.EntityUpdates{Tick: 5})
		older := encode(t, codec, proto.KindEntityUpdates, 4, proto.EntityUpdates{Tick: 4})
		if _, err := in.Check(0, newer); err != nil {
			t.Fatalf("Check newer: %v", err)
		}
		if _, err := in.Check(0, older); !errors.Is(err, ErrStale) {
			t.Fatalf("expected ErrStale, got %v", err)
		}
	})

	t.Run("unordered reliable accepts any order", func(t *testing.T) {
		in := New(Config{Codec: codec, Remote: proto.RoleClient})
		for _, seq := range []uint32{3, 1, 2} {
			if _, err := in.Check(1, encode(t, codec, proto.KindSendChat, seq, proto.SendChat{Text: "x"})); err != nil {
				t.Fatalf("Check seq %d: %v", seq, err)
			}
		}
	})
}

func TestAcceptPublishesDiscards(t *testing.T) {
	codec := newCodec(t)
	memory := sinks.NewMemory()
	in := New(Config{Codec: codec, Remote: proto.RoleHost, Publisher: memory})

	if _, ok := in.Accept(context.Background(), 0, encode(t, codec, proto.KindEntityActions, 2, proto.EntityActions{})); !ok {
		t.Fatalf("expected first packet to be accepted")
	}
	if _, ok := in.Accept(context.Background(), 0, encode(t, codec, proto.KindEntityActions, 1, proto.EntityActions{})); ok {
		t.Fatalf("expected stale packet to be discarded")
	}
	if _, ok := in.Accept(context.Background(), 0, encode(t, codec, proto.KindSendChat, 1, proto.SendChat{})); ok {
		t.Fatalf("expected client-only kind from host to be rejected")
	}

	if got := len(memory.OfType(loggingnetwork.EventStaleDiscarded)); got != 1 {
		t.Fatalf("expected 1 stale event, got %d", got)
	}
	if got := len(memory.OfType(loggingnetwork.EventRejected)); got != 1 {
		t.Fatalf("expected 1 rejected event, got %d", got)
	}
}
