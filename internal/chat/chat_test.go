package chat

import (
	"strings"
	"testing"

	"tabletop/session/internal/net/proto"
)

func TestLogIsAppendOnly(t *testing.T) {
	var log Log
	log.Append(Entry{Kind: Connected, Client: 1, Tick: 1})
	snapshot := log.Snapshot()
	snapshot[0].Client = 99
	log.Append(FromEvent(2, proto.ChatEvent{Kind: Message, Client: 1, Text: "hi"}))

	got := log.Snapshot()
	if len(got) != 2 || got[0].Client != 1 {
		t.Fatalf("expected snapshot copies to leave the log untouched, got %+v", got)
	}
	if got[1].Event() != (proto.ChatEvent{Kind: Message, Client: 1, Text: "hi"}) {
		t.Fatalf("unexpected wire form %+v", got[1].Event())
	}
}

func TestFormat(t *testing.T) {
	players := map[uint64]proto.PlayerRecord{1: {Name: "ada"}}
	lines := Format([]Entry{
		{Kind: Connected, Client: 1},
		{Kind: Message, Client: 1, Text: "hello"},
		{Kind: Message, Client: 2, Text: "who am i"},
		{Kind: Disconnected, Client: 1},
	}, players)
	want := []string{"ada joined the game", "ada: hello", "Client 2: who am i", "ada left the game"}
	if strings.Join(lines, "\n") != strings.Join(want, "\n") {
		t.Fatalf("unexpected lines %q", lines)
	}
}

func TestClean(t *testing.T) {
	if _, ok := Clean("   \t"); ok {
		t.Fatalf("expected blank text to be dropped")
	}
	if got, ok := Clean("  hi  "); !ok || got != "hi" {
		t.Fatalf("expected trimmed text, got %q", got)
	}
	if got, _ := Clean(strings.Repeat("x", MaxMessageLength+10)); len(got) != MaxMessageLength {
		t.Fatalf("expected capped length, got %d", len(got))
	}
}
