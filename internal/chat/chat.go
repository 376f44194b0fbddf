// Package chat keeps the session's append-only event log: presence changes
// and chat lines in the order the host relayed them.
package chat

import (
	"fmt"
	"strings"

	"tabletop/session/internal/net/proto"
)

// MaxMessageLength caps the text of one chat line.
const MaxMessageLength = 512

// Kind discriminates log entries.
type Kind = proto.ChatKind

const (
	Connected    = proto.ChatConnected
	Disconnected = proto.ChatDisconnected
	Message      = proto.ChatMessage
)

// Entry is one line of the log.
type Entry struct {
	Kind   Kind   `json:"kind"`
	Client uint64 `json:"client"`
	Text   string `json:"text,omitempty"`
	Tick   uint64 `json:"tick"`
}

// FromEvent converts a relayed event.
func FromEvent(tick uint64, event proto.ChatEvent) Entry {
	return Entry{Kind: event.Kind, Client: event.Client, Text: event.Text, Tick: tick}
}

// Event converts an entry back to its wire form.
func (e Entry) Event() proto.ChatEvent {
	return proto.ChatEvent{Kind: e.Kind, Client: e.Client, Text: e.Text}
}

// Clean trims a typed line and caps its length. ok is false when nothing
// is left to send.
func Clean(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", false
	}
	if runes := []rune(text); len(runes) > MaxMessageLength {
		text = string(runes[:MaxMessageLength])
	}
	return text, true
}

// Log is append-only and never pruned.
type Log struct {
	entries []Entry
}

func (l *Log) Append(entry Entry) {
	l.entries = append(l.entries, entry)
}

func (l *Log) Len() int { return len(l.entries) }

// Snapshot copies the entries for presentation.
func (l *Log) Snapshot() []Entry {
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Format renders entries as display lines using the known player names.
func Format(entries []Entry, players map[uint64]proto.PlayerRecord) []string {
	lines := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := fmt.Sprintf("Client %d", entry.Client)
		if record, ok := players[entry.Client]; ok && record.Name != "" {
			name = record.Name
		}
		switch entry.Kind {
		case Connected:
			lines = append(lines, name+" joined the game")
		case Disconnected:
			lines = append(lines, name+" left the game")
		default:
			lines = append(lines, name+": "+entry.Text)
		}
	}
	return lines
}
