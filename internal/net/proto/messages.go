package proto

import "github.com/google/uuid"

// Vec2 is a 2D table position.
type Vec2 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Color is an sRGB triple.
type Color [3]uint8

// NetID is the owner-assigned network identity of a replicated entity.
// It never equals a local arena index on the receiving peer.
type NetID uint64

// PlayerRecord is the display identity a participant announces.
type PlayerRecord struct {
	Name  string `json:"name"`
	Color Color  `json:"color"`
}

// HelloPlayer announces or updates the sender's player record.
type HelloPlayer struct {
	Player PlayerRecord `json:"player"`
}

// SendChat is a chat line typed by a client.
type SendChat struct {
	Text string `json:"text"`
}

// ChatKind discriminates chat log events.
type ChatKind string

const (
	ChatConnected    ChatKind = "connected"
	ChatDisconnected ChatKind = "disconnected"
	ChatMessage      ChatKind = "message"
)

// ChatEvent is the host's relay of a presence change or a chat line.
type ChatEvent struct {
	Kind   ChatKind `json:"kind"`
	Client uint64   `json:"client"`
	Text   string   `json:"text,omitempty"`
}

// RequestAsset asks the owner of a shared asset for its bytes.
type RequestAsset struct {
	ID   uuid.UUID `json:"id"`
	Type string    `json:"type"`
}

// AssetPayload carries the wire encoding of a shared asset.
type AssetPayload struct {
	ID   uuid.UUID `json:"id"`
	Type string    `json:"type"`
	Data []byte    `json:"data"`
}

// EntityComponents pairs an entity with component values.
type EntityComponents struct {
	NetID      NetID      `json:"id"`
	Components Components `json:"c"`
}

// EntityActions carries spawns, despawns and once-strategy inserts. A
// keyframe replaces the receiver's mirrored world wholesale.
type EntityActions struct {
	Tick     uint64             `json:"tick"`
	Spawns   []EntityComponents `json:"spawns,omitempty"`
	Inserts  []EntityComponents `json:"inserts,omitempty"`
	Despawns []NetID            `json:"despawns,omitempty"`
	Keyframe bool               `json:"keyframe,omitempty"`
}

// Empty reports whether the packet carries nothing.
func (a EntityActions) Empty() bool {
	return len(a.Spawns) == 0 && len(a.Inserts) == 0 && len(a.Despawns) == 0 && !a.Keyframe
}

// EntityUpdates carries full and interpolated component values that changed
// after the receiver's last acknowledged tick.
type EntityUpdates struct {
	Tick    uint64             `json:"tick"`
	Updates []EntityComponents `json:"updates"`
}

// UpdateAck acknowledges the newest applied update tick.
type UpdateAck struct {
	Tick uint64 `json:"tick"`
}

// OwnedUpdates carries client-authored component values for entities the
// sender owns.
type OwnedUpdates struct {
	Tick    uint64             `json:"tick"`
	Updates []EntityComponents `json:"updates"`
}

// PlayerList is a diff of the host's player mapping. Full replaces the
// receiver's mirror.
type PlayerList struct {
	Full    bool                    `json:"full,omitempty"`
	Upserts map[uint64]PlayerRecord `json:"upserts,omitempty"`
	Removed []uint64                `json:"removed,omitempty"`
}

// ConnectedClients is a diff of the host's connected set. Full replaces the
// receiver's mirror.
type ConnectedClients struct {
	Full    bool     `json:"full,omitempty"`
	Added   []uint64 `json:"added,omitempty"`
	Removed []uint64 `json:"removed,omitempty"`
}

// Deselect tells clients to drop selection of one entity or everything.
type Deselect struct {
	Everything bool  `json:"everything,omitempty"`
	Entity     NetID `json:"entity,omitempty"`
}

// MoveToken asks the host to move a token.
type MoveToken struct {
	Entity   NetID `json:"entity"`
	Position Vec2  `json:"position"`
}
