package peer

import (
	"github.com/google/uuid"

	"tabletop/session/internal/assets"
	"tabletop/session/internal/chat"
	"tabletop/session/internal/journal"
	"tabletop/session/internal/net/proto"
	"tabletop/session/internal/replication"
	"tabletop/session/internal/session"
)

// The views below return copies; callers may keep them across ticks.

func (p *Peer) ClientState() session.ClientState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.machine.Client()
}

func (p *Peer) HostState() session.HostState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.machine.Host()
}

// Status is the last connection failure text, empty when there is none.
func (p *Peer) Status() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.machine.Status()
}

// ConnectedClients lists the client ids at the table this peer sees.
func (p *Peer) ConnectedClients() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connected() {
		return p.mirror.Connected()
	}
	if p.hosting != nil {
		return p.host.Connected()
	}
	return nil
}

func (p *Peer) Players() map[uint64]proto.PlayerRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.players()
}

func (p *Peer) players() map[uint64]proto.PlayerRecord {
	if p.connected() {
		return p.mirror.Players()
	}
	if p.hosting != nil {
		return p.host.Players()
	}
	return map[uint64]proto.PlayerRecord{}
}

// Player is the record this peer announces.
func (p *Peer) Player() proto.PlayerRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.player
}

func (p *Peer) ChatLog() []chat.Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.chat.Snapshot()
}

// ChatLines renders the log. Departed players keep the last name they
// were known by.
func (p *Peer) ChatLines() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	players := make(map[uint64]proto.PlayerRecord, len(p.names))
	for id, name := range p.names {
		players[id] = proto.PlayerRecord{Name: name}
	}
	for id, record := range p.players() {
		players[id] = record
	}
	return chat.Format(p.chat.Snapshot(), players)
}

// Entities lists what is on the table: the mirror while connected,
// otherwise the hosted world.
func (p *Peer) Entities() []replication.EntityView {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connected() {
		return p.mirror.Views()
	}
	if p.hosting != nil {
		return p.host.World().Views(0, p.hosting.selected)
	}
	return nil
}

// Asset returns shared content once it has been resolved.
func (p *Peer) Asset(id uuid.UUID) (assets.Image, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.assets.Image(id)
}

// Snapshot is the diagnostics view of the peer.
type Snapshot struct {
	Tick      uint64           `json:"tick"`
	ClientID  uint64           `json:"clientId"`
	Session   session.Snapshot `json:"session"`
	Connected []uint64         `json:"connected,omitempty"`
	Entities  int              `json:"entities"`
	Pending   int              `json:"pendingAssets"`
	Journal   *journal.Window  `json:"journal,omitempty"`
}

func (p *Peer) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap := Snapshot{
		Tick:     p.tick,
		ClientID: p.clientID,
		Session:  p.machine.Snapshot(),
		Pending:  len(p.assets.Pending()),
	}
	switch {
	case p.connected():
		snap.Connected = p.mirror.Connected()
		snap.Entities = p.mirror.World().Len()
	case p.hosting != nil:
		snap.Connected = p.host.Connected()
		snap.Entities = p.host.World().Len()
	}
	if p.hosting != nil {
		window := p.host.Journal().KeyframeWindow()
		snap.Journal = &window
	}
	return snap
}
