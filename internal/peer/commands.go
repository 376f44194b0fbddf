package peer

import (
	"context"
	"strings"

	"tabletop/session/internal/chat"
	sessionnet "tabletop/session/internal/net"
	"tabletop/session/internal/net/proto"
	"tabletop/session/internal/replication"
	"tabletop/session/internal/sim"
	loggingsession "tabletop/session/logging/session"
)

// Enqueue stages a command for the next Step. It never blocks; false means
// the buffer is full and the command was dropped.
func (p *Peer) Enqueue(cmd sim.Command) bool {
	if cmd.IssuedAt.IsZero() {
		cmd.IssuedAt = p.cfg.Clock.Now()
	}
	if !p.commands.Push(cmd) {
		p.dropped(cmd)
		return false
	}
	if step := p.cfg.CommandWarningStep; step > 0 && p.cfg.OnQueueWarning != nil {
		if length := p.commands.Len(); length >= step && length%step == 0 {
			p.cfg.OnQueueWarning(length)
		}
	}
	return true
}

func (p *Peer) dropped(cmd sim.Command) {
	p.cfg.Logger.Printf("[backpressure] dropping command type=%s capacity=%d", cmd.Type, p.commands.Capacity())
	loggingsession.CommandRejected(p.ctx, p.cfg.Publisher, p.lastTick.Load(), clientActor(p.clientID), loggingsession.CommandPayload{
		Command: string(cmd.Type),
		Reason:  sim.CommandRejectQueueFull,
	})
	if p.cfg.OnCommandDrop != nil {
		p.cfg.OnCommandDrop(sim.CommandRejectQueueFull, cmd)
	}
}

// PendingCommands reports the commands staged for the next Step.
func (p *Peer) PendingCommands() int {
	return p.commands.Len()
}

func (p *Peer) Connect(addr string) bool {
	return p.Enqueue(sim.Command{Type: sim.CommandConnect, Address: addr})
}

func (p *Peer) Disconnect() bool {
	return p.Enqueue(sim.Command{Type: sim.CommandDisconnect})
}

func (p *Peer) StartHost() bool {
	return p.Enqueue(sim.Command{Type: sim.CommandStartHost})
}

func (p *Peer) StopHost() bool {
	return p.Enqueue(sim.Command{Type: sim.CommandStopHost})
}

func (p *Peer) SendChat(text string) bool {
	return p.Enqueue(sim.Command{Type: sim.CommandSendChat, Text: text})
}

func (p *Peer) UpdatePlayer(name string, color proto.Color) bool {
	return p.Enqueue(sim.Command{Type: sim.CommandUpdatePlayer, Player: &sim.PlayerCommand{Name: name, Color: color}})
}

func (p *Peer) MoveCursor(pos proto.Vec2) bool {
	return p.Enqueue(sim.Command{Type: sim.CommandMoveCursor, Position: &sim.PositionCommand{X: pos.X, Y: pos.Y}})
}

// MoveToken asks for e to be placed at pos. e is a local handle as listed
// by Entities.
func (p *Peer) MoveToken(e replication.Entity, pos proto.Vec2) bool {
	return p.Enqueue(sim.Command{Type: sim.CommandMoveToken, Entity: uint64(e), Position: &sim.PositionCommand{X: pos.X, Y: pos.Y}})
}

func (p *Peer) Select(e replication.Entity) bool {
	return p.Enqueue(sim.Command{Type: sim.CommandSelect, Entity: uint64(e)})
}

// Deselect drops e from the local selection; a zero handle drops everything.
func (p *Peer) Deselect(e replication.Entity) bool {
	return p.Enqueue(sim.Command{Type: sim.CommandDeselect, Entity: uint64(e), Everything: e == 0})
}

func (p *Peer) apply(ctx context.Context, cmd sim.Command) {
	var err error
	switch cmd.Type {
	case sim.CommandConnect:
		err = p.connect(ctx, cmd.Address)
	case sim.CommandDisconnect:
		err = p.disconnect(ctx)
	case sim.CommandStartHost:
		err = p.startHost(ctx)
	case sim.CommandStopHost:
		err = p.stopHost(ctx)
	case sim.CommandSendChat:
		p.sendChat(cmd.Text)
	case sim.CommandUpdatePlayer:
		if cmd.Player != nil {
			p.updatePlayer(proto.PlayerRecord{Name: cmd.Player.Name, Color: cmd.Player.Color})
		}
	case sim.CommandMoveCursor:
		if cmd.Position != nil {
			p.moveCursor(proto.Vec2{X: cmd.Position.X, Y: cmd.Position.Y})
		}
	case sim.CommandMoveToken:
		if cmd.Position != nil {
			p.moveToken(ctx, replication.Entity(cmd.Entity), proto.Vec2{X: cmd.Position.X, Y: cmd.Position.Y})
		}
	case sim.CommandSelect:
		p.selectEntity(replication.Entity(cmd.Entity))
	case sim.CommandDeselect:
		p.deselect(replication.Entity(cmd.Entity), cmd.Everything)
	default:
		p.cfg.Logger.Printf("[peer] unknown command %q", cmd.Type)
	}
	if err != nil {
		p.cfg.Logger.Printf("[peer] %s: %v", cmd.Type, err)
	}
}

// sendChat forwards a line to the host. Blank lines and lines typed while
// not connected are dropped.
func (p *Peer) sendChat(text string) {
	text, ok := chat.Clean(text)
	if !ok || !p.connected() {
		return
	}
	p.sendToHost(proto.KindSendChat, proto.SendChat{Text: text})
}

func (p *Peer) updatePlayer(record proto.PlayerRecord) {
	record.Name = strings.TrimSpace(record.Name)
	p.player = sanitizePlayer(record)
	if p.connected() {
		p.sendToHost(proto.KindHelloPlayer, proto.HelloPlayer{Player: p.player})
	}
}

func (p *Peer) moveCursor(pos proto.Vec2) {
	if !p.connected() {
		return
	}
	cursor, ok := p.mirror.LocalCursor()
	if !ok {
		return
	}
	if err := p.mirror.Author(p.tick, cursor, proto.Components{Cursor: &proto.Cursor{Position: pos}}); err != nil {
		p.cfg.Logger.Printf("[peer] move cursor: %v", err)
	}
}

// moveToken goes through the host. A peer that hosts without playing
// applies the move itself.
func (p *Peer) moveToken(ctx context.Context, e replication.Entity, pos proto.Vec2) {
	if p.connected() {
		id, ok := p.mirror.Translate(e)
		if !ok {
			p.cfg.Logger.Printf("[peer] move token: unknown entity %s", e)
			return
		}
		p.sendToHost(proto.KindMoveToken, proto.MoveToken{Entity: id, Position: pos})
		return
	}
	if p.hosting == nil {
		return
	}
	id, ok := p.host.World().NetID(e)
	if !ok {
		p.cfg.Logger.Printf("[peer] move token: unknown entity %s", e)
		return
	}
	p.moveTokenAsHost(ctx, sessionnet.HostID, proto.MoveToken{Entity: id, Position: pos})
}

func (p *Peer) selectEntity(e replication.Entity) {
	if p.connected() {
		if err := p.mirror.Select(e); err != nil {
			p.cfg.Logger.Printf("[peer] select %s: %v", e, err)
		}
		return
	}
	if p.hosting != nil && p.host.World().Alive(e) {
		p.hosting.selected[e] = struct{}{}
	}
}

func (p *Peer) deselect(e replication.Entity, everything bool) {
	if everything {
		e = 0
	}
	if p.connected() {
		p.mirror.Deselect(e)
		return
	}
	if p.hosting == nil {
		return
	}
	if e == 0 {
		p.hosting.selected = make(map[replication.Entity]struct{})
		return
	}
	delete(p.hosting.selected, e)
}
