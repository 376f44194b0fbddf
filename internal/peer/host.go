package peer

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"tabletop/session/internal/assets"
	"tabletop/session/internal/channel"
	"tabletop/session/internal/chat"
	sessionnet "tabletop/session/internal/net"
	"tabletop/session/internal/net/intake"
	"tabletop/session/internal/net/proto"
	"tabletop/session/internal/net/token"
	"tabletop/session/internal/replication"
	"tabletop/session/logging"
	loggingnetwork "tabletop/session/logging/network"
	loggingsession "tabletop/session/logging/session"
)

func clientActor(id uint64) logging.EntityRef {
	return logging.ClientRef(strconv.FormatUint(id, 10))
}

// startHost opens the configured server plus an in-process loopback server
// the peer itself joins through when it plays on its own table.
func (p *Peer) startHost(ctx context.Context) error {
	if err := p.machine.StartHost(ctx, p.tick); err != nil {
		return err
	}
	admission := sessionnet.NewAdmission(token.Verifier{
		Key:        p.cfg.Key,
		ProtocolID: p.cfg.ProtocolID,
		Now:        p.cfg.Clock.Now,
	}, p.cfg.MaxClients)
	side := &hostSide{
		admission: admission,
		route:     make(map[uint64]sessionnet.Server),
		intake:    p.newIntake(proto.RoleClient),
		seq:       channel.NewSequencer(),
		selected:  make(map[replication.Entity]struct{}),
	}
	servers := []sessionnet.Server{
		p.cfg.Transports.Server(admission),
		p.loopback.NewServer(loopbackAddr, admission),
	}
	for _, server := range servers {
		if err := server.Listen(ctx); err != nil {
			for _, s := range side.servers {
				_ = s.Close()
			}
			_ = server.Close()
			_ = p.machine.StopHost(ctx, p.tick)
			p.cfg.Logger.Printf("[peer] host listen failed: %v", err)
			return fmt.Errorf("peer: listen: %w", err)
		}
		side.servers = append(side.servers, server)
	}
	p.hosting = side
	p.spawnDefaultToken()
	return nil
}

// spawnDefaultToken places the shared token every new table starts with.
func (p *Peer) spawnDefaultToken() {
	components := proto.Components{
		Token: &proto.Token{Position: proto.Vec2{X: 0.5, Y: 0.5}, Layer: DefaultTokenLayer},
		Name:  &proto.Name{Text: DefaultTokenName},
	}
	if id, ok := p.defaultTokenAsset(); ok {
		components.SharedAsset = &proto.SharedAssetRef{ID: id, Type: assets.TypeImage}
	}
	p.host.Spawn(p.tick, sessionnet.HostID, components)
}

func (p *Peer) defaultTokenAsset() (uuid.UUID, bool) {
	if p.assets.Resolved(p.token) {
		return p.token, true
	}
	var err error
	if p.cfg.DefaultTokenImage != "" {
		p.token, _, err = p.assets.LoadShared(p.cfg.DefaultTokenImage)
	} else {
		p.token, _, err = p.assets.Share(builtinTokenImage())
	}
	if err != nil {
		p.cfg.Logger.Printf("[peer] default token image: %v", err)
		return uuid.Nil, false
	}
	return p.token, true
}

// builtinTokenImage is a white disc on a transparent background.
func builtinTokenImage() assets.Image {
	const size = 32
	img := assets.Image{Data: make([]byte, size*size*4), Width: size, Height: size, Format: assets.Rgba8UnormSrgb}
	center := float64(size-1) / 2
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			dx, dy := float64(x)-center, float64(y)-center
			if dx*dx+dy*dy > center*center {
				continue
			}
			i := (y*size + x) * 4
			copy(img.Data[i:i+4], []byte{255, 255, 255, 255})
		}
	}
	return img
}

func (p *Peer) stopHost(ctx context.Context) error {
	if err := p.machine.StopHost(ctx, p.tick); err != nil {
		return err
	}
	return p.closeHost()
}

// closeHost tears down every server and forgets the hosted world.
func (p *Peer) closeHost() error {
	if p.hosting == nil {
		return nil
	}
	var err error
	for _, server := range p.hosting.servers {
		err = multierr.Append(err, server.Close())
	}
	for _, client := range p.host.Connected() {
		p.assets.Abandon(client)
	}
	p.hosting = nil
	p.host.Reset()
	return err
}

func (p *Peer) pollHost(ctx context.Context) {
	if p.hosting == nil {
		return
	}
	for _, server := range p.hosting.servers {
		for _, event := range server.Poll() {
			p.handleHostEvent(ctx, server, event)
		}
	}
}

func (p *Peer) handleHostEvent(ctx context.Context, server sessionnet.Server, event sessionnet.Event) {
	switch event.Kind {
	case sessionnet.EventConnected:
		p.hosting.route[event.Client] = server
		p.clientJoined(ctx, event.Client)
	case sessionnet.EventDisconnected:
		p.clientLeft(ctx, event.Client, event.Reason)
		delete(p.hosting.route, event.Client)
	case sessionnet.EventMessage:
		msg, ok := p.hosting.intake.Accept(ctx, event.Client, event.Data)
		if !ok {
			return
		}
		p.handleClientMessage(ctx, msg)
	}
}

// clientJoined gives a new client its cursor and announces it.
func (p *Peer) clientJoined(ctx context.Context, client uint64) {
	p.host.AddClient(p.tick, client)
	p.host.Spawn(p.tick, client, proto.Components{
		Cursor: &proto.Cursor{Position: proto.Vec2{X: 0.5, Y: 0.5}},
		Owner:  &proto.Owner{},
	})
	loggingsession.ClientJoined(ctx, p.cfg.Publisher, p.tick, clientActor(client))
	p.relayChat(chat.Entry{Kind: chat.Connected, Client: client, Tick: p.tick})
}

// clientLeft retires everything the client owned within this tick.
func (p *Peer) clientLeft(ctx context.Context, client uint64, reason sessionnet.Reason) {
	if !p.host.HasClient(client) {
		return
	}
	p.host.RemoveClient(ctx, p.tick, client)
	p.hosting.intake.Forget(client)
	p.assets.Abandon(client)
	loggingsession.ClientLeft(ctx, p.cfg.Publisher, p.tick, clientActor(client), loggingsession.PresencePayload{Reason: reason.String()})
	p.relayChat(chat.Entry{Kind: chat.Disconnected, Client: client, Tick: p.tick})
}

// relayChat sends a log entry to every client. A host that does not play
// on its own table keeps the entry in its local log as well.
func (p *Peer) relayChat(entry chat.Entry) {
	p.broadcast(proto.KindChatEvent, entry.Event(), 0)
	if !p.connected() {
		p.chat.Append(entry)
	}
}

func (p *Peer) handleClientMessage(ctx context.Context, msg intake.Message) {
	env := msg.Envelope
	sender := msg.Sender
	switch env.Kind {
	case proto.KindHelloPlayer:
		hello, err := proto.DecodePayload[proto.HelloPlayer](env)
		if err != nil {
			p.rejectPayload(ctx, sender, env.Kind, err)
			return
		}
		record := sanitizePlayer(hello.Player)
		p.host.SetPlayer(sender, record)
		p.names[sender] = record.Name
	case proto.KindSendChat:
		line, err := proto.DecodePayload[proto.SendChat](env)
		if err != nil {
			p.rejectPayload(ctx, sender, env.Kind, err)
			return
		}
		if text, ok := chat.Clean(line.Text); ok {
			p.relayChat(chat.Entry{Kind: chat.Message, Client: sender, Text: text, Tick: p.tick})
		}
	case proto.KindMoveToken:
		move, err := proto.DecodePayload[proto.MoveToken](env)
		if err != nil {
			p.rejectPayload(ctx, sender, env.Kind, err)
			return
		}
		p.moveTokenAsHost(ctx, sender, move)
	case proto.KindUpdateAck:
		ack, err := proto.DecodePayload[proto.UpdateAck](env)
		if err != nil {
			p.rejectPayload(ctx, sender, env.Kind, err)
			return
		}
		p.host.Ack(ctx, p.tick, sender, ack.Tick)
	case proto.KindOwnedUpdates:
		owned, err := proto.DecodePayload[proto.OwnedUpdates](env)
		if err != nil {
			p.rejectPayload(ctx, sender, env.Kind, err)
			return
		}
		p.host.ApplyOwned(ctx, p.tick, sender, owned)
	case proto.KindRequestAsset:
		req, err := proto.DecodePayload[proto.RequestAsset](env)
		if err != nil {
			p.rejectPayload(ctx, sender, env.Kind, err)
			return
		}
		_ = p.assets.HandleRequest(ctx, p.tick, sender, req)
	case proto.KindAssetPayload:
		payload, err := proto.DecodePayload[proto.AssetPayload](env)
		if err != nil {
			p.rejectPayload(ctx, sender, env.Kind, err)
			return
		}
		_, _ = p.assets.HandlePayload(ctx, p.tick, sender, payload)
	}
}

// moveTokenAsHost applies a move and tells everyone else to drop the
// token from their selection.
func (p *Peer) moveTokenAsHost(ctx context.Context, sender uint64, move proto.MoveToken) {
	e, ok := p.host.MoveToken(ctx, p.tick, sender, move)
	if !ok {
		return
	}
	if sender != sessionnet.HostID {
		delete(p.hosting.selected, e)
	}
	p.broadcast(proto.KindDeselect, proto.Deselect{Entity: move.Entity}, sender)
}

func (p *Peer) rejectPayload(ctx context.Context, sender uint64, kind proto.Kind, err error) {
	p.cfg.Metrics.Add("peer_payload_rejected_total", 1)
	loggingnetwork.Rejected(ctx, p.cfg.Publisher, p.tick, clientActor(sender), loggingnetwork.RejectedPayload{
		Kind:   string(kind),
		Reason: err.Error(),
	})
}
