package peer

import (
	"context"
	"net"
	"strconv"

	"tabletop/session/internal/channel"
	"tabletop/session/internal/chat"
	sessionnet "tabletop/session/internal/net"
	"tabletop/session/internal/net/intake"
	"tabletop/session/internal/net/proto"
	"tabletop/session/internal/net/token"
	"tabletop/session/internal/session"
	"tabletop/session/logging"
	loggingnetwork "tabletop/session/logging/network"
)

// connect resolves input and dials it. Joining this peer's own table goes
// through the in-process loopback.
func (p *Peer) connect(ctx context.Context, input string) error {
	addr, err := p.machine.Connect(ctx, p.tick, input)
	if err != nil {
		return err
	}
	transport := p.cfg.Transports.Client()
	target := addr
	if p.isOwnTable(addr) {
		transport = p.loopback.NewClient()
		target = loopbackAddr
	}
	p.joined = &clientSide{
		transport: transport,
		intake:    p.newIntake(proto.RoleHost),
		seq:       channel.NewSequencer(),
	}
	p.mirror.Reset(p.clientID)

	credential, err := token.Issue(p.cfg.Key, p.cfg.ProtocolID, p.clientID, p.cfg.Clock.Now(), p.cfg.TokenTTL)
	if err != nil {
		p.failConnect(ctx, err)
		return err
	}
	if err := transport.Dial(p.ctx, target, credential.Marshal()); err != nil {
		p.failConnect(ctx, err)
		return err
	}
	return nil
}

func (p *Peer) failConnect(ctx context.Context, err error) {
	p.cfg.Logger.Printf("[peer] connect: %v", err)
	p.machine.ConnectFailed(ctx, p.tick, sessionnet.ReasonFor(err))
	_ = p.closeClient()
}

// isOwnTable reports whether addr names the host this peer is running.
func (p *Peer) isOwnTable(addr string) bool {
	if p.hosting == nil {
		return false
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil || port != strconv.Itoa(p.cfg.DefaultPort) {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (p *Peer) disconnect(ctx context.Context) error {
	if err := p.machine.Disconnect(ctx, p.tick); err != nil {
		return err
	}
	return p.closeClient()
}

// closeClient drops the transport and everything mirrored from the host.
func (p *Peer) closeClient() error {
	if p.joined == nil {
		return nil
	}
	err := p.joined.transport.Close()
	p.joined = nil
	p.mirror.Reset(0)
	p.assets.Abandon(sessionnet.HostID)
	return err
}

func (p *Peer) pollClient(ctx context.Context) {
	if p.joined == nil {
		return
	}
	for _, event := range p.joined.transport.Poll() {
		if p.joined == nil {
			return
		}
		switch event.Kind {
		case sessionnet.EventConnected:
			p.machine.Connected(ctx, p.tick)
		case sessionnet.EventConnectFailed:
			p.machine.ConnectFailed(ctx, p.tick, event.Reason)
			_ = p.closeClient()
		case sessionnet.EventDisconnected:
			p.machine.Lost(ctx, p.tick, event.Reason)
			_ = p.closeClient()
		case sessionnet.EventMessage:
			if p.machine.Client() != session.ClientConnected {
				continue
			}
			msg, ok := p.joined.intake.Accept(ctx, sessionnet.HostID, event.Data)
			if !ok {
				continue
			}
			p.handleHostMessage(ctx, msg)
		}
	}
}

func (p *Peer) handleHostMessage(ctx context.Context, msg intake.Message) {
	env := msg.Envelope
	switch env.Kind {
	case proto.KindEntityActions:
		actions, err := proto.DecodePayload[proto.EntityActions](env)
		if err != nil {
			p.rejectHostPayload(ctx, env.Kind, err)
			return
		}
		for _, ref := range p.mirror.ApplyActions(ctx, p.tick, actions) {
			p.assets.Reference(ctx, p.tick, ref, sessionnet.HostID)
		}
	case proto.KindEntityUpdates:
		updates, err := proto.DecodePayload[proto.EntityUpdates](env)
		if err != nil {
			p.rejectHostPayload(ctx, env.Kind, err)
			return
		}
		p.mirror.ApplyUpdates(ctx, p.tick, updates)
	case proto.KindPlayerList:
		list, err := proto.DecodePayload[proto.PlayerList](env)
		if err != nil {
			p.rejectHostPayload(ctx, env.Kind, err)
			return
		}
		p.mirror.ApplyPlayerList(list)
		for id, record := range list.Upserts {
			p.names[id] = record.Name
		}
	case proto.KindConnectedClients:
		set, err := proto.DecodePayload[proto.ConnectedClients](env)
		if err != nil {
			p.rejectHostPayload(ctx, env.Kind, err)
			return
		}
		p.mirror.ApplyConnected(set)
	case proto.KindDeselect:
		deselect, err := proto.DecodePayload[proto.Deselect](env)
		if err != nil {
			p.rejectHostPayload(ctx, env.Kind, err)
			return
		}
		p.mirror.ApplyDeselect(ctx, p.tick, deselect)
	case proto.KindChatEvent:
		event, err := proto.DecodePayload[proto.ChatEvent](env)
		if err != nil {
			p.rejectHostPayload(ctx, env.Kind, err)
			return
		}
		p.chat.Append(chat.FromEvent(p.tick, event))
	case proto.KindRequestAsset:
		req, err := proto.DecodePayload[proto.RequestAsset](env)
		if err != nil {
			p.rejectHostPayload(ctx, env.Kind, err)
			return
		}
		_ = p.assets.HandleRequest(ctx, p.tick, sessionnet.HostID, req)
	case proto.KindAssetPayload:
		payload, err := proto.DecodePayload[proto.AssetPayload](env)
		if err != nil {
			p.rejectHostPayload(ctx, env.Kind, err)
			return
		}
		_, _ = p.assets.HandlePayload(ctx, p.tick, sessionnet.HostID, payload)
	}
}

func (p *Peer) rejectHostPayload(ctx context.Context, kind proto.Kind, err error) {
	p.cfg.Metrics.Add("peer_payload_rejected_total", 1)
	loggingnetwork.Rejected(ctx, p.cfg.Publisher, p.tick, logging.HostRef(), loggingnetwork.RejectedPayload{
		Kind:   string(kind),
		Reason: err.Error(),
	})
}
