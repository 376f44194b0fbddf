// Package peer is one participant of a tabletop session. A peer can host,
// join a host, or both at once; everything it owns is advanced by Step on
// the tick goroutine.
package peer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	"tabletop/session/internal/assets"
	"tabletop/session/internal/channel"
	"tabletop/session/internal/chat"
	"tabletop/session/internal/journal"
	sessionnet "tabletop/session/internal/net"
	"tabletop/session/internal/net/intake"
	"tabletop/session/internal/net/memory"
	"tabletop/session/internal/net/proto"
	"tabletop/session/internal/net/token"
	"tabletop/session/internal/replication"
	"tabletop/session/internal/session"
	"tabletop/session/internal/sim"
	"tabletop/session/internal/telemetry"
	"tabletop/session/logging"
)

const (
	// MaxNameLength caps player names.
	MaxNameLength = 20
	// DefaultPlayerName is used until the user picks a name.
	DefaultPlayerName = "Player"
	// DefaultTokenName labels the token a host places on start.
	DefaultTokenName = "Token"
	// DefaultTokenLayer keeps the default token above the table.
	DefaultTokenLayer = 15

	loopbackAddr = "loopback"

	metricSendFailures = "peer_send_failures_total"
)

// DefaultColor is the initial player color.
var DefaultColor = proto.Color{255, 255, 255}

// Transports builds the network endpoints a session uses. Server is called
// on every StartHost and Client on every Connect.
type Transports struct {
	Server func(admission *sessionnet.Admission) sessionnet.Server
	Client func() sessionnet.Client
}

// Config wires a peer.
type Config struct {
	Registry   *proto.Registry
	Compress   bool
	Transports Transports
	Publisher  logging.Publisher
	Metrics    telemetry.Metrics
	Logger     telemetry.Logger
	Clock      clock.Clock
	Resolver   session.Resolver

	// ResolveTimeout caps the host name lookup of Connect.
	ResolveTimeout time.Duration

	DefaultPort int
	// Key and ProtocolID must match between host and clients.
	Key        token.Key
	ProtocolID uint64
	TokenTTL   time.Duration
	// ClientID identifies this peer when joining. Zero picks a random id.
	ClientID   uint64
	MaxClients int

	Player proto.PlayerRecord
	// DefaultTokenImage is the image file shown on the default token. A
	// built-in image is used when empty.
	DefaultTokenImage string

	Decay            float64
	KeyframeInterval uint64
	JournalCapacity  int
	AssetRetry       time.Duration
	// CommandCapacity bounds the commands staged between ticks. Every
	// CommandWarningStep staged commands OnQueueWarning fires; a refused
	// command reaches OnCommandDrop.
	CommandCapacity    int
	CommandWarningStep int
	OnCommandDrop      func(reason string, cmd sim.Command)
	OnQueueWarning     func(length int)
}

// hostSide holds what exists only while hosting.
type hostSide struct {
	admission *sessionnet.Admission
	servers   []sessionnet.Server
	route     map[uint64]sessionnet.Server
	intake    *intake.Intake
	seq       *channel.Sequencer
	selected  map[replication.Entity]struct{}
}

// clientSide holds what exists only while connecting or connected.
type clientSide struct {
	transport sessionnet.Client
	intake    *intake.Intake
	seq       *channel.Sequencer
}

// Peer owns the session machine, both replication engines, the asset
// service, the chat log and the transports.
type Peer struct {
	cfg      Config
	ctx      context.Context
	cancel   context.CancelFunc
	codec    *proto.Codec
	commands *sim.CommandBuffer
	loopback *memory.Network
	// lastTick mirrors tick for callers outside the tick goroutine.
	lastTick atomic.Uint64

	mu       sync.Mutex
	tick     uint64
	machine  *session.Machine
	host     *replication.Host
	mirror   *replication.Mirror
	assets   *assets.Service
	chat     chat.Log
	names    map[uint64]string
	player   proto.PlayerRecord
	clientID uint64
	token    uuid.UUID

	hosting *hostSide
	joined  *clientSide
}

// New builds an idle peer: client Disconnected, host Stopped.
func New(cfg Config) (*Peer, error) {
	if cfg.Registry == nil {
		cfg.Registry = proto.DefaultRegistry()
	}
	if cfg.Publisher == nil {
		cfg.Publisher = logging.NopPublisher()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.Nop()
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.LoggerFunc(func(string, ...any) {})
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.DefaultPort <= 0 {
		cfg.DefaultPort = sessionnet.DefaultPort
	}
	if cfg.ClientID == 0 {
		id := uuid.New()
		cfg.ClientID = binary.BigEndian.Uint64(id[:8]) | 1
	}
	if cfg.JournalCapacity <= 0 {
		cfg.JournalCapacity = 8
	}
	if cfg.CommandCapacity <= 0 {
		cfg.CommandCapacity = sim.DefaultLoopConfig().CommandCapacity
	}
	if cfg.Transports.Server == nil || cfg.Transports.Client == nil {
		return nil, errors.New("peer: transports are required")
	}

	codec, err := proto.NewCodec(cfg.Registry, proto.CodecOptions{Compress: cfg.Compress})
	if err != nil {
		return nil, fmt.Errorf("peer: %w", err)
	}
	service, err := assets.NewService(assets.Config{
		Publisher:     cfg.Publisher,
		Metrics:       cfg.Metrics,
		Clock:         cfg.Clock,
		RetryInterval: cfg.AssetRetry,
	})
	if err != nil {
		codec.Close()
		return nil, fmt.Errorf("peer: %w", err)
	}

	jr := journal.New(cfg.JournalCapacity, 0)
	jr.AttachTelemetry(cfg.Metrics)
	jr.SetClock(cfg.Clock.Now)

	ctx, cancel := context.WithCancel(context.Background())
	p := &Peer{
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		codec:    codec,
		commands: sim.NewCommandBuffer(cfg.CommandCapacity, cfg.Metrics),
		loopback: memory.NewNetwork(memory.Options{}),
		machine: session.New(session.Config{
			DefaultPort:    cfg.DefaultPort,
			Resolver:       cfg.Resolver,
			ResolveTimeout: cfg.ResolveTimeout,
			Publisher:      cfg.Publisher,
		}),
		host: replication.NewHost(replication.HostConfig{
			Registry:         cfg.Registry,
			Journal:          jr,
			Publisher:        cfg.Publisher,
			Metrics:          cfg.Metrics,
			KeyframeInterval: cfg.KeyframeInterval,
		}),
		mirror: replication.NewMirror(replication.MirrorConfig{
			Registry:  cfg.Registry,
			Publisher: cfg.Publisher,
			Metrics:   cfg.Metrics,
			Decay:     cfg.Decay,
		}),
		assets:   service,
		names:    make(map[uint64]string),
		clientID: cfg.ClientID,
	}
	p.player = sanitizePlayer(cfg.Player)
	return p, nil
}

// sanitizePlayer trims the name to MaxNameLength and fills defaults.
func sanitizePlayer(record proto.PlayerRecord) proto.PlayerRecord {
	if runes := []rune(record.Name); len(runes) > MaxNameLength {
		record.Name = string(runes[:MaxNameLength])
	}
	if record.Name == "" {
		record.Name = DefaultPlayerName
		if record.Color == (proto.Color{}) {
			record.Color = DefaultColor
		}
	}
	return record
}

// ClientID is the id this peer presents when joining.
func (p *Peer) ClientID() uint64 { return p.clientID }

// Step advances the peer by one tick: transport events, then commands and
// session changes, then replication, then asset traffic.
func (p *Peer) Step(tc sim.TickContext) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tick = tc.Tick
	p.lastTick.Store(tc.Tick)
	ctx := p.ctx

	p.pollHost(ctx)
	p.pollClient(ctx)

	for _, cmd := range p.commands.Drain() {
		p.apply(ctx, cmd)
	}
	if p.joined != nil && p.machine.TakeAnnounce() {
		p.sendToHost(proto.KindHelloPlayer, proto.HelloPlayer{Player: p.player})
	}

	p.replicate(ctx)
	p.flushAssets(ctx)
}

func (p *Peer) replicate(ctx context.Context) {
	if p.hosting != nil {
		for _, out := range p.host.Collect(ctx, p.tick) {
			p.sendToClient(out.Client, out.Kind, out.Message)
		}
	}
	if p.connected() {
		if owned, ok := p.mirror.CollectOwned(p.tick); ok {
			p.sendToHost(proto.KindOwnedUpdates, owned)
		}
		if ack, ok := p.mirror.PendingAck(); ok {
			p.sendToHost(proto.KindUpdateAck, ack)
		}
	}
}

func (p *Peer) flushAssets(ctx context.Context) {
	for _, out := range p.assets.Flush(ctx, p.tick) {
		if out.To == sessionnet.HostID {
			if p.connected() {
				p.sendToHost(out.Kind, out.Message)
			}
			continue
		}
		if p.hosting != nil {
			p.sendToClient(out.To, out.Kind, out.Message)
		}
	}
}

func (p *Peer) connected() bool {
	return p.joined != nil && p.machine.Client() == session.ClientConnected
}

func (p *Peer) encode(kind proto.Kind, role proto.Role, seq *channel.Sequencer, msg any) ([]byte, channel.Mode, bool) {
	registry := p.codec.Registry()
	if !registry.CanSend(kind, role) {
		panic(fmt.Sprintf("peer: %s may not send %s", roleName(role), kind))
	}
	spec := registry.MustSpec(kind)
	data, err := p.codec.Encode(kind, seq.Next(spec.Channel.Name), p.tick, msg)
	if err != nil {
		p.cfg.Logger.Printf("[peer] encode %s: %v", kind, err)
		return nil, 0, false
	}
	return data, spec.Channel.Mode, true
}

func roleName(role proto.Role) string {
	if role == proto.RoleHost {
		return "host"
	}
	return "client"
}

func (p *Peer) sendToClient(client uint64, kind proto.Kind, msg any) {
	if p.hosting == nil {
		return
	}
	server, ok := p.hosting.route[client]
	if !ok {
		return
	}
	data, mode, ok := p.encode(kind, proto.RoleHost, p.hosting.seq, msg)
	if !ok {
		return
	}
	if err := server.Send(client, mode, data); err != nil {
		p.cfg.Metrics.Add(metricSendFailures, 1)
		p.cfg.Logger.Printf("[peer] send %s to client %d: %v", kind, client, err)
	}
}

// broadcast sends msg to every connected client except skip.
func (p *Peer) broadcast(kind proto.Kind, msg any, skip uint64) {
	if p.hosting == nil {
		return
	}
	for _, client := range p.host.Connected() {
		if client != skip {
			p.sendToClient(client, kind, msg)
		}
	}
}

func (p *Peer) sendToHost(kind proto.Kind, msg any) {
	if p.joined == nil {
		return
	}
	data, mode, ok := p.encode(kind, proto.RoleClient, p.joined.seq, msg)
	if !ok {
		return
	}
	if err := p.joined.transport.Send(mode, data); err != nil {
		p.cfg.Metrics.Add(metricSendFailures, 1)
		p.cfg.Logger.Printf("[peer] send %s to host: %v", kind, err)
	}
}

func (p *Peer) newIntake(remote proto.Role) *intake.Intake {
	return intake.New(intake.Config{
		Codec:     p.codec,
		Remote:    remote,
		Publisher: p.cfg.Publisher,
		Metrics:   p.cfg.Metrics,
		Tick:      func() uint64 { return p.tick },
	})
}

// Present eases entity presentation by dt seconds.
func (p *Peer) Present(dt float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connected() {
		p.mirror.Interpolate(dt)
		return
	}
	if p.hosting != nil {
		p.host.Interpolate(dt, p.cfg.Decay)
	}
}

// Close ends the session and releases the transports.
func (p *Peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancel()
	err := multierr.Combine(p.closeClient(), p.closeHost())
	p.codec.Close()
	return err
}
