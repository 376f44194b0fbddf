package replication

import (
	"context"
	"sort"
	"strconv"

	"tabletop/session/internal/journal"
	"tabletop/session/internal/net/proto"
	"tabletop/session/internal/telemetry"
	"tabletop/session/logging"
	loggingnetwork "tabletop/session/logging/network"
	loggingreplication "tabletop/session/logging/replication"
)

// Drop reasons reported when an inbound change cannot be applied.
const (
	DropUnknownEntity = "unknown_entity"
	DropOwnerMismatch = "owner_mismatch"
	DropNotAuthorable = "not_authorable"
	DropNotToken      = "not_token"
)

const (
	metricUpdatesDropped   = "replication_updates_dropped_total"
	metricEntitiesRetired  = "replication_entities_retired_total"
	metricKeyframesSent    = "replication_keyframes_sent_total"
	metricHostEntities     = "replication_host_entities"
	metricConnectedClients = "replication_connected_clients"
)

// Outbound is one message the host engine wants delivered to a client.
type Outbound struct {
	Client  uint64
	Kind    proto.Kind
	Message any
}

// HostConfig wires the host engine.
type HostConfig struct {
	Registry  *proto.Registry
	Journal   *journal.Journal
	Publisher logging.Publisher
	Metrics   telemetry.Metrics
	// KeyframeInterval records a diagnostic keyframe every n ticks when
	// positive. Joins always record one.
	KeyframeInterval uint64
}

type clientView struct {
	ack           uint64
	baseline      uint64
	needsKeyframe bool
	players       map[uint64]proto.PlayerRecord
	connected     map[uint64]struct{}
}

// Host is the authoritative side. It is owned by the tick.
type Host struct {
	cfg     HostConfig
	world   *World
	nextNet proto.NetID
	clients map[uint64]*clientView
	players map[uint64]proto.PlayerRecord
}

func NewHost(cfg HostConfig) *Host {
	if cfg.Registry == nil {
		cfg.Registry = proto.DefaultRegistry()
	}
	if cfg.Journal == nil {
		cfg.Journal = journal.New(8, 0)
	}
	if cfg.Publisher == nil {
		cfg.Publisher = logging.NopPublisher()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.Nop()
	}
	return &Host{
		cfg:     cfg,
		world:   NewWorld(),
		clients: make(map[uint64]*clientView),
		players: make(map[uint64]proto.PlayerRecord),
	}
}

func clientRef(id uint64) logging.EntityRef {
	return logging.ClientRef(strconv.FormatUint(id, 10))
}

// World exposes the authoritative world for presentation.
func (h *Host) World() *World { return h.world }

// Journal exposes the patch buffer and keyframe ring.
func (h *Host) Journal() *journal.Journal { return h.cfg.Journal }

// Spawn creates an entity and assigns its network id. When the components
// carry an Owner it is overwritten with owner, the client id the host
// knows as the author.
func (h *Host) Spawn(tick uint64, owner uint64, components proto.Components) (Entity, proto.NetID) {
	components = components.Clone()
	if components.Owner != nil {
		components.Owner.Client = owner
	}
	h.nextNet++
	id := h.nextNet
	e := h.world.Spawn(id, components, tick)
	h.cfg.Journal.AppendPatch(journal.Patch{Kind: journal.PatchSpawn, Tick: tick, NetID: id, Components: components})
	h.cfg.Metrics.Store(metricHostEntities, uint64(h.world.Len()))
	return e, id
}

// Despawn removes an entity. Receivers that never saw it are not told.
func (h *Host) Despawn(tick uint64, e Entity) bool {
	id, ok := h.world.Despawn(e)
	if !ok {
		return false
	}
	if !h.cfg.Journal.PurgeEntity(id) {
		h.cfg.Journal.AppendPatch(journal.Patch{Kind: journal.PatchDespawn, Tick: tick, NetID: id})
	}
	h.cfg.Metrics.Store(metricHostEntities, uint64(h.world.Len()))
	return true
}

// Set changes components. Once-strategy changes travel as inserts on the
// reliable actions channel; the rest are picked up by the update diff.
func (h *Host) Set(tick uint64, e Entity, components proto.Components) []proto.ComponentKind {
	changed := h.world.Set(e, components, tick)
	var once proto.Components
	for _, kind := range changed {
		if h.cfg.Registry.Strategy(kind) == proto.Once {
			once = once.With(kind, components)
		}
	}
	if !once.Empty() {
		id, _ := h.world.NetID(e)
		h.cfg.Journal.AppendPatch(journal.Patch{Kind: journal.PatchComponent, Tick: tick, NetID: id, Components: once})
	}
	return changed
}

// AddClient registers a connected client. Its first snapshot is a
// keyframe of the whole world.
func (h *Host) AddClient(tick uint64, client uint64) {
	if _, ok := h.clients[client]; ok {
		return
	}
	h.clients[client] = &clientView{needsKeyframe: true}
	h.cfg.Metrics.Store(metricConnectedClients, uint64(len(h.clients)))
}

// RemoveClient retires a departed client: every entity it owns is
// despawned and it leaves the connected set and the player list, all
// within the calling tick.
func (h *Host) RemoveClient(ctx context.Context, tick uint64, client uint64) []proto.NetID {
	delete(h.clients, client)
	delete(h.players, client)
	var retired []proto.NetID
	for _, e := range h.world.OwnedBy(client) {
		if id, ok := h.world.NetID(e); ok && h.Despawn(tick, e) {
			retired = append(retired, id)
		}
	}
	h.cfg.Metrics.Store(metricConnectedClients, uint64(len(h.clients)))
	if len(retired) > 0 {
		h.cfg.Metrics.Add(metricEntitiesRetired, uint64(len(retired)))
		ids := make([]uint64, len(retired))
		for i, id := range retired {
			ids[i] = uint64(id)
		}
		loggingreplication.EntitiesRetired(ctx, h.cfg.Publisher, tick, clientRef(client), loggingreplication.RetiredPayload{NetIDs: ids})
	}
	return retired
}

// Connected lists connected client ids in ascending order.
func (h *Host) Connected() []uint64 {
	ids := make([]uint64, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// HasClient reports whether client is connected.
func (h *Host) HasClient(client uint64) bool {
	_, ok := h.clients[client]
	return ok
}

// SetPlayer upserts a player record.
func (h *Host) SetPlayer(client uint64, record proto.PlayerRecord) {
	h.players[client] = record
}

// Players copies the player list.
func (h *Host) Players() map[uint64]proto.PlayerRecord {
	out := make(map[uint64]proto.PlayerRecord, len(h.players))
	for id, record := range h.players {
		out[id] = record
	}
	return out
}

// Ack records the newest update tick a client applied. Older or repeated
// acknowledgements are ignored.
func (h *Host) Ack(ctx context.Context, tick uint64, client uint64, ack uint64) bool {
	view, ok := h.clients[client]
	if !ok {
		return false
	}
	payload := loggingnetwork.AckPayload{Previous: view.ack, Ack: ack}
	if ack > tick {
		loggingnetwork.AckRegression(ctx, h.cfg.Publisher, tick, clientRef(client), payload, map[string]any{"reason": "future"})
		return false
	}
	if ack <= view.ack {
		if ack < view.ack {
			loggingnetwork.AckRegression(ctx, h.cfg.Publisher, tick, clientRef(client), payload, nil)
		}
		return false
	}
	view.ack = ack
	loggingnetwork.AckAdvanced(ctx, h.cfg.Publisher, tick, clientRef(client), payload, nil)
	return true
}

// Acked returns the newest acknowledged tick of client.
func (h *Host) Acked(client uint64) uint64 {
	if view, ok := h.clients[client]; ok {
		return view.ack
	}
	return 0
}

// authorable reports whether the owner of an entity writes kind itself.
func (h *Host) authorable(kind proto.ComponentKind) bool {
	return h.cfg.Registry.Strategy(kind) != proto.Once
}

func (h *Host) dropped(ctx context.Context, tick uint64, sender uint64, id proto.NetID, kind proto.Kind, reason string) {
	h.cfg.Metrics.Add(metricUpdatesDropped, 1)
	loggingreplication.UpdateDropped(ctx, h.cfg.Publisher, tick, clientRef(sender), loggingreplication.DroppedPayload{
		NetID:  uint64(id),
		Kind:   string(kind),
		Reason: reason,
	})
}

// ApplyOwned applies client-authored values. An entry is accepted only
// when the stored owner equals the transport sender; the rest of the
// packet is still processed.
func (h *Host) ApplyOwned(ctx context.Context, tick uint64, sender uint64, msg proto.OwnedUpdates) int {
	applied := 0
	for _, update := range msg.Updates {
		e, ok := h.world.Lookup(update.NetID)
		if !ok {
			h.dropped(ctx, tick, sender, update.NetID, proto.KindOwnedUpdates, DropUnknownEntity)
			continue
		}
		owner, owned := h.world.Owner(e)
		if !owned || owner != sender {
			h.dropped(ctx, tick, sender, update.NetID, proto.KindOwnedUpdates, DropOwnerMismatch)
			continue
		}
		// An owner may rewrite its entity's components but never add new ones.
		stored, _ := h.world.Components(e)
		values := update.Components.Only(func(kind proto.ComponentKind) bool {
			return stored.Has(kind) && h.authorable(kind)
		})
		if values.Empty() {
			h.dropped(ctx, tick, sender, update.NetID, proto.KindOwnedUpdates, DropNotAuthorable)
			continue
		}
		h.Set(tick, e, values)
		applied++
	}
	return applied
}

// MoveToken moves a token on behalf of sender. It returns the entity so
// the caller can tell other clients to drop their selection.
func (h *Host) MoveToken(ctx context.Context, tick uint64, sender uint64, msg proto.MoveToken) (Entity, bool) {
	e, ok := h.world.Lookup(msg.Entity)
	if !ok {
		h.dropped(ctx, tick, sender, msg.Entity, proto.KindMoveToken, DropUnknownEntity)
		return 0, false
	}
	components, _ := h.world.Components(e)
	if components.Token == nil {
		h.dropped(ctx, tick, sender, msg.Entity, proto.KindMoveToken, DropNotToken)
		return 0, false
	}
	token := *components.Token
	token.Position = msg.Position
	h.Set(tick, e, proto.Components{Token: &token})
	return e, true
}

// Collect drains the tick's patches and builds every client's packets:
// a keyframe or the shared actions, resource diffs and the update diff
// since the client's last acknowledgement.
func (h *Host) Collect(ctx context.Context, tick uint64) []Outbound {
	actions := h.sharedActions(tick, h.cfg.Journal.DrainPatches())

	var keyframe *journal.Keyframe
	needKeyframe := h.cfg.KeyframeInterval > 0 && tick%h.cfg.KeyframeInterval == 0
	for _, view := range h.clients {
		if view.needsKeyframe {
			needKeyframe = true
			break
		}
	}
	if needKeyframe {
		frame := journal.Keyframe{
			Tick:     tick,
			Entities: h.world.Snapshot(),
			Players:  h.Players(),
			Clients:  h.Connected(),
		}
		result := h.cfg.Journal.RecordKeyframe(frame)
		frame.Sequence = result.Sequence
		keyframe = &frame
	}

	var out []Outbound
	for _, client := range h.Connected() {
		view := h.clients[client]
		if view.needsKeyframe {
			out = append(out, Outbound{Client: client, Kind: proto.KindEntityActions, Message: proto.EntityActions{
				Tick:     tick,
				Spawns:   keyframe.Entities,
				Keyframe: true,
			}})
			view.needsKeyframe = false
			view.baseline = tick
			h.cfg.Metrics.Add(metricKeyframesSent, 1)
			loggingreplication.KeyframeSent(ctx, h.cfg.Publisher, tick, clientRef(client), loggingreplication.KeyframePayload{
				Sequence: keyframe.Sequence,
				Entities: len(keyframe.Entities),
			})
		} else if !actions.Empty() {
			out = append(out, Outbound{Client: client, Kind: proto.KindEntityActions, Message: actions})
		}
		if list, ok := h.playerDiff(view); ok {
			out = append(out, Outbound{Client: client, Kind: proto.KindPlayerList, Message: list})
		}
		if set, ok := h.connectedDiff(view); ok {
			out = append(out, Outbound{Client: client, Kind: proto.KindConnectedClients, Message: set})
		}
		if updates, ok := h.updatesFor(client, view, tick); ok {
			out = append(out, Outbound{Client: client, Kind: proto.KindEntityUpdates, Message: updates})
		}
	}
	return out
}

// sharedActions folds the drained patches into one packet every
// non-bootstrapping client receives. Spawns carry the entity's current
// components.
func (h *Host) sharedActions(tick uint64, patches []journal.Patch) proto.EntityActions {
	actions := proto.EntityActions{Tick: tick}
	spawned := make(map[proto.NetID]bool)
	inserts := make(map[proto.NetID]proto.Components)
	var insertOrder []proto.NetID
	for _, patch := range patches {
		switch patch.Kind {
		case journal.PatchSpawn:
			e, ok := h.world.Lookup(patch.NetID)
			if !ok {
				continue
			}
			components, _ := h.world.Components(e)
			actions.Spawns = append(actions.Spawns, proto.EntityComponents{NetID: patch.NetID, Components: components})
			spawned[patch.NetID] = true
		case journal.PatchComponent:
			if spawned[patch.NetID] {
				continue
			}
			if _, ok := inserts[patch.NetID]; !ok {
				insertOrder = append(insertOrder, patch.NetID)
			}
			inserts[patch.NetID] = inserts[patch.NetID].Merge(patch.Components)
		case journal.PatchDespawn:
			actions.Despawns = append(actions.Despawns, patch.NetID)
			delete(inserts, patch.NetID)
		}
	}
	for _, id := range insertOrder {
		if components, ok := inserts[id]; ok {
			actions.Inserts = append(actions.Inserts, proto.EntityComponents{NetID: id, Components: components})
		}
	}
	return actions
}

func (h *Host) playerDiff(view *clientView) (proto.PlayerList, bool) {
	if view.players == nil {
		view.players = h.Players()
		return proto.PlayerList{Full: true, Upserts: h.Players()}, true
	}
	var list proto.PlayerList
	for id, record := range h.players {
		if sent, ok := view.players[id]; ok && sent == record {
			continue
		}
		if list.Upserts == nil {
			list.Upserts = make(map[uint64]proto.PlayerRecord)
		}
		list.Upserts[id] = record
		view.players[id] = record
	}
	for id := range view.players {
		if _, ok := h.players[id]; !ok {
			list.Removed = append(list.Removed, id)
			delete(view.players, id)
		}
	}
	sort.Slice(list.Removed, func(i, j int) bool { return list.Removed[i] < list.Removed[j] })
	return list, len(list.Upserts) > 0 || len(list.Removed) > 0
}

func (h *Host) connectedDiff(view *clientView) (proto.ConnectedClients, bool) {
	current := h.Connected()
	if view.connected == nil {
		view.connected = make(map[uint64]struct{}, len(current))
		for _, id := range current {
			view.connected[id] = struct{}{}
		}
		return proto.ConnectedClients{Full: true, Added: current}, true
	}
	var set proto.ConnectedClients
	for _, id := range current {
		if _, ok := view.connected[id]; !ok {
			set.Added = append(set.Added, id)
			view.connected[id] = struct{}{}
		}
	}
	for id := range view.connected {
		if _, ok := h.clients[id]; !ok {
			set.Removed = append(set.Removed, id)
			delete(view.connected, id)
		}
	}
	sort.Slice(set.Removed, func(i, j int) bool { return set.Removed[i] < set.Removed[j] })
	return set, len(set.Added) > 0 || len(set.Removed) > 0
}

// updatesFor collects full and interpolated components changed after the
// client's acknowledged tick. Values a client authors itself are not
// echoed back, and values set at spawn ride on the spawn.
func (h *Host) updatesFor(client uint64, view *clientView, tick uint64) (proto.EntityUpdates, bool) {
	since := max(view.ack, view.baseline)
	updates := proto.EntityUpdates{Tick: tick}
	for _, e := range h.world.Entities() {
		rec := h.world.records[e]
		owner, owned := rec.owner()
		ownedByClient := owned && owner == client
		var values proto.Components
		for _, kind := range rec.components.Kinds() {
			if h.cfg.Registry.Strategy(kind) == proto.Once {
				continue
			}
			changed := rec.changed[kind]
			if changed <= since || changed == rec.spawnTick {
				continue
			}
			if ownedByClient {
				continue
			}
			values = values.With(kind, rec.components)
		}
		if !values.Empty() {
			updates.Updates = append(updates.Updates, proto.EntityComponents{NetID: rec.netID, Components: values})
		}
	}
	return updates, len(updates.Updates) > 0
}

// Interpolate eases the host's own presentation of its entities.
func (h *Host) Interpolate(dt, decay float64) {
	if decay == 0 {
		decay = DefaultDecay
	}
	h.world.Interpolate(dt, decay, nil)
}

// Reset clears the world and every client view, e.g. when hosting stops.
func (h *Host) Reset() {
	h.world.Clear()
	h.cfg.Journal.DrainPatches()
	h.clients = make(map[uint64]*clientView)
	h.players = make(map[uint64]proto.PlayerRecord)
	h.cfg.Metrics.Store(metricHostEntities, 0)
	h.cfg.Metrics.Store(metricConnectedClients, 0)
}
