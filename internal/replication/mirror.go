package replication

import (
	"context"
	"errors"
	"sort"

	"tabletop/session/internal/net/proto"
	"tabletop/session/internal/telemetry"
	"tabletop/session/logging"
	loggingreplication "tabletop/session/logging/replication"
)

// DefaultOwnedRepeat is how many ticks a locally authored value is resent
// on the unreliable channel after it last changed.
const DefaultOwnedRepeat = 4

var (
	// ErrUnknownEntity is returned for handles the mirror does not hold.
	ErrUnknownEntity = errors.New("replication: unknown entity")
	// ErrNotOwner is returned when authoring an entity owned by someone else.
	ErrNotOwner = errors.New("replication: entity not owned by local client")
)

// MirrorConfig wires a client-side mirror.
type MirrorConfig struct {
	Registry    *proto.Registry
	Publisher   logging.Publisher
	Metrics     telemetry.Metrics
	Decay       float64
	OwnedRepeat uint64
}

// Mirror is a client's read-mostly copy of the host world. The local
// client authors only the full and interpolated components of entities it
// owns.
type Mirror struct {
	cfg       MirrorConfig
	world     *World
	local     uint64
	players   map[uint64]proto.PlayerRecord
	connected map[uint64]struct{}
	selected  map[Entity]struct{}

	lastUpdate  uint64
	ackPending  bool
	authoredAt  map[Entity]uint64
	lastSeenRef map[proto.NetID]proto.SharedAssetRef
}

func NewMirror(cfg MirrorConfig) *Mirror {
	if cfg.Registry == nil {
		cfg.Registry = proto.DefaultRegistry()
	}
	if cfg.Publisher == nil {
		cfg.Publisher = logging.NopPublisher()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.Nop()
	}
	if cfg.Decay == 0 {
		cfg.Decay = DefaultDecay
	}
	if cfg.OwnedRepeat == 0 {
		cfg.OwnedRepeat = DefaultOwnedRepeat
	}
	m := &Mirror{cfg: cfg}
	m.Reset(0)
	return m
}

// Reset drops all mirrored state and adopts a new local client id.
func (m *Mirror) Reset(local uint64) {
	if m.world == nil {
		m.world = NewWorld()
	} else {
		m.world.Clear()
	}
	m.local = local
	m.players = make(map[uint64]proto.PlayerRecord)
	m.connected = make(map[uint64]struct{})
	m.selected = make(map[Entity]struct{})
	m.authoredAt = make(map[Entity]uint64)
	m.lastSeenRef = make(map[proto.NetID]proto.SharedAssetRef)
	m.lastUpdate = 0
	m.ackPending = false
}

func (m *Mirror) World() *World { return m.world }

func (m *Mirror) Local() uint64 { return m.local }

// ownedLocally reports whether the local client authors e.
func (m *Mirror) ownedLocally(e Entity) bool {
	owner, ok := m.world.Owner(e)
	return ok && m.local != 0 && owner == m.local
}

func (m *Mirror) dropped(ctx context.Context, tick uint64, id proto.NetID, kind proto.Kind, reason string) {
	m.cfg.Metrics.Add(metricUpdatesDropped, 1)
	loggingreplication.UpdateDropped(ctx, m.cfg.Publisher, tick, logging.HostRef(), loggingreplication.DroppedPayload{
		NetID:  uint64(id),
		Kind:   string(kind),
		Reason: reason,
	})
}

// ApplyActions applies spawns, inserts and despawns. A keyframe replaces
// the world. It returns the shared asset references that appeared or
// changed so the caller can resolve them.
func (m *Mirror) ApplyActions(ctx context.Context, tick uint64, msg proto.EntityActions) []proto.SharedAssetRef {
	if msg.Keyframe {
		m.world.Clear()
		m.selected = make(map[Entity]struct{})
		m.authoredAt = make(map[Entity]uint64)
		m.lastSeenRef = make(map[proto.NetID]proto.SharedAssetRef)
		m.lastUpdate = 0
	}
	var refs []proto.SharedAssetRef
	note := func(id proto.NetID, components proto.Components) {
		if components.SharedAsset == nil {
			return
		}
		ref := *components.SharedAsset
		if prev, ok := m.lastSeenRef[id]; ok && prev == ref {
			return
		}
		m.lastSeenRef[id] = ref
		refs = append(refs, ref)
	}

	for _, spawn := range msg.Spawns {
		if e, exists := m.world.Lookup(spawn.NetID); exists {
			m.forget(e)
		}
		m.world.Spawn(spawn.NetID, spawn.Components, tick)
		note(spawn.NetID, spawn.Components)
	}
	for _, insert := range msg.Inserts {
		e, ok := m.world.Lookup(insert.NetID)
		if !ok {
			m.dropped(ctx, tick, insert.NetID, proto.KindEntityActions, DropUnknownEntity)
			continue
		}
		m.world.Set(e, insert.Components, tick)
		note(insert.NetID, insert.Components)
	}
	for _, id := range msg.Despawns {
		e, ok := m.world.Lookup(id)
		if !ok {
			m.dropped(ctx, tick, id, proto.KindEntityActions, DropUnknownEntity)
			continue
		}
		m.forget(e)
		delete(m.lastSeenRef, id)
	}
	return refs
}

func (m *Mirror) forget(e Entity) {
	delete(m.selected, e)
	delete(m.authoredAt, e)
	m.world.Despawn(e)
}

// ApplyUpdates stores authoritative values; presentation eases toward them
// in Interpolate. Entries for unknown entities are dropped and hold back
// the acknowledgement so the host resends them. Echoes of locally
// authored values are ignored.
func (m *Mirror) ApplyUpdates(ctx context.Context, tick uint64, msg proto.EntityUpdates) int {
	if msg.Tick <= m.lastUpdate {
		return 0
	}
	applied := 0
	complete := true
	for _, update := range msg.Updates {
		e, ok := m.world.Lookup(update.NetID)
		if !ok {
			m.dropped(ctx, tick, update.NetID, proto.KindEntityUpdates, DropUnknownEntity)
			complete = false
			continue
		}
		values := update.Components.Only(func(kind proto.ComponentKind) bool {
			return m.cfg.Registry.Strategy(kind) != proto.Once
		})
		if m.ownedLocally(e) {
			continue
		}
		m.world.Set(e, values, tick)
		applied++
	}
	if complete {
		m.lastUpdate = msg.Tick
		m.ackPending = true
	}
	return applied
}

// PendingAck returns the acknowledgement to send this tick, once.
func (m *Mirror) PendingAck() (proto.UpdateAck, bool) {
	if !m.ackPending {
		return proto.UpdateAck{}, false
	}
	m.ackPending = false
	return proto.UpdateAck{Tick: m.lastUpdate}, true
}

// ApplyPlayerList applies a player list diff.
func (m *Mirror) ApplyPlayerList(msg proto.PlayerList) {
	if msg.Full {
		m.players = make(map[uint64]proto.PlayerRecord, len(msg.Upserts))
	}
	for id, record := range msg.Upserts {
		m.players[id] = record
	}
	for _, id := range msg.Removed {
		delete(m.players, id)
	}
}

// ApplyConnected applies a connected set diff.
func (m *Mirror) ApplyConnected(msg proto.ConnectedClients) {
	if msg.Full {
		m.connected = make(map[uint64]struct{}, len(msg.Added))
	}
	for _, id := range msg.Added {
		m.connected[id] = struct{}{}
	}
	for _, id := range msg.Removed {
		delete(m.connected, id)
	}
}

// ApplyDeselect clears local selection named by the host.
func (m *Mirror) ApplyDeselect(ctx context.Context, tick uint64, msg proto.Deselect) {
	if msg.Everything {
		m.selected = make(map[Entity]struct{})
		return
	}
	e, ok := m.world.Lookup(msg.Entity)
	if !ok {
		m.dropped(ctx, tick, msg.Entity, proto.KindDeselect, DropUnknownEntity)
		return
	}
	delete(m.selected, e)
}

// Select marks e as picked up by the local user.
func (m *Mirror) Select(e Entity) error {
	if !m.world.Alive(e) {
		return ErrUnknownEntity
	}
	m.selected[e] = struct{}{}
	return nil
}

// Deselect drops the local selection of e, or of everything when e is zero.
func (m *Mirror) Deselect(e Entity) {
	if e == 0 {
		m.selected = make(map[Entity]struct{})
		return
	}
	delete(m.selected, e)
}

// Translate resolves a local handle for an outbound entity reference.
func (m *Mirror) Translate(e Entity) (proto.NetID, bool) {
	if !m.world.Alive(e) {
		return 0, false
	}
	return m.world.NetID(e)
}

// LocalCursor finds the cursor entity the host spawned for this client.
func (m *Mirror) LocalCursor() (Entity, bool) {
	for _, e := range m.world.OwnedBy(m.local) {
		if components, _ := m.world.Components(e); components.Cursor != nil {
			return e, true
		}
	}
	return 0, false
}

// Author writes locally owned values. Only full and interpolated
// components of entities this client owns are accepted.
func (m *Mirror) Author(tick uint64, e Entity, components proto.Components) error {
	if !m.world.Alive(e) {
		return ErrUnknownEntity
	}
	if !m.ownedLocally(e) {
		return ErrNotOwner
	}
	values := components.Only(func(kind proto.ComponentKind) bool {
		return m.cfg.Registry.Strategy(kind) != proto.Once
	})
	if len(m.world.Set(e, values, tick)) > 0 {
		m.authoredAt[e] = tick
	}
	return nil
}

// CollectOwned returns the locally authored values to send this tick.
// A value is repeated for a few ticks after its last change since the
// channel does not retransmit.
func (m *Mirror) CollectOwned(tick uint64) (proto.OwnedUpdates, bool) {
	out := proto.OwnedUpdates{Tick: tick}
	entities := make([]Entity, 0, len(m.authoredAt))
	for e := range m.authoredAt {
		entities = append(entities, e)
	}
	sort.Slice(entities, func(i, j int) bool { return entities[i] < entities[j] })
	for _, e := range entities {
		at := m.authoredAt[e]
		if tick >= at+m.cfg.OwnedRepeat {
			delete(m.authoredAt, e)
			continue
		}
		id, ok := m.world.NetID(e)
		if !ok {
			delete(m.authoredAt, e)
			continue
		}
		components, _ := m.world.Components(e)
		values := components.Only(func(kind proto.ComponentKind) bool {
			return m.cfg.Registry.Strategy(kind) != proto.Once
		})
		out.Updates = append(out.Updates, proto.EntityComponents{NetID: id, Components: values})
	}
	return out, len(out.Updates) > 0
}

// Interpolate eases mirrored presentation. Locally authored entities snap.
func (m *Mirror) Interpolate(dt float64) {
	m.world.Interpolate(dt, m.cfg.Decay, m.ownedLocally)
}

// Players copies the mirrored player list.
func (m *Mirror) Players() map[uint64]proto.PlayerRecord {
	out := make(map[uint64]proto.PlayerRecord, len(m.players))
	for id, record := range m.players {
		out[id] = record
	}
	return out
}

// Connected lists the mirrored connected set in ascending order.
func (m *Mirror) Connected() []uint64 {
	ids := make([]uint64, 0, len(m.connected))
	for id := range m.connected {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Views copies the mirrored entities for presentation.
func (m *Mirror) Views() []EntityView {
	return m.world.Views(m.local, m.selected)
}

// LastUpdate is the newest applied update tick.
func (m *Mirror) LastUpdate() uint64 { return m.lastUpdate }
