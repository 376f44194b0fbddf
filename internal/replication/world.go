package replication

import (
	"math"
	"sort"

	"tabletop/session/internal/net/proto"
)

// DefaultDecay is the fraction of the remaining distance left after one
// second of easing.
const DefaultDecay = 1e-9

// EaseFactor is the lerp weight for one presentation step of dt seconds:
// 1 - decay^dt. Out-of-range decays snap (<= 0) or freeze (>= 1).
func EaseFactor(decay, dt float64) float64 {
	switch {
	case dt <= 0:
		return 0
	case decay <= 0:
		return 1
	case decay >= 1:
		return 0
	}
	return 1 - math.Pow(decay, dt)
}

// Lerp moves from toward to by t in [0, 1].
func Lerp(from, to proto.Vec2, t float64) proto.Vec2 {
	t = math.Max(0, math.Min(1, t))
	return proto.Vec2{
		X: from.X + (to.X-from.X)*t,
		Y: from.Y + (to.Y-from.Y)*t,
	}
}

// Transform is local presentation state. It follows the authoritative
// position and is never written back to it.
type Transform struct {
	Position proto.Vec2
	Layer    float64
}

type record struct {
	netID      proto.NetID
	spawnTick  uint64
	components proto.Components
	changed    map[proto.ComponentKind]uint64
	transform  Transform
}

func (r *record) owner() (uint64, bool) {
	if r.components.Owner == nil {
		return 0, false
	}
	return r.components.Owner.Client, true
}

// target is the authoritative position the presentation eases toward.
func (r *record) target() (proto.Vec2, float64, bool) {
	switch {
	case r.components.Token != nil:
		return r.components.Token.Position, r.components.Token.Layer, true
	case r.components.Cursor != nil:
		return r.components.Cursor.Position, 0, true
	default:
		return proto.Vec2{}, 0, false
	}
}

func (r *record) snap() {
	if pos, layer, ok := r.target(); ok {
		r.transform = Transform{Position: pos, Layer: layer}
	}
}

// World stores replicated components by local handle. Host and mirror
// engines both keep one.
type World struct {
	arena   Arena
	ids     *EntityMap
	records map[Entity]*record
}

func NewWorld() *World {
	return &World{ids: NewEntityMap(), records: make(map[Entity]*record)}
}

// Spawn creates an entity bound to id. The presentation starts at the
// authoritative position.
func (w *World) Spawn(id proto.NetID, components proto.Components, tick uint64) Entity {
	e := w.arena.Spawn()
	rec := &record{
		netID:      id,
		spawnTick:  tick,
		components: components.Clone(),
		changed:    make(map[proto.ComponentKind]uint64),
	}
	for _, kind := range rec.components.Kinds() {
		rec.changed[kind] = tick
	}
	rec.snap()
	w.records[e] = rec
	w.ids.Insert(id, e)
	return e
}

// Despawn removes e and returns its network id.
func (w *World) Despawn(e Entity) (proto.NetID, bool) {
	rec, ok := w.records[e]
	if !ok {
		return 0, false
	}
	delete(w.records, e)
	w.ids.RemoveLocal(e)
	w.arena.Despawn(e)
	return rec.netID, true
}

// Set overlays components and returns the kinds whose value changed.
func (w *World) Set(e Entity, components proto.Components, tick uint64) []proto.ComponentKind {
	rec, ok := w.records[e]
	if !ok {
		return nil
	}
	var changed []proto.ComponentKind
	for _, kind := range components.Kinds() {
		if sameComponent(kind, rec.components, components) {
			continue
		}
		rec.components = rec.components.With(kind, components)
		rec.changed[kind] = tick
		changed = append(changed, kind)
	}
	return changed
}

func sameComponent(kind proto.ComponentKind, a, b proto.Components) bool {
	switch kind {
	case proto.ComponentToken:
		return a.Token != nil && b.Token != nil && *a.Token == *b.Token
	case proto.ComponentCursor:
		return a.Cursor != nil && b.Cursor != nil && *a.Cursor == *b.Cursor
	case proto.ComponentOwner:
		return a.Owner != nil && b.Owner != nil && *a.Owner == *b.Owner
	case proto.ComponentSharedAsset:
		return a.SharedAsset != nil && b.SharedAsset != nil && *a.SharedAsset == *b.SharedAsset
	case proto.ComponentName:
		return a.Name != nil && b.Name != nil && *a.Name == *b.Name
	default:
		return false
	}
}

// Components returns a copy of e's components.
func (w *World) Components(e Entity) (proto.Components, bool) {
	rec, ok := w.records[e]
	if !ok {
		return proto.Components{}, false
	}
	return rec.components.Clone(), true
}

// Owner returns the client that authors e, if the entity has an owner.
func (w *World) Owner(e Entity) (uint64, bool) {
	rec, ok := w.records[e]
	if !ok {
		return 0, false
	}
	return rec.owner()
}

func (w *World) Lookup(id proto.NetID) (Entity, bool) { return w.ids.Local(id) }

func (w *World) NetID(e Entity) (proto.NetID, bool) { return w.ids.Net(e) }

func (w *World) Alive(e Entity) bool { return w.arena.Alive(e) }

func (w *World) Len() int { return len(w.records) }

// Entities lists live handles ordered by network id.
func (w *World) Entities() []Entity {
	out := make([]Entity, 0, len(w.records))
	for e := range w.records {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return w.records[out[i]].netID < w.records[out[j]].netID })
	return out
}

// OwnedBy lists the entities whose Owner names client.
func (w *World) OwnedBy(client uint64) []Entity {
	var out []Entity
	for _, e := range w.Entities() {
		if owner, ok := w.records[e].owner(); ok && owner == client {
			out = append(out, e)
		}
	}
	return out
}

// Snapshot lists every entity with a copy of its components.
func (w *World) Snapshot() []proto.EntityComponents {
	entities := w.Entities()
	out := make([]proto.EntityComponents, 0, len(entities))
	for _, e := range entities {
		rec := w.records[e]
		out = append(out, proto.EntityComponents{NetID: rec.netID, Components: rec.components.Clone()})
	}
	return out
}

// Clear despawns everything.
func (w *World) Clear() {
	for e := range w.records {
		w.Despawn(e)
	}
}

// Snap moves e's presentation to its authoritative position.
func (w *World) Snap(e Entity) {
	if rec, ok := w.records[e]; ok {
		rec.snap()
	}
}

// Interpolate eases every presentation transform toward its authoritative
// position. Entities for which snap returns true jump instead.
func (w *World) Interpolate(dt, decay float64, snap func(Entity) bool) {
	t := EaseFactor(decay, dt)
	for e, rec := range w.records {
		pos, layer, ok := rec.target()
		if !ok {
			continue
		}
		if snap != nil && snap(e) {
			rec.transform = Transform{Position: pos, Layer: layer}
			continue
		}
		rec.transform.Position = Lerp(rec.transform.Position, pos, t)
		rec.transform.Layer = layer
	}
}

// EntityView is the presentation copy of one entity.
type EntityView struct {
	Entity     Entity           `json:"entity"`
	NetID      proto.NetID      `json:"netId"`
	Components proto.Components `json:"components"`
	Transform  Transform        `json:"transform"`
	Owned      bool             `json:"owned,omitempty"`
	Selected   bool             `json:"selected,omitempty"`
}

// Views copies every entity for presentation. local marks entities owned by
// that client.
func (w *World) Views(local uint64, selected map[Entity]struct{}) []EntityView {
	entities := w.Entities()
	out := make([]EntityView, 0, len(entities))
	for _, e := range entities {
		rec := w.records[e]
		view := EntityView{
			Entity:     e,
			NetID:      rec.netID,
			Components: rec.components.Clone(),
			Transform:  rec.transform,
		}
		if owner, ok := rec.owner(); ok && local != 0 && owner == local {
			view.Owned = true
		}
		if _, ok := selected[e]; ok {
			view.Selected = true
		}
		out = append(out, view)
	}
	return out
}
