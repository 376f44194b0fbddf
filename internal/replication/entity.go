// Package replication keeps the host's authoritative entities and
// resources and every client's mirror of them eventually consistent.
package replication

import (
	"fmt"

	"tabletop/session/internal/net/proto"
)

// Entity is a peer-local arena handle: the low 32 bits are the slot and
// the high 32 bits its generation. It never crosses the wire.
type Entity uint64

func newEntity(slot, generation uint32) Entity {
	return Entity(uint64(generation)<<32 | uint64(slot))
}

func (e Entity) Slot() uint32 { return uint32(e) }

func (e Entity) Generation() uint32 { return uint32(e >> 32) }

func (e Entity) String() string {
	return fmt.Sprintf("%dv%d", e.Slot(), e.Generation())
}

// Arena hands out entity handles and recycles slots. A recycled slot gets a
// new generation so stale handles stop resolving. The zero Entity is never
// issued.
type Arena struct {
	generations []uint32
	alive       []bool
	free        []uint32
	live        int
}

// Spawn allocates a handle.
func (a *Arena) Spawn() Entity {
	a.live++
	if n := len(a.free); n > 0 {
		slot := a.free[n-1]
		a.free = a.free[:n-1]
		a.generations[slot]++
		if a.generations[slot] == 0 {
			a.generations[slot] = 1
		}
		a.alive[slot] = true
		return newEntity(slot, a.generations[slot])
	}
	slot := uint32(len(a.generations))
	a.generations = append(a.generations, 1)
	a.alive = append(a.alive, true)
	return newEntity(slot, 1)
}

// Alive reports whether e is the current occupant of its slot.
func (a *Arena) Alive(e Entity) bool {
	slot := e.Slot()
	if int(slot) >= len(a.generations) {
		return false
	}
	return a.alive[slot] && a.generations[slot] == e.Generation()
}

// Despawn frees e. It reports false for stale or unknown handles.
func (a *Arena) Despawn(e Entity) bool {
	if !a.Alive(e) {
		return false
	}
	slot := e.Slot()
	a.alive[slot] = false
	a.free = append(a.free, slot)
	a.live--
	return true
}

// Len is the number of live entities.
func (a *Arena) Len() int { return a.live }

// EntityMap translates between network ids and local handles.
type EntityMap struct {
	toLocal map[proto.NetID]Entity
	toNet   map[Entity]proto.NetID
}

func NewEntityMap() *EntityMap {
	return &EntityMap{
		toLocal: make(map[proto.NetID]Entity),
		toNet:   make(map[Entity]proto.NetID),
	}
}

// Insert binds id to e, replacing any earlier binding of either side.
func (m *EntityMap) Insert(id proto.NetID, e Entity) {
	if old, ok := m.toLocal[id]; ok {
		delete(m.toNet, old)
	}
	if old, ok := m.toNet[e]; ok {
		delete(m.toLocal, old)
	}
	m.toLocal[id] = e
	m.toNet[e] = id
}

// Local resolves a network id on this peer.
func (m *EntityMap) Local(id proto.NetID) (Entity, bool) {
	e, ok := m.toLocal[id]
	return e, ok
}

// Net resolves a local handle to its network id.
func (m *EntityMap) Net(e Entity) (proto.NetID, bool) {
	id, ok := m.toNet[e]
	return id, ok
}

// RemoveLocal drops the binding of e.
func (m *EntityMap) RemoveLocal(e Entity) (proto.NetID, bool) {
	id, ok := m.toNet[e]
	if !ok {
		return 0, false
	}
	delete(m.toNet, e)
	delete(m.toLocal, id)
	return id, true
}

func (m *EntityMap) Len() int { return len(m.toLocal) }
