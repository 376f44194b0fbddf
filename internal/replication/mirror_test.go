package replication

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"tabletop/session/internal/net/proto"
	loggingreplication "tabletop/session/logging/replication"
	"tabletop/session/logging/sinks"
)

func newTestMirror(local uint64) (*Mirror, *sinks.Memory) {
	sink := sinks.NewMemory()
	m := NewMirror(MirrorConfig{Publisher: sink})
	m.Reset(local)
	return m, sink
}

func TestMirrorKeyframeReplacesWorld(t *testing.T) {
	m, _ := newTestMirror(7)
	ctx := context.Background()
	m.ApplyActions(ctx, 1, proto.EntityActions{Tick: 1, Spawns: []proto.EntityComponents{
		{NetID: 1, Components: proto.Components{Name: &proto.Name{Text: "old"}}},
	}})
	m.ApplyActions(ctx, 2, proto.EntityActions{Tick: 2, Keyframe: true, Spawns: []proto.EntityComponents{
		{NetID: 5, Components: proto.Components{Name: &proto.Name{Text: "new"}}},
	}})
	if m.World().Len() != 1 {
		t.Fatalf("expected keyframe to replace the world, got %d entities", m.World().Len())
	}
	if _, ok := m.World().Lookup(5); !ok {
		t.Fatalf("expected entity 5 after keyframe")
	}
}

func TestMirrorReportsNewAssetReferences(t *testing.T) {
	m, _ := newTestMirror(7)
	ctx := context.Background()
	ref := proto.SharedAssetRef{ID: uuid.New(), Type: "image"}
	refs := m.ApplyActions(ctx, 1, proto.EntityActions{Tick: 1, Spawns: []proto.EntityComponents{
		{NetID: 1, Components: proto.Components{SharedAsset: &ref}},
	}})
	if len(refs) != 1 || refs[0] != ref {
		t.Fatalf("expected the new reference, got %v", refs)
	}
	refs = m.ApplyActions(ctx, 2, proto.EntityActions{Tick: 2, Inserts: []proto.EntityComponents{
		{NetID: 1, Components: proto.Components{SharedAsset: &ref}},
	}})
	if len(refs) != 0 {
		t.Fatalf("expected an unchanged reference to be quiet, got %v", refs)
	}
}

func TestMirrorWithholdsAckForUnknownEntities(t *testing.T) {
	m, sink := newTestMirror(7)
	ctx := context.Background()

	applied := m.ApplyUpdates(ctx, 3, proto.EntityUpdates{Tick: 3, Updates: []proto.EntityComponents{
		{NetID: 9, Components: proto.Components{Token: &proto.Token{}}},
	}})
	if applied != 0 {
		t.Fatalf("expected nothing applied")
	}
	if _, ok := m.PendingAck(); ok {
		t.Fatalf("expected no acknowledgement while an entity is missing")
	}
	if len(sink.OfType(loggingreplication.EventUpdateDropped)) != 1 {
		t.Fatalf("expected a drop event")
	}

	m.ApplyActions(ctx, 4, proto.EntityActions{Tick: 4, Spawns: []proto.EntityComponents{
		{NetID: 9, Components: proto.Components{Token: &proto.Token{}}},
	}})
	applied = m.ApplyUpdates(ctx, 4, proto.EntityUpdates{Tick: 4, Updates: []proto.EntityComponents{
		{NetID: 9, Components: proto.Components{Token: &proto.Token{Position: proto.Vec2{X: 1}}}},
	}})
	if applied != 1 {
		t.Fatalf("expected the update to apply once the entity exists")
	}
	ack, ok := m.PendingAck()
	if !ok || ack.Tick != 4 {
		t.Fatalf("expected ack for tick 4, got %+v %v", ack, ok)
	}
	if _, ok := m.PendingAck(); ok {
		t.Fatalf("expected the ack to be sent once")
	}
	if applied := m.ApplyUpdates(ctx, 5, proto.EntityUpdates{Tick: 4}); applied != 0 || m.LastUpdate() != 4 {
		t.Fatalf("expected stale updates to be ignored")
	}
}

func TestMirrorIgnoresEchoOfOwnedEntities(t *testing.T) {
	m, _ := newTestMirror(7)
	ctx := context.Background()
	m.ApplyActions(ctx, 1, proto.EntityActions{Tick: 1, Spawns: []proto.EntityComponents{
		{NetID: 2, Components: cursorOwnedBy(7, 0, 0)},
	}})
	cursor, ok := m.LocalCursor()
	if !ok {
		t.Fatalf("expected a local cursor")
	}
	if err := m.Author(2, cursor, proto.Components{Cursor: &proto.Cursor{Position: proto.Vec2{X: 4, Y: 4}}}); err != nil {
		t.Fatalf("author: %v", err)
	}
	m.ApplyUpdates(ctx, 2, proto.EntityUpdates{Tick: 2, Updates: []proto.EntityComponents{
		{NetID: 2, Components: cursorOwnedBy(7, 1, 1)},
	}})
	components, _ := m.World().Components(cursor)
	if components.Cursor.Position != (proto.Vec2{X: 4, Y: 4}) {
		t.Fatalf("expected the local value to win, got %+v", components.Cursor)
	}
}

func cursorOwnedBy(client uint64, x, y float64) proto.Components {
	return proto.Components{
		Cursor: &proto.Cursor{Position: proto.Vec2{X: x, Y: y}},
		Owner:  &proto.Owner{Client: client},
	}
}

func TestMirrorAuthorRejectsForeignEntities(t *testing.T) {
	m, _ := newTestMirror(7)
	ctx := context.Background()
	m.ApplyActions(ctx, 1, proto.EntityActions{Tick: 1, Spawns: []proto.EntityComponents{
		{NetID: 2, Components: cursorOwnedBy(8, 0, 0)},
	}})
	e, _ := m.World().Lookup(2)
	if err := m.Author(2, e, cursorOwnedBy(8, 1, 1)); err != ErrNotOwner {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if err := m.Author(2, Entity(999), cursorOwnedBy(7, 1, 1)); err != ErrUnknownEntity {
		t.Fatalf("expected ErrUnknownEntity, got %v", err)
	}
}

func TestCollectOwnedRepeatsRecentChanges(t *testing.T) {
	m, _ := newTestMirror(7)
	ctx := context.Background()
	m.ApplyActions(ctx, 1, proto.EntityActions{Tick: 1, Spawns: []proto.EntityComponents{
		{NetID: 2, Components: cursorOwnedBy(7, 0, 0)},
	}})
	if _, ok := m.CollectOwned(1); ok {
		t.Fatalf("expected nothing to send before authoring")
	}
	cursor, _ := m.LocalCursor()
	if err := m.Author(10, cursor, proto.Components{
		Cursor: &proto.Cursor{Position: proto.Vec2{X: 1, Y: 2}},
		Owner:  &proto.Owner{Client: 99},
	}); err != nil {
		t.Fatalf("author: %v", err)
	}
	for tick := uint64(10); tick < 10+DefaultOwnedRepeat; tick++ {
		out, ok := m.CollectOwned(tick)
		if !ok || len(out.Updates) != 1 {
			t.Fatalf("expected a repeat at tick %d", tick)
		}
		if out.Updates[0].NetID != 2 || out.Updates[0].Components.Owner != nil {
			t.Fatalf("expected only authorable values, got %+v", out.Updates[0])
		}
	}
	if _, ok := m.CollectOwned(10 + DefaultOwnedRepeat); ok {
		t.Fatalf("expected repeats to stop")
	}
	owner, _ := m.World().Owner(cursor)
	if owner != 7 {
		t.Fatalf("expected ownership untouched by authoring, got %d", owner)
	}
}

func TestApplyDeselectTranslatesEntity(t *testing.T) {
	m, sink := newTestMirror(7)
	ctx := context.Background()
	m.ApplyActions(ctx, 1, proto.EntityActions{Tick: 1, Spawns: []proto.EntityComponents{
		{NetID: 3, Components: proto.Components{Token: &proto.Token{}}},
		{NetID: 4, Components: proto.Components{Token: &proto.Token{}}},
	}})
	a, _ := m.World().Lookup(3)
	b, _ := m.World().Lookup(4)
	if err := m.Select(a); err != nil {
		t.Fatalf("select: %v", err)
	}
	if err := m.Select(b); err != nil {
		t.Fatalf("select: %v", err)
	}

	m.ApplyDeselect(ctx, 2, proto.Deselect{Entity: 3})
	selected := map[Entity]bool{}
	for _, view := range m.Views() {
		selected[view.Entity] = view.Selected
	}
	if selected[a] || !selected[b] {
		t.Fatalf("expected only entity 3 deselected, got %v", selected)
	}

	m.ApplyDeselect(ctx, 2, proto.Deselect{Entity: 77})
	if len(sink.OfType(loggingreplication.EventUpdateDropped)) != 1 {
		t.Fatalf("expected unknown reference to be logged")
	}
	m.ApplyDeselect(ctx, 2, proto.Deselect{Everything: true})
	for _, view := range m.Views() {
		if view.Selected {
			t.Fatalf("expected everything deselected")
		}
	}
}

func TestMirrorResourceDiffs(t *testing.T) {
	m, _ := newTestMirror(7)
	m.ApplyPlayerList(proto.PlayerList{Full: true, Upserts: map[uint64]proto.PlayerRecord{7: {Name: "ada"}, 8: {Name: "bob"}}})
	m.ApplyPlayerList(proto.PlayerList{Removed: []uint64{8}})
	if players := m.Players(); len(players) != 1 || players[7].Name != "ada" {
		t.Fatalf("unexpected players %+v", players)
	}
	m.ApplyConnected(proto.ConnectedClients{Full: true, Added: []uint64{8, 7}})
	m.ApplyConnected(proto.ConnectedClients{Added: []uint64{9}, Removed: []uint64{8}})
	if got := m.Connected(); len(got) != 2 || got[0] != 7 || got[1] != 9 {
		t.Fatalf("unexpected connected set %v", got)
	}
}

// deliver hands the host's packets for client to the mirror the way the
// peer does.
func deliver(ctx context.Context, tick uint64, m *Mirror, out []Outbound, client uint64) {
	for _, o := range out {
		if o.Client != client {
			continue
		}
		switch msg := o.Message.(type) {
		case proto.EntityActions:
			m.ApplyActions(ctx, tick, msg)
		case proto.EntityUpdates:
			m.ApplyUpdates(ctx, tick, msg)
		case proto.PlayerList:
			m.ApplyPlayerList(msg)
		case proto.ConnectedClients:
			m.ApplyConnected(msg)
		}
	}
}

func TestHostMirrorRoundTrip(t *testing.T) {
	h, _ := newTestHost(t)
	ctx := context.Background()
	token, tokenID := h.Spawn(1, 0, proto.Components{
		Token: &proto.Token{Position: proto.Vec2{X: 0.5, Y: 0.5}, Layer: 15},
		Name:  &proto.Name{Text: "Token"},
	})

	h.AddClient(2, 7)
	h.AddClient(2, 8)
	h.Spawn(2, 7, cursorOwnedBy(0, 0, 0))
	h.Spawn(2, 8, cursorOwnedBy(0, 0, 0))
	a, _ := newTestMirror(7)
	b, _ := newTestMirror(8)
	out := h.Collect(ctx, 2)
	deliver(ctx, 2, a, out, 7)
	deliver(ctx, 2, b, out, 8)
	if a.World().Len() != 3 || b.World().Len() != 3 {
		t.Fatalf("expected both mirrors to hold 3 entities, got %d and %d", a.World().Len(), b.World().Len())
	}

	// Client 7 moves its cursor; client 8 sees it after the host relays.
	cursor, ok := a.LocalCursor()
	if !ok {
		t.Fatalf("expected client 7 to find its cursor")
	}
	if err := a.Author(3, cursor, proto.Components{Cursor: &proto.Cursor{Position: proto.Vec2{X: 0.25, Y: 0.75}}}); err != nil {
		t.Fatalf("author: %v", err)
	}
	owned, _ := a.CollectOwned(3)
	if applied := h.ApplyOwned(ctx, 3, 7, owned); applied != 1 {
		t.Fatalf("expected host to accept the owned update")
	}

	// The host moves the token.
	h.Set(3, token, proto.Components{Token: &proto.Token{Position: proto.Vec2{X: 0.9, Y: 0.1}, Layer: 15}})
	out = h.Collect(ctx, 3)
	deliver(ctx, 3, a, out, 7)
	deliver(ctx, 3, b, out, 8)

	for name, m := range map[string]*Mirror{"a": a, "b": b} {
		e, ok := m.World().Lookup(tokenID)
		if !ok {
			t.Fatalf("%s: expected token", name)
		}
		components, _ := m.World().Components(e)
		if components.Token.Position != (proto.Vec2{X: 0.9, Y: 0.1}) {
			t.Fatalf("%s: unexpected token %+v", name, components.Token)
		}
		ack, ok := m.PendingAck()
		if !ok || ack.Tick != 3 {
			t.Fatalf("%s: expected ack 3, got %+v", name, ack)
		}
	}

	var seen bool
	for _, view := range b.Views() {
		if view.Components.Cursor != nil && view.Components.Owner.Client == 7 {
			seen = view.Components.Cursor.Position == (proto.Vec2{X: 0.25, Y: 0.75})
		}
	}
	if !seen {
		t.Fatalf("expected client 8 to see client 7's cursor move")
	}

	// Client 7 leaves: its cursor disappears for client 8 in the same packet.
	h.RemoveClient(ctx, 4, 7)
	deliver(ctx, 4, b, h.Collect(ctx, 4), 8)
	if b.World().Len() != 2 {
		t.Fatalf("expected the departed cursor removed, got %d entities", b.World().Len())
	}
	if got := b.Connected(); len(got) != 1 || got[0] != 8 {
		t.Fatalf("expected only client 8 connected, got %v", got)
	}
}
