package journal

import (
	"testing"
	"time"

	"tabletop/session/internal/net/proto"
)

func TestJournalPatchBuffersClone(t *testing.T) {
	j := New(0, 0)

	original := Patch{
		Kind:  PatchComponent,
		Tick:  3,
		NetID: 7,
		Components: proto.Components{
			Name: &proto.Name{Text: "token"},
		},
	}
	j.AppendPatch(original)
	original.Components.Name.Text = "mutated-after-append"

	drained := j.DrainPatches()
	if len(drained) != 1 {
		t.Fatalf("expected drain to return 1 patch, got %d", len(drained))
	}
	if drained[0].NetID != 7 || drained[0].Components.Name.Text != "token" {
		t.Fatalf("expected append to copy components, got %+v", drained[0])
	}

	j.AppendPatch(Patch{Kind: PatchSpawn, NetID: 8})
	drained[0].NetID = 100
	if second := j.DrainPatches(); len(second) != 1 || second[0].NetID != 8 {
		t.Fatalf("expected a fresh buffer after drain, got %+v", second)
	}
	if cleared := j.DrainPatches(); len(cleared) != 0 {
		t.Fatalf("expected journal to be empty after drain, got %d patches", len(cleared))
	}
}

func TestJournalPurgeEntity(t *testing.T) {
	j := New(0, 0)
	j.AppendPatch(Patch{Kind: PatchSpawn, NetID: 1})
	j.AppendPatch(Patch{Kind: PatchSpawn, NetID: 2})
	j.AppendPatch(Patch{Kind: PatchComponent, NetID: 1})

	if !j.PurgeEntity(1) {
		t.Fatalf("expected purge to report the staged spawn")
	}
	remaining := j.DrainPatches()
	if len(remaining) != 1 || remaining[0].NetID != 2 {
		t.Fatalf("expected only entity 2 to remain, got %+v", remaining)
	}
	if j.PurgeEntity(2) {
		t.Fatalf("expected purge on an empty buffer to report nothing")
	}
}

func TestJournalRecordKeyframeAssignsSequence(t *testing.T) {
	j := New(4, 0)

	first := j.RecordKeyframe(Keyframe{Tick: 10})
	second := j.RecordKeyframe(Keyframe{Tick: 11})
	if first.Sequence != 1 || second.Sequence != 2 {
		t.Fatalf("expected sequences 1 and 2, got %d and %d", first.Sequence, second.Sequence)
	}
	if window := j.KeyframeWindow(); window.LatestTick != 11 || window.Newest != 2 {
		t.Fatalf("expected latest keyframe at tick 11, got %+v", window)
	}
}

func TestJournalKeyframeCopiesCallerState(t *testing.T) {
	j := New(4, 0)

	players := map[uint64]proto.PlayerRecord{5: {Name: "ada", Color: proto.Color{1, 2, 3}}}
	entities := []proto.EntityComponents{{
		NetID:      1,
		Components: proto.Components{Token: &proto.Token{Position: proto.Vec2{X: 1, Y: 2}}},
	}}
	result := j.RecordKeyframe(Keyframe{Tick: 256, Sequence: 8001, Entities: entities, Players: players, Clients: []uint64{5}})
	if result.Sequence != 8001 || result.NewestSequence != 8001 {
		t.Fatalf("expected explicit sequence kept, got %+v", result)
	}

	delete(players, 5)
	players[6] = proto.PlayerRecord{Name: "bob"}
	players[7] = proto.PlayerRecord{Name: "cy"}

	window := j.KeyframeWindow()
	if window.LatestTick != 256 || window.LatestEntities != 1 || window.LatestPlayers != 1 {
		t.Fatalf("expected the stored keyframe to ignore caller edits, got %+v", window)
	}
	if next := j.RecordKeyframe(Keyframe{Tick: 257}); next.Sequence != 8002 {
		t.Fatalf("expected sequence to continue after explicit value, got %d", next.Sequence)
	}
}

func TestJournalKeyframeEviction(t *testing.T) {
	t.Run("count", func(t *testing.T) {
		j := New(2, 0)
		j.RecordKeyframe(Keyframe{Tick: 1})
		j.RecordKeyframe(Keyframe{Tick: 2})
		result := j.RecordKeyframe(Keyframe{Tick: 3})
		if len(result.Evicted) != 1 || result.Evicted[0].Reason != "count" || result.Evicted[0].Tick != 1 {
			t.Fatalf("expected tick 1 evicted by count, got %+v", result.Evicted)
		}
		window := j.KeyframeWindow()
		if window.Size != 2 || window.Oldest != 2 || window.Newest != 3 {
			t.Fatalf("unexpected window %+v", window)
		}
	})

	t.Run("age", func(t *testing.T) {
		now := time.Unix(1000, 0)
		j := New(8, time.Second)
		j.SetClock(func() time.Time { return now })
		j.RecordKeyframe(Keyframe{Tick: 1})
		now = now.Add(2 * time.Second)
		result := j.RecordKeyframe(Keyframe{Tick: 2})
		if len(result.Evicted) != 1 || result.Evicted[0].Reason != "expired" {
			t.Fatalf("expected one expired eviction, got %+v", result.Evicted)
		}
		if result.Size != 1 || result.OldestSequence != 2 {
			t.Fatalf("unexpected result %+v", result)
		}
	})

	t.Run("disabled", func(t *testing.T) {
		j := New(0, 0)
		result := j.RecordKeyframe(Keyframe{Tick: 1})
		if result.Size != 0 {
			t.Fatalf("expected no retention, got %+v", result)
		}
		if window := j.KeyframeWindow(); window.Size != 0 || window.LatestTick != 0 {
			t.Fatalf("expected no keyframe retained, got %+v", window)
		}
	})
}
