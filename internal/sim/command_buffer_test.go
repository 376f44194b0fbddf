package sim

import (
	"testing"

	"tabletop/session/internal/telemetry"
	"tabletop/session/logging"
)

func chat(text string) Command {
	return Command{Type: CommandSendChat, Text: text}
}

func cursorTo(x float64) Command {
	return Command{Type: CommandMoveCursor, Position: &PositionCommand{X: x}}
}

func TestCommandBufferKeepsOrderAcrossDrains(t *testing.T) {
	buffer := NewCommandBuffer(3, nil)
	for _, text := range []string{"a", "b", "c"} {
		if !buffer.Push(chat(text)) {
			t.Fatalf("expected push to succeed for %q", text)
		}
	}
	if buffer.Push(chat("overflow")) {
		t.Fatalf("expected push to fail when buffer full")
	}
	drained := buffer.Drain()
	if len(drained) != 3 || drained[0].Text != "a" || drained[2].Text != "c" {
		t.Fatalf("unexpected drain %+v", drained)
	}
	if buffer.Drain() != nil {
		t.Fatalf("expected an empty drain")
	}
	buffer.Push(chat("d"))
	buffer.Push(chat("e"))
	again := buffer.Drain()
	if len(again) != 2 || again[0].Text != "d" || again[1].Text != "e" {
		t.Fatalf("unexpected order after refill: %+v", again)
	}
}

func TestCommandBufferCoalescesMoves(t *testing.T) {
	metrics := &logging.Metrics{}
	buffer := NewCommandBuffer(8, telemetry.WrapMetrics(metrics))

	buffer.Push(chat("hi"))
	buffer.Push(cursorTo(0.1))
	buffer.Push(Command{Type: CommandMoveToken, Entity: 4, Position: &PositionCommand{X: 1}})
	buffer.Push(Command{Type: CommandMoveToken, Entity: 5, Position: &PositionCommand{X: 2}})
	buffer.Push(cursorTo(0.2))
	buffer.Push(Command{Type: CommandMoveToken, Entity: 4, Position: &PositionCommand{X: 3}})

	drained := buffer.Drain()
	if len(drained) != 4 {
		t.Fatalf("expected 4 staged commands, got %+v", drained)
	}
	if drained[0].Text != "hi" {
		t.Fatalf("expected chat to keep its place, got %+v", drained[0])
	}
	if drained[1].Type != CommandMoveCursor || drained[1].Position.X != 0.2 {
		t.Fatalf("expected the latest cursor move in the first move slot, got %+v", drained[1])
	}
	if drained[2].Entity != 4 || drained[2].Position.X != 3 || drained[3].Entity != 5 {
		t.Fatalf("expected per-entity token moves, got %+v %+v", drained[2], drained[3])
	}
	if got := metrics.Snapshot()[commandBufferCoalescedMetricKey]; got != 2 {
		t.Fatalf("expected two coalesced moves, got %d", got)
	}
}

func TestCommandBufferKeepsMovesAroundSelection(t *testing.T) {
	buffer := NewCommandBuffer(8, nil)
	buffer.Push(Command{Type: CommandMoveToken, Entity: 4, Position: &PositionCommand{X: 1}})
	buffer.Push(Command{Type: CommandDeselect, Everything: true})
	buffer.Push(Command{Type: CommandMoveToken, Entity: 4, Position: &PositionCommand{X: 2}})

	drained := buffer.Drain()
	if len(drained) != 3 || drained[0].Position.X != 1 || drained[2].Position.X != 2 {
		t.Fatalf("expected both moves kept around the deselect, got %+v", drained)
	}
}

func TestCommandBufferLifecycleEvictsMoves(t *testing.T) {
	metrics := &logging.Metrics{}
	buffer := NewCommandBuffer(2, telemetry.WrapMetrics(metrics))
	buffer.Push(cursorTo(0.5))
	buffer.Push(chat("hi"))

	if buffer.Push(chat("again")) {
		t.Fatalf("expected chat to be dropped when full")
	}
	if !buffer.Push(Command{Type: CommandDisconnect}) {
		t.Fatalf("expected disconnect to evict the staged move")
	}
	if buffer.Push(Command{Type: CommandStopHost}) {
		t.Fatalf("expected no room once every move is gone")
	}

	drained := buffer.Drain()
	if len(drained) != 2 || drained[0].Text != "hi" || drained[1].Type != CommandDisconnect {
		t.Fatalf("unexpected drain %+v", drained)
	}
	snapshot := metrics.Snapshot()
	if snapshot[commandBufferEvictedMetricKey] != 1 || snapshot[commandBufferOverflowMetricKey] != 2 {
		t.Fatalf("unexpected metrics %+v", snapshot)
	}
	if snapshot[commandBufferOccupancyMetricKey] != 0 {
		t.Fatalf("expected occupancy reset after drain, got %d", snapshot[commandBufferOccupancyMetricKey])
	}
}
