package sim

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

type recorder struct {
	mu    sync.Mutex
	ticks []TickContext
}

func (r *recorder) Step(ctx TickContext) {
	r.mu.Lock()
	r.ticks = append(r.ticks, ctx)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []TickContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TickContext(nil), r.ticks...)
}

func TestAdvanceNumbersTicks(t *testing.T) {
	mock := clock.NewMock()
	rec := &recorder{}
	loop := NewLoop(rec, LoopConfig{TickRate: 60}, Deps{Clock: mock}, LoopHooks{})

	first := loop.Advance()
	mock.Add(time.Second / 60)
	second := loop.Advance()

	ticks := rec.snapshot()
	if len(ticks) != 2 {
		t.Fatalf("expected 2 ticks, got %d", len(ticks))
	}
	if ticks[0].Tick != 1 || ticks[1].Tick != 2 || !ticks[1].Now.Equal(mock.Now()) {
		t.Fatalf("unexpected tick contexts %+v", ticks)
	}
	if first.Tick != 1 || second.Tick != 2 || loop.Tick() != 2 {
		t.Fatalf("unexpected tick numbers %d %d %d", first.Tick, second.Tick, loop.Tick())
	}
}

func TestAdvanceClampsDelta(t *testing.T) {
	mock := clock.NewMock()
	var results []StepResult
	loop := NewLoop(StepperFunc(func(TickContext) {}), LoopConfig{TickRate: 10, CatchupMaxTicks: 2}, Deps{Clock: mock}, LoopHooks{
		AfterStep: func(r StepResult) { results = append(results, r) },
	})

	loop.Advance()
	mock.Add(5 * time.Second)
	loop.Advance()

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Delta != 0.1 {
		t.Fatalf("expected first tick to use the budget, got %v", results[0].Delta)
	}
	if !results[1].ClampedDelta || results[1].Delta != results[1].MaxDelta {
		t.Fatalf("expected clamped delta, got %+v", results[1])
	}
}

func TestStepperDrainsItsBuffer(t *testing.T) {
	mock := clock.NewMock()
	buffer := NewCommandBuffer(8, nil)
	var seen [][]Command
	loop := NewLoop(StepperFunc(func(TickContext) {
		seen = append(seen, buffer.Drain())
	}), LoopConfig{}, Deps{Clock: mock}, LoopHooks{})

	buffer.Push(Command{Type: CommandConnect})
	buffer.Push(Command{Type: CommandSendChat, Text: "hi"})
	loop.Advance()
	mock.Add(time.Second / 60)
	loop.Advance()

	if len(seen) != 2 || len(seen[0]) != 2 || seen[0][1].Text != "hi" || len(seen[1]) != 0 {
		t.Fatalf("expected both commands on the first tick only, got %+v", seen)
	}
}

func TestRunTicksOnClock(t *testing.T) {
	mock := clock.NewMock()
	rec := &recorder{}
	loop := NewLoop(rec, LoopConfig{TickRate: 60}, Deps{Clock: mock}, LoopHooks{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for loop.Tick() < 3 && time.Now().Before(deadline) {
		mock.Add(time.Second / 60)
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	if loop.Tick() < 3 {
		t.Fatalf("expected at least 3 ticks, got %d", loop.Tick())
	}
}
