package sim

import (
	"sync"

	"tabletop/session/internal/telemetry"
)

const (
	commandBufferOccupancyMetricKey = "sim_command_buffer_occupancy"
	commandBufferOverflowMetricKey  = "sim_command_buffer_overflow_total"
	commandBufferCoalescedMetricKey = "sim_command_buffer_coalesced_total"
	commandBufferEvictedMetricKey   = "sim_command_buffer_evicted_total"
)

// lifecycle commands change the session and must not be lost to a burst of
// pointer moves.
func (t CommandType) lifecycle() bool {
	switch t {
	case CommandConnect, CommandDisconnect, CommandStartHost, CommandStopHost:
		return true
	}
	return false
}

func (t CommandType) movement() bool {
	return t == CommandMoveCursor || t == CommandMoveToken
}

// CommandBuffer stages commands between ticks. It is safe for concurrent
// producers and a single consumer.
//
// Only the latest pointer position matters within a tick: a MoveCursor
// replaces the staged one and a MoveToken replaces the staged move of the
// same entity, keeping its place in line, unless another command was staged
// after it. When the buffer is full a
// lifecycle command evicts the oldest staged move.
type CommandBuffer struct {
	mu       sync.Mutex
	staged   []Command
	capacity int
	metrics  telemetry.Metrics
}

func NewCommandBuffer(capacity int, metrics telemetry.Metrics) *CommandBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &CommandBuffer{
		staged:   make([]Command, 0, capacity),
		capacity: capacity,
		metrics:  metrics,
	}
}

// Capacity reports the maximum number of commands the buffer can hold.
func (b *CommandBuffer) Capacity() int {
	if b == nil {
		return 0
	}
	return b.capacity
}

// Push stages a command, returning false if it was dropped.
func (b *CommandBuffer) Push(cmd Command) bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if i := b.supersededLocked(cmd); i >= 0 {
		b.staged[i] = cmd
		b.add(commandBufferCoalescedMetricKey)
		return true
	}
	if len(b.staged) == b.capacity {
		if !cmd.Type.lifecycle() || !b.evictMoveLocked() {
			b.add(commandBufferOverflowMetricKey)
			return false
		}
		b.add(commandBufferEvictedMetricKey)
	}
	b.staged = append(b.staged, cmd)
	b.storeOccupancyLocked()
	return true
}

// supersededLocked finds a staged move that cmd replaces, or -1. Only the
// trailing run of moves is searched so a move never jumps a selection change.
func (b *CommandBuffer) supersededLocked(cmd Command) int {
	if !cmd.Type.movement() {
		return -1
	}
	for i := len(b.staged) - 1; i >= 0; i-- {
		staged := b.staged[i]
		if !staged.Type.movement() {
			return -1
		}
		if staged.Type != cmd.Type {
			continue
		}
		if cmd.Type == CommandMoveCursor || staged.Entity == cmd.Entity {
			return i
		}
	}
	return -1
}

func (b *CommandBuffer) evictMoveLocked() bool {
	for i, staged := range b.staged {
		if staged.Type.movement() {
			b.staged = append(b.staged[:i], b.staged[i+1:]...)
			return true
		}
	}
	return false
}

// Drain returns all staged commands in FIFO order and clears the buffer.
func (b *CommandBuffer) Drain() []Command {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.staged) == 0 {
		return nil
	}
	commands := b.staged
	b.staged = make([]Command, 0, b.capacity)
	b.storeOccupancyLocked()
	return commands
}

// Len reports the number of staged commands.
func (b *CommandBuffer) Len() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.staged)
}

func (b *CommandBuffer) add(key string) {
	if b.metrics != nil {
		b.metrics.Add(key, 1)
	}
}

func (b *CommandBuffer) storeOccupancyLocked() {
	if b.metrics == nil {
		return
	}
	b.metrics.Store(commandBufferOccupancyMetricKey, uint64(len(b.staged)))
}
