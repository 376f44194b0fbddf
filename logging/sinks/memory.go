package sinks

import (
	"context"
	"slices"
	"sync"

	"tabletop/session/logging"
)

// Memory retains events in publish order so tests and the diagnostics page
// can read them back. A positive limit keeps only the newest events.
type Memory struct {
	mu      sync.RWMutex
	events  []logging.Event
	limit   int
	evicted int
}

func NewMemory() *Memory {
	return &Memory{}
}

// NewBoundedMemory keeps at most limit events.
func NewBoundedMemory(limit int) *Memory {
	return &Memory{limit: limit}
}

func (s *Memory) Write(event logging.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, logging.CloneEvent(event))
	if s.limit > 0 && len(s.events) > s.limit {
		over := len(s.events) - s.limit
		s.events = slices.Delete(s.events, 0, over)
		s.evicted += over
	}
	return nil
}

func (s *Memory) Events() []logging.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.events)
}

// OfType filters retained events by type.
func (s *Memory) OfType(eventType logging.EventType) []logging.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []logging.Event
	for _, event := range s.events {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

// Evicted reports how many events a bounded sink has discarded.
func (s *Memory) Evicted() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.evicted
}

func (s *Memory) Close(context.Context) error {
	return nil
}

// Publish lets the sink stand in for a router as a synchronous publisher.
func (s *Memory) Publish(_ context.Context, event logging.Event) {
	_ = s.Write(event)
}
