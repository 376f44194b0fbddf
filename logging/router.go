package logging

import (
	"context"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
)

type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time {
	return f()
}

// SystemClock reads wall time.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}

type Sink interface {
	Write(Event) error
	Close(context.Context) error
}

type NamedSink struct {
	Name string
	Sink Sink
}

const (
	defaultRouterBuffer = 512
	minSinkBacklog      = 32
	maxSinkBacklog      = 1024
	maxSinkBackoff      = 32 * time.Second
)

// Router stamps published events and hands them to one worker per sink.
// Publish never blocks the tick: a full queue drops the event and counts it.
// A failing sink backs off on its own worker without holding up the others.
type Router struct {
	clock    Clock
	fallback *log.Logger
	floor    Severity
	fields   map[string]any
	warnGap  time.Duration

	queue   chan Event
	workers []*sinkWorker
	stop    chan struct{}
	done    sync.WaitGroup
	closed  atomic.Bool

	forwarded atomic.Uint64
	dropped   atomic.Uint64
	warnAfter atomic.Int64
}

// SinkStats counts what one sink worker did with the events it was handed.
type SinkStats struct {
	Name    string `json:"name"`
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
}

type RouterStats struct {
	EventsTotal  uint64      `json:"eventsTotal"`
	DroppedTotal uint64      `json:"droppedTotal"`
	Sinks        []SinkStats `json:"sinks,omitempty"`
}

func NewRouter(clock Clock, cfg Config, fallback *log.Logger, namedSinks []NamedSink) *Router {
	if clock == nil {
		clock = SystemClock{}
	}
	if fallback == nil {
		fallback = log.New(os.Stderr, "[logging] ", log.LstdFlags)
	}
	size := cfg.BufferSize
	if size <= 0 {
		size = defaultRouterBuffer
	}
	warnGap := cfg.DropWarnInterval
	if warnGap <= 0 {
		warnGap = 5 * time.Second
	}
	r := &Router{
		clock:    clock,
		fallback: fallback,
		floor:    cfg.MinimumSeverity,
		fields:   cfg.CloneFields(),
		warnGap:  warnGap,
		queue:    make(chan Event, size),
		stop:     make(chan struct{}),
	}
	backlog := min(max(size, minSinkBacklog), maxSinkBacklog)
	for _, named := range namedSinks {
		if named.Sink != nil {
			r.workers = append(r.workers, &sinkWorker{
				name:     named.Name,
				sink:     named.Sink,
				events:   make(chan Event, backlog),
				fallback: fallback,
			})
		}
	}

	r.done.Add(1 + len(r.workers))
	go r.dispatch()
	for _, worker := range r.workers {
		go func() {
			defer r.done.Done()
			worker.run()
		}()
	}
	return r
}

// dispatch moves events from the shared queue to the sink backlogs. On stop
// it flushes what is already queued and then releases the workers.
func (r *Router) dispatch() {
	defer r.done.Done()
	defer func() {
		for _, worker := range r.workers {
			close(worker.events)
		}
	}()
	for {
		select {
		case event := <-r.queue:
			r.forward(event)
		case <-r.stop:
			for {
				select {
				case event := <-r.queue:
					r.forward(event)
				default:
					return
				}
			}
		}
	}
}

func (r *Router) forward(event Event) {
	if event.Severity < r.floor {
		return
	}
	if event.Time.IsZero() {
		event.Time = r.clock.Now()
	}
	event = mergeFields(event, r.fields)
	r.forwarded.Add(1)
	for _, worker := range r.workers {
		worker.offer(event)
	}
}

func (r *Router) Publish(_ context.Context, event Event) {
	if event.Type == "" || r.closed.Load() {
		return
	}
	select {
	case r.queue <- event:
	default:
		r.dropped.Add(1)
		r.warnDrop(event)
	}
}

// warnDrop reports queue overflow at most once per warn gap.
func (r *Router) warnDrop(event Event) {
	now := r.clock.Now().UnixNano()
	after := r.warnAfter.Load()
	if now < after || !r.warnAfter.CompareAndSwap(after, now+r.warnGap.Nanoseconds()) {
		return
	}
	r.fallback.Printf("queue full, dropping event type=%s tick=%d (dropped=%d)", event.Type, event.Tick, r.dropped.Load())
}

// Close flushes queued events and closes every sink.
func (r *Router) Close(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(r.stop)
	flushed := make(chan struct{})
	go func() {
		r.done.Wait()
		close(flushed)
	}()
	select {
	case <-flushed:
	case <-ctx.Done():
		return ctx.Err()
	}
	var err error
	for _, worker := range r.workers {
		err = multierr.Append(err, worker.sink.Close(ctx))
	}
	return err
}

func (r *Router) Stats() RouterStats {
	stats := RouterStats{
		EventsTotal:  r.forwarded.Load(),
		DroppedTotal: r.dropped.Load(),
	}
	for _, worker := range r.workers {
		stats.Sinks = append(stats.Sinks, SinkStats{
			Name:    worker.name,
			Written: worker.written.Load(),
			Failed:  worker.failed.Load(),
			Dropped: worker.dropped.Load(),
		})
	}
	return stats
}

func (r *Router) Sink(name string) Sink {
	for _, worker := range r.workers {
		if worker.name == name {
			return worker.sink
		}
	}
	return nil
}

type sinkWorker struct {
	name     string
	sink     Sink
	events   chan Event
	fallback *log.Logger

	written atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

func (w *sinkWorker) offer(event Event) {
	select {
	case w.events <- cloneEvent(event):
	default:
		if w.dropped.Add(1) == 1 {
			w.fallback.Printf("sink %s backlog full, dropping events", w.name)
		}
	}
}

// run writes events in order. After a failed write the next write waits
// out an exponential backoff; a success resets it.
func (w *sinkWorker) run() {
	var backoff time.Duration
	for event := range w.events {
		if backoff > 0 {
			time.Sleep(backoff)
		}
		if err := w.sink.Write(event); err != nil {
			w.failed.Add(1)
			backoff = min(max(2*backoff, 2*time.Second), maxSinkBackoff)
			w.fallback.Printf("sink %s failed: %v (retry in %s)", w.name, err, backoff)
			continue
		}
		w.written.Add(1)
		backoff = 0
	}
}
