package net

import (
	"errors"
	"sync"
	"time"

	"tabletop/session/internal/channel"
)

const (
	// DefaultOutboxDepth bounds the frames queued for one connection.
	DefaultOutboxDepth = 256
	// DefaultWriteTimeout bounds one frame write before the peer is
	// considered stalled.
	DefaultWriteTimeout = 10 * time.Second
)

// ErrBacklogFull is returned when a connection's outbox cannot take more
// frames because the remote stopped reading.
var ErrBacklogFull = errors.New("net: outbound backlog full")

// Outgoing is one queued frame.
type Outgoing struct {
	Mode channel.Mode
	Data []byte
}

// Outbox decouples the tick from socket writes: Push never blocks and a
// dedicated goroutine performs the writes. The first failure, a full queue
// or a write error, calls stalled once and stops the writer.
type Outbox struct {
	frames  chan Outgoing
	write   func(Outgoing) error
	stalled func(error)

	done     chan struct{}
	stopOnce sync.Once
	failOnce sync.Once
}

// NewOutbox starts the writer goroutine. A non-positive depth uses
// DefaultOutboxDepth.
func NewOutbox(depth int, write func(Outgoing) error, stalled func(error)) *Outbox {
	if depth <= 0 {
		depth = DefaultOutboxDepth
	}
	o := &Outbox{
		frames:  make(chan Outgoing, depth),
		write:   write,
		stalled: stalled,
		done:    make(chan struct{}),
	}
	go o.run()
	return o
}

// Push queues a frame. It returns ErrClosed after Close and ErrBacklogFull
// when the queue is full; the latter also reports the stall.
func (o *Outbox) Push(mode channel.Mode, data []byte) error {
	select {
	case <-o.done:
		return ErrClosed
	default:
	}
	select {
	case o.frames <- Outgoing{Mode: mode, Data: data}:
		return nil
	default:
		o.fail(ErrBacklogFull)
		return ErrBacklogFull
	}
}

// Close stops the writer. Frames still queued are discarded.
func (o *Outbox) Close() {
	o.stopOnce.Do(func() { close(o.done) })
}

func (o *Outbox) run() {
	for {
		select {
		case <-o.done:
			return
		case out := <-o.frames:
			if err := o.write(out); err != nil {
				o.fail(err)
				return
			}
		}
	}
}

// fail reports the first failure of a live outbox and stops it.
func (o *Outbox) fail(err error) {
	select {
	case <-o.done:
		return
	default:
	}
	o.failOnce.Do(func() {
		o.Close()
		if o.stalled != nil {
			go o.stalled(err)
		}
	})
}
