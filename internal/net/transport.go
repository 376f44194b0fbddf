// Package net defines the transport contract the session layer polls, plus
// the pieces every concrete transport shares: the inbound event queue and
// the host-side admission gate.
package net

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"tabletop/session/internal/channel"
	"tabletop/session/internal/net/token"
)

// DefaultPort is the well-known port hosts bind.
const DefaultPort = 27007

// HostID is the sender id clients see on every inbound message.
const HostID uint64 = 0

var (
	// ErrClosed is returned when sending through a closed transport.
	ErrClosed = errors.New("net: transport closed")
	// ErrUnknownClient is returned when addressing a client the host does not hold.
	ErrUnknownClient = errors.New("net: unknown client")
	// ErrNotConnected is returned when a client sends before the handshake completed.
	ErrNotConnected = errors.New("net: not connected")
)

// EventKind discriminates transport events.
type EventKind uint8

const (
	EventConnected EventKind = iota + 1
	EventDisconnected
	EventConnectFailed
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventConnectFailed:
		return "connect_failed"
	case EventMessage:
		return "message"
	default:
		return fmt.Sprintf("event(%d)", uint8(k))
	}
}

// Reason explains why a connection ended or never started.
type Reason uint8

const (
	ReasonNone Reason = iota
	// ReasonClosed marks a deliberate close by either side.
	ReasonClosed
	ReasonTimedOut
	ReasonTokenExpired
	ReasonDenied
	// ReasonTransportLost marks a connection that broke mid-session.
	ReasonTransportLost
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonClosed:
		return "closed"
	case ReasonTimedOut:
		return "timed_out"
	case ReasonTokenExpired:
		return "token_expired"
	case ReasonDenied:
		return "denied"
	case ReasonTransportLost:
		return "transport_lost"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

// ReasonFor maps a client-side handshake error to the reason reported to the session.
func ReasonFor(err error) Reason {
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, token.ErrTokenExpired):
		return ReasonTokenExpired
	case errors.Is(err, token.ErrDenied):
		return ReasonDenied
	default:
		// Dial and handshake I/O failures surface as a request timeout.
		return ReasonTimedOut
	}
}

// Event is one transport notification. Client is the transport-assigned
// sender id on the host and HostID on clients.
type Event struct {
	Kind   EventKind
	Client uint64
	Reason Reason
	Data   []byte
}

// Server is the host side of a transport.
type Server interface {
	Listen(ctx context.Context) error
	Send(client uint64, mode channel.Mode, data []byte) error
	Disconnect(client uint64) error
	Clients() []uint64
	Poll() []Event
	Close() error
}

// Client is the joining side of a transport. Dial returns immediately; the
// handshake outcome arrives as an EventConnected or EventConnectFailed.
type Client interface {
	Dial(ctx context.Context, addr string, credential []byte) error
	Send(mode channel.Mode, data []byte) error
	Poll() []Event
	Close() error
}

// EventQueue collects events from I/O goroutines until the tick drains them.
type EventQueue struct {
	mu     sync.Mutex
	events []Event
}

// Push appends an event.
func (q *EventQueue) Push(event Event) {
	q.mu.Lock()
	q.events = append(q.events, event)
	q.mu.Unlock()
}

// Drain removes and returns every queued event in arrival order.
func (q *EventQueue) Drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return nil
	}
	out := q.events
	q.events = nil
	return out
}

// Len reports the number of queued events.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Admission decides which handshakes a host accepts.
type Admission struct {
	verifier   token.Verifier
	maxClients int

	mu      sync.Mutex
	clients map[uint64]struct{}
}

// NewAdmission builds a gate. A non-positive maxClients means unlimited.
func NewAdmission(verifier token.Verifier, maxClients int) *Admission {
	return &Admission{
		verifier:   verifier,
		maxClients: maxClients,
		clients:    make(map[uint64]struct{}),
	}
}

// Admit verifies a presented credential and reserves its client id.
func (a *Admission) Admit(credential []byte) (uint64, error) {
	id, err := a.verifier.Verify(credential)
	if err != nil {
		return 0, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, dup := a.clients[id]; dup {
		return 0, fmt.Errorf("%w: client %d already connected", token.ErrDenied, id)
	}
	if a.maxClients > 0 && len(a.clients) >= a.maxClients {
		return 0, fmt.Errorf("%w: host full", token.ErrDenied)
	}
	a.clients[id] = struct{}{}
	return id, nil
}

// Release frees a client id.
func (a *Admission) Release(id uint64) {
	a.mu.Lock()
	delete(a.clients, id)
	a.mu.Unlock()
}

// Reset frees every client id.
func (a *Admission) Reset() {
	a.mu.Lock()
	a.clients = make(map[uint64]struct{})
	a.mu.Unlock()
}
