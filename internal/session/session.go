// Package session tracks the client and host connection lifecycles of one
// peer. Every transition is driven by a command or a transport event and is
// applied inside the tick.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	sessionnet "tabletop/session/internal/net"
	"tabletop/session/logging"
	loggingsession "tabletop/session/logging/session"
)

// ClientState is the joining-side lifecycle.
type ClientState uint8

const (
	ClientDisconnected ClientState = iota
	ClientConnecting
	ClientConnected
)

func (s ClientState) String() string {
	switch s {
	case ClientDisconnected:
		return "disconnected"
	case ClientConnecting:
		return "connecting"
	case ClientConnected:
		return "connected"
	default:
		return fmt.Sprintf("client_state(%d)", uint8(s))
	}
}

// HostState is the hosting-side lifecycle.
type HostState uint8

const (
	HostStopped HostState = iota
	HostStarted
)

func (s HostState) String() string {
	switch s {
	case HostStopped:
		return "stopped"
	case HostStarted:
		return "started"
	default:
		return fmt.Sprintf("host_state(%d)", uint8(s))
	}
}

// FailureReason records why the client left Connecting or Connected
// without being asked to.
type FailureReason uint8

const (
	FailureNone FailureReason = iota
	FailureInvalidAddress
	FailureTokenExpired
	FailureTimedOut
	FailureDenied
	FailureLost
)

// Status is the human readable text shown for the failure.
func (r FailureReason) Status() string {
	switch r {
	case FailureInvalidAddress:
		return StatusInvalidAddress
	case FailureTokenExpired:
		return "Connection token expired"
	case FailureTimedOut:
		return "Connection timed out"
	case FailureDenied:
		return "Connection denied"
	case FailureLost:
		return "Connection lost"
	default:
		return ""
	}
}

func (r FailureReason) String() string {
	switch r {
	case FailureNone:
		return "none"
	case FailureInvalidAddress:
		return "invalid_address"
	case FailureTokenExpired:
		return "token_expired"
	case FailureTimedOut:
		return "timed_out"
	case FailureDenied:
		return "denied"
	case FailureLost:
		return "lost"
	default:
		return fmt.Sprintf("failure(%d)", uint8(r))
	}
}

// FailureFor maps a transport reason onto the failure shown to the user.
func FailureFor(reason sessionnet.Reason) FailureReason {
	switch reason {
	case sessionnet.ReasonTokenExpired:
		return FailureTokenExpired
	case sessionnet.ReasonDenied:
		return FailureDenied
	case sessionnet.ReasonTimedOut:
		return FailureTimedOut
	case sessionnet.ReasonNone, sessionnet.ReasonClosed:
		return FailureNone
	default:
		return FailureLost
	}
}

// ErrRejected is returned for commands the current state does not permit.
var ErrRejected = errors.New("session: command rejected")

// Role names which lifecycle a transition belongs to.
type Role string

const (
	RoleClient Role = "client"
	RoleHost   Role = "host"
)

// Transition is one recorded state change.
type Transition struct {
	Tick   uint64        `json:"tick"`
	Role   Role          `json:"role"`
	From   string        `json:"from"`
	To     string        `json:"to"`
	Reason FailureReason `json:"reason,omitempty"`
}

const maxTransitions = 64

// DefaultResolveTimeout bounds the name lookup Connect performs on the tick.
const DefaultResolveTimeout = 2 * time.Second

// Config wires the machine to its collaborators.
type Config struct {
	DefaultPort int
	Resolver    Resolver
	Publisher   logging.Publisher

	// ResolveTimeout caps a host name lookup. Literal addresses never block.
	ResolveTimeout time.Duration
}

// Machine holds both lifecycles. It is owned by the tick and not safe for
// concurrent use.
type Machine struct {
	cfg         Config
	client      ClientState
	host        HostState
	address     string
	failure     FailureReason
	status      string
	announce    bool
	transitions []Transition
}

// New returns a machine in Disconnected/Stopped.
func New(cfg Config) *Machine {
	if cfg.DefaultPort <= 0 {
		cfg.DefaultPort = sessionnet.DefaultPort
	}
	if cfg.Publisher == nil {
		cfg.Publisher = logging.NopPublisher()
	}
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = DefaultResolveTimeout
	}
	return &Machine{cfg: cfg}
}

func actor() logging.EntityRef {
	return logging.EntityRef{ID: "session", Kind: logging.EntityKindSession}
}

func (m *Machine) reject(ctx context.Context, tick uint64, command, reason string) error {
	loggingsession.CommandRejected(ctx, m.cfg.Publisher, tick, actor(), loggingsession.CommandPayload{Command: command, Reason: reason})
	return fmt.Errorf("%w: %s while %s", ErrRejected, command, reason)
}

func (m *Machine) setClient(ctx context.Context, tick uint64, to ClientState, reason FailureReason) {
	from := m.client
	if from == to {
		return
	}
	m.client = to
	m.record(Transition{Tick: tick, Role: RoleClient, From: from.String(), To: to.String(), Reason: reason})
	loggingsession.ClientTransition(ctx, m.cfg.Publisher, tick, actor(), loggingsession.TransitionPayload{From: from.String(), To: to.String()})
	if to == ClientConnected {
		m.announce = true
	}
}

func (m *Machine) setHost(ctx context.Context, tick uint64, to HostState) {
	from := m.host
	if from == to {
		return
	}
	m.host = to
	m.record(Transition{Tick: tick, Role: RoleHost, From: from.String(), To: to.String()})
	loggingsession.HostTransition(ctx, m.cfg.Publisher, tick, actor(), loggingsession.TransitionPayload{From: from.String(), To: to.String()})
}

func (m *Machine) record(t Transition) {
	if len(m.transitions) == maxTransitions {
		copy(m.transitions, m.transitions[1:])
		m.transitions = m.transitions[:maxTransitions-1]
	}
	m.transitions = append(m.transitions, t)
}

func (m *Machine) fail(reason FailureReason) {
	m.failure = reason
	m.status = reason.Status()
}

// Connect validates the target and moves Disconnected to Connecting. It
// returns the resolved address the transport should dial. A bad address
// sets the status text and leaves the state unchanged.
func (m *Machine) Connect(ctx context.Context, tick uint64, input string) (string, error) {
	if m.client != ClientDisconnected {
		return "", m.reject(ctx, tick, "connect", m.client.String())
	}
	lookupCtx, cancel := context.WithTimeout(ctx, m.cfg.ResolveTimeout)
	addr, err := ParseAddress(lookupCtx, m.cfg.Resolver, input, m.cfg.DefaultPort)
	cancel()
	if err != nil {
		m.fail(FailureInvalidAddress)
		loggingsession.ConnectFailed(ctx, m.cfg.Publisher, tick, actor(), loggingsession.FailurePayload{Address: input, Reason: FailureInvalidAddress.String()})
		return "", err
	}
	m.fail(FailureNone)
	m.address = addr
	m.setClient(ctx, tick, ClientConnecting, FailureNone)
	return addr, nil
}

// Connected records a completed handshake.
func (m *Machine) Connected(ctx context.Context, tick uint64) bool {
	if m.client != ClientConnecting {
		return false
	}
	m.setClient(ctx, tick, ClientConnected, FailureNone)
	return true
}

// ConnectFailed records a handshake that ended without success.
func (m *Machine) ConnectFailed(ctx context.Context, tick uint64, reason sessionnet.Reason) bool {
	if m.client != ClientConnecting {
		return false
	}
	failure := FailureFor(reason)
	if failure == FailureNone || failure == FailureLost {
		failure = FailureTimedOut
	}
	m.fail(failure)
	loggingsession.ConnectFailed(ctx, m.cfg.Publisher, tick, actor(), loggingsession.FailurePayload{Address: m.address, Reason: failure.String()})
	m.setClient(ctx, tick, ClientDisconnected, failure)
	return true
}

// Lost records a transport-initiated disconnect of an established session.
func (m *Machine) Lost(ctx context.Context, tick uint64, reason sessionnet.Reason) bool {
	switch m.client {
	case ClientConnecting:
		return m.ConnectFailed(ctx, tick, reason)
	case ClientConnected:
	default:
		return false
	}
	failure := FailureFor(reason)
	if failure == FailureNone {
		failure = FailureLost
	}
	m.fail(failure)
	m.setClient(ctx, tick, ClientDisconnected, failure)
	return true
}

// Disconnect leaves the host on request. It also abandons a pending
// connection attempt.
func (m *Machine) Disconnect(ctx context.Context, tick uint64) error {
	if m.client == ClientDisconnected {
		return m.reject(ctx, tick, "disconnect", m.client.String())
	}
	m.fail(FailureNone)
	m.announce = false
	m.setClient(ctx, tick, ClientDisconnected, FailureNone)
	return nil
}

// StartHost moves Stopped to Started. Hosting cannot begin while the
// client side is still connecting.
func (m *Machine) StartHost(ctx context.Context, tick uint64) error {
	if m.host == HostStarted {
		return m.reject(ctx, tick, "start_host", m.host.String())
	}
	if m.client == ClientConnecting {
		return m.reject(ctx, tick, "start_host", "client "+m.client.String())
	}
	m.setHost(ctx, tick, HostStarted)
	return nil
}

// StopHost moves Started to Stopped.
func (m *Machine) StopHost(ctx context.Context, tick uint64) error {
	if m.host == HostStopped {
		return m.reject(ctx, tick, "stop_host", m.host.String())
	}
	m.setHost(ctx, tick, HostStopped)
	return nil
}

// TakeAnnounce reports, once per entry into Connected, that the local
// player record should be sent.
func (m *Machine) TakeAnnounce() bool {
	pending := m.announce
	m.announce = false
	return pending
}

func (m *Machine) Client() ClientState { return m.client }

func (m *Machine) Host() HostState { return m.host }

// Status is the last failure text, empty after a successful command.
func (m *Machine) Status() string { return m.status }

func (m *Machine) Failure() FailureReason { return m.failure }

// Address is the last resolved connect target.
func (m *Machine) Address() string { return m.address }

// Transitions returns a copy of the recent transition history.
func (m *Machine) Transitions() []Transition {
	return append([]Transition(nil), m.transitions...)
}

// Snapshot is the diagnostics view of the machine.
type Snapshot struct {
	Client  string `json:"client"`
	Host    string `json:"host"`
	Address string `json:"address,omitempty"`
	Status  string `json:"status,omitempty"`
}

func (m *Machine) Snapshot() Snapshot {
	return Snapshot{
		Client:  m.client.String(),
		Host:    m.host.String(),
		Address: m.address,
		Status:  m.status,
	}
}
