// Package memory is an in-process transport. Tests use it for end-to-end
// sessions and a self-hosting peer uses it to join its own host.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"tabletop/session/internal/channel"
	sessionnet "tabletop/session/internal/net"
)

// Options injects deterministic loss into unreliable traffic.
type Options struct {
	// DropEvery drops every n-th unreliable frame on each link when positive.
	DropEvery int
	// Reorder swaps each pair of consecutive unreliable frames on each link.
	// A frame still waiting for its partner is released on the receiver's
	// next Poll.
	Reorder bool
}

// Network is a set of listening in-memory hosts addressed by string.
type Network struct {
	opts Options

	mu    sync.Mutex
	hosts map[string]*Server
}

// NewNetwork creates an empty network.
func NewNetwork(opts Options) *Network {
	return &Network{opts: opts, hosts: make(map[string]*Server)}
}

func (n *Network) lookup(addr string) *Server {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.hosts[addr]
}

// link delivers frames from one side to the other's queue.
type link struct {
	opts  Options
	queue *sessionnet.EventQueue
	from  uint64

	mu     sync.Mutex
	count  int
	held   []byte
	closed bool
}

func (l *link) deliver(mode channel.Mode, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return sessionnet.ErrClosed
	}
	payload := append([]byte(nil), data...)
	if mode.Reliable() {
		l.push(payload)
		return nil
	}
	l.count++
	if l.opts.DropEvery > 0 && l.count%l.opts.DropEvery == 0 {
		return nil
	}
	if !l.opts.Reorder {
		l.push(payload)
		return nil
	}
	if l.held == nil {
		l.held = payload
		return nil
	}
	l.push(payload)
	l.push(l.held)
	l.held = nil
	return nil
}

func (l *link) push(data []byte) {
	l.queue.Push(sessionnet.Event{Kind: sessionnet.EventMessage, Client: l.from, Data: data})
}

// release delivers a held frame that found no swap partner.
func (l *link) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held != nil && !l.closed {
		l.push(l.held)
	}
	l.held = nil
}

func (l *link) close() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.held = nil
	l.closed = true
	return true
}

type conn struct {
	client *Client
	// toClient carries host frames into the client's queue.
	toClient *link
	// toHost carries client frames into the host's queue.
	toHost *link
}

// Server is the host side.
type Server struct {
	network   *Network
	addr      string
	admission *sessionnet.Admission
	queue     sessionnet.EventQueue

	mu        sync.Mutex
	listening bool
	conns     map[uint64]*conn
}

var _ sessionnet.Server = (*Server)(nil)

// NewServer creates a host reachable at addr once Listen is called.
func (n *Network) NewServer(addr string, admission *sessionnet.Admission) *Server {
	return &Server{
		network:   n,
		addr:      addr,
		admission: admission,
		conns:     make(map[uint64]*conn),
	}
}

// Listen registers the host on the network.
func (s *Server) Listen(context.Context) error {
	s.network.mu.Lock()
	defer s.network.mu.Unlock()
	if existing, ok := s.network.hosts[s.addr]; ok && existing != s {
		return fmt.Errorf("memory: address %s in use", s.addr)
	}
	s.network.hosts[s.addr] = s
	s.mu.Lock()
	s.listening = true
	s.mu.Unlock()
	return nil
}

func (s *Server) accept(c *Client, credential []byte) (uint64, error) {
	s.mu.Lock()
	listening := s.listening
	s.mu.Unlock()
	if !listening {
		return 0, sessionnet.ErrClosed
	}
	id, err := s.admission.Admit(credential)
	if err != nil {
		return 0, err
	}
	toHost := &link{opts: s.network.opts, queue: &s.queue, from: id}
	toClient := &link{opts: s.network.opts, queue: &c.queue, from: sessionnet.HostID}
	s.mu.Lock()
	s.conns[id] = &conn{client: c, toClient: toClient, toHost: toHost}
	s.mu.Unlock()
	c.attach(s, id, toHost, toClient)
	s.queue.Push(sessionnet.Event{Kind: sessionnet.EventConnected, Client: id})
	return id, nil
}

// Send delivers data to one client.
func (s *Server) Send(client uint64, mode channel.Mode, data []byte) error {
	s.mu.Lock()
	c, ok := s.conns[client]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", sessionnet.ErrUnknownClient, client)
	}
	return c.toClient.deliver(mode, data)
}

// Disconnect drops a client. Both sides observe a disconnect event.
func (s *Server) Disconnect(client uint64) error {
	if !s.drop(client, sessionnet.ReasonClosed) {
		return fmt.Errorf("%w: %d", sessionnet.ErrUnknownClient, client)
	}
	return nil
}

// drop removes a client and notifies both ends once.
func (s *Server) drop(client uint64, reason sessionnet.Reason) bool {
	s.mu.Lock()
	c, ok := s.conns[client]
	delete(s.conns, client)
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.admission.Release(client)
	s.queue.Push(sessionnet.Event{Kind: sessionnet.EventDisconnected, Client: client, Reason: reason})
	c.client.detach(reason)
	return true
}

// Clients lists connected client ids in ascending order.
func (s *Server) Clients() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uint64, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Poll drains pending events.
func (s *Server) Poll() []sessionnet.Event {
	s.mu.Lock()
	for _, c := range s.conns {
		c.toHost.release()
	}
	s.mu.Unlock()
	return s.queue.Drain()
}

// Close stops listening and disconnects every client.
func (s *Server) Close() error {
	s.network.mu.Lock()
	if s.network.hosts[s.addr] == s {
		delete(s.network.hosts, s.addr)
	}
	s.network.mu.Unlock()
	s.mu.Lock()
	s.listening = false
	s.mu.Unlock()
	for _, id := range s.Clients() {
		s.drop(id, sessionnet.ReasonClosed)
	}
	return nil
}

// Client is the joining side.
type Client struct {
	network *Network
	queue   sessionnet.EventQueue

	mu       sync.Mutex
	server   *Server
	id       uint64
	toHost   *link
	fromHost *link
}

var _ sessionnet.Client = (*Client)(nil)

// NewClient creates an unconnected client on the network.
func (n *Network) NewClient() *Client {
	return &Client{network: n}
}

// Dial performs the handshake synchronously; its outcome is still reported
// through Poll so callers observe the same sequence as on real transports.
func (c *Client) Dial(_ context.Context, addr string, credential []byte) error {
	c.mu.Lock()
	busy := c.server != nil
	c.mu.Unlock()
	if busy {
		return fmt.Errorf("memory: client already connected")
	}
	host := c.network.lookup(addr)
	if host == nil {
		c.queue.Push(sessionnet.Event{Kind: sessionnet.EventConnectFailed, Reason: sessionnet.ReasonTimedOut})
		return nil
	}
	if _, err := host.accept(c, credential); err != nil {
		c.queue.Push(sessionnet.Event{Kind: sessionnet.EventConnectFailed, Reason: sessionnet.ReasonFor(err)})
	}
	return nil
}

func (c *Client) attach(s *Server, id uint64, toHost, fromHost *link) {
	c.mu.Lock()
	c.server = s
	c.id = id
	c.toHost = toHost
	c.fromHost = fromHost
	c.mu.Unlock()
	c.queue.Push(sessionnet.Event{Kind: sessionnet.EventConnected, Client: sessionnet.HostID})
}

func (c *Client) detach(reason sessionnet.Reason) {
	c.mu.Lock()
	toHost := c.toHost
	c.server = nil
	c.toHost = nil
	c.fromHost = nil
	c.mu.Unlock()
	if toHost == nil || !toHost.close() {
		return
	}
	if reason == sessionnet.ReasonClosed {
		reason = sessionnet.ReasonTransportLost
	}
	c.queue.Push(sessionnet.Event{Kind: sessionnet.EventDisconnected, Client: sessionnet.HostID, Reason: reason})
}

// Send delivers data to the host.
func (c *Client) Send(mode channel.Mode, data []byte) error {
	c.mu.Lock()
	toHost := c.toHost
	c.mu.Unlock()
	if toHost == nil {
		return sessionnet.ErrNotConnected
	}
	return toHost.deliver(mode, data)
}

// Poll drains pending events.
func (c *Client) Poll() []sessionnet.Event {
	c.mu.Lock()
	fromHost := c.fromHost
	c.mu.Unlock()
	if fromHost != nil {
		fromHost.release()
	}
	return c.queue.Drain()
}

// Close leaves the host. The client does not report its own close.
func (c *Client) Close() error {
	c.mu.Lock()
	s := c.server
	id := c.id
	toHost := c.toHost
	c.server = nil
	c.toHost = nil
	c.fromHost = nil
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	toHost.close()
	s.drop(id, sessionnet.ReasonClosed)
	return nil
}
