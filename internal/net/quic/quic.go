// Package quic carries the session over QUIC: reliable channels share one
// bidirectional stream of length-prefixed frames, the unreliable channel
// rides on datagrams.
package quic

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/multierr"

	"tabletop/session/internal/channel"
	sessionnet "tabletop/session/internal/net"
	"tabletop/session/internal/net/frame"
	"tabletop/session/internal/net/token"
	"tabletop/session/internal/telemetry"
)

const (
	closeNormal quic.ApplicationErrorCode = 0
	closeDenied quic.ApplicationErrorCode = 1
)

// Config tunes both ends of the transport.
type Config struct {
	Addr             string
	TLS              *tls.Config
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	KeepAlive        time.Duration
	MaxFrameSize     int
	// WriteTimeout bounds one reliable frame write; OutboxDepth bounds the
	// frames queued per connection. Exceeding either drops the peer.
	WriteTimeout time.Duration
	OutboxDepth  int
	Logger       telemetry.Logger
}

// DefaultConfig binds every interface on the well-known port.
func DefaultConfig() Config {
	return Config{
		Addr:             fmt.Sprintf("0.0.0.0:%d", sessionnet.DefaultPort),
		HandshakeTimeout: 5 * time.Second,
		IdleTimeout:      10 * time.Second,
		KeepAlive:        2 * time.Second,
		MaxFrameSize:     frame.DefaultMaxSize,
		WriteTimeout:     sessionnet.DefaultWriteTimeout,
		OutboxDepth:      sessionnet.DefaultOutboxDepth,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.Addr == "" {
		c.Addr = def.Addr
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = def.KeepAlive
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = def.MaxFrameSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.OutboxDepth <= 0 {
		c.OutboxDepth = def.OutboxDepth
	}
	if c.Logger == nil {
		c.Logger = telemetry.LoggerFunc(func(string, ...any) {})
	}
	return c
}

func (c Config) quicConfig() *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout: c.HandshakeTimeout,
		MaxIdleTimeout:       c.IdleTimeout,
		KeepAlivePeriod:      c.KeepAlive,
		EnableDatagrams:      true,
	}
}

// link is one established connection plus its reliable stream. Writes are
// queued on an outbox and performed by its writer goroutine.
type link struct {
	conn    *quic.Conn
	stream  *quic.Stream
	timeout time.Duration
	outbox  *sessionnet.Outbox
}

func newLink(conn *quic.Conn, stream *quic.Stream, cfg Config, stalled func(error)) *link {
	l := &link{conn: conn, stream: stream, timeout: cfg.WriteTimeout}
	l.outbox = sessionnet.NewOutbox(cfg.OutboxDepth, l.write, stalled)
	return l
}

func (l *link) send(mode channel.Mode, data []byte) error {
	return l.outbox.Push(mode, data)
}

func (l *link) write(out sessionnet.Outgoing) error {
	if !out.Mode.Reliable() {
		if err := l.conn.SendDatagram(out.Data); err == nil {
			return nil
		}
		// Datagram too large or unsupported: the stream still gets it there.
	}
	if err := l.stream.SetWriteDeadline(time.Now().Add(l.timeout)); err != nil {
		return err
	}
	return frame.Write(l.stream, out.Data)
}

func (l *link) close(code quic.ApplicationErrorCode, reason string) error {
	l.outbox.Close()
	return l.conn.CloseWithError(code, reason)
}

// readLoops pumps stream frames and datagrams into deliver until either
// fails, then reports the first error once.
func (l *link) readLoops(ctx context.Context, maxFrame int, reader *frame.Reader, deliver func([]byte), done func(error)) {
	var once sync.Once
	finish := func(err error) { once.Do(func() { done(err) }) }
	go func() {
		for {
			data, err := reader.Next()
			if err != nil {
				finish(err)
				return
			}
			deliver(data)
		}
	}()
	go func() {
		for {
			data, err := l.conn.ReceiveDatagram(ctx)
			if err != nil {
				finish(err)
				return
			}
			if len(data) > maxFrame {
				continue
			}
			deliver(data)
		}
	}()
}

// Server accepts QUIC connections.
type Server struct {
	cfg       Config
	admission *sessionnet.Admission
	queue     sessionnet.EventQueue

	mu       sync.Mutex
	listener *quic.Listener
	cancel   context.CancelFunc
	links    map[uint64]*link
	closed   bool
	wg       sync.WaitGroup
}

var _ sessionnet.Server = (*Server)(nil)

// NewServer prepares a host; Listen binds it.
func NewServer(cfg Config, admission *sessionnet.Admission) *Server {
	return &Server{
		cfg:       cfg.normalized(),
		admission: admission,
		links:     make(map[uint64]*link),
	}
}

// Listen binds the UDP socket and starts accepting.
func (s *Server) Listen(ctx context.Context) error {
	tlsConf := s.cfg.TLS
	if tlsConf == nil {
		generated, err := ServerTLSConfig()
		if err != nil {
			return err
		}
		tlsConf = generated
	}
	ln, err := quic.ListenAddr(s.cfg.Addr, tlsConf, s.cfg.quicConfig())
	if err != nil {
		return fmt.Errorf("quic: listen %s: %w", s.cfg.Addr, err)
	}
	acceptCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.listener = ln
	s.cancel = cancel
	s.closed = false
	s.mu.Unlock()
	s.cfg.Logger.Printf("[quic] host listening on %s", ln.Addr())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept(acceptCtx)
			if err != nil {
				return
			}
			go s.handshake(acceptCtx, conn)
		}
	}()
	return nil
}

// Addr reports the bound address, useful when listening on port 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) handshake(ctx context.Context, conn *quic.Conn) {
	hctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()
	stream, err := conn.AcceptStream(hctx)
	if err != nil {
		_ = conn.CloseWithError(closeDenied, "no handshake")
		return
	}
	_ = stream.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	reader := frame.NewReader(stream, s.cfg.MaxFrameSize)
	credential, err := reader.Next()
	if err != nil {
		_ = conn.CloseWithError(closeDenied, "no handshake")
		return
	}
	id, admitErr := s.admission.Admit(credential)
	if err := frame.Write(stream, []byte{byte(token.StatusOf(admitErr))}); err != nil || admitErr != nil {
		if admitErr == nil {
			s.admission.Release(id)
		} else {
			s.cfg.Logger.Printf("[quic] denied %s: %v", conn.RemoteAddr(), admitErr)
		}
		// Give the status frame a moment to leave before tearing down.
		time.AfterFunc(100*time.Millisecond, func() { _ = conn.CloseWithError(closeDenied, "denied") })
		return
	}
	_ = stream.SetReadDeadline(time.Time{})

	var l *link
	l = newLink(conn, stream, s.cfg, func(err error) {
		s.cfg.Logger.Printf("[quic] client %d stalled: %v", id, err)
		if s.drop(id, l, sessionnet.ReasonTimedOut) {
			_ = l.close(closeNormal, "stalled")
		}
	})
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.admission.Release(id)
		_ = l.close(closeNormal, "host closed")
		return
	}
	s.links[id] = l
	s.mu.Unlock()
	s.queue.Push(sessionnet.Event{Kind: sessionnet.EventConnected, Client: id})

	l.readLoops(conn.Context(), s.cfg.MaxFrameSize, reader, func(data []byte) {
		s.queue.Push(sessionnet.Event{Kind: sessionnet.EventMessage, Client: id, Data: data})
	}, func(err error) {
		s.drop(id, l, sessionnet.ReasonTransportLost)
	})
}

// drop forgets a link once; later calls for the same link are no-ops.
func (s *Server) drop(id uint64, l *link, reason sessionnet.Reason) bool {
	s.mu.Lock()
	current, ok := s.links[id]
	if !ok || current != l {
		s.mu.Unlock()
		return false
	}
	delete(s.links, id)
	s.mu.Unlock()
	l.outbox.Close()
	s.admission.Release(id)
	s.queue.Push(sessionnet.Event{Kind: sessionnet.EventDisconnected, Client: id, Reason: reason})
	return true
}

// Send writes to one client.
func (s *Server) Send(client uint64, mode channel.Mode, data []byte) error {
	s.mu.Lock()
	l, ok := s.links[client]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", sessionnet.ErrUnknownClient, client)
	}
	return l.send(mode, data)
}

// Disconnect closes one client's connection.
func (s *Server) Disconnect(client uint64) error {
	s.mu.Lock()
	l, ok := s.links[client]
	s.mu.Unlock()
	if !ok || !s.drop(client, l, sessionnet.ReasonClosed) {
		return fmt.Errorf("%w: %d", sessionnet.ErrUnknownClient, client)
	}
	return l.close(closeNormal, "disconnected")
}

// Clients lists connected ids in ascending order.
func (s *Server) Clients() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uint64, 0, len(s.links))
	for id := range s.links {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Poll drains pending events.
func (s *Server) Poll() []sessionnet.Event {
	return s.queue.Drain()
}

// Close stops accepting and closes every connection.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed || s.listener == nil {
		s.closed = true
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.listener
	cancel := s.cancel
	links := s.links
	s.links = make(map[uint64]*link)
	s.mu.Unlock()

	cancel()
	var err error
	for id, l := range links {
		s.admission.Release(id)
		s.queue.Push(sessionnet.Event{Kind: sessionnet.EventDisconnected, Client: id, Reason: sessionnet.ReasonClosed})
		err = multierr.Append(err, l.close(closeNormal, "host closed"))
	}
	err = multierr.Append(err, ln.Close())
	s.wg.Wait()
	return err
}

// Client dials a QUIC host.
type Client struct {
	cfg   Config
	queue sessionnet.EventQueue

	mu     sync.Mutex
	link   *link
	cancel context.CancelFunc
	dialID uint64
}

var _ sessionnet.Client = (*Client)(nil)

// NewClient prepares a client; only the timeouts, frame cap and logger of
// cfg apply.
func NewClient(cfg Config) *Client {
	return &Client{cfg: cfg.normalized()}
}

// Dial starts the connect handshake in the background.
func (c *Client) Dial(ctx context.Context, addr string, credential []byte) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return errors.New("quic: client already dialing or connected")
	}
	dctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.dialID++
	attempt := c.dialID
	c.mu.Unlock()

	go c.run(dctx, attempt, addr, credential)
	return nil
}

func (c *Client) fail(attempt uint64, reason sessionnet.Reason) {
	c.mu.Lock()
	current := c.dialID == attempt && c.cancel != nil
	if current {
		c.cancel()
		c.cancel = nil
		c.link = nil
	}
	c.mu.Unlock()
	if current {
		c.queue.Push(sessionnet.Event{Kind: sessionnet.EventConnectFailed, Reason: reason})
	}
}

func (c *Client) run(ctx context.Context, attempt uint64, addr string, credential []byte) {
	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	tlsConf := c.cfg.TLS
	if tlsConf == nil {
		tlsConf = ClientTLSConfig()
	}
	conn, err := quic.DialAddr(hctx, addr, tlsConf, c.cfg.quicConfig())
	if err != nil {
		c.cfg.Logger.Printf("[quic] dial %s failed: %v", addr, err)
		c.fail(attempt, sessionnet.ReasonTimedOut)
		return
	}
	stream, err := conn.OpenStreamSync(hctx)
	if err != nil {
		_ = conn.CloseWithError(closeNormal, "handshake failed")
		c.fail(attempt, sessionnet.ReasonTimedOut)
		return
	}
	if err := frame.Write(stream, credential); err != nil {
		_ = conn.CloseWithError(closeNormal, "handshake failed")
		c.fail(attempt, sessionnet.ReasonTimedOut)
		return
	}
	_ = stream.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	reader := frame.NewReader(stream, c.cfg.MaxFrameSize)
	reply, err := reader.Next()
	if err != nil || len(reply) != 1 {
		_ = conn.CloseWithError(closeNormal, "handshake failed")
		c.fail(attempt, sessionnet.ReasonTimedOut)
		return
	}
	if err := token.Status(reply[0]).Err(); err != nil {
		_ = conn.CloseWithError(closeNormal, "denied")
		c.fail(attempt, sessionnet.ReasonFor(err))
		return
	}
	_ = stream.SetReadDeadline(time.Time{})

	var l *link
	l = newLink(conn, stream, c.cfg, func(err error) {
		c.cfg.Logger.Printf("[quic] host stalled: %v", err)
		if c.lost(l, sessionnet.ReasonTimedOut) {
			_ = l.close(closeNormal, "stalled")
		}
	})
	c.mu.Lock()
	if c.dialID != attempt || c.cancel == nil {
		c.mu.Unlock()
		_ = l.close(closeNormal, "client closed")
		return
	}
	c.link = l
	c.mu.Unlock()
	c.queue.Push(sessionnet.Event{Kind: sessionnet.EventConnected, Client: sessionnet.HostID})

	l.readLoops(conn.Context(), c.cfg.MaxFrameSize, reader, func(data []byte) {
		c.queue.Push(sessionnet.Event{Kind: sessionnet.EventMessage, Client: sessionnet.HostID, Data: data})
	}, func(error) {
		c.lost(l, sessionnet.ReasonTransportLost)
	})
}

func (c *Client) lost(l *link, reason sessionnet.Reason) bool {
	c.mu.Lock()
	if c.link != l {
		c.mu.Unlock()
		return false
	}
	c.link = nil
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()
	l.outbox.Close()
	c.queue.Push(sessionnet.Event{Kind: sessionnet.EventDisconnected, Client: sessionnet.HostID, Reason: reason})
	return true
}

// Send writes to the host.
func (c *Client) Send(mode channel.Mode, data []byte) error {
	c.mu.Lock()
	l := c.link
	c.mu.Unlock()
	if l == nil {
		return sessionnet.ErrNotConnected
	}
	return l.send(mode, data)
}

// Poll drains pending events.
func (c *Client) Poll() []sessionnet.Event {
	return c.queue.Drain()
}

// Close abandons any pending dial and closes the connection. The client
// does not report its own close.
func (c *Client) Close() error {
	c.mu.Lock()
	l := c.link
	c.link = nil
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()
	if l == nil {
		return nil
	}
	return l.close(closeNormal, "client closed")
}
