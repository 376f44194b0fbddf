// Package ws carries the session over websockets. Every channel mode is
// delivered reliably; the first binary message on a connection is the
// connect token.
package ws

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/multierr"

	"tabletop/session/internal/channel"
	sessionnet "tabletop/session/internal/net"
	"tabletop/session/internal/net/token"
	"tabletop/session/internal/telemetry"
)

// Path is the route the host mounts the handler on.
const Path = sessionnet.WebSocketPath

type HandlerConfig struct {
	Logger           telemetry.Logger
	HandshakeTimeout time.Duration
	MaxMessageSize   int64
	// WriteTimeout bounds one message write; a peer that cannot take a
	// message in time is dropped.
	WriteTimeout time.Duration
	// OutboxDepth bounds the messages queued per connection.
	OutboxDepth int
}

func (c HandlerConfig) normalized() HandlerConfig {
	if c.Logger == nil {
		c.Logger = telemetry.LoggerFunc(func(string, ...any) {})
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 32 << 20
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = sessionnet.DefaultWriteTimeout
	}
	if c.OutboxDepth <= 0 {
		c.OutboxDepth = sessionnet.DefaultOutboxDepth
	}
	return c
}

// conn owns one websocket. The handshake writes directly; once admitted,
// every write goes through the outbox so gorilla sees a single writer.
type conn struct {
	ws      *websocket.Conn
	timeout time.Duration
	outbox  *sessionnet.Outbox
}

func (c *conn) write(data []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

// start hands writes to a background writer. stalled runs once if the peer
// stops draining them.
func (c *conn) start(depth int, stalled func(error)) {
	c.outbox = sessionnet.NewOutbox(depth, func(out sessionnet.Outgoing) error {
		return c.write(out.Data)
	}, stalled)
}

func (c *conn) send(mode channel.Mode, data []byte) error {
	if c.outbox == nil {
		return sessionnet.ErrNotConnected
	}
	return c.outbox.Push(mode, data)
}

// close may run concurrently with the writer; gorilla permits WriteControl
// and Close alongside one writer.
func (c *conn) close(code int, text string) error {
	if c.outbox != nil {
		c.outbox.Close()
	}
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
	return c.ws.Close()
}

// Handler is the host side: it upgrades requests on Path while listening.
type Handler struct {
	cfg       HandlerConfig
	admission *sessionnet.Admission
	upgrader  websocket.Upgrader
	queue     sessionnet.EventQueue

	mu        sync.Mutex
	listening bool
	conns     map[uint64]*conn
}

var _ sessionnet.Server = (*Handler)(nil)

func NewHandler(cfg HandlerConfig, admission *sessionnet.Admission) *Handler {
	return &Handler{
		cfg:       cfg.normalized(),
		admission: admission,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *nethttp.Request) bool {
				return true
			},
		},
		conns: make(map[uint64]*conn),
	}
}

// Listen starts accepting upgrades. The HTTP listener itself belongs to the
// caller.
func (h *Handler) Listen(context.Context) error {
	h.mu.Lock()
	h.listening = true
	h.mu.Unlock()
	return nil
}

func (h *Handler) Handle(w nethttp.ResponseWriter, r *nethttp.Request) {
	h.mu.Lock()
	listening := h.listening
	h.mu.Unlock()
	if !listening {
		nethttp.Error(w, "not hosting", nethttp.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.cfg.Logger.Printf("[ws] upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}
	ws.SetReadLimit(h.cfg.MaxMessageSize)
	c := &conn{ws: ws, timeout: h.cfg.WriteTimeout}

	_ = ws.SetReadDeadline(time.Now().Add(h.cfg.HandshakeTimeout))
	_, credential, err := ws.ReadMessage()
	if err != nil {
		_ = ws.Close()
		return
	}
	id, admitErr := h.admission.Admit(credential)
	if err := c.write([]byte{byte(token.StatusOf(admitErr))}); err != nil || admitErr != nil {
		if admitErr == nil {
			h.admission.Release(id)
		} else {
			h.cfg.Logger.Printf("[ws] denied %s: %v", r.RemoteAddr, admitErr)
		}
		_ = c.close(websocket.ClosePolicyViolation, "denied")
		return
	}
	_ = ws.SetReadDeadline(time.Time{})

	h.mu.Lock()
	if !h.listening {
		h.mu.Unlock()
		h.admission.Release(id)
		_ = c.close(websocket.CloseGoingAway, "host closed")
		return
	}
	c.start(h.cfg.OutboxDepth, func(err error) {
		h.cfg.Logger.Printf("[ws] client %d stalled: %v", id, err)
		if h.drop(id, c, sessionnet.ReasonTimedOut) {
			_ = c.close(websocket.CloseGoingAway, "stalled")
		}
	})
	h.conns[id] = c
	h.mu.Unlock()
	h.queue.Push(sessionnet.Event{Kind: sessionnet.EventConnected, Client: id})

	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			h.drop(id, c, sessionnet.ReasonTransportLost)
			_ = ws.Close()
			return
		}
		h.queue.Push(sessionnet.Event{Kind: sessionnet.EventMessage, Client: id, Data: payload})
	}
}

func (h *Handler) drop(id uint64, c *conn, reason sessionnet.Reason) bool {
	h.mu.Lock()
	current, ok := h.conns[id]
	if !ok || current != c {
		h.mu.Unlock()
		return false
	}
	delete(h.conns, id)
	h.mu.Unlock()
	c.outbox.Close()
	h.admission.Release(id)
	h.queue.Push(sessionnet.Event{Kind: sessionnet.EventDisconnected, Client: id, Reason: reason})
	return true
}

// Send queues a message for one client. Every mode is delivered reliably.
func (h *Handler) Send(client uint64, mode channel.Mode, data []byte) error {
	h.mu.Lock()
	c, ok := h.conns[client]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", sessionnet.ErrUnknownClient, client)
	}
	return c.send(mode, data)
}

func (h *Handler) Disconnect(client uint64) error {
	h.mu.Lock()
	c, ok := h.conns[client]
	h.mu.Unlock()
	if !ok || !h.drop(client, c, sessionnet.ReasonClosed) {
		return fmt.Errorf("%w: %d", sessionnet.ErrUnknownClient, client)
	}
	return c.close(websocket.CloseNormalClosure, "disconnected")
}

func (h *Handler) Clients() []uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]uint64, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (h *Handler) Poll() []sessionnet.Event {
	return h.queue.Drain()
}

// Close stops accepting and closes every connection.
func (h *Handler) Close() error {
	h.mu.Lock()
	h.listening = false
	conns := h.conns
	h.conns = make(map[uint64]*conn)
	h.mu.Unlock()

	var err error
	for id, c := range conns {
		h.admission.Release(id)
		h.queue.Push(sessionnet.Event{Kind: sessionnet.EventDisconnected, Client: id, Reason: sessionnet.ReasonClosed})
		err = multierr.Append(err, c.close(websocket.CloseGoingAway, "host closed"))
	}
	return err
}

// Client dials a websocket host.
type Client struct {
	cfg    HandlerConfig
	dialer *websocket.Dialer
	queue  sessionnet.EventQueue

	mu      sync.Mutex
	conn    *conn
	dialing bool
	cancel  context.CancelFunc
}

var _ sessionnet.Client = (*Client)(nil)

func NewClient(cfg HandlerConfig) *Client {
	cfg = cfg.normalized()
	return &Client{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
	}
}

// URL turns a host address into the websocket endpoint.
func URL(addr string) string {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return addr
	}
	return "ws://" + addr + Path
}

// Dial starts the connect handshake in the background.
func (c *Client) Dial(ctx context.Context, addr string, credential []byte) error {
	c.mu.Lock()
	if c.dialing || c.conn != nil {
		c.mu.Unlock()
		return errors.New("ws: client already dialing or connected")
	}
	dctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	c.dialing = true
	c.cancel = cancel
	c.mu.Unlock()

	go c.run(dctx, cancel, addr, credential)
	return nil
}

func (c *Client) fail(reason sessionnet.Reason) {
	c.mu.Lock()
	wasDialing := c.dialing
	c.dialing = false
	c.cancel = nil
	c.mu.Unlock()
	if wasDialing {
		c.queue.Push(sessionnet.Event{Kind: sessionnet.EventConnectFailed, Reason: reason})
	}
}

func (c *Client) run(ctx context.Context, cancel context.CancelFunc, addr string, credential []byte) {
	defer cancel()
	ws, resp, err := c.dialer.DialContext(ctx, URL(addr), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		c.cfg.Logger.Printf("[ws] dial %s failed: %v", addr, err)
		c.fail(sessionnet.ReasonTimedOut)
		return
	}
	ws.SetReadLimit(c.cfg.MaxMessageSize)
	cn := &conn{ws: ws, timeout: c.cfg.WriteTimeout}
	if err := cn.write(credential); err != nil {
		_ = ws.Close()
		c.fail(sessionnet.ReasonTimedOut)
		return
	}
	_ = ws.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	_, reply, err := ws.ReadMessage()
	if err != nil || len(reply) != 1 {
		_ = ws.Close()
		c.fail(sessionnet.ReasonTimedOut)
		return
	}
	if err := token.Status(reply[0]).Err(); err != nil {
		_ = ws.Close()
		c.fail(sessionnet.ReasonFor(err))
		return
	}
	_ = ws.SetReadDeadline(time.Time{})

	c.mu.Lock()
	if !c.dialing {
		c.mu.Unlock()
		_ = ws.Close()
		return
	}
	c.dialing = false
	c.cancel = nil
	cn.start(c.cfg.OutboxDepth, func(err error) {
		c.cfg.Logger.Printf("[ws] host stalled: %v", err)
		if c.lost(cn, sessionnet.ReasonTimedOut) {
			_ = cn.close(websocket.CloseGoingAway, "stalled")
		}
	})
	c.conn = cn
	c.mu.Unlock()
	c.queue.Push(sessionnet.Event{Kind: sessionnet.EventConnected, Client: sessionnet.HostID})

	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			c.lost(cn, sessionnet.ReasonTransportLost)
			_ = ws.Close()
			return
		}
		c.queue.Push(sessionnet.Event{Kind: sessionnet.EventMessage, Client: sessionnet.HostID, Data: payload})
	}
}

func (c *Client) lost(cn *conn, reason sessionnet.Reason) bool {
	c.mu.Lock()
	if c.conn != cn {
		c.mu.Unlock()
		return false
	}
	c.conn = nil
	c.mu.Unlock()
	cn.outbox.Close()
	c.queue.Push(sessionnet.Event{Kind: sessionnet.EventDisconnected, Client: sessionnet.HostID, Reason: reason})
	return true
}

func (c *Client) Send(mode channel.Mode, data []byte) error {
	c.mu.Lock()
	cn := c.conn
	c.mu.Unlock()
	if cn == nil {
		return sessionnet.ErrNotConnected
	}
	return cn.send(mode, data)
}

func (c *Client) Poll() []sessionnet.Event {
	return c.queue.Drain()
}

// Close abandons any pending dial and closes the connection without
// reporting it.
func (c *Client) Close() error {
	c.mu.Lock()
	cn := c.conn
	c.conn = nil
	c.dialing = false
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()
	if cn == nil {
		return nil
	}
	return cn.close(websocket.CloseNormalClosure, "client closed")
}
