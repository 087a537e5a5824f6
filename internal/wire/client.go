// Package wire implements the daemon's WebSocket transport to the
// coordination service: a reconnecting client for the /cli namespace carrying
// JSON event frames with optional acknowledgements.
//
// A connector owns exactly one Client. Inbound event frames are dispatched
// sequentially from a single mailbox goroutine, which keeps ordering for
// terminal traffic and state broadcasts. A handler that can block for long
// stretches (anything spawning a subprocess) must hand the work to its own
// goroutine rather than stall the mailbox; the connectors do this for every
// rpc-request, so in-flight requests overlap and the mailbox never backs up
// behind one. Ack frames bypass the mailbox entirely and are routed straight
// to their waiters.
package wire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrNotConnected is returned for emits attempted while the socket is down.
var ErrNotConnected = errors.New("not connected")

// Client types accepted by the coordination service handshake.
const (
	ClientTypeMachineScoped = "machine-scoped"
	ClientTypeSessionScoped = "session-scoped"
)

const (
	defaultMinReconnectDelay = 1 * time.Second
	defaultMaxReconnectDelay = 5 * time.Second
	writeTimeout             = 10 * time.Second
	mailboxCapacity          = 256
	maxFrameSize             = 16 * 1024 * 1024
)

// AuthPayload is sent as the first frame of every connection.
type AuthPayload struct {
	Token      string `json:"token"`
	ClientType string `json:"clientType"`
	MachineID  string `json:"machineId,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
}

// frame is the on-the-wire envelope. Exactly one of the following holds:
// an event (Event set, Ack optionally requesting a reply) or an ack reply
// (AckFor set, Data carrying the responder's value).
type frame struct {
	Event  string          `json:"event,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Ack    int64           `json:"ack,omitempty"`
	AckFor int64           `json:"ackFor,omitempty"`
}

// AckFunc replies to an event that requested an acknowledgement. It is a
// no-op for events that did not.
type AckFunc func(v any)

// Handler processes one inbound event.
type Handler func(data json.RawMessage, ack AckFunc)

// Config configures a Client.
type Config struct {
	// URL is the WebSocket endpoint, e.g. wss://host. The /socket.io/ path
	// is appended by the client.
	URL  string
	Auth AuthPayload

	MinReconnectDelay time.Duration
	MaxReconnectDelay time.Duration

	Logger *slog.Logger
}

// Client is a reconnecting WebSocket client for one connector.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	connWait  chan struct{} // closed while connected; replaced on disconnect

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	onConnect    []func()
	onDisconnect []func()

	writeMu sync.Mutex

	ackSeq  atomic.Int64
	ackMu   sync.Mutex
	pending map[int64]chan json.RawMessage

	mailbox chan frame
	once    sync.Once
}

// New creates a Client. Call Run to start connecting.
func New(cfg Config) *Client {
	if cfg.MinReconnectDelay <= 0 {
		cfg.MinReconnectDelay = defaultMinReconnectDelay
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = defaultMaxReconnectDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		cfg:      cfg,
		logger:   logger,
		handlers: make(map[string]Handler),
		pending:  make(map[int64]chan json.RawMessage),
		mailbox:  make(chan frame, mailboxCapacity),
	}
	c.connWait = make(chan struct{})
	return c
}

// On registers the handler for an inbound event. Later registration for the
// same event overwrites the prior one.
func (c *Client) On(event string, h Handler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[event] = h
}

// OnConnect registers a callback invoked after each successful handshake,
// before any inbound event of that connection is dispatched.
func (c *Client) OnConnect(fn func()) {
	c.onConnect = append(c.onConnect, fn)
}

// OnDisconnect registers a callback invoked after each connection loss.
func (c *Client) OnDisconnect(fn func()) {
	c.onDisconnect = append(c.onDisconnect, fn)
}

// Run connects and serves until ctx is cancelled, reconnecting with bounded
// backoff. Connection loss is never surfaced to callers of Emit as a Run
// error; they observe ErrNotConnected instead.
func (c *Client) Run(ctx context.Context) error {
	c.once.Do(func() { go c.dispatchLoop(ctx) })

	delay := c.cfg.MinReconnectDelay
	for {
		connected, err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			delay = c.cfg.MinReconnectDelay
		}
		c.logger.Info("disconnected from server, reconnecting", "error", err, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.cfg.MaxReconnectDelay {
			delay = c.cfg.MaxReconnectDelay
		}
	}
}

// Connected reports whether the socket is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// WaitConnected blocks until the socket is up or ctx expires.
func (c *Client) WaitConnected(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.connected {
			c.mu.Unlock()
			return nil
		}
		wait := c.connWait
		c.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// Emit sends a fire-and-forget event.
func (c *Client) Emit(event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	return c.writeFrame(frame{Event: event, Data: data})
}

// EmitWithAck sends an event that requests an acknowledgement and blocks
// until the reply arrives, ctx expires, or the connection drops.
func (c *Client) EmitWithAck(ctx context.Context, event string, v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", event, err)
	}

	id := c.ackSeq.Add(1)
	ch := make(chan json.RawMessage, 1)
	c.ackMu.Lock()
	c.pending[id] = ch
	c.ackMu.Unlock()
	defer func() {
		c.ackMu.Lock()
		delete(c.pending, id)
		c.ackMu.Unlock()
	}()

	if err := c.writeFrame(frame{Event: event, Data: data, Ack: id}); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case reply, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return reply, nil
	}
}

func (c *Client) connectAndServe(ctx context.Context) (connected bool, err error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL+"/socket.io/", http.Header{})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(maxFrameSize)

	// The auth frame opens the /cli namespace for this connection.
	auth, err := json.Marshal(c.cfg.Auth)
	if err != nil {
		conn.Close()
		return false, fmt.Errorf("marshal auth: %w", err)
	}
	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err = conn.WriteJSON(frame{Event: "auth", Data: auth})
	c.writeMu.Unlock()
	if err != nil {
		conn.Close()
		return false, fmt.Errorf("send auth: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	close(c.connWait)
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.connected = false
		c.connWait = make(chan struct{})
		c.mu.Unlock()
		conn.Close()
		c.failPendingAcks()
		for _, fn := range c.onDisconnect {
			fn()
		}
	}()

	for _, fn := range c.onConnect {
		fn()
	}

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		if f.AckFor != 0 {
			c.deliverAck(f.AckFor, f.Data)
			continue
		}
		if f.Event == "" {
			continue
		}
		select {
		case c.mailbox <- f:
		default:
			c.logger.Error("inbound mailbox full, dropping event", "event", f.Event)
		}
	}
}

// dispatchLoop drains the mailbox, invoking handlers one at a time. The loop
// survives reconnects so queued events are never lost with the connection.
func (c *Client) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-c.mailbox:
			c.handlersMu.RLock()
			h := c.handlers[f.Event]
			c.handlersMu.RUnlock()
			if h == nil {
				c.logger.Debug("no handler for event", "event", f.Event)
				continue
			}
			ack := AckFunc(func(any) {})
			if f.Ack != 0 {
				ackID := f.Ack
				ack = func(v any) {
					data, err := json.Marshal(v)
					if err != nil {
						c.logger.Error("marshal ack reply", "event", f.Event, "error", err)
						return
					}
					if err := c.writeFrame(frame{AckFor: ackID, Data: data}); err != nil {
						c.logger.Warn("send ack reply", "event", f.Event, "error", err)
					}
				}
			}
			h(f.Data, ack)
		}
	}
}

func (c *Client) writeFrame(f frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(f); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

func (c *Client) deliverAck(id int64, data json.RawMessage) {
	c.ackMu.Lock()
	ch := c.pending[id]
	delete(c.pending, id)
	c.ackMu.Unlock()
	if ch != nil {
		ch <- data
	}
}

// failPendingAcks closes every outstanding ack waiter after a disconnect so
// callers observe a transport failure instead of hanging on a dead socket.
func (c *Client) failPendingAcks() {
	c.ackMu.Lock()
	defer c.ackMu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}
