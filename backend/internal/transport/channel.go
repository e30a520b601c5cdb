package transport

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"collabcore/backend/internal/protocol"
)

// State is the channel's connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

var ErrNotConnected = errors.New("transport: channel not connected")

// Options tune the reconnect behavior. Zero values fall back to the defaults
// below.
type Options struct {
	// RetryInterval is the fixed pause between automatic reconnect attempts.
	RetryInterval time.Duration
	// MaxRetries bounds automatic reconnects; once exhausted the channel
	// stays disconnected until Reconnect is called explicitly.
	MaxRetries       int
	HandshakeTimeout time.Duration
	// SendQueueSize is the outbound buffer; a full queue drops the frame.
	SendQueueSize int
}

const (
	defaultRetryInterval = 2 * time.Second
	defaultMaxRetries    = 5
	defaultQueueSize     = 32
)

// Channel is one duplex WebSocket per client. Send is fire-and-forget; any
// acknowledgement bookkeeping belongs to the caller.
type Channel struct {
	url    string
	header http.Header
	opt    Options
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	send    chan protocol.Envelope
	state   State
	closing bool

	handler        func(protocol.Message)
	onReconnect    func()
	onDisconnected func()
}

func NewChannel(url string, header http.Header, opt Options) *Channel {
	if opt.RetryInterval <= 0 {
		opt.RetryInterval = defaultRetryInterval
	}
	if opt.MaxRetries <= 0 {
		opt.MaxRetries = defaultMaxRetries
	}
	if opt.SendQueueSize <= 0 {
		opt.SendQueueSize = defaultQueueSize
	}
	dialer := &websocket.Dialer{HandshakeTimeout: opt.HandshakeTimeout}
	if dialer.HandshakeTimeout <= 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}
	return &Channel{
		url:    url,
		header: header,
		opt:    opt,
		dialer: dialer,
		state:  StateDisconnected,
	}
}

// OnMessage registers the single inbound handler. Handlers run on the read
// goroutine, so delivery order is exactly socket arrival order.
func (c *Channel) OnMessage(h func(protocol.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// OnReconnect registers a hook fired after every successful reconnect. The
// server keeps no session affinity across sockets, so the hook must re-join.
func (c *Channel) OnReconnect(h func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnect = h
}

// OnDisconnected registers a hook fired when the automatic retry budget runs
// out, so the owner can mark its own state disconnected.
func (c *Channel) OnDisconnected(h func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnected = h
}

func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.closing = false
	c.mu.Unlock()

	conn, _, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return err
	}
	c.attach(conn)
	return nil
}

// attach installs a freshly dialed socket and starts its loops.
func (c *Channel) attach(conn *websocket.Conn) {
	send := make(chan protocol.Envelope, c.opt.SendQueueSize)
	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.send = send
	c.state = StateConnected
	c.mu.Unlock()
	go c.writeLoop(conn, send, done)
	go c.readLoop(conn, done)
}

func (c *Channel) readLoop(conn *websocket.Conn, done chan struct{}) {
	// send is never closed: the write loop stops through done, so a Send
	// racing the teardown can never hit a closed channel.
	defer close(done)
	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			c.handleClosed(conn, err)
			return
		}
		msg, err := protocol.Decode(env)
		if err != nil {
			log.Printf("transport: drop frame: %v", err)
			continue
		}
		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h != nil {
			h(msg)
		}
	}
}

func (c *Channel) writeLoop(conn *websocket.Conn, send chan protocol.Envelope, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case env := <-send:
			if err := conn.WriteJSON(env); err != nil {
				log.Printf("transport: write error: %v", err)
				return
			}
		}
	}
}

// Send seals and enqueues one message. A full queue drops the frame rather
// than blocking the caller.
func (c *Channel) Send(msg protocol.Message) error {
	env, err := protocol.Seal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	send := c.send
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected || send == nil {
		return ErrNotConnected
	}
	select {
	case send <- env:
	default:
	}
	return nil
}

// handleClosed runs on the read goroutine after the socket dies. An expected
// closure (Disconnect) ends quietly; anything else enters the bounded
// reconnect loop.
func (c *Channel) handleClosed(conn *websocket.Conn, cause error) {
	_ = conn.Close()
	c.mu.Lock()
	if c.conn != conn {
		// a stale socket already replaced by a newer dial; the live
		// connection's state must not be touched
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.send = nil
	if c.closing {
		c.state = StateDisconnected
		c.mu.Unlock()
		return
	}
	c.state = StateReconnecting
	c.mu.Unlock()
	log.Printf("transport: connection lost: %v", cause)
	c.retryLoop()
}

// retryLoop dials at a fixed interval up to MaxRetries. Exhaustion leaves the
// channel disconnected with no further automatic attempts.
func (c *Channel) retryLoop() {
	for attempt := 1; attempt <= c.opt.MaxRetries; attempt++ {
		time.Sleep(c.opt.RetryInterval)
		c.mu.Lock()
		if c.closing {
			c.state = StateDisconnected
			c.mu.Unlock()
			return
		}
		if c.state != StateReconnecting {
			// an explicit Reconnect restored the channel mid-sleep;
			// dialing again would orphan the live socket
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		conn, _, err := c.dialer.Dial(c.url, c.header)
		if err != nil {
			log.Printf("transport: reconnect attempt %d/%d failed: %v", attempt, c.opt.MaxRetries, err)
			continue
		}
		c.attach(conn)
		c.mu.Lock()
		h := c.onReconnect
		c.mu.Unlock()
		if h != nil {
			h()
		}
		return
	}
	c.mu.Lock()
	if c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	h := c.onDisconnected
	c.mu.Unlock()
	log.Printf("transport: reconnect attempts exhausted after %d tries", c.opt.MaxRetries)
	if h != nil {
		h()
	}
}

// Reconnect restores a channel whose automatic retry budget ran out. The
// attempt budget starts fresh.
func (c *Channel) Reconnect() error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.closing = false
	c.mu.Unlock()

	conn, _, err := c.dialer.Dial(c.url, c.header)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return err
	}
	c.attach(conn)
	c.mu.Lock()
	h := c.onReconnect
	c.mu.Unlock()
	if h != nil {
		h()
	}
	return nil
}

// Disconnect closes the socket and suppresses automatic reconnects.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.closing = true
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	} else {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
	}
}

func (c *Channel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected
}

func (c *Channel) ConnectionState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
