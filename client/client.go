package client

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"sync"
	"time"

	"github.com/mbocsi/dmxlink/broker"
	"github.com/mbocsi/dmxlink/clock"
	"github.com/mbocsi/dmxlink/proto"
)

type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateReconnecting:
		return "closed-pending-reconnect"
	case StateClosed:
		return "closed-final"
	}
	return "unknown"
}

const (
	DefaultPingInterval = 15 * time.Second
	MinPingInterval     = 5 * time.Second
	DefaultMaxBackoff   = 10 * time.Second
	MinMaxBackoff       = time.Second
)

var ErrHeartbeatTimeout = errors.New("no pong within heartbeat window")

type Options struct {
	URL          string
	Token        string
	PingInterval time.Duration
	MaxBackoff   time.Duration

	Dialer Dialer
	Clock  clock.Clock
	Broker *broker.Broker
	// Rand returns a value in [0, 1) used to jitter reconnect delays.
	Rand  func() float64
	NewID func() string

	OnState       func(proto.StateUpdate)
	OnAck         func(proto.Ack)
	OnAuthFailure func()
	OnConnect     func()
	OnDisconnect  func(error)
}

type Status struct {
	State    State
	Attempt  int
	Queued   int
	LastPong time.Time
}

// Client keeps a websocket connection to the backend alive. Commands sent while
// the connection is down are queued and written in order on the next open.
// After Close, or after the backend rejects the token, the client is done and
// a new one must be created.
type Client struct {
	opts Options
	url  string

	// writeMu serializes socket writes and is taken before mu. Writes run
	// with mu released so a stalled socket does not block Status or inbound
	// bookkeeping.
	writeMu sync.Mutex

	mu             sync.Mutex
	state          State
	started        bool
	gen            uint64
	conn           Conn
	queue          [][]byte
	attempt        int
	lastPong       time.Time
	pingTimer      clock.Timer
	reconnectTimer clock.Timer
	cancelDial     context.CancelFunc
}

func NewClient(opts Options) *Client {
	if opts.PingInterval == 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.PingInterval < MinPingInterval {
		opts.PingInterval = MinPingInterval
	}
	if opts.MaxBackoff == 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	if opts.MaxBackoff < MinMaxBackoff {
		opts.MaxBackoff = MinMaxBackoff
	}
	if opts.Dialer == nil {
		opts.Dialer = NewWebSocketDialer()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	if opts.NewID == nil {
		opts.NewID = proto.NewID
	}

	return &Client{
		opts:  opts,
		url:   withToken(opts.URL, opts.Token),
		state: StateConnecting,
	}
}

func withToken(rawURL, token string) string {
	if token == "" {
		return rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL + "?token=" + url.QueryEscape(token)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

// Backoff returns the reconnect delay for the given attempt:
// min(1s * 2^attempt, limit) scaled by a jitter factor in [0.6, 1.4) derived
// from r in [0, 1), and never above limit.
func Backoff(attempt int, limit time.Duration, r float64) time.Duration {
	d := limit
	if attempt < 30 {
		if b := time.Second << attempt; b < d {
			d = b
		}
	}
	d = time.Duration(float64(d) * (0.6 + r*0.8))
	if d > limit {
		d = limit
	}
	return d
}

// Start begins connecting. It returns immediately.
func (c *Client) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.state == StateClosed || c.state == StateClosing {
		return
	}
	c.started = true
	c.connectLocked()
}

func (c *Client) connectLocked() {
	c.state = StateConnecting
	c.gen++
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelDial = cancel
	slog.Info("Connecting to backend", "url", c.opts.URL, "attempt", c.attempt)
	go c.dial(ctx, cancel, c.gen)
}

func (c *Client) dial(ctx context.Context, cancel context.CancelFunc, gen uint64) {
	defer cancel()
	conn, err := c.opts.Dialer.Dial(ctx, c.url)

	c.writeMu.Lock()
	c.mu.Lock()
	if gen != c.gen || c.state != StateConnecting {
		c.mu.Unlock()
		c.writeMu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	c.cancelDial = nil

	if err != nil {
		var after func()
		if errors.Is(err, ErrUnauthorized) {
			after = c.authFailedLocked()
		} else {
			slog.Warn("Failed to connect to backend", "url", c.opts.URL, "error", err)
			after = c.dropLocked(err)
		}
		c.mu.Unlock()
		c.writeMu.Unlock()
		after()
		return
	}

	c.conn = conn
	c.state = StateOpen
	c.attempt = 0
	c.lastPong = c.opts.Clock.Now()
	if err := c.flushQueueLocked(); err != nil {
		slog.Warn("Failed to flush queued commands", "error", err)
		after := c.dropLocked(err)
		c.mu.Unlock()
		c.writeMu.Unlock()
		after()
		return
	}
	c.armHeartbeatLocked(gen)
	c.mu.Unlock()
	c.writeMu.Unlock()

	slog.Info("Connected to backend", "url", c.opts.URL)
	go c.readLoop(conn, gen)
	if c.opts.OnConnect != nil {
		c.safely("OnConnect", c.opts.OnConnect)
	}
}

// flushQueueLocked writes queued payloads in order. On failure the unsent
// payloads stay queued.
func (c *Client) flushQueueLocked() error {
	for len(c.queue) > 0 {
		if err := c.conn.WriteMessage(c.queue[0]); err != nil {
			return err
		}
		c.queue = c.queue[1:]
	}
	c.queue = nil
	return nil
}

func (c *Client) readLoop(conn Conn, gen uint64) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if gen != c.gen || c.state != StateOpen {
				c.mu.Unlock()
				return
			}
			slog.Warn("Connection to backend lost", "error", err)
			after := c.dropLocked(err)
			c.mu.Unlock()
			after()
			return
		}
		c.handleMessage(data, gen)
	}
}

func (c *Client) handleMessage(data []byte, gen uint64) {
	in, err := proto.Decode(data)
	if err != nil {
		slog.Debug("Ignoring malformed message", "error", err, "size", len(data))
		return
	}

	switch {
	case in.State != nil:
		if c.opts.OnState != nil {
			c.safely("OnState", func() { c.opts.OnState(*in.State) })
		}
	case in.Pong != nil:
		c.mu.Lock()
		if gen == c.gen {
			c.lastPong = c.opts.Clock.Now()
		}
		c.mu.Unlock()
	case in.Err != nil:
		if in.Err.Code != 401 {
			slog.Warn("Backend reported error", "code", in.Err.Code, "message", in.Err.Message)
			return
		}
		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return
		}
		after := c.authFailedLocked()
		c.mu.Unlock()
		after()
	case in.Ack != nil:
		ack := *in.Ack
		if c.opts.OnAck != nil {
			c.safely("OnAck", func() { c.opts.OnAck(ack) })
		}
		if c.opts.Broker != nil {
			c.opts.Broker.Publish(ack)
		}
	}
}

func (c *Client) armHeartbeatLocked(gen uint64) {
	c.pingTimer = c.opts.Clock.AfterFunc(c.opts.PingInterval, func() { c.heartbeat(gen) })
}

func (c *Client) pongTimeout() time.Duration {
	return 2*c.opts.PingInterval + 5*time.Second
}

func (c *Client) heartbeat(gen uint64) {
	c.writeMu.Lock()
	c.mu.Lock()
	if gen != c.gen || c.state != StateOpen {
		c.mu.Unlock()
		c.writeMu.Unlock()
		return
	}
	c.pingTimer = nil
	conn := c.conn
	c.mu.Unlock()

	now := c.opts.Clock.Now()
	ping, _ := json.Marshal(proto.NewPing(clock.Millis(now)))
	err := conn.WriteMessage(ping)

	c.mu.Lock()
	var after func()
	switch {
	case gen != c.gen || c.state != StateOpen:
	case err != nil:
		slog.Warn("Failed to send ping", "error", err)
		after = c.dropLocked(err)
	case now.Sub(c.lastPong) > c.pongTimeout():
		slog.Warn("No pong from backend, closing connection", "since_last_pong", now.Sub(c.lastPong))
		after = c.dropLocked(ErrHeartbeatTimeout)
	default:
		c.armHeartbeatLocked(gen)
	}
	c.mu.Unlock()
	c.writeMu.Unlock()
	if after != nil {
		after()
	}
}

// dropLocked tears down the current connection and schedules a reconnect.
// The returned func closes the socket and must run after unlocking.
func (c *Client) dropLocked(cause error) func() {
	c.stopTimersLocked()
	conn := c.conn
	c.conn = nil
	c.gen++

	c.state = StateReconnecting
	c.attempt++
	delay := Backoff(c.attempt, c.opts.MaxBackoff, c.opts.Rand())
	gen := c.gen
	c.reconnectTimer = c.opts.Clock.AfterFunc(delay, func() { c.reconnect(gen) })
	slog.Info("Scheduled reconnect", "attempt", c.attempt, "delay", delay, "queued", len(c.queue))

	return func() {
		if conn != nil {
			if err := conn.Close(); err != nil {
				slog.Debug("Error closing dropped connection", "error", err)
			}
		}
		if c.opts.OnDisconnect != nil {
			c.safely("OnDisconnect", func() { c.opts.OnDisconnect(cause) })
		}
	}
}

func (c *Client) reconnect(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.state != StateReconnecting {
		return
	}
	c.reconnectTimer = nil
	c.connectLocked()
}

// authFailedLocked makes the client terminal; 401 is never retried.
func (c *Client) authFailedLocked() func() {
	slog.Error("Backend rejected credentials", "url", c.opts.URL)
	c.stopTimersLocked()
	c.gen++
	c.state = StateClosed
	conn := c.conn
	c.conn = nil
	c.queue = nil

	return func() {
		if conn != nil {
			conn.Close()
		}
		if c.opts.OnAuthFailure != nil {
			c.safely("OnAuthFailure", c.opts.OnAuthFailure)
		}
	}
}

func (c *Client) stopTimersLocked() {
	if c.pingTimer != nil {
		c.pingTimer.Stop()
		c.pingTimer = nil
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
}

// SendCommand writes cmd if the connection is open and queues it otherwise.
// A missing id or timestamp is filled in on cmd. Errors never surface here: a
// failed write re-queues the payload and reconnects, and commands sent after
// Close are dropped.
func (c *Client) SendCommand(cmd proto.Command) {
	h := cmd.Header()
	if h.ID == "" {
		h.ID = c.opts.NewID()
	}
	if h.TS == 0 {
		h.TS = clock.Millis(c.opts.Clock.Now())
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		slog.Error("Failed to marshal command", "type", h.Type, "id", h.ID, "error", err)
		return
	}

	c.writeMu.Lock()
	c.mu.Lock()
	switch c.state {
	case StateClosed, StateClosing:
		c.mu.Unlock()
		c.writeMu.Unlock()
		slog.Warn("Dropping command on closed client", "type", h.Type, "id", h.ID)
		return
	case StateOpen:
		conn, gen := c.conn, c.gen
		c.mu.Unlock()
		err := conn.WriteMessage(data)
		if err == nil {
			c.writeMu.Unlock()
			slog.Debug("Sent command", "type", h.Type, "id", h.ID)
			return
		}

		slog.Warn("Failed to send command", "type", h.Type, "id", h.ID, "error", err)
		c.mu.Lock()
		var after func()
		switch {
		case c.state == StateClosed || c.state == StateClosing:
		case gen == c.gen && c.state == StateOpen:
			c.queue = append([][]byte{data}, c.queue...)
			after = c.dropLocked(err)
		default:
			// Already dropped by the read loop; nothing else was queued
			// while writeMu was held.
			c.queue = append([][]byte{data}, c.queue...)
		}
		c.mu.Unlock()
		c.writeMu.Unlock()
		if after != nil {
			after()
		}
	default:
		c.queue = append(c.queue, data)
		queued := len(c.queue)
		c.mu.Unlock()
		c.writeMu.Unlock()
		slog.Debug("Queued command", "type", h.Type, "id", h.ID, "queued", queued)
	}
}

// Close stops the client for good. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateClosing {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing
	c.stopTimersLocked()
	c.gen++
	conn := c.conn
	c.conn = nil
	c.queue = nil
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
		if c.opts.OnDisconnect != nil {
			c.safely("OnDisconnect", func() { c.opts.OnDisconnect(ErrClosed) })
		}
	}

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	slog.Info("Backend client closed", "url", c.opts.URL)
	return err
}

func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:    c.state,
		Attempt:  c.attempt,
		Queued:   len(c.queue),
		LastPong: c.lastPong,
	}
}

func (c *Client) safely(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("Client callback panicked", "callback", name, "panic", r)
		}
	}()
	fn()
}
