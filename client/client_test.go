package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mbocsi/dmxlink/broker"
	"github.com/mbocsi/dmxlink/clock"
	"github.com/mbocsi/dmxlink/proto"
)

type fakeConn struct {
	mu       sync.Mutex
	written  [][]byte
	writeErr error
	stall    chan struct{}
	stalled  bool

	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		return nil, ErrClosed
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	stall := c.stall
	c.stalled = stall != nil
	c.mu.Unlock()
	if stall != nil {
		<-stall
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) SetWriteError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

// Stall makes writes block until release is closed.
func (c *fakeConn) Stall(release chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stall = release
}

func (c *fakeConn) Stalled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stalled
}

// Written returns the "type" and "id" of every written message.
func (c *fakeConn) Written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.written))
	for _, data := range c.written {
		var env proto.Envelope
		json.Unmarshal(data, &env)
		if env.ID != "" {
			out = append(out, env.Type+":"+env.ID)
		} else {
			out = append(out, env.Type)
		}
	}
	return out
}

type dialResult struct {
	conn Conn
	err  error
}

type fakeDialer struct {
	mu      sync.Mutex
	urls    []string
	results chan dialResult
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{results: make(chan dialResult, 4)}
}

func (d *fakeDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	d.mu.Lock()
	d.urls = append(d.urls, rawURL)
	d.mu.Unlock()

	select {
	case r := <-d.results:
		return r.conn, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func newTestClient(opts Options) (*Client, *fakeDialer, *clock.Fake) {
	dialer := newFakeDialer()
	fake := clock.NewFake(time.Unix(1000, 0))
	opts.Dialer = dialer
	opts.Clock = fake
	if opts.URL == "" {
		opts.URL = "ws://backend.local/ws"
	}
	if opts.Rand == nil {
		opts.Rand = func() float64 { return 0.5 }
	}
	n := 0
	var mu sync.Mutex
	opts.NewID = func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("gen-%d", n)
	}
	return NewClient(opts), dialer, fake
}

func patch(id string, ch int) *proto.DMXPatch {
	p := proto.NewDMXPatch(0, []proto.PatchEntry{{Ch: ch, Val: 255}})
	p.ID = id
	return p
}

func stateIs(c *Client, s State) func() bool {
	return func() bool { return c.Status().State == s }
}

func TestClient_QueuesWhileConnectingAndFlushesInOrder(t *testing.T) {
	c, dialer, _ := newTestClient(Options{Token: "secret"})
	defer c.Close()
	c.Start()

	c.SendCommand(patch("a", 1))
	c.SendCommand(patch("b", 2))
	c.SendCommand(patch("c", 3))

	if got := c.Status(); got.State != StateConnecting || got.Queued != 3 {
		t.Fatalf("Expected 3 queued while connecting, got %+v", got)
	}

	conn := newFakeConn()
	dialer.results <- dialResult{conn: conn}
	waitFor(t, "open", stateIs(c, StateOpen))

	c.SendCommand(patch("d", 4))

	want := []string{"dmx.patch:a", "dmx.patch:b", "dmx.patch:c", "dmx.patch:d"}
	got := conn.Written()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Expected %v, got %v", want, got)
	}
	if c.Status().Queued != 0 {
		t.Errorf("Expected empty queue, got %d", c.Status().Queued)
	}
}

func TestClient_TokenInURL(t *testing.T) {
	c, dialer, _ := newTestClient(Options{URL: "ws://backend.local/ws", Token: "a b&c"})
	defer c.Close()
	c.Start()

	waitFor(t, "dial", func() bool { return dialer.Dials() == 1 })
	dialer.mu.Lock()
	url := dialer.urls[0]
	dialer.mu.Unlock()
	if url != "ws://backend.local/ws?token=a+b%26c" {
		t.Errorf("Expected token query param, got %s", url)
	}
}

func TestClient_FillsMissingIDAndTimestamp(t *testing.T) {
	c, dialer, fake := newTestClient(Options{})
	defer c.Close()
	c.Start()
	conn := newFakeConn()
	dialer.results <- dialResult{conn: conn}
	waitFor(t, "open", stateIs(c, StateOpen))

	cmd := proto.NewSceneRecall("intro")
	c.SendCommand(cmd)

	if cmd.ID != "gen-1" {
		t.Errorf("Expected generated id, got %q", cmd.ID)
	}
	if cmd.TS != fake.Now().UnixMilli() {
		t.Errorf("Expected timestamp %d, got %d", fake.Now().UnixMilli(), cmd.TS)
	}
}

func TestClient_HeartbeatTimeoutSchedulesJitteredReconnect(t *testing.T) {
	var disconnects []error
	var mu sync.Mutex
	c, dialer, fake := newTestClient(Options{
		PingInterval: 5 * time.Second,
		MaxBackoff:   10 * time.Second,
		OnDisconnect: func(err error) {
			mu.Lock()
			disconnects = append(disconnects, err)
			mu.Unlock()
		},
	})
	defer c.Close()
	c.Start()
	conn := newFakeConn()
	dialer.results <- dialResult{conn: conn}
	waitFor(t, "open", stateIs(c, StateOpen))

	// Pings at 5s, 10s and 15s stay within 2*5s+5s of the open.
	fake.Advance(15 * time.Second)
	if conn.IsClosed() {
		t.Fatal("Connection closed before the pong window expired")
	}
	if got := conn.Written(); len(got) != 3 || got[0] != "ping" {
		t.Errorf("Expected 3 pings, got %v", got)
	}

	fake.Advance(5 * time.Second)
	if !conn.IsClosed() {
		t.Fatal("Expected connection to be force closed")
	}
	st := c.Status()
	if st.State != StateReconnecting || st.Attempt != 1 {
		t.Errorf("Expected pending reconnect attempt 1, got %+v", st)
	}
	delay, ok := fake.NextDeadline()
	if !ok {
		t.Fatal("Expected a reconnect timer")
	}
	if delay != Backoff(1, 10*time.Second, 0.5) {
		t.Errorf("Expected reconnect delay %v, got %v", Backoff(1, 10*time.Second, 0.5), delay)
	}
	if delay < 1200*time.Millisecond || delay > 10*time.Second {
		t.Errorf("Reconnect delay %v outside jitter bounds", delay)
	}

	mu.Lock()
	if len(disconnects) != 1 || !errors.Is(disconnects[0], ErrHeartbeatTimeout) {
		t.Errorf("Expected one heartbeat disconnect, got %v", disconnects)
	}
	mu.Unlock()

	fake.Advance(delay)
	waitFor(t, "redial", func() bool { return dialer.Dials() == 2 })
}

func TestClient_PongKeepsConnectionAlive(t *testing.T) {
	c, dialer, fake := newTestClient(Options{PingInterval: 5 * time.Second})
	defer c.Close()
	c.Start()
	conn := newFakeConn()
	dialer.results <- dialResult{conn: conn}
	waitFor(t, "open", stateIs(c, StateOpen))

	for i := 0; i < 6; i++ {
		fake.Advance(5 * time.Second)
		now := fake.Now()
		conn.inbound <- []byte(`{"type":"pong"}`)
		waitFor(t, "pong", func() bool { return c.Status().LastPong.Equal(now) })
	}

	if conn.IsClosed() {
		t.Error("Expected connection to stay open while pongs arrive")
	}
}

func TestClient_DispatchesInboundMessages(t *testing.T) {
	b := broker.NewBroker()
	var mu sync.Mutex
	var busAcks, cbAcks []proto.Ack
	var states []proto.StateUpdate
	b.Subscribe(func(a proto.Ack) {
		mu.Lock()
		busAcks = append(busAcks, a)
		mu.Unlock()
	})

	c, dialer, _ := newTestClient(Options{
		Broker: b,
		OnAck: func(a proto.Ack) {
			mu.Lock()
			cbAcks = append(cbAcks, a)
			mu.Unlock()
		},
		OnState: func(s proto.StateUpdate) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		},
	})
	defer c.Close()
	c.Start()
	conn := newFakeConn()
	dialer.results <- dialResult{conn: conn}
	waitFor(t, "open", stateIs(c, StateOpen))

	conn.inbound <- []byte(`{not json`)
	conn.inbound <- []byte(`{"type":"mystery"}`)
	conn.inbound <- []byte(`{"type":"err","code":500,"message":"oops"}`)
	conn.inbound <- []byte(`{"type":"state","ts":1,"universes":{"0":{"1":10}}}`)
	conn.inbound <- []byte(`{"ack":"x1","accepted":true}`)

	waitFor(t, "ack", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(busAcks) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if len(cbAcks) != 1 || cbAcks[0].Ack != "x1" || !cbAcks[0].Accepted {
		t.Errorf("Expected ack callback for x1, got %v", cbAcks)
	}
	if len(states) != 1 || states[0].Universes["0"]["1"] != 10 {
		t.Errorf("Expected one state update, got %v", states)
	}
	if c.Status().State != StateOpen {
		t.Errorf("Expected connection to survive malformed input, got %v", c.Status().State)
	}
}

func TestClient_AuthErrorIsTerminal(t *testing.T) {
	authFailed := make(chan struct{})
	c, dialer, fake := newTestClient(Options{
		OnAuthFailure: func() { close(authFailed) },
	})
	c.Start()
	conn := newFakeConn()
	dialer.results <- dialResult{conn: conn}
	waitFor(t, "open", stateIs(c, StateOpen))

	conn.inbound <- []byte(`{"type":"err","code":401,"message":"bad token"}`)
	select {
	case <-authFailed:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected auth failure callback")
	}

	if c.Status().State != StateClosed {
		t.Errorf("Expected closed-final, got %v", c.Status().State)
	}
	if fake.Pending() != 0 {
		t.Errorf("Expected no timers after auth failure, got %d", fake.Pending())
	}
	if !conn.IsClosed() {
		t.Error("Expected socket closed")
	}

	c.SendCommand(patch("late", 1))
	if c.Status().Queued != 0 {
		t.Error("Expected command dropped after auth failure")
	}
}

func TestClient_HandshakeUnauthorized(t *testing.T) {
	called := make(chan struct{})
	c, dialer, fake := newTestClient(Options{OnAuthFailure: func() { close(called) }})
	c.Start()
	dialer.results <- dialResult{err: fmt.Errorf("handshake: %w", ErrUnauthorized)}

	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected auth failure callback")
	}
	if fake.Pending() != 0 {
		t.Errorf("Expected no reconnect after 401, got %d timers", fake.Pending())
	}
}

func TestClient_DialFailuresBackOffAndResetOnOpen(t *testing.T) {
	c, dialer, fake := newTestClient(Options{MaxBackoff: 5 * time.Second})
	defer c.Close()
	c.Start()

	var delays []time.Duration
	for attempt := 1; attempt <= 4; attempt++ {
		dialer.results <- dialResult{err: errors.New("connection refused")}
		waitFor(t, "reconnect scheduled", func() bool {
			st := c.Status()
			return st.State == StateReconnecting && st.Attempt == attempt
		})
		delay, _ := fake.NextDeadline()
		delays = append(delays, delay)
		fake.Advance(delay)
		waitFor(t, "redial", func() bool { return dialer.Dials() == attempt+1 })
	}

	for i := 1; i < len(delays); i++ {
		if delays[i] < delays[i-1] {
			t.Errorf("Expected non-decreasing delays, got %v", delays)
		}
	}
	if delays[len(delays)-1] > 5*time.Second {
		t.Errorf("Expected delays capped at max backoff, got %v", delays)
	}

	dialer.results <- dialResult{conn: newFakeConn()}
	waitFor(t, "open", stateIs(c, StateOpen))
	if c.Status().Attempt != 0 {
		t.Errorf("Expected attempt reset on open, got %d", c.Status().Attempt)
	}
}

func TestClient_WriteFailureRequeues(t *testing.T) {
	c, dialer, fake := newTestClient(Options{})
	defer c.Close()
	c.Start()
	first := newFakeConn()
	dialer.results <- dialResult{conn: first}
	waitFor(t, "open", stateIs(c, StateOpen))

	first.SetWriteError(errors.New("broken pipe"))
	c.SendCommand(patch("a", 1))
	c.SendCommand(patch("b", 2))

	st := c.Status()
	if st.State != StateReconnecting || st.Queued != 2 {
		t.Fatalf("Expected 2 queued pending reconnect, got %+v", st)
	}

	delay, _ := fake.NextDeadline()
	fake.Advance(delay)
	second := newFakeConn()
	dialer.results <- dialResult{conn: second}
	waitFor(t, "open", stateIs(c, StateOpen))

	if got := strings.Join(second.Written(), ","); got != "dmx.patch:a,dmx.patch:b" {
		t.Errorf("Expected queued commands on new connection, got %s", got)
	}
}

func TestClient_StalledWriteDoesNotBlockStatus(t *testing.T) {
	c, dialer, _ := newTestClient(Options{})
	defer c.Close()
	c.Start()
	conn := newFakeConn()
	dialer.results <- dialResult{conn: conn}
	waitFor(t, "open", stateIs(c, StateOpen))

	release := make(chan struct{})
	conn.Stall(release)
	sent := make(chan struct{})
	go func() {
		c.SendCommand(patch("slow", 1))
		close(sent)
	}()
	waitFor(t, "stalled write", conn.Stalled)

	status := make(chan Status, 1)
	go func() { status <- c.Status() }()
	select {
	case st := <-status:
		if st.State != StateOpen {
			t.Errorf("Expected open during stalled write, got %v", st.State)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected Status to return while a write is stalled")
	}

	close(release)
	<-sent
	if got := strings.Join(conn.Written(), ","); got != "dmx.patch:slow" {
		t.Errorf("Expected stalled command written once released, got %s", got)
	}
}

func TestClient_CloseIsIdempotentAndTerminal(t *testing.T) {
	c, dialer, fake := newTestClient(Options{})
	c.Start()
	conn := newFakeConn()
	dialer.results <- dialResult{conn: conn}
	waitFor(t, "open", stateIs(c, StateOpen))

	if err := c.Close(); err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Expected nil error on second close, got %v", err)
	}
	if c.Status().State != StateClosed {
		t.Errorf("Expected closed-final, got %v", c.Status().State)
	}
	if !conn.IsClosed() {
		t.Error("Expected socket closed")
	}
	if fake.Pending() != 0 {
		t.Errorf("Expected timers cancelled, got %d", fake.Pending())
	}

	c.Start()
	if dialer.Dials() != 1 {
		t.Errorf("Expected no dial after close, got %d", dialer.Dials())
	}
}

func TestClient_CloseWhileConnecting(t *testing.T) {
	c, dialer, _ := newTestClient(Options{})
	c.Start()
	waitFor(t, "dial", func() bool { return dialer.Dials() == 1 })

	c.Close()
	conn := newFakeConn()
	dialer.results <- dialResult{conn: conn}

	if c.Status().State != StateClosed {
		t.Errorf("Expected closed-final, got %v", c.Status().State)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		r       float64
		want    time.Duration
	}{
		{1, 0.5, 2 * time.Second},
		{2, 0.5, 4 * time.Second},
		{3, 0.5, 8 * time.Second},
		{5, 0.5, 10 * time.Second},
		{1, 0, 1200 * time.Millisecond},
		{3, 0.99, 10 * time.Second},
		{10, 0.99, 10 * time.Second},
		{80, 0, 6 * time.Second},
	}
	for _, tt := range tests {
		got := Backoff(tt.attempt, 10*time.Second, tt.r)
		if got != tt.want {
			t.Errorf("Backoff(%d, 10s, %v): expected %v, got %v", tt.attempt, tt.r, tt.want, got)
		}
	}
}

func TestNewClientEnforcesFloors(t *testing.T) {
	c := NewClient(Options{URL: "ws://x", PingInterval: time.Second, MaxBackoff: time.Millisecond})
	if c.opts.PingInterval != MinPingInterval {
		t.Errorf("Expected ping floor %v, got %v", MinPingInterval, c.opts.PingInterval)
	}
	if c.opts.MaxBackoff != MinMaxBackoff {
		t.Errorf("Expected backoff floor %v, got %v", MinMaxBackoff, c.opts.MaxBackoff)
	}
}
