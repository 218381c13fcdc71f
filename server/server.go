package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/mdns"
	"github.com/mbocsi/dmxlink/clock"
	"github.com/mbocsi/dmxlink/proto"
)

// Rejection reasons carried in Ack.Reason.
const (
	ReasonValidationFailed = "VALIDATION_FAILED"
	ReasonPatchTooLarge    = "PATCH_TOO_LARGE"
	ReasonRejected         = "REJECTED"
)

type Options struct {
	Addr       string
	Token      string // empty disables auth
	Advertise  bool   // publish the websocket endpoint over mDNS
	MaxClients int
	Clock      clock.Clock
}

// RejectFunc may veto a valid command. A non-empty reason is sent back as
// accepted:false.
type RejectFunc func(cmd proto.Command) (reason string)

// Backend is a small DMX backend: it validates commands, applies channel
// writes to in-memory universes, acks them and broadcasts the new state.
type Backend struct {
	opts      Options
	universes *Universes
	metrics   *Metrics
	hub       *hub

	mu       sync.Mutex
	reject   RejectFunc
	server   *http.Server
	listener net.Listener
	mdns     *mdns.Server
}

func NewBackend(opts Options) *Backend {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.MaxClients <= 0 {
		opts.MaxClients = 16
	}
	b := &Backend{
		opts:      opts,
		universes: NewUniverses(),
		metrics:   NewMetrics(),
	}
	b.hub = newHub(b, opts.MaxClients)
	return b
}

func (b *Backend) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/ws", b.hub.handleWebSocket)
	r.Post("/command", b.handleCommand)
	r.Get("/state", b.handleState)
	r.Get("/metrics", b.metrics.Handler().ServeHTTP)
	return r
}

// Start listens on Options.Addr and serves until Shutdown.
func (b *Backend) Start() error {
	l, err := net.Listen("tcp", b.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", b.opts.Addr, err)
	}

	srv := &http.Server{Handler: b.Routes(), ReadHeaderTimeout: 10 * time.Second}
	b.mu.Lock()
	b.server = srv
	b.listener = l
	b.mu.Unlock()

	slog.Info("Starting DMX backend", "addr", l.Addr().String())

	if b.opts.Advertise {
		port := l.Addr().(*net.TCPAddr).Port
		m, err := advertise(port)
		if err != nil {
			slog.Warn("mDNS advertisement failed", "error", err)
		} else {
			b.mu.Lock()
			b.mdns = m
			b.mu.Unlock()
		}
	}

	err = srv.Serve(l)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the bound address once Start is listening.
func (b *Backend) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

func (b *Backend) Shutdown() error {
	b.mu.Lock()
	srv, m := b.server, b.mdns
	b.server, b.mdns = nil, nil
	b.mu.Unlock()

	slog.Info("Shutting down DMX backend", "addr", b.opts.Addr)
	if m != nil {
		if err := m.Shutdown(); err != nil {
			slog.Warn("Failed to stop mDNS server", "error", err)
		}
	}
	b.hub.closeAll()
	if srv != nil {
		return srv.Close()
	}
	return nil
}

func (b *Backend) SetRejectFunc(fn RejectFunc) {
	b.mu.Lock()
	b.reject = fn
	b.mu.Unlock()
}

// Universes exposes the applied channel values.
func (b *Backend) Universes() *Universes { return b.universes }

// Apply validates and applies one command received over protocol ("ws" or
// "rest") and returns its ack. Accepted channel writes are broadcast.
func (b *Backend) Apply(protocol string, cmd proto.Command) proto.Ack {
	ack, universe, changed := b.apply(protocol, cmd)
	if changed {
		b.hub.broadcast(b.stateUpdate(universe))
	}
	return ack
}

func (b *Backend) apply(protocol string, cmd proto.Command) (ack proto.Ack, universe int, changed bool) {
	start := time.Now()
	b.metrics.queueDepth.Inc()
	defer b.metrics.queueDepth.Dec()

	h := cmd.Header()
	ack = proto.Ack{Ack: h.ID, Accepted: true}

	if err := proto.Validate(cmd); err != nil {
		ack.Accepted = false
		ack.Reason = ReasonValidationFailed
		if p, ok := cmd.(*proto.DMXPatch); ok && len(p.Patch) > proto.MaxPatchEntries {
			ack.Reason = ReasonPatchTooLarge
		}
		slog.Debug("Rejected command", "id", h.ID, "type", h.Type, "error", err)
	} else {
		b.mu.Lock()
		reject := b.reject
		b.mu.Unlock()
		if reject != nil {
			if reason := reject(cmd); reason != "" {
				ack.Accepted = false
				ack.Reason = reason
			}
		}
	}

	b.metrics.observeCommand(protocol, h.Type, ack.Accepted)
	if !ack.Accepted {
		return ack, 0, false
	}

	universe, changed = b.universes.Apply(cmd)
	b.metrics.applyLatency.Set(float64(time.Since(start).Microseconds()) / 1000)
	return ack, universe, changed
}

func (b *Backend) stateUpdate(only ...int) proto.StateUpdate {
	return proto.NewStateUpdate(clock.Millis(b.opts.Clock.Now()), b.universes.Snapshot(only...))
}

func (b *Backend) authorized(r *http.Request) bool {
	if b.opts.Token == "" {
		return true
	}
	if r.URL.Query().Get("token") == b.opts.Token {
		return true
	}
	return r.Header.Get("Authorization") == "Bearer "+b.opts.Token
}
