// Package artnet mirrors every emitted dmx.patch to Art-Net nodes on the local
// network, so fixtures can be driven without the backend in the loop.
package artnet

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/Haba1234/go-artnet"

	"github.com/mbocsi/dmxlink/proto"
)

// Universe is one full DMX frame.
type Universe [512]byte

type frameSender interface {
	SendDMXToAddress(dmx [512]byte, address artnet.Address)
}

type Options struct {
	// IP is the local interface address Art-Net traffic is sent from.
	IP     string
	MaxFPS int
}

type Mirror struct {
	controller *artnet.Controller
	sender     frameSender

	mu        sync.Mutex
	universes map[uint16]*Universe
	dirty     map[uint16]struct{}

	trigger chan struct{}
}

func New(opts Options) (*Mirror, error) {
	ip := net.ParseIP(opts.IP)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("invalid Art-Net IP %q", opts.IP)
	}
	if opts.MaxFPS <= 0 {
		opts.MaxFPS = 44
	}

	host, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve hostname: %w", err)
	}
	host = strings.ToLower(strings.Split(host, ".")[0])
	slog.Info("Using Art-Net interface", "ip", ip.String(), "hostname", host)

	controller := artnet.NewController(host, ip, artnet.NewDefaultLogger("info"), artnet.MaxFPS(opts.MaxFPS))
	m := newMirror(controller)
	m.controller = controller
	return m, nil
}

func newMirror(sender frameSender) *Mirror {
	return &Mirror{
		sender:    sender,
		universes: make(map[uint16]*Universe),
		dirty:     make(map[uint16]struct{}),
		trigger:   make(chan struct{}, 1),
	}
}

// Start runs the Art-Net controller and the send loop until ctx ends.
func (m *Mirror) Start(ctx context.Context) error {
	if m.controller != nil {
		if err := m.controller.Start(); err != nil {
			return fmt.Errorf("failed to start Art-Net controller: %w", err)
		}
	}
	go m.sendBackground(ctx)
	return nil
}

func (m *Mirror) Stop() {
	if m.controller != nil {
		m.controller.Stop()
	}
}

// Observe is registered as a queue patch observer.
func (m *Mirror) Observe(p *proto.DMXPatch) {
	if p.Universe < 0 || p.Universe > 0x7fff {
		slog.Debug("Skipping universe outside Art-Net range", "universe", p.Universe)
		return
	}
	u := uint16(p.Universe)

	m.mu.Lock()
	frame, ok := m.universes[u]
	if !ok {
		frame = &Universe{}
		m.universes[u] = frame
	}
	for _, e := range p.Patch {
		if e.Ch < 1 || e.Ch > len(frame) {
			continue
		}
		frame[e.Ch-1] = byte(e.Val)
	}
	m.dirty[u] = struct{}{}
	m.mu.Unlock()

	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

func (m *Mirror) sendBackground(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.trigger:
			m.sendDirty()
		}
	}
}

// sendDirty sends one full frame for every universe changed since the last send.
func (m *Mirror) sendDirty() int {
	m.mu.Lock()
	frames := make(map[uint16]Universe, len(m.dirty))
	for u := range m.dirty {
		frames[u] = *m.universes[u]
	}
	clear(m.dirty)
	m.mu.Unlock()

	for u, frame := range frames {
		slog.Debug("Sending Art-Net frame", "universe", u)
		m.sender.SendDMXToAddress(frame, universeToAddress(u))
	}
	return len(frames)
}

// universeToAddress splits a universe into Net (high byte) and SubUni (low byte).
func universeToAddress(universe uint16) artnet.Address {
	v := make([]uint8, 2)
	binary.BigEndian.PutUint16(v, universe)

	return artnet.Address{
		Net:    v[0],
		SubUni: v[1],
	}
}
