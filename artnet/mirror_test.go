package artnet

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Haba1234/go-artnet"

	"github.com/mbocsi/dmxlink/proto"
)

type sentFrame struct {
	frame   [512]byte
	address artnet.Address
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sentFrame
}

func (s *recordingSender) SendDMXToAddress(dmx [512]byte, address artnet.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentFrame{frame: dmx, address: address})
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func TestUniverseToAddress(t *testing.T) {
	addr := universeToAddress(0x0102)
	if addr.Net != 1 || addr.SubUni != 2 {
		t.Errorf("Expected Net 1 SubUni 2, got Net %d SubUni %d", addr.Net, addr.SubUni)
	}
	addr = universeToAddress(3)
	if addr.Net != 0 || addr.SubUni != 3 {
		t.Errorf("Expected Net 0 SubUni 3, got Net %d SubUni %d", addr.Net, addr.SubUni)
	}
}

func TestObserveWritesFrame(t *testing.T) {
	s := &recordingSender{}
	m := newMirror(s)

	m.Observe(proto.NewDMXPatch(1, []proto.PatchEntry{{Ch: 1, Val: 10}, {Ch: 512, Val: 255}, {Ch: 513, Val: 7}}))
	if n := m.sendDirty(); n != 1 {
		t.Fatalf("Expected 1 frame, got %d", n)
	}

	got := s.sent[0]
	if got.frame[0] != 10 || got.frame[511] != 255 {
		t.Errorf("Expected channels 1 and 512 set, got %d and %d", got.frame[0], got.frame[511])
	}
	if got.address.SubUni != 1 {
		t.Errorf("Expected SubUni 1, got %d", got.address.SubUni)
	}
}

func TestSendDirtyCoalesces(t *testing.T) {
	s := &recordingSender{}
	m := newMirror(s)

	m.Observe(proto.NewDMXPatch(0, []proto.PatchEntry{{Ch: 1, Val: 1}}))
	m.Observe(proto.NewDMXPatch(0, []proto.PatchEntry{{Ch: 2, Val: 2}}))

	if n := m.sendDirty(); n != 1 {
		t.Errorf("Expected one frame for two patches, got %d", n)
	}
	if f := s.sent[0].frame; f[0] != 1 || f[1] != 2 {
		t.Errorf("Expected both writes in the frame, got %d %d", f[0], f[1])
	}
	if n := m.sendDirty(); n != 0 {
		t.Errorf("Expected nothing left to send, got %d", n)
	}
}

func TestFrameKeepsEarlierValues(t *testing.T) {
	s := &recordingSender{}
	m := newMirror(s)

	m.Observe(proto.NewDMXPatch(0, []proto.PatchEntry{{Ch: 5, Val: 50}}))
	m.sendDirty()
	m.Observe(proto.NewDMXPatch(0, []proto.PatchEntry{{Ch: 6, Val: 60}}))
	m.sendDirty()

	if f := s.sent[1].frame; f[4] != 50 || f[5] != 60 {
		t.Errorf("Expected full frame with both channels, got %d %d", f[4], f[5])
	}
}

func TestBackgroundLoopSends(t *testing.T) {
	s := &recordingSender{}
	m := newMirror(s)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Failed to start: %v", err)
	}
	m.Observe(proto.NewDMXPatch(0, []proto.PatchEntry{{Ch: 1, Val: 1}}))

	deadline := time.Now().Add(2 * time.Second)
	for s.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.count() == 0 {
		t.Errorf("Expected a frame from the background loop")
	}
}
