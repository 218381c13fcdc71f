package transport

import (
	"testing"

	"github.com/mbocsi/dmxlink/proto"
)

type recordingSender struct {
	name string
	sent []proto.Command
}

func (s *recordingSender) SendCommand(cmd proto.Command) {
	s.sent = append(s.sent, cmd)
}

func TestRegistry_RegisterAndDeregister(t *testing.T) {
	reg := NewRegistry()
	if reg.Current() != nil {
		t.Fatal("Expected no current sender")
	}

	a := &recordingSender{name: "a"}
	deregister := reg.Register(a)
	if reg.Current() != a {
		t.Errorf("Expected sender a to be current")
	}

	deregister()
	if reg.Current() != nil {
		t.Errorf("Expected current sender cleared")
	}
}

func TestRegistry_StaleDeregisterKeepsNewer(t *testing.T) {
	reg := NewRegistry()
	a := &recordingSender{name: "a"}
	b := &recordingSender{name: "b"}

	deregisterA := reg.Register(a)
	reg.Register(b)
	deregisterA()

	if reg.Current() != b {
		t.Errorf("Expected sender b to stay current after stale deregister")
	}
}

func TestRegistry_Reset(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&recordingSender{})
	reg.Reset()
	if reg.Current() != nil {
		t.Error("Expected reset to clear sender")
	}
}
