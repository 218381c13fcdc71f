package transport

import (
	"sync"

	"github.com/mbocsi/dmxlink/proto"
)

// Sender accepts a command for delivery to the backend. Delivery is fire and
// forget; the outcome arrives later as an ack.
type Sender interface {
	SendCommand(cmd proto.Command)
}

// Registry holds the sender currently used for outbound commands. At most one
// sender is current per process.
type Registry struct {
	mu      sync.RWMutex
	current Sender
	gen     uint64
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register makes s current and returns a func that clears it again, unless
// another sender has been registered since.
func (r *Registry) Register(s Sender) (deregister func()) {
	r.mu.Lock()
	r.gen++
	gen := r.gen
	r.current = s
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.gen == gen {
			r.current = nil
		}
	}
}

// Current returns the registered sender or nil.
func (r *Registry) Current() Sender {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Reset clears the current sender.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	r.current = nil
}
