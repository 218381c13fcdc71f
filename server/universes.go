package server

import (
	"strconv"
	"sync"

	"github.com/mbocsi/dmxlink/proto"
)

// Universes holds the last applied value of every written channel.
type Universes struct {
	mu   sync.RWMutex
	data map[int]map[int]int
}

func NewUniverses() *Universes {
	return &Universes{data: make(map[int]map[int]int)}
}

// Apply writes the channel values carried by cmd and returns the touched
// universe. ok is false for commands that do not carry channel values.
func (u *Universes) Apply(cmd proto.Command) (universe int, ok bool) {
	u.mu.Lock()
	defer u.mu.Unlock()

	switch c := cmd.(type) {
	case *proto.DMXSet:
		u.channelsLocked(c.Universe)[c.Channel] = c.Value
		return c.Universe, true
	case *proto.DMXPatch:
		channels := u.channelsLocked(c.Universe)
		for _, e := range c.Patch {
			channels[e.Ch] = e.Val
		}
		return c.Universe, true
	}
	return 0, false
}

func (u *Universes) channelsLocked(universe int) map[int]int {
	channels, ok := u.data[universe]
	if !ok {
		channels = make(map[int]int)
		u.data[universe] = channels
	}
	return channels
}

// Snapshot renders the given universes, or all of them when none are given,
// in the wire shape of a state message.
func (u *Universes) Snapshot(only ...int) map[string]map[string]int {
	u.mu.RLock()
	defer u.mu.RUnlock()

	out := make(map[string]map[string]int)
	render := func(universe int) {
		channels, ok := u.data[universe]
		if !ok {
			return
		}
		rendered := make(map[string]int, len(channels))
		for ch, v := range channels {
			rendered[strconv.Itoa(ch)] = v
		}
		out[strconv.Itoa(universe)] = rendered
	}
	if len(only) == 0 {
		for universe := range u.data {
			render(universe)
		}
		return out
	}
	for _, universe := range only {
		render(universe)
	}
	return out
}

// Value returns a single channel value.
func (u *Universes) Value(universe, channel int) int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.data[universe][channel]
}
