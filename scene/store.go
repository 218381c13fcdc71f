package scene

import (
	"log/slog"
	"slices"
	"strconv"
	"sync"

	"github.com/mbocsi/dmxlink/proto"
)

// Channel is one addressable fixture channel. Number is the absolute DMX
// channel within the fixture's universe.
type Channel struct {
	Number int    `json:"number"`
	Name   string `json:"name,omitempty"`
	Value  int    `json:"value"`
}

type Fixture struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Universe int       `json:"universe"`
	Channels []Channel `json:"channels"`
}

func (f Fixture) clone() Fixture {
	f.Channels = slices.Clone(f.Channels)
	return f
}

type ChannelValue struct {
	Channel int `json:"channel"`
	Value   int `json:"value"`
}

// Scene is a set of channel values grouped by universe.
type Scene struct {
	ID     string                 `json:"id"`
	Name   string                 `json:"name"`
	Values map[int][]ChannelValue `json:"values"`
}

// Store is the local, optimistic view of fixture state.
type Store struct {
	mu          sync.RWMutex
	fixtures    []Fixture
	activeScene string
}

func NewStore(fixtures []Fixture) *Store {
	s := &Store{}
	s.Restore(fixtures)
	return s
}

// Snapshot returns a deep copy of every fixture.
func (s *Store) Snapshot() []Fixture {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneFixtures(s.fixtures)
}

// Restore replaces all fixtures with a deep copy of fixtures.
func (s *Store) Restore(fixtures []Fixture) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fixtures = cloneFixtures(fixtures)
}

func cloneFixtures(fixtures []Fixture) []Fixture {
	out := make([]Fixture, len(fixtures))
	for i, f := range fixtures {
		out[i] = f.clone()
	}
	return out
}

// ApplyChannels sets every fixture channel in universe that matches one of
// values. It reports how many channels changed.
func (s *Store) ApplyChannels(universe int, values []ChannelValue) int {
	byChannel := make(map[int]int, len(values))
	for _, v := range values {
		byChannel[v.Channel] = v.Value
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	changed := 0
	for i := range s.fixtures {
		f := &s.fixtures[i]
		if f.Universe != universe {
			continue
		}
		for j := range f.Channels {
			if v, ok := byChannel[f.Channels[j].Number]; ok && f.Channels[j].Value != v {
				f.Channels[j].Value = v
				changed++
			}
		}
	}
	return changed
}

// ApplyState folds a backend state message into the store.
func (s *Store) ApplyState(st proto.StateUpdate) {
	for rawUniverse, channels := range st.Universes {
		universe, err := strconv.Atoi(rawUniverse)
		if err != nil {
			slog.Debug("Ignoring state for invalid universe", "universe", rawUniverse)
			continue
		}
		values := make([]ChannelValue, 0, len(channels))
		for rawChannel, value := range channels {
			ch, err := strconv.Atoi(rawChannel)
			if err != nil {
				continue
			}
			values = append(values, ChannelValue{Channel: ch, Value: value})
		}
		s.ApplyChannels(universe, values)
	}
}

func (s *Store) ActiveScene() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeScene
}

func (s *Store) SetActiveScene(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeScene = id
}
