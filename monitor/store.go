package monitor

import (
	"sync"
	"time"
)

// Snapshot is the latest scrape result available to the UI.
type Snapshot struct {
	Metrics             Metrics
	HasMetrics          bool
	LastUpdated         time.Time
	LastError           error
	ConsecutiveFailures int
}

// IsOffline reports whether the backend was unreachable for two polls in a row.
func (s Snapshot) IsOffline() bool {
	return s.ConsecutiveFailures >= 2
}

func (s Snapshot) Health() Health {
	if s.IsOffline() {
		return HealthOffline
	}
	if !s.HasMetrics {
		return HealthLoading
	}
	return Evaluate(s.Metrics)
}

type Store struct {
	mu       sync.RWMutex
	snapshot Snapshot
	now      func() time.Time
}

func NewStore() *Store {
	return &Store{now: time.Now}
}

// Update records a scrape. On error the previous metrics are kept.
func (s *Store) Update(m *Metrics, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshot.LastUpdated = s.now()
	if err != nil {
		s.snapshot.LastError = err
		s.snapshot.ConsecutiveFailures++
		return
	}
	if m != nil {
		s.snapshot.Metrics = *m
		s.snapshot.HasMetrics = true
	}
	s.snapshot.LastError = nil
	s.snapshot.ConsecutiveFailures = 0
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}
