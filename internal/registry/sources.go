// Package registry holds the broker's in-memory state: the last known state
// of every source and the per-listener bookkeeping of which sources a
// listener has already been told about. Registries carry no I/O capability;
// live connection handles live in the dispatcher's tables.
package registry

import (
	"sync"
	"time"

	"github.com/shigarus/telebroker/internal/metrics"
	"github.com/shigarus/telebroker/internal/wire"
)

// Source is the last known state of one source id.
type Source struct {
	ID           string
	Serial       uint16
	State        wire.State
	LastReceived time.Time
}

// Sources stores source state keyed by id, preserving first-seen order.
// Entries are never removed: a listener joining after a source disconnected
// still has to learn of it.
type Sources struct {
	mu    sync.RWMutex
	byID  map[string]Source
	order []string
}

func NewSources() *Sources {
	return &Sources{byID: make(map[string]Source)}
}

// Update upserts the state for id; LastReceived is set to now.
func (s *Sources) Update(id string, serial uint16, state wire.State, now time.Time) {
	s.mu.Lock()
	if _, ok := s.byID[id]; !ok {
		s.order = append(s.order, id)
	}
	s.byID[id] = Source{ID: id, Serial: serial, State: state, LastReceived: now}
	n := len(s.order)
	s.mu.Unlock()
	metrics.SetKnownSources(n)
}

// Get returns the stored state for id.
func (s *Sources) Get(id string) (Source, bool) {
	s.mu.RLock()
	src, ok := s.byID[id]
	s.mu.RUnlock()
	return src, ok
}

// Snapshot returns all sources in first-seen order. The slice is a copy and
// stays valid against concurrent updates.
func (s *Sources) Snapshot() []Source {
	s.mu.RLock()
	out := make([]Source, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	s.mu.RUnlock()
	return out
}

// Len returns the number of sources ever seen.
func (s *Sources) Len() int { s.mu.RLock(); n := len(s.order); s.mu.RUnlock(); return n }
