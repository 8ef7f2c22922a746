package buffers

import (
	"errors"
	"fmt"

	"github.com/vincentbai/domspy-agent/internal/metrics"
	"github.com/vincentbai/domspy-agent/internal/models"
)

// Name identifies one of the three session buffers.
type Name string

const (
	Events    Name = "events"
	Network   Name = "network"
	Mutations Name = "mutations"
)

const (
	DefaultEventsCapacity    = 10000
	DefaultNetworkCapacity   = 2000
	DefaultMutationsCapacity = 1000
)

var ErrUnknownBuffer = errors.New("buffers: unknown buffer")

// Capacities sets per-buffer limits. Zero values use the defaults.
type Capacities struct {
	Events    int
	Network   int
	Mutations int
}

func (c Capacities) withDefaults() Capacities {
	if c.Events <= 0 {
		c.Events = DefaultEventsCapacity
	}
	if c.Network <= 0 {
		c.Network = DefaultNetworkCapacity
	}
	if c.Mutations <= 0 {
		c.Mutations = DefaultMutationsCapacity
	}
	return c
}

// Store owns the session's buffers. Interceptors push, analyzers read
// copies.
type Store struct {
	events    *RingBuffer[models.Event]
	network   *RingBuffer[models.NetworkRecord]
	mutations *RingBuffer[models.MutationSummary]
}

func NewStore(caps Capacities) *Store {
	caps = caps.withDefaults()
	return &Store{
		events:    NewRingBuffer[models.Event](caps.Events),
		network:   NewRingBuffer[models.NetworkRecord](caps.Network),
		mutations: NewRingBuffer[models.MutationSummary](caps.Mutations),
	}
}

// Push appends record to the named buffer. It never panics; a record that
// cannot be stored is counted as dropped and false is returned.
func (s *Store) Push(name Name, record any) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordsDropped.WithLabelValues(string(name)).Inc()
			ok = false
		}
	}()

	var evicted bool
	var size int
	switch rec := record.(type) {
	case models.Event:
		if name != Events {
			return s.reject(name)
		}
		evicted, size = s.events.Push(rec), s.events.Len()
	case models.NetworkRecord:
		if name != Network {
			return s.reject(name)
		}
		evicted, size = s.network.Push(rec), s.network.Len()
	case models.MutationSummary:
		if name != Mutations {
			return s.reject(name)
		}
		evicted, size = s.mutations.Push(rec), s.mutations.Len()
	default:
		return s.reject(name)
	}

	metrics.RecordsTotal.WithLabelValues(string(name)).Inc()
	metrics.BufferSize.WithLabelValues(string(name)).Set(float64(size))
	if evicted {
		metrics.Evictions.WithLabelValues(string(name)).Inc()
	}
	return true
}

func (s *Store) reject(name Name) bool {
	metrics.RecordsDropped.WithLabelValues(string(name)).Inc()
	return false
}

func (s *Store) PushEvent(e models.Event) bool { return s.Push(Events, e) }

func (s *Store) PushNetwork(n models.NetworkRecord) bool { return s.Push(Network, n) }

func (s *Store) PushMutation(m models.MutationSummary) bool { return s.Push(Mutations, m) }

func (s *Store) Events() []models.Event { return s.events.ReadAll() }

func (s *Store) Network() []models.NetworkRecord { return s.network.ReadAll() }

func (s *Store) Mutations() []models.MutationSummary { return s.mutations.ReadAll() }

// NetworkSince returns network records pushed after cursor.
func (s *Store) NetworkSince(cursor Cursor) ([]models.NetworkRecord, Cursor) {
	return s.network.ReadFrom(cursor)
}

// Snapshot copies all three buffers.
func (s *Store) Snapshot() models.Buffer {
	return models.Buffer{
		Events:    nonNil(s.Events()),
		Network:   nonNil(s.Network()),
		Mutations: nonNil(s.Mutations()),
	}
}

// Len returns the current size of the named buffer.
func (s *Store) Len(name Name) (int, error) {
	switch name {
	case Events:
		return s.events.Len(), nil
	case Network:
		return s.network.Len(), nil
	case Mutations:
		return s.mutations.Len(), nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownBuffer, name)
}

// Read returns a copy of the named buffer.
func (s *Store) Read(name Name) (any, error) {
	switch name {
	case Events:
		return nonNil(s.Events()), nil
	case Network:
		return nonNil(s.Network()), nil
	case Mutations:
		return nonNil(s.Mutations()), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownBuffer, name)
}

// nonNil keeps empty buffers serialising as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
