package cortex

import (
	"context"
	"encoding/json"
	"sync"
)

// SignalType identifies a host-originated control message.
type SignalType string

const (
	SignalKill            SignalType = "KILL"
	SignalPause           SignalType = "PAUSE"
	SignalResume          SignalType = "RESUME"
	SignalUserMessage     SignalType = "USER_MESSAGE"
	SignalWebhookResponse SignalType = "WEBHOOK_RESPONSE"
)

// signalPriority orders signal delivery. Higher wins when multiple signals
// are queued at the same boundary: KILL > PAUSE > WEBHOOK_RESPONSE >
// USER_MESSAGE > RESUME.
var signalPriority = map[SignalType]int{
	SignalKill:            5,
	SignalPause:           4,
	SignalWebhookResponse: 3,
	SignalUserMessage:     2,
	SignalResume:          1,
}

// Signal is the wire form of a control message.
type Signal struct {
	Type     SignalType      `json:"type"`
	Content  string          `json:"content,omitempty"`  // USER_MESSAGE
	Response json.RawMessage `json:"response,omitempty"` // WEBHOOK_RESPONSE
}

// SignalFilter selects which signal kinds a Take call may return.
type SignalFilter map[SignalType]bool

// FilterOf builds a SignalFilter from the given kinds.
func FilterOf(kinds ...SignalType) SignalFilter {
	f := make(SignalFilter, len(kinds))
	for _, k := range kinds {
		f[k] = true
	}
	return f
}

// SignalProvider delivers typed control signals from the host to the engine.
// The provider is owned by the host; the engine never creates signals
// internally. Implementations must be safe for concurrent use.
type SignalProvider interface {
	// Take removes and returns the highest-priority queued signal matching
	// the filter. With nonBlocking true it returns nil immediately when no
	// match is queued; otherwise it blocks until a match arrives or ctx is
	// done (returning ctx.Err()).
	Take(ctx context.Context, filter SignalFilter, nonBlocking bool) (*Signal, error)

	// Peek returns the highest-priority queued signal without removing it,
	// or nil when the queue is empty.
	Peek() *Signal

	// Queue appends a signal. Used by hosting code and tests.
	Queue(sig Signal)
}

// InMemorySignals is the reference SignalProvider: a priority queue guarded
// by a mutex, with a broadcast channel waking blocked Take calls. Within one
// priority class, signals are delivered in the order they were queued.
type InMemorySignals struct {
	mu      sync.Mutex
	queue   []Signal
	changed chan struct{}
}

var _ SignalProvider = (*InMemorySignals)(nil)

// NewInMemorySignals creates an empty signal queue.
func NewInMemorySignals() *InMemorySignals {
	return &InMemorySignals{changed: make(chan struct{})}
}

// Queue appends a signal and wakes any blocked Take.
func (s *InMemorySignals) Queue(sig Signal) {
	s.mu.Lock()
	s.queue = append(s.queue, sig)
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()
}

// Peek returns the highest-priority queued signal without removing it.
func (s *InMemorySignals) Peek() *Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.best(nil)
	if idx < 0 {
		return nil
	}
	sig := s.queue[idx]
	return &sig
}

// Take removes and returns the highest-priority signal matching the filter.
func (s *InMemorySignals) Take(ctx context.Context, filter SignalFilter, nonBlocking bool) (*Signal, error) {
	for {
		s.mu.Lock()
		idx := s.best(filter)
		if idx >= 0 {
			sig := s.queue[idx]
			s.queue = append(s.queue[:idx], s.queue[idx+1:]...)
			s.mu.Unlock()
			return &sig, nil
		}
		wait := s.changed
		s.mu.Unlock()

		if nonBlocking {
			return nil, nil
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// best returns the index of the highest-priority signal matching the filter,
// or -1. Ties resolve to the earliest-queued signal. Caller holds s.mu.
func (s *InMemorySignals) best(filter SignalFilter) int {
	bestIdx, bestPrio := -1, -1
	for i, sig := range s.queue {
		if filter != nil && !filter[sig.Type] {
			continue
		}
		if p := signalPriority[sig.Type]; p > bestPrio {
			bestIdx, bestPrio = i, p
		}
	}
	return bestIdx
}

// Len returns the number of queued signals.
func (s *InMemorySignals) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
