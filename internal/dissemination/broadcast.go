package dissemination

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"EchoTrace/internal/config"
	"EchoTrace/internal/model"
)

// ErrClosed is returned by Recv once a closed subscription has been drained.
var ErrClosed = errors.New("subscription closed")

// LaggedError reports that a subscriber fell behind and Skipped events were
// discarded from its queue. The next Recv continues with the oldest event
// still retained.
type LaggedError struct {
	Skipped uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("subscriber lagged, %d events skipped", e.Skipped)
}

// BroadcastStats are the broadcaster's lifetime counters.
type BroadcastStats struct {
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
	Subscribers int    `json:"subscribers"`
}

// Broadcaster delivers every published event to every current subscriber.
// Each subscriber owns a bounded queue; a full queue drops its oldest event,
// so Publish never waits for a slow subscriber.
type Broadcaster struct {
	capacity int

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewBroadcaster creates a broadcaster whose subscribers buffer up to
// capacity events each.
func NewBroadcaster(capacity int) *Broadcaster {
	if capacity <= 0 {
		capacity = config.DefaultChannelCapacity
	}
	return &Broadcaster{
		capacity: capacity,
		subs:     make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a new subscriber. Events published before the call
// are not delivered to it. Subscribing to a closed broadcaster returns a
// subscription that is already closed.
func (b *Broadcaster) Subscribe() *Subscription {
	s := &Subscription{
		b:      b,
		ring:   make([]model.SignatureEvent, b.capacity),
		notify: make(chan struct{}, 1),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.closed = true
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Publish hands ev to every subscriber and returns how many received it.
func (b *Broadcaster) Publish(ev model.SignatureEvent) int {
	b.published.Add(1)
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for s := range b.subs {
		if s.push(ev) {
			b.dropped.Add(1)
		}
		n++
	}
	return n
}

// Close closes every subscription. Subscribers drain what is queued and
// then receive ErrClosed.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*Subscription]struct{})
	b.closed = true
	b.mu.Unlock()
	for s := range subs {
		s.shutdown()
	}
}

// Stats returns a snapshot of the broadcaster counters.
func (b *Broadcaster) Stats() BroadcastStats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()
	return BroadcastStats{
		Published:   b.published.Load(),
		Dropped:     b.dropped.Load(),
		Subscribers: n,
	}
}

func (b *Broadcaster) unsubscribe(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// Subscription is one subscriber's bounded view of the broadcast.
type Subscription struct {
	b *Broadcaster

	mu      sync.Mutex
	ring    []model.SignatureEvent
	head    int
	size    int
	pending uint64 // skipped events not yet reported
	lagged  uint64 // skipped events over the subscription lifetime
	closed  bool

	notify chan struct{}
}

// push enqueues ev and reports whether the oldest queued event was dropped.
func (s *Subscription) push(ev model.SignatureEvent) bool {
	s.mu.Lock()
	dropped := false
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if s.size == len(s.ring) {
		s.ring[s.head] = model.SignatureEvent{}
		s.head = (s.head + 1) % len(s.ring)
		s.size--
		s.pending++
		s.lagged++
		dropped = true
	}
	s.ring[(s.head+s.size)%len(s.ring)] = ev
	s.size++
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return dropped
}

// Recv returns the next event. After the subscriber fell behind it first
// returns a *LaggedError once. It returns ErrClosed when the subscription is
// closed and drained, or ctx.Err() when ctx ends first.
func (s *Subscription) Recv(ctx context.Context) (model.SignatureEvent, error) {
	for {
		s.mu.Lock()
		if s.pending > 0 {
			skipped := s.pending
			s.pending = 0
			s.mu.Unlock()
			return model.SignatureEvent{}, &LaggedError{Skipped: skipped}
		}
		if s.size > 0 {
			ev := s.ring[s.head]
			s.ring[s.head] = model.SignatureEvent{}
			s.head = (s.head + 1) % len(s.ring)
			s.size--
			s.mu.Unlock()
			return ev, nil
		}
		if s.closed {
			s.mu.Unlock()
			return model.SignatureEvent{}, ErrClosed
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return model.SignatureEvent{}, ctx.Err()
		case <-s.notify:
		}
	}
}

// Lagged returns the number of events this subscriber has skipped.
func (s *Subscription) Lagged() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lagged
}

// Close unsubscribes. Events already queued can still be received.
func (s *Subscription) Close() error {
	s.b.unsubscribe(s)
	s.shutdown()
	return nil
}

func (s *Subscription) shutdown() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
