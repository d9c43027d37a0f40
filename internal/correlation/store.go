package correlation

import (
	"container/list"
	"context"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"EchoTrace/internal/config"
	"EchoTrace/internal/model"
)

// Match is a pending signature claimed by TryMatch.
type Match struct {
	Event             model.SignatureEvent
	InsertedAt        time.Time
	ObservedTimestamp time.Time
}

// Latency returns observed minus origin time. A negative difference means
// the clocks of the two vantage points disagree; it is clamped to zero and
// reported as skewed.
func (m Match) Latency() (latency time.Duration, skewed bool) {
	d := m.ObservedTimestamp.Sub(m.Event.Timestamp)
	if d < 0 {
		return 0, true
	}
	return d, false
}

// Stats are the store's lifetime counters.
type Stats struct {
	Inserted    uint64 `json:"inserted"`
	Overwritten uint64 `json:"overwritten"`
	Matched     uint64 `json:"matched"`
	Expired     uint64 `json:"expired"`
	Evicted     uint64 `json:"evicted"`
	Active      int    `json:"active"`
}

type entry struct {
	ev       model.SignatureEvent
	inserted time.Time
	seq      uint64
	elem     *list.Element
}

// Shape is the window layout of a pending signature: its duration and the
// packet stride between its chunks.
type Shape struct {
	DurationMs   uint32
	SamplingRate uint32
}

func shapeOf(ev model.SignatureEvent) Shape {
	rate := ev.SamplingRate
	if rate == 0 {
		rate = 1
	}
	return Shape{DurationMs: ev.Signature.DurationMs, SamplingRate: rate}
}

type shard struct {
	mu      sync.Mutex
	entries map[uint64]*entry
	order   *list.List // *entry, oldest first
	shapes  map[Shape]int
}

// track adjusts the pending count of a shape. The shard lock must be held.
func (sh *shard) track(sp Shape, delta int) {
	sh.shapes[sp] += delta
	if sh.shapes[sp] <= 0 {
		delete(sh.shapes, sp)
	}
}

// Store is a bounded, age-limited index of pending signatures keyed by hash.
// Keys are spread over independently locked shards; at most one entry exists
// per hash. A colliding insert overwrites the older entry.
type Store struct {
	shards []*shard
	mask   uint64
	ttl    time.Duration
	max    int

	size    atomic.Int64
	seq     atomic.Uint64
	evictMu sync.Mutex

	inserted, overwritten, matched, expired, evicted atomic.Uint64

	// Now is the store clock used for insertion times and ages.
	Now func() time.Time
}

// New creates a store bounded by cfg. numShards is rounded up to a power of two.
func New(cfg config.CorrelationConfig, numShards uint32) *Store {
	if numShards == 0 {
		numShards = config.DefaultNumShards
	}
	n := uint32(1)
	for n < numShards {
		n <<= 1
	}
	limit := cfg.MaxActiveSignatures
	if limit <= 0 {
		limit = config.DefaultMaxActiveSignatures
	}
	ttl := cfg.TTL()
	if ttl <= 0 {
		ttl = config.DefaultSignatureTTLSeconds * time.Second
	}

	s := &Store{
		shards: make([]*shard, n),
		mask:   uint64(n - 1),
		ttl:    ttl,
		max:    limit,
		Now:    time.Now,
	}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[uint64]*entry), order: list.New(), shapes: make(map[Shape]int)}
	}
	return s
}

func (s *Store) shardFor(hash uint64) *shard {
	return s.shards[hash&s.mask]
}

// Insert adds ev, or replaces the pending entry with the same hash. When a
// new key takes the store past its bound the globally oldest entry is evicted.
func (s *Store) Insert(ev model.SignatureEvent) {
	sh := s.shardFor(ev.Signature.Hash)

	sh.mu.Lock()
	now := s.Now()
	if e, ok := sh.entries[ev.Signature.Hash]; ok {
		sh.track(shapeOf(e.ev), -1)
		sh.order.Remove(e.elem)
		e.ev = ev
		e.inserted = now
		e.seq = s.seq.Add(1)
		e.elem = sh.order.PushBack(e)
		sh.track(shapeOf(ev), 1)
		sh.mu.Unlock()
		s.overwritten.Add(1)
		return
	}
	e := &entry{ev: ev, inserted: now, seq: s.seq.Add(1)}
	e.elem = sh.order.PushBack(e)
	sh.entries[ev.Signature.Hash] = e
	sh.track(shapeOf(ev), 1)
	size := s.size.Add(1)
	sh.mu.Unlock()
	s.inserted.Add(1)

	if size > int64(s.max) {
		s.enforceCapacity()
	}
}

// enforceCapacity evicts oldest entries until the store is within bounds.
func (s *Store) enforceCapacity() {
	s.evictMu.Lock()
	defer s.evictMu.Unlock()
	for s.size.Load() > int64(s.max) {
		if !s.evictOldest() {
			return
		}
	}
}

// evictOldest removes the entry with the lowest sequence number across all
// shards. It reports false when the store is empty.
func (s *Store) evictOldest() bool {
	for {
		var oldest *shard
		var oldestSeq uint64
		for _, sh := range s.shards {
			sh.mu.Lock()
			if front := sh.order.Front(); front != nil {
				seq := front.Value.(*entry).seq
				if oldest == nil || seq < oldestSeq {
					oldest, oldestSeq = sh, seq
				}
			}
			sh.mu.Unlock()
		}
		if oldest == nil {
			return false
		}

		oldest.mu.Lock()
		front := oldest.order.Front()
		if front != nil && front.Value.(*entry).seq == oldestSeq {
			s.removeLocked(oldest, front.Value.(*entry))
			oldest.mu.Unlock()
			s.evicted.Add(1)
			return true
		}
		// Matched or replaced since the scan; look again.
		oldest.mu.Unlock()
	}
}

// removeLocked deletes e from sh. The shard lock must be held.
func (s *Store) removeLocked(sh *shard, e *entry) {
	sh.order.Remove(e.elem)
	delete(sh.entries, e.ev.Signature.Hash)
	s.size.Add(-1)
	sh.track(shapeOf(e.ev), -1)
}

// TryMatch atomically claims the pending entry for hash. Only one caller can
// claim a given entry. An entry that has outlived the TTL is removed as
// expired and reported as a miss.
func (s *Store) TryMatch(hash uint64, observed time.Time) (Match, bool) {
	sh := s.shardFor(hash)
	sh.mu.Lock()
	e, ok := sh.entries[hash]
	if !ok {
		sh.mu.Unlock()
		return Match{}, false
	}
	s.removeLocked(sh, e)
	expired := s.Now().Sub(e.inserted) >= s.ttl
	sh.mu.Unlock()

	if expired {
		s.expired.Add(1)
		return Match{}, false
	}
	s.matched.Add(1)
	return Match{Event: e.ev, InsertedAt: e.inserted, ObservedTimestamp: observed}, true
}

// Sweep removes every entry whose age at now is at least the TTL and returns
// how many were removed.
func (s *Store) Sweep(now time.Time) int {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for el := sh.order.Front(); el != nil; {
			e := el.Value.(*entry)
			if now.Sub(e.inserted) < s.ttl {
				break
			}
			el = el.Next()
			s.removeLocked(sh, e)
			removed++
		}
		sh.mu.Unlock()
	}
	if removed > 0 {
		s.expired.Add(uint64(removed))
	}
	return removed
}

// Run sweeps the store every interval until ctx is cancelled.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		log.Printf("Correlation store: invalid sweep interval %s, sweeper will not run.", interval)
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(s.Now())
		}
	}
}

// Len returns the number of pending entries.
func (s *Store) Len() int {
	return int(s.size.Load())
}

// TTL returns the configured entry lifetime.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Stats returns a snapshot of the store counters.
func (s *Store) Stats() Stats {
	return Stats{
		Inserted:    s.inserted.Load(),
		Overwritten: s.overwritten.Load(),
		Matched:     s.matched.Load(),
		Expired:     s.expired.Load(),
		Evicted:     s.evicted.Load(),
		Active:      s.Len(),
	}
}

// Shapes returns the distinct shapes of the pending entries, ordered by
// duration then sampling rate. Shards are visited one at a time.
func (s *Store) Shapes() []Shape {
	seen := make(map[Shape]bool)
	for _, sh := range s.shards {
		sh.mu.Lock()
		for sp := range sh.shapes {
			seen[sp] = true
		}
		sh.mu.Unlock()
	}
	out := make([]Shape, 0, len(seen))
	for sp := range seen {
		out = append(out, sp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DurationMs != out[j].DurationMs {
			return out[i].DurationMs < out[j].DurationMs
		}
		return out[i].SamplingRate < out[j].SamplingRate
	})
	return out
}

// Durations returns the distinct window durations, in milliseconds, of the
// pending entries in ascending order.
func (s *Store) Durations() []uint32 {
	var out []uint32
	for _, sp := range s.Shapes() {
		if n := len(out); n == 0 || out[n-1] != sp.DurationMs {
			out = append(out, sp.DurationMs)
		}
	}
	return out
}
