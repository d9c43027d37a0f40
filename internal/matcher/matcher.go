package matcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"EchoTrace/internal/config"
	"EchoTrace/internal/correlation"
	"EchoTrace/internal/dissemination"
	"EchoTrace/internal/engine/protocol"
	"EchoTrace/internal/model"
	"EchoTrace/internal/signature"
	"EchoTrace/internal/vad"
)

// UnknownGroup is reported when a matched event lacks the grouping key.
const UnknownGroup = "unknown"

// MaxStride bounds the sampling rate of the windows the matcher reassembles.
// Pending signatures with a larger stride are never matched.
const MaxStride = 1000

// Stats are the matcher's lifetime counters.
type Stats struct {
	Rows       uint64 `json:"rows"`
	Candidates uint64 `json:"candidates"`
	Matches    uint64 `json:"matches"`
	Skewed     uint64 `json:"skewed"`
	Lagged     uint64 `json:"lagged"`
	Inserted   uint64 `json:"inserted"`
}

// history holds the recent chunk energies seen by one observer.
type history struct {
	energies []float32
	head     int
	size     int
}

func (h *history) push(e float32) {
	if h.size < len(h.energies) {
		h.energies[(h.head+h.size)%len(h.energies)] = e
		h.size++
		return
	}
	h.energies[h.head] = e
	h.head = (h.head + 1) % len(h.energies)
}

// grow enlarges the ring to capacity, keeping the stored energies.
func (h *history) grow(capacity int) {
	if capacity <= len(h.energies) {
		return
	}
	out := make([]float32, capacity)
	for i := 0; i < h.size; i++ {
		out[i] = h.energies[(h.head+i)%len(h.energies)]
	}
	h.energies = out
	h.head = 0
}

// suffix returns the newest n energies taken every stride chunks, oldest
// first, or nil when the history is too short.
func (h *history) suffix(n, stride int) []float32 {
	span := (n-1)*stride + 1
	if n <= 0 || span > h.size {
		return nil
	}
	out := make([]float32, n)
	start := h.size - span
	for i := 0; i < n; i++ {
		out[i] = h.energies[(h.head+start+i*stride)%len(h.energies)]
	}
	return out
}

type namedStore struct {
	name  string
	store *correlation.Store
}

// Matcher correlates locally observed traffic with pending signatures.
type Matcher struct {
	sink     model.Sink
	protocol string

	stores       map[string]*correlation.Store
	groupingKeys map[string]string
	fallback     *correlation.Store
	fallbackKey  string
	all          []namedStore
	rates        map[string]uint32
	histCap      int

	histMu    sync.Mutex
	histories map[string]*history

	rows, candidates, matches, skewed, lagged, inserted atomic.Uint64
}

// New builds a matcher with one correlation store per measurement. Events
// for measurements it does not know land in a store bounded by
// cfg.DefaultCorrelation.
func New(cfg config.MatcherConfig, measurements []config.MeasurementConfig, sink model.Sink) *Matcher {
	m := &Matcher{
		sink:         sink,
		protocol:     cfg.Protocol.Type,
		stores:       make(map[string]*correlation.Store, len(measurements)),
		groupingKeys: make(map[string]string, len(measurements)),
		rates:        make(map[string]uint32, len(measurements)),
		histories:    make(map[string]*history),
	}

	maxRate := 1
	for _, mc := range measurements {
		m.stores[mc.Name] = correlation.New(mc.Correlation, cfg.NumShards)
		m.groupingKeys[mc.Name] = groupingKey(mc.Correlation)
		m.rates[mc.Name] = mc.SignatureRules.SamplingRate
		if r := int(mc.SignatureRules.SamplingRate); r > maxRate && r <= MaxStride {
			maxRate = r
		}
	}
	m.histCap = signature.WindowCapacity * maxRate

	m.fallback = correlation.New(cfg.DefaultCorrelation, cfg.NumShards)
	m.fallbackKey = groupingKey(cfg.DefaultCorrelation)
	for name, s := range m.stores {
		m.all = append(m.all, namedStore{name: name, store: s})
	}
	m.all = append(m.all, namedStore{store: m.fallback})
	return m
}

func groupingKey(c config.CorrelationConfig) string {
	if c.GroupingKey == "" {
		return config.DefaultGroupingKey
	}
	return c.GroupingKey
}

// Store returns the correlation store holding events of measurement.
func (m *Matcher) Store(measurement string) *correlation.Store {
	if s, ok := m.stores[measurement]; ok {
		return s
	}
	return m.fallback
}

// Stores returns every store keyed by measurement name. The fallback store is
// listed under the empty name.
func (m *Matcher) Stores() map[string]*correlation.Store {
	out := make(map[string]*correlation.Store, len(m.all))
	for _, ns := range m.all {
		out[ns.name] = ns.store
	}
	return out
}

// StoreStats returns the counters of a configured measurement's store.
func (m *Matcher) StoreStats(measurement string) (correlation.Stats, bool) {
	s, ok := m.stores[measurement]
	if !ok {
		return correlation.Stats{}, false
	}
	return s.Stats(), true
}

// Insert stores ev in the store of its measurement. Events that carry no
// sampling rate take the locally configured one, or 1.
func (m *Matcher) Insert(ev model.SignatureEvent) {
	if ev.SamplingRate == 0 {
		ev.SamplingRate = m.rates[ev.MeasurementName]
	}
	if ev.SamplingRate == 0 {
		ev.SamplingRate = 1
	}
	m.Store(ev.MeasurementName).Insert(ev)
	m.inserted.Add(1)
}

// Drain moves events from sub into the correlation stores until ctx is
// cancelled or the subscription closes. A lagging subscription is counted
// and draining continues.
func (m *Matcher) Drain(ctx context.Context, sub *dissemination.Subscription) {
	defer sub.Close()
	for {
		ev, err := sub.Recv(ctx)
		if err != nil {
			var lag *dissemination.LaggedError
			if errors.As(err, &lag) {
				m.lagged.Add(lag.Skipped)
				log.Printf("Matcher: signature channel lagged, %d events skipped.", lag.Skipped)
				continue
			}
			return
		}
		m.Insert(ev)
	}
}

// Sweep runs every store's periodic sweeper until ctx is cancelled.
func (m *Matcher) Sweep(ctx context.Context, interval time.Duration) {
	var wg sync.WaitGroup
	for _, ns := range m.all {
		wg.Add(1)
		go func(s *correlation.Store) {
			defer wg.Done()
			s.Run(ctx, interval)
		}(ns.store)
	}
	wg.Wait()
}

// Observe feeds one locally observed packet to the matcher and reports
// whether it completed a match. At most one match is taken per row.
func (m *Matcher) Observe(row model.PacketRow) bool {
	m.rows.Add(1)
	energy := vad.ChunkEnergy(protocol.AudioPayload(row.Payload, m.protocol))
	shapes, need := m.pendingShapes()

	m.histMu.Lock()
	h, ok := m.histories[row.Observer]
	if !ok {
		h = &history{energies: make([]float32, m.histCap)}
		m.histories[row.Observer] = h
	}
	h.grow(need)
	h.push(energy)

	var cands [][]float32
	for _, sp := range shapes {
		if e := h.suffix(sp.length, sp.stride); e != nil {
			cands = append(cands, e)
		}
	}
	m.histMu.Unlock()

	for _, energies := range cands {
		m.candidates.Add(1)
		sig := signature.FingerprintEnergies(energies)
		if m.tryMatch(sig.Hash, row) {
			return true
		}
	}
	return false
}

type windowShape struct {
	length, stride int
}

// pendingShapes returns the distinct candidate shapes of the pending entries
// and the history capacity they need.
func (m *Matcher) pendingShapes() ([]windowShape, int) {
	seen := make(map[windowShape]bool)
	var out []windowShape
	need := 0
	for _, ns := range m.all {
		for _, sp := range ns.store.Shapes() {
			n := int(sp.DurationMs) / signature.ChunkDurationMs
			stride := int(sp.SamplingRate)
			if n <= 0 || n > signature.WindowCapacity || stride <= 0 || stride > MaxStride {
				continue
			}
			ws := windowShape{length: n, stride: stride}
			if seen[ws] {
				continue
			}
			seen[ws] = true
			out = append(out, ws)
			if c := signature.WindowCapacity * stride; c > need {
				need = c
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].length != out[j].length {
			return out[i].length < out[j].length
		}
		return out[i].stride < out[j].stride
	})
	return out, need
}

func (m *Matcher) tryMatch(hash uint64, row model.PacketRow) bool {
	for _, ns := range m.all {
		match, ok := ns.store.TryMatch(hash, row.Timestamp)
		if !ok {
			continue
		}
		latency, skewed := match.Latency()
		if skewed {
			m.skewed.Add(1)
			log.Printf("Matcher: clock skew on %s, observed %s before origin %s; latency clamped to 0.",
				match.Event.MeasurementName, row.Timestamp.Format(time.RFC3339Nano), match.Event.Timestamp.Format(time.RFC3339Nano))
		}
		key := m.fallbackKey
		if ns.name != "" {
			key = m.groupingKeys[ns.name]
		}
		group, ok := match.Event.Metadata.Get(key)
		if !ok || group == "" {
			group = UnknownGroup
		}
		m.matches.Add(1)
		m.sink.Observe(model.Observation{
			MeasurementName:   match.Event.MeasurementName,
			GroupKey:          group,
			Observer:          row.Observer,
			Latency:           latency,
			ClockSkew:         skewed,
			Hash:              hash,
			OriginTimestamp:   match.Event.Timestamp,
			ObservedTimestamp: row.Timestamp,
		})
		return true
	}
	return false
}

// Run consumes batches from src until ctx is cancelled, in which case it
// returns nil. Exhaustion of src is reported as io.EOF; any other source
// error is returned wrapped.
func (m *Matcher) Run(ctx context.Context, src model.Source) error {
	for {
		rows, err := src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return io.EOF
			}
			return fmt.Errorf("matcher source failed: %w", err)
		}
		for _, row := range rows {
			m.Observe(row)
		}
	}
}

// Stats returns a snapshot of the matcher counters.
func (m *Matcher) Stats() Stats {
	return Stats{
		Rows:       m.rows.Load(),
		Candidates: m.candidates.Load(),
		Matches:    m.matches.Load(),
		Skewed:     m.skewed.Load(),
		Lagged:     m.lagged.Load(),
		Inserted:   m.inserted.Load(),
	}
}
