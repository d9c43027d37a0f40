package sink

import (
	"sort"
	"sync"
	"time"

	"EchoTrace/internal/model"
)

// GroupStats summarises the latencies observed for one measurement group.
// Latencies are in seconds.
type GroupStats struct {
	Measurement string    `json:"measurement"`
	Group       string    `json:"group"`
	Observer    string    `json:"observer"`
	Count       uint64    `json:"count"`
	Skewed      uint64    `json:"skewed"`
	Min         float64   `json:"min"`
	Max         float64   `json:"max"`
	Mean        float64   `json:"mean"`
	Last        float64   `json:"last"`
	LastSeen    time.Time `json:"last_seen"`
}

type groupKey struct {
	measurement, group, observer string
}

// Stats keeps running latency statistics in memory. It is a model.Sink.
type Stats struct {
	mu      sync.RWMutex
	groups  map[groupKey]*GroupStats
	matches map[string]uint64
}

// NewStats creates an empty statistics sink.
func NewStats() *Stats {
	return &Stats{
		groups:  make(map[groupKey]*GroupStats),
		matches: make(map[string]uint64),
	}
}

func (s *Stats) Observe(o model.Observation) {
	latency := o.Latency.Seconds()
	k := groupKey{o.MeasurementName, o.GroupKey, o.Observer}

	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[k]
	if !ok {
		g = &GroupStats{Measurement: k.measurement, Group: k.group, Observer: k.observer, Min: latency, Max: latency}
		s.groups[k] = g
	}
	g.Count++
	if o.ClockSkew {
		g.Skewed++
	}
	if latency < g.Min {
		g.Min = latency
	}
	if latency > g.Max {
		g.Max = latency
	}
	g.Mean += (latency - g.Mean) / float64(g.Count)
	g.Last = latency
	g.LastSeen = o.ObservedTimestamp
	s.matches[o.MeasurementName]++
}

// Snapshot returns a copy of every group, ordered by measurement, group and observer.
func (s *Stats) Snapshot() []GroupStats {
	s.mu.RLock()
	out := make([]GroupStats, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, *g)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Measurement != out[j].Measurement {
			return out[i].Measurement < out[j].Measurement
		}
		if out[i].Group != out[j].Group {
			return out[i].Group < out[j].Group
		}
		return out[i].Observer < out[j].Observer
	})
	return out
}

// Measurement returns the groups of one measurement.
func (s *Stats) Measurement(name string) []GroupStats {
	var out []GroupStats
	for _, g := range s.Snapshot() {
		if g.Measurement == name {
			out = append(out, g)
		}
	}
	return out
}

// Matches returns the number of observations recorded for a measurement.
func (s *Stats) Matches(measurement string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.matches[measurement]
}
