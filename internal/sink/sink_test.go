package sink

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"EchoTrace/internal/config"
	"EchoTrace/internal/model"
)

func obs(measurement, group string, latency time.Duration) model.Observation {
	return model.Observation{
		MeasurementName:   measurement,
		GroupKey:          group,
		Observer:          "node-b",
		Latency:           latency,
		ObservedTimestamp: time.Unix(1700000000, 0),
	}
}

func TestStats_Aggregates(t *testing.T) {
	s := NewStats()
	s.Observe(obs("relay-a", "427", 80*time.Millisecond))
	s.Observe(obs("relay-a", "427", 120*time.Millisecond))
	skewed := obs("relay-a", "427", 0)
	skewed.ClockSkew = true
	s.Observe(skewed)
	s.Observe(obs("relay-b", "1", time.Second))

	groups := s.Measurement("relay-a")
	if len(groups) != 1 {
		t.Fatalf("Expected one group, got %d", len(groups))
	}
	g := groups[0]
	if g.Count != 3 || g.Skewed != 1 {
		t.Errorf("Unexpected counts: %+v", g)
	}
	if g.Min != 0 || g.Max != 0.12 || g.Last != 0 {
		t.Errorf("Unexpected min/max/last: %+v", g)
	}
	if diff := g.Mean - 0.2/3; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("Expected mean %f, got %f", 0.2/3, g.Mean)
	}
	if s.Matches("relay-a") != 3 || s.Matches("relay-b") != 1 || s.Matches("none") != 0 {
		t.Error("Unexpected per-measurement match counts")
	}

	snap := s.Snapshot()
	if len(snap) != 2 || snap[0].Measurement != "relay-a" || snap[1].Measurement != "relay-b" {
		t.Errorf("Snapshot should be sorted by measurement: %+v", snap)
	}
}

type closingSink struct {
	n      int
	closed bool
}

func (c *closingSink) Observe(model.Observation) { c.n++ }
func (c *closingSink) Close() error              { c.closed = true; return nil }

func TestMulti_FansOutAndCloses(t *testing.T) {
	a, b := &closingSink{}, &closingSink{}
	stats := NewStats()
	m := Multi{a, stats, b}
	m.Observe(obs("relay-a", "1", time.Millisecond))
	m.Observe(obs("relay-a", "1", time.Millisecond))

	if a.n != 2 || b.n != 2 || stats.Matches("relay-a") != 2 {
		t.Error("Every member should see every observation")
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !a.closed || !b.closed {
		t.Error("Closable members should be closed")
	}
}

func TestTextSink_WritesLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "latency.log")
	s, err := NewTextSink(config.SinkDef{Type: "text", FlushInterval: "10ms", BatchSize: 2, Text: config.TextConfig{Path: path}})
	if err != nil {
		t.Fatalf("NewTextSink failed: %v", err)
	}
	s.Observe(obs("relay-a", "427", 80*time.Millisecond))
	skewed := obs("relay-a", "428", 0)
	skewed.ClockSkew = true
	s.Observe(skewed)
	s.Observe(obs("relay-b", "1", time.Second))
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("Expected 3 lines, got %d: %q", len(lines), data)
	}
	if want := "2023-11-14T22:13:20Z relay-a 427 node-b 0.080000 0"; lines[0] != want {
		t.Errorf("Expected %q, got %q", want, lines[0])
	}
	if !strings.HasSuffix(lines[1], " 1") {
		t.Errorf("Skewed observation should be flagged: %q", lines[1])
	}

	// Observations after Close are dropped, not written.
	s.Observe(obs("relay-a", "427", time.Millisecond))
	if s.dropped.Load() != 1 {
		t.Errorf("Expected 1 dropped after close, got %d", s.dropped.Load())
	}
}

func TestTextSink_RequiresPath(t *testing.T) {
	if _, err := NewTextSink(config.SinkDef{Type: "text"}); err == nil {
		t.Error("Expected error without text.path")
	}
}

func TestBatcher_DropsWhenFull(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var written int
	b, err := newBatcher("test", config.SinkDef{BatchSize: 1, FlushInterval: "1h"}, func(batch []model.Observation) error {
		<-release
		mu.Lock()
		written += len(batch)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("newBatcher failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 20; i++ {
			b.Observe(obs("relay-a", "1", time.Millisecond))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Observe blocked on a stalled writer")
	}
	if d := b.dropped.Load(); d < 15 {
		t.Errorf("Expected at least 15 drops with a queue of 4, got %d", d)
	}

	close(release)
	b.Close()
	mu.Lock()
	defer mu.Unlock()
	if uint64(written)+b.dropped.Load() != 20 {
		t.Errorf("Written %d plus dropped %d should account for all 20", written, b.dropped.Load())
	}
}

func TestBatcher_RejectsBadInterval(t *testing.T) {
	if _, err := newBatcher("test", config.SinkDef{FlushInterval: "soon"}, nil); err == nil {
		t.Error("Expected error for unparsable flush_interval")
	}
	if _, err := newBatcher("test", config.SinkDef{FlushInterval: "-1s"}, nil); err == nil {
		t.Error("Expected error for negative flush_interval")
	}
}
