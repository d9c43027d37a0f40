// Package estimator measures latency from explicit interval ids traced at
// both ends of a relay, as an alternative to audio signatures when the
// stream carries its own ids.
package estimator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"EchoTrace/internal/model"
)

// Default ports of the traced source and relay.
const (
	DefaultSourcePort = 8000
	DefaultRelayPort  = 8001
)

// Trace is one traced audio chunk.
type Trace struct {
	TimestampNs uint64
	SrcIP       string
	SrcPort     uint16
	DstIP       string
	DstPort     uint16
	IntervalID  string
	Position    uint32
}

// ParseLine parses a trace line. Two CSV forms are accepted:
//
//	timestamp_ns,src_ip,src_port,dst_ip,dst_port,interval_id,position[,len]
//	timestamp_ns,src_port,dst_port,interval_id,position
//
// Header lines, blank lines and malformed lines yield ok == false.
func ParseLine(line string) (Trace, bool) {
	parts := strings.Split(strings.TrimSpace(line), ",")
	if len(parts) < 5 || parts[0] == "timestamp" || parts[0] == "timestamp_ns" {
		return Trace{}, false
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	var t Trace
	var err error
	if t.TimestampNs, err = strconv.ParseUint(parts[0], 10, 64); err != nil {
		return Trace{}, false
	}

	var srcPort, dstPort, position string
	if len(parts) >= 7 {
		t.SrcIP, srcPort, t.DstIP, dstPort = parts[1], parts[2], parts[3], parts[4]
		t.IntervalID, position = parts[5], parts[6]
	} else {
		srcPort, dstPort, t.IntervalID, position = parts[1], parts[2], parts[3], parts[4]
	}
	if t.SrcPort, err = parsePort(srcPort); err != nil {
		return Trace{}, false
	}
	if t.DstPort, err = parsePort(dstPort); err != nil {
		return Trace{}, false
	}
	p, err := strconv.ParseUint(position, 10, 32)
	if err != nil {
		return Trace{}, false
	}
	t.Position = uint32(p)
	return t, true
}

func parsePort(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 10, 16)
	return uint16(v), err
}

// Measurement is the latency of one relayed chunk.
type Measurement struct {
	IntervalID      string
	Position        uint32
	SourceTimestamp time.Time
	RelayTimestamp  time.Time
	Latency         time.Duration
	ClockSkew       bool
}

// Summary aggregates every measurement so far.
type Summary struct {
	Count int
	Min   time.Duration
	Avg   time.Duration
	Max   time.Duration
}

// Options configure an Estimator.
type Options struct {
	SourcePort  uint16
	RelayPort   uint16
	Measurement string // reported as the measurement name to the sink
	Observer    string
}

// Estimator pairs the first sighting of each interval at the source port
// with every later sighting at the relay port.
type Estimator struct {
	opts Options
	sink model.Sink

	mu           sync.Mutex
	firstSeen    map[string]uint64
	measurements []Measurement
	offset       int64
	partial      string
}

// New creates an estimator. sink may be nil.
func New(opts Options, sink model.Sink) *Estimator {
	if opts.SourcePort == 0 {
		opts.SourcePort = DefaultSourcePort
	}
	if opts.RelayPort == 0 {
		opts.RelayPort = DefaultRelayPort
	}
	if opts.Measurement == "" {
		opts.Measurement = "explicit-id"
	}
	return &Estimator{opts: opts, sink: sink, firstSeen: make(map[string]uint64)}
}

// Process applies one trace and returns the measurement it completed, if any.
// A relay sighting before its source sighting clamps to zero latency and is
// flagged as clock skew.
func (e *Estimator) Process(t Trace) (Measurement, bool) {
	e.mu.Lock()
	if t.SrcPort == e.opts.SourcePort {
		if _, ok := e.firstSeen[t.IntervalID]; !ok {
			e.firstSeen[t.IntervalID] = t.TimestampNs
			log.Printf("Estimator: interval %s first seen at position %d.", t.IntervalID, t.Position)
		}
	}
	if t.DstPort != e.opts.RelayPort {
		e.mu.Unlock()
		return Measurement{}, false
	}
	first, ok := e.firstSeen[t.IntervalID]
	if !ok {
		e.mu.Unlock()
		return Measurement{}, false
	}

	m := Measurement{
		IntervalID:      t.IntervalID,
		Position:        t.Position,
		SourceTimestamp: time.Unix(0, int64(first)),
		RelayTimestamp:  time.Unix(0, int64(t.TimestampNs)),
	}
	if t.TimestampNs >= first {
		m.Latency = time.Duration(t.TimestampNs - first)
	} else {
		m.ClockSkew = true
	}
	e.measurements = append(e.measurements, m)
	e.mu.Unlock()

	if e.sink != nil {
		e.sink.Observe(model.Observation{
			MeasurementName:   e.opts.Measurement,
			GroupKey:          m.IntervalID,
			Observer:          e.opts.Observer,
			Latency:           m.Latency,
			ClockSkew:         m.ClockSkew,
			OriginTimestamp:   m.SourceTimestamp,
			ObservedTimestamp: m.RelayTimestamp,
		})
	}
	return m, true
}

// ReadFrom processes every line of r and returns how many traces parsed.
func (e *Estimator) ReadFrom(r io.Reader) (int, error) {
	n := 0
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if t, ok := ParseLine(scanner.Text()); ok {
			e.Process(t)
			n++
		}
	}
	if err := scanner.Err(); err != nil {
		return n, fmt.Errorf("failed to read traces: %w", err)
	}
	return n, nil
}

// ProcessFile processes a whole trace file once.
func (e *Estimator) ProcessFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open trace file: %w", err)
	}
	defer f.Close()
	return e.ReadFrom(f)
}

// ReadNew processes lines appended to path since the previous call. A
// trailing line without a newline is kept until it is completed. A file that
// shrank is read again from the start.
func (e *Estimator) ReadNew(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open trace file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat trace file: %w", err)
	}
	if info.Size() < e.offset {
		log.Printf("Estimator: '%s' was truncated, reading from the start.", path)
		e.offset, e.partial = 0, ""
	}
	if _, err := f.Seek(e.offset, io.SeekStart); err != nil {
		return 0, fmt.Errorf("failed to seek trace file: %w", err)
	}

	n := 0
	r := bufio.NewReader(f)
	for {
		chunk, err := r.ReadString('\n')
		e.offset += int64(len(chunk))
		if err == io.EOF {
			e.partial += chunk
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("failed to read trace file: %w", err)
		}
		line := e.partial + chunk
		e.partial = ""
		if t, ok := ParseLine(line); ok {
			e.Process(t)
			n++
		}
	}
}

// Follow calls ReadNew every interval until ctx is cancelled.
func (e *Estimator) Follow(ctx context.Context, path string, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := e.ReadNew(path); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Measurements returns a copy of every measurement in arrival order.
func (e *Estimator) Measurements() []Measurement {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Measurement(nil), e.measurements...)
}

// Summary returns min, average and max latency.
func (e *Estimator) Summary() Summary {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Summary{Count: len(e.measurements)}
	if s.Count == 0 {
		return s
	}
	var sum time.Duration
	s.Min = e.measurements[0].Latency
	for _, m := range e.measurements {
		sum += m.Latency
		if m.Latency < s.Min {
			s.Min = m.Latency
		}
		if m.Latency > s.Max {
			s.Max = m.Latency
		}
	}
	s.Avg = sum / time.Duration(s.Count)
	return s
}

// IntervalAverage is the mean latency of one interval id.
type IntervalAverage struct {
	IntervalID string
	Count      int
	Avg        time.Duration
}

// IntervalAverages returns the mean latency per interval, ordered by id.
func (e *Estimator) IntervalAverages() []IntervalAverage {
	e.mu.Lock()
	sums := make(map[string]time.Duration)
	counts := make(map[string]int)
	for _, m := range e.measurements {
		sums[m.IntervalID] += m.Latency
		counts[m.IntervalID]++
	}
	e.mu.Unlock()

	out := make([]IntervalAverage, 0, len(sums))
	for id, sum := range sums {
		out = append(out, IntervalAverage{IntervalID: id, Count: counts[id], Avg: sum / time.Duration(counts[id])})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IntervalID < out[j].IntervalID })
	return out
}

// WriteMetrics writes measurements in the Prometheus text exposition format.
func WriteMetrics(w io.Writer, ms []Measurement) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "# HELP audio_latency_seconds Audio processing latency in seconds")
	fmt.Fprintln(bw, "# TYPE audio_latency_seconds gauge")
	for _, m := range ms {
		fmt.Fprintf(bw, "audio_latency_seconds{interval_id=%q,source=\"trace\"} %g\n", m.IntervalID, m.Latency.Seconds())
	}
	return bw.Flush()
}
