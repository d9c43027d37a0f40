package signature

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"EchoTrace/internal/config"
	"EchoTrace/internal/engine/protocol"
	"EchoTrace/internal/metadata"
	"EchoTrace/internal/model"
	"EchoTrace/internal/vad"
)

// Stats are the running counters of a detector.
type Stats struct {
	Seen    uint64 `json:"seen"`
	Sampled uint64 `json:"sampled"`
	Emitted uint64 `json:"emitted"`
}

// Detector turns the packets of one stream into signature events. Packets
// are processed in arrival order; the detector's window is never shared.
type Detector struct {
	cfg       *config.MeasurementConfig
	node      string
	extractor *metadata.Extractor
	gate      vad.Gate
	protocol  string
	rate      uint64
	minChunks int

	mu      sync.Mutex
	counter uint64
	window  *Window

	// Now supplies origin timestamps for ProcessPacket.
	Now func() time.Time

	seen, sampled, emitted atomic.Uint64
}

// New builds a detector for a validated measurement. node is the observer
// identity stamped on every event.
func New(cfg *config.MeasurementConfig, node string) (*Detector, error) {
	extractor, err := metadata.NewExtractor(cfg.MetadataExtraction)
	if err != nil {
		return nil, fmt.Errorf("measurement '%s': %w", cfg.Name, err)
	}
	gate, err := vad.New(cfg.SignatureRules.AudioCriteria)
	if err != nil {
		return nil, fmt.Errorf("measurement '%s': %w", cfg.Name, err)
	}

	rate := uint64(cfg.SignatureRules.SamplingRate)
	if rate == 0 {
		rate = config.DefaultSamplingRate
	}
	minMs := int(cfg.SignatureRules.AudioCriteria.MinDurationMs)
	minChunks := (minMs + ChunkDurationMs - 1) / ChunkDurationMs

	return &Detector{
		cfg:       cfg,
		node:      node,
		extractor: extractor,
		gate:      gate,
		protocol:  cfg.MetadataExtraction.Protocol.Type,
		rate:      rate,
		minChunks: minChunks,
		window:    NewWindow(WindowCapacity),
		Now:       time.Now,
	}, nil
}

// Name returns the measurement name.
func (d *Detector) Name() string {
	return d.cfg.Name
}

// ProcessPacket is ProcessPacketAt stamped with the detector clock.
func (d *Detector) ProcessPacket(payload []byte) (model.SignatureEvent, bool) {
	return d.ProcessPacketAt(payload, d.Now())
}

// ProcessPacketAt feeds one packet to the detector and returns an event when
// the packet lands on the sampling boundary and the window passes the gate.
// Bad payload content never fails; it yields fewer ids or a quiet window.
func (d *Detector) ProcessPacketAt(payload []byte, ts time.Time) (model.SignatureEvent, bool) {
	d.seen.Add(1)

	d.mu.Lock()
	defer d.mu.Unlock()

	d.counter++
	if d.counter%d.rate != 0 {
		return model.SignatureEvent{}, false
	}
	d.sampled.Add(1)

	md := d.extractor.Extract(payload)
	d.window.Push(protocol.AudioPayload(payload, d.protocol))

	if d.window.Len() < d.minChunks {
		return model.SignatureEvent{}, false
	}
	chunks := d.window.Chunks()
	if !d.gate.IsWorthy(chunks) {
		return model.SignatureEvent{}, false
	}
	ev := model.SignatureEvent{
		Signature:       Fingerprint(chunks),
		Metadata:        md,
		Timestamp:       ts,
		MeasurementName: d.cfg.Name,
		SamplingRate:    uint32(d.rate),
		Node:            d.node,
	}
	d.emitted.Add(1)
	return ev, true
}

// Stats returns a snapshot of the detector counters.
func (d *Detector) Stats() Stats {
	return Stats{
		Seen:    d.seen.Load(),
		Sampled: d.sampled.Load(),
		Emitted: d.emitted.Load(),
	}
}

// Close releases the gate's resources, if it holds any.
func (d *Detector) Close() error {
	if c, ok := d.gate.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
