package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"EchoTrace/internal/alerter"
	"EchoTrace/internal/api"
	"EchoTrace/internal/config"
	"EchoTrace/internal/correlation"
	"EchoTrace/internal/dissemination"
	"EchoTrace/internal/factory"
	"EchoTrace/internal/matcher"
	"EchoTrace/internal/model"
	"EchoTrace/internal/notification"
	"EchoTrace/internal/query"
	"EchoTrace/internal/signature"
	"EchoTrace/internal/sink"
	etpcap "EchoTrace/pkg/pcap"
	"EchoTrace/pkg/pcap/live"
)

// SourceOpener opens the packet source of a measurement or of the matcher.
// bpf is the effective capture filter.
type SourceOpener func(cfg config.SourceConfig, bpf string) (model.Source, error)

// OpenSource is the default SourceOpener: pcap replay or live capture.
func OpenSource(cfg config.SourceConfig, bpf string) (model.Source, error) {
	switch cfg.Type {
	case config.SourcePcap:
		if bpf == "" {
			r, err := etpcap.OpenFile(cfg.Path, cfg.Observer, cfg.BatchSize)
			if err != nil {
				return nil, err
			}
			return r, nil
		}
		r, err := live.OpenOffline(cfg.Path, bpf, cfg.Observer, cfg.BatchSize)
		if err != nil {
			return nil, err
		}
		return r, nil
	case config.SourceLive:
		r, err := live.Open(cfg.Iface, bpf, cfg.Observer, cfg.BatchSize)
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unknown source type '%s'", cfg.Type)
	}
}

// task is one measurement: its detector and the source feeding it.
type task struct {
	cfg      config.MeasurementConfig
	detector *signature.Detector
	source   model.Source
}

// MeasurementStats reports one measurement's detector and store counters.
type MeasurementStats struct {
	Detector signature.Stats   `json:"detector"`
	Store    correlation.Stats `json:"store"`
	Matches  uint64            `json:"matches"`
	Error    string            `json:"error,omitempty"`
}

// Stats is the agent-wide counter snapshot served by the API.
type Stats struct {
	Node         string                       `json:"node"`
	Healthy      bool                         `json:"healthy"`
	Measurements map[string]MeasurementStats  `json:"measurements"`
	Matcher      matcher.Stats                `json:"matcher"`
	Broadcast    dissemination.BroadcastStats `json:"broadcast"`
	Bridge       *dissemination.BridgeStats   `json:"bridge,omitempty"`
}

// Manager runs an EchoTrace agent: one detector task per measurement, the
// local signature broadcast, the fleet bridge, the matcher and its sinks.
type Manager struct {
	cfg   *config.Config
	tasks []*task

	broadcast *dissemination.Broadcaster
	transport dissemination.Transport
	bridge    *dissemination.Bridge
	matcher   *matcher.Matcher
	matchSrc  model.Source
	stats     *sink.Stats
	sinks     sink.Multi
	alerter   *alerter.Alerter
	api       *api.Server
	sweep     time.Duration

	// OpenSource opens sources in Start; replaceable before Start.
	OpenSource SourceOpener

	cancel     context.CancelFunc
	workerWg   sync.WaitGroup
	serviceWg  sync.WaitGroup
	sourceDone chan struct{}

	mu       sync.Mutex
	failures map[string]error
}

// NewManager creates a new Manager from a validated configuration. Sources
// are opened by Start.
func NewManager(cfg *config.Config) (*Manager, error) {
	sweep, err := time.ParseDuration(cfg.Matcher.SweepInterval)
	if err != nil {
		return nil, fmt.Errorf("invalid matcher sweep_interval: %w", err)
	}

	m := &Manager{
		cfg:        cfg,
		broadcast:  dissemination.NewBroadcaster(cfg.Dissemination.Capacity),
		stats:      sink.NewStats(),
		sweep:      sweep,
		OpenSource: OpenSource,
		sourceDone: make(chan struct{}),
		failures:   make(map[string]error),
	}

	measurements := cfg.EnabledMeasurements()
	for i := range measurements {
		d, err := signature.New(&measurements[i], cfg.Node)
		if err != nil {
			m.closeDetectors()
			return nil, err
		}
		m.tasks = append(m.tasks, &task{cfg: measurements[i], detector: d})
	}

	created, err := factory.CreateSinks(cfg.Sinks)
	m.sinks = append(sink.Multi{m.stats}, created...)
	if err != nil {
		m.sinks.Close()
		m.closeDetectors()
		return nil, err
	}
	m.matcher = matcher.New(cfg.Matcher, measurements, m.sinks)

	m.transport, err = dissemination.NewTransport(cfg.Dissemination)
	if err != nil {
		m.sinks.Close()
		m.closeDetectors()
		return nil, fmt.Errorf("failed to create dissemination transport: %w", err)
	}
	if m.transport != nil {
		codec, err := dissemination.NewCodec(cfg.Dissemination.Codec)
		if err != nil {
			m.transport.Close()
			m.sinks.Close()
			m.closeDetectors()
			return nil, err
		}
		m.bridge = dissemination.NewBridge(cfg.Node, m.broadcast, m.transport, codec)
	}

	if cfg.Alerter.Enabled {
		// For now, we only initialize the email notifier.
		var notifier model.Notifier
		if cfg.SMTP.Host != "" {
			notifier = notification.NewEmailNotifier(cfg.SMTP, cfg.Node)
		} else {
			log.Println("Alerter is enabled in config, but no notifiers are configured. Reports will only be logged.")
		}
		m.alerter, err = alerter.NewAlerter(&cfg.Alerter, m.matcher, notifier)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("failed to create alerter: %w", err)
		}
		log.Println("Alerter enabled and initialized.")
	}

	if cfg.API.HTTPListenAddr != "" || cfg.API.GRPCListenAddr != "" {
		m.api = api.NewServer(cfg.API, m, newQuerier(cfg.Sinks))
	}
	return m, nil
}

// newQuerier connects to the first enabled ClickHouse sink, if any.
func newQuerier(defs []config.SinkDef) query.Querier {
	for _, def := range defs {
		if def.Enabled && def.Type == "clickhouse" {
			q, err := query.NewClickHouseQuerier(def.ClickHouse)
			if err != nil {
				log.Printf("History queries disabled: %v", err)
				return nil
			}
			return q
		}
	}
	return nil
}

func effectiveBPF(mc config.MeasurementConfig) string {
	if mc.Source.BPF != "" {
		return mc.Source.BPF
	}
	return mc.SignatureRules.StreamFilter
}

// Start opens every source and launches the agent goroutines. It returns
// once everything runs; cancel ctx or call Stop to shut down.
func (m *Manager) Start(ctx context.Context) error {
	for _, t := range m.tasks {
		if t.cfg.Source.Type == "" {
			continue
		}
		src, err := m.OpenSource(t.cfg.Source, effectiveBPF(t.cfg))
		if err != nil {
			m.closeSources()
			return fmt.Errorf("measurement '%s': %w", t.cfg.Name, err)
		}
		t.source = src
	}
	if m.cfg.Matcher.Enabled && m.cfg.Matcher.Source.Type != "" {
		src, err := m.OpenSource(m.cfg.Matcher.Source, m.cfg.Matcher.Source.BPF)
		if err != nil {
			m.closeSources()
			return fmt.Errorf("matcher: %w", err)
		}
		m.matchSrc = src
	}

	ctx, m.cancel = context.WithCancel(ctx)

	if m.cfg.Matcher.Enabled {
		// Subscribe before any detector runs so no event is missed.
		sub := m.broadcast.Subscribe()
		m.serviceWg.Add(2)
		go func() {
			defer m.serviceWg.Done()
			m.matcher.Drain(ctx, sub)
		}()
		go func() {
			defer m.serviceWg.Done()
			m.matcher.Sweep(ctx, m.sweep)
		}()
	}
	if m.bridge != nil {
		m.serviceWg.Add(1)
		go func() {
			defer m.serviceWg.Done()
			if err := m.bridge.Run(ctx); err != nil {
				m.fail("bridge", err)
			}
		}()
	}

	for _, t := range m.tasks {
		if t.source == nil {
			continue
		}
		m.workerWg.Add(1)
		go m.runMeasurement(ctx, t)
	}
	if m.matchSrc != nil {
		m.workerWg.Add(1)
		go m.runMatcher(ctx)
	}
	go func() {
		m.workerWg.Wait()
		close(m.sourceDone)
	}()

	if m.alerter != nil {
		m.alerter.Start()
	}
	if m.api != nil {
		if err := m.api.Start(); err != nil {
			m.cancel()
			return err
		}
	}
	log.Printf("Manager started for node '%s' with %d measurement(s).", m.cfg.Node, len(m.tasks))
	return nil
}

// runMeasurement feeds one source through its detector and publishes events.
func (m *Manager) runMeasurement(ctx context.Context, t *task) {
	defer m.workerWg.Done()
	for {
		rows, err := t.source.Next(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
			case errors.Is(err, io.EOF):
				log.Printf("Measurement '%s': source exhausted, %d signature(s) emitted.", t.cfg.Name, t.detector.Stats().Emitted)
			default:
				m.fail(t.cfg.Name, fmt.Errorf("source failed: %w", err))
			}
			return
		}
		for _, row := range rows {
			if ev, ok := t.detector.ProcessPacketAt(row.Payload, row.Timestamp); ok {
				m.broadcast.Publish(ev)
			}
		}
	}
}

func (m *Manager) runMatcher(ctx context.Context) {
	defer m.workerWg.Done()
	err := m.matcher.Run(ctx, m.matchSrc)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		log.Printf("Matcher: source exhausted, %d match(es).", m.matcher.Stats().Matches)
	default:
		m.fail("matcher", err)
	}
}

// fail records a task failure and marks the agent unhealthy. Other tasks
// keep running.
func (m *Manager) fail(name string, err error) {
	log.Printf("Task '%s' failed: %v", name, err)
	m.mu.Lock()
	m.failures[name] = err
	m.mu.Unlock()
	if m.api != nil {
		m.api.SetServing(false)
	}
}

// SourcesDone is closed when every source-driven task has returned.
func (m *Manager) SourcesDone() <-chan struct{} {
	return m.sourceDone
}

// Health returns the failed tasks and their errors.
func (m *Manager) Health() map[string]error {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]error, len(m.failures))
	for k, v := range m.failures {
		out[k] = v
	}
	return out
}

// Healthy reports whether no task has failed.
func (m *Manager) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.failures) == 0
}

// Measurements returns the names of the running measurements.
func (m *Manager) Measurements() []string {
	names := make([]string, 0, len(m.tasks))
	for _, t := range m.tasks {
		names = append(names, t.cfg.Name)
	}
	sort.Strings(names)
	return names
}

// Latency returns the live latency statistics of a measurement.
func (m *Manager) Latency(measurement string) []sink.GroupStats {
	return m.stats.Measurement(measurement)
}

// Stats returns a snapshot of all agent counters.
func (m *Manager) Stats() interface{} {
	return m.Snapshot()
}

// Snapshot is Stats with its concrete type.
func (m *Manager) Snapshot() Stats {
	health := m.Health()
	st := Stats{
		Node:         m.cfg.Node,
		Healthy:      len(health) == 0,
		Measurements: make(map[string]MeasurementStats, len(m.tasks)),
		Matcher:      m.matcher.Stats(),
		Broadcast:    m.broadcast.Stats(),
	}
	for _, t := range m.tasks {
		ms := MeasurementStats{Detector: t.detector.Stats(), Matches: m.stats.Matches(t.cfg.Name)}
		ms.Store, _ = m.matcher.StoreStats(t.cfg.Name)
		if err, ok := health[t.cfg.Name]; ok {
			ms.Error = err.Error()
		}
		st.Measurements[t.cfg.Name] = ms
	}
	if m.bridge != nil {
		bs := m.bridge.Stats()
		st.Bridge = &bs
	}
	return st
}

// Stop gracefully shuts down the manager.
func (m *Manager) Stop() {
	log.Println("Manager stopping...")
	if m.cancel != nil {
		// 1. Stop reading sources and wait for the detector and matcher tasks.
		m.cancel()
		log.Println("Waiting for workers to finish...")
		m.workerWg.Wait()
		// 2. Wait for the drain, sweepers and bridge.
		m.serviceWg.Wait()
	}
	if m.api != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		m.api.Stop(ctx)
		cancel()
	}
	m.Close()
	log.Println("Manager stopped.")
}

// Close releases every resource without waiting for goroutines. Stop calls it.
func (m *Manager) Close() {
	if m.alerter != nil {
		m.alerter.Stop()
		m.alerter = nil
	}
	m.broadcast.Close()
	m.closeSources()
	if m.transport != nil {
		if err := m.transport.Close(); err != nil {
			log.Printf("Error closing transport: %v", err)
		}
		m.transport = nil
	}
	if err := m.sinks.Close(); err != nil {
		log.Printf("Error closing sinks: %v", err)
	}
	m.sinks = nil
	m.closeDetectors()
}

func (m *Manager) closeSources() {
	for _, t := range m.tasks {
		if t.source != nil {
			if err := t.source.Close(); err != nil {
				log.Printf("Error closing source of '%s': %v", t.cfg.Name, err)
			}
			t.source = nil
		}
	}
	if m.matchSrc != nil {
		if err := m.matchSrc.Close(); err != nil {
			log.Printf("Error closing matcher source: %v", err)
		}
		m.matchSrc = nil
	}
}

func (m *Manager) closeDetectors() {
	for _, t := range m.tasks {
		if err := t.detector.Close(); err != nil {
			log.Printf("Error closing detector of '%s': %v", t.cfg.Name, err)
		}
	}
}
