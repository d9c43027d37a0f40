package vad

import (
	"encoding/binary"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"EchoTrace/internal/config"
)

func pcmChunk(samples ...int16) []byte {
	b := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(b[2*i:], uint16(s))
	}
	return b
}

func constantChunk(value int16, n int) []byte {
	s := make([]int16, n)
	for i := range s {
		s[i] = value
	}
	return pcmChunk(s...)
}

func sineChunks(freq float64, sampleRate, perChunk, chunks int, amplitude float64) [][]byte {
	out := make([][]byte, chunks)
	idx := 0
	for c := range out {
		s := make([]int16, perChunk)
		for i := range s {
			s[i] = int16(amplitude * math.Sin(2*math.Pi*freq*float64(idx)/float64(sampleRate)))
			idx++
		}
		out[c] = pcmChunk(s...)
	}
	return out
}

func TestEnergyGate_BoundaryInclusive(t *testing.T) {
	gate := &EnergyGate{Threshold: 0.5}

	at := [][]byte{constantChunk(16384, 160), constantChunk(-16384, 160)}
	if rms := RMS(at); rms != 0.5 {
		t.Fatalf("Expected RMS 0.5, got %f", rms)
	}
	if !gate.IsWorthy(at) {
		t.Error("Window with RMS equal to threshold should be worthy")
	}

	below := [][]byte{constantChunk(16383, 160)}
	if gate.IsWorthy(below) {
		t.Error("Window with RMS below threshold should not be worthy")
	}
}

func TestEnergyGate_EmptyAndMalformed(t *testing.T) {
	gate := &EnergyGate{Threshold: 0}
	cases := map[string][][]byte{
		"no chunks":       nil,
		"empty chunk":     {{}},
		"single odd byte": {{0x7F}},
	}
	for name, chunks := range cases {
		if gate.IsWorthy(chunks) {
			t.Errorf("%s: expected not worthy", name)
		}
	}
}

func TestZeroCrossings_ZeroCarriesSign(t *testing.T) {
	if got := ZeroCrossings([][]byte{pcmChunk(100, 0, 0, -100)}); got != 1 {
		t.Errorf("Expected 1 crossing across zeros, got %d", got)
	}
	if got := ZeroCrossings([][]byte{pcmChunk(100, 0, 100)}); got != 0 {
		t.Errorf("Expected 0 crossings, got %d", got)
	}
	// Crossings continue across chunk boundaries.
	if got := ZeroCrossings([][]byte{pcmChunk(5), pcmChunk(-5), pcmChunk(5)}); got != 2 {
		t.Errorf("Expected 2 crossings across chunks, got %d", got)
	}
}

func alternating(n int) []byte {
	s := make([]int16, n)
	for i := range s {
		if i%2 == 0 {
			s[i] = 1000
		} else {
			s[i] = -1000
		}
	}
	return pcmChunk(s...)
}

func TestZeroCrossingGate_AbsoluteCount(t *testing.T) {
	gate := &ZeroCrossingGate{}
	if gate.IsWorthy([][]byte{alternating(51)}) {
		t.Error("50 crossings should not pass the gate")
	}
	if !gate.IsWorthy([][]byte{alternating(52)}) {
		t.Error("51 crossings should pass the gate")
	}
}

func TestZeroCrossingGate_PerSecond(t *testing.T) {
	// One chunk is 20ms, so 51 crossings is 2550 crossings per second.
	gate := &ZeroCrossingGate{PerSecond: 3000}
	if gate.IsWorthy([][]byte{alternating(52)}) {
		t.Error("2550/s should not pass a 3000/s gate")
	}
	gate.PerSecond = 2000
	if !gate.IsWorthy([][]byte{alternating(52)}) {
		t.Error("2550/s should pass a 2000/s gate")
	}
}

func TestSpectralGate(t *testing.T) {
	gate := NewSpectralGate(config.AudioCriteria{
		EnergyThreshold: 0.05,
		SampleRate:      8000,
		FrequencyRange:  [2]float64{300, 3400},
	})

	voice := sineChunks(1000, 8000, 160, 10, 10000)
	if !gate.IsWorthy(voice) {
		ratio, _ := gate.BandRatio(voice)
		t.Errorf("1kHz tone should be in band, ratio %.3f", ratio)
	}

	hum := sineChunks(50, 8000, 160, 10, 10000)
	if gate.IsWorthy(hum) {
		ratio, _ := gate.BandRatio(hum)
		t.Errorf("50Hz hum should be out of band, ratio %.3f", ratio)
	}

	silence := [][]byte{constantChunk(0, 160)}
	if gate.IsWorthy(silence) {
		t.Error("Silence should not be worthy")
	}
}

func TestSpectralGate_Deterministic(t *testing.T) {
	gate := NewSpectralGate(config.AudioCriteria{SampleRate: 8000, FrequencyRange: [2]float64{300, 3400}})
	window := sineChunks(700, 8000, 160, 50, 8000)
	a, _ := gate.BandRatio(window)
	b, _ := gate.BandRatio(window)
	if a != b {
		t.Errorf("BandRatio not deterministic: %f vs %f", a, b)
	}
}

var currentLoud atomic.Pointer[loudModel]

type loudModel struct {
	closed atomic.Bool
}

func (m *loudModel) Predict(samples []float64) (bool, error) {
	var sum float64
	for _, s := range samples {
		sum += math.Abs(s)
	}
	return len(samples) > 0 && sum/float64(len(samples)) > 0.1, nil
}

func (m *loudModel) Close() error {
	m.closed.Store(true)
	return nil
}

var registerLoud sync.Once

func registerLoudLoader() {
	registerLoud.Do(func() {
		RegisterModelLoader(".loudtest", func(path string) (Model, error) {
			return currentLoud.Load(), nil
		})
	})
}

func TestMLGate_AsyncInference(t *testing.T) {
	model := &loudModel{}
	registerLoudLoader()
	currentLoud.Store(model)

	gate, err := New(config.AudioCriteria{VADMode: config.VADML, ModelPath: "vad.loudtest"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ml := gate.(*MLGate)
	if !ml.Active() {
		t.Fatal("Expected gate with registered loader to be active")
	}

	loud := [][]byte{constantChunk(20000, 160)}
	deadline := time.Now().Add(2 * time.Second)
	for !ml.IsWorthy(loud) {
		if time.Now().After(deadline) {
			t.Fatal("ML gate never reported the loud window as worthy")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := ml.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !model.closed.Load() {
		t.Error("Close should release the model")
	}
	// Second close is a no-op.
	if err := ml.Close(); err != nil {
		t.Errorf("Second Close returned %v", err)
	}
}

func TestMLGate_NoLoaderIsInactive(t *testing.T) {
	gate, err := NewMLGate("model.unknownformat")
	if err != nil {
		t.Fatalf("NewMLGate failed: %v", err)
	}
	defer gate.Close()
	if gate.Active() {
		t.Error("Gate without a loader should be inactive")
	}
	if gate.IsWorthy([][]byte{constantChunk(30000, 160)}) {
		t.Error("Inactive gate should never pass a window")
	}
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		criteria config.AudioCriteria
		want     string
	}{
		{config.AudioCriteria{}, "energy"},
		{config.AudioCriteria{VADMode: config.VADSpectral}, "spectral"},
		{config.AudioCriteria{VADMode: config.VADML, ModelPath: "/models/vad.onnx"}, "ml (no loader for .onnx, inactive)"},
	}
	for _, tt := range tests {
		if got := Describe(tt.criteria); got != tt.want {
			t.Errorf("Describe(%+v) = %q, want %q", tt.criteria, got, tt.want)
		}
	}

	registerLoudLoader()
	if got := Describe(config.AudioCriteria{VADMode: config.VADML, ModelPath: "m.loudtest"}); got != "ml (m.loudtest)" {
		t.Errorf("Expected an active ML description, got %q", got)
	}
}

func TestNew_UnknownMode(t *testing.T) {
	if _, err := New(config.AudioCriteria{VADMode: "psychic"}); err == nil {
		t.Error("Expected error for unknown vad mode")
	}
	for _, mode := range []string{config.VADEnergy, config.VADZeroCrossing, config.VADSpectral} {
		g, err := New(config.AudioCriteria{VADMode: mode, FrequencyRange: [2]float64{300, 3400}})
		if err != nil {
			t.Fatalf("New(%s) failed: %v", mode, err)
		}
		if g.Name() != mode {
			t.Errorf("Expected gate name %s, got %s", mode, g.Name())
		}
	}
}

func TestChunkEnergy(t *testing.T) {
	if e := ChunkEnergy(pcmChunk(100, -300)); e != 200 {
		t.Errorf("Expected mean absolute amplitude 200, got %f", e)
	}
	if e := ChunkEnergy([]byte{0x01}); e != 0 {
		t.Errorf("Expected 0 for chunk without samples, got %f", e)
	}
}
