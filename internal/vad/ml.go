package vad

import (
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"EchoTrace/internal/config"
)

// Model is a loaded voice-activity model.
type Model interface {
	// Predict reports whether the normalised samples contain voice.
	Predict(samples []float64) (bool, error)
	Close() error
}

// ModelLoader opens a model file.
type ModelLoader func(path string) (Model, error)

var (
	loadersMu sync.RWMutex
	loaders   = make(map[string]ModelLoader)
)

// RegisterModelLoader registers a loader for model files with the given
// extension (e.g. ".onnx").
func RegisterModelLoader(ext string, loader ModelLoader) {
	loadersMu.Lock()
	defer loadersMu.Unlock()
	ext = strings.ToLower(ext)
	if _, exists := loaders[ext]; exists {
		panic(fmt.Sprintf("model loader for '%s' already registered", ext))
	}
	loaders[ext] = loader
}

func modelExt(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return "'" + path + "'"
	}
	return ext
}

func loaderFor(path string) (ModelLoader, bool) {
	loadersMu.RLock()
	defer loadersMu.RUnlock()
	l, ok := loaders[strings.ToLower(filepath.Ext(path))]
	return l, ok
}

// HasModelLoader reports whether a loader is registered for the model at path.
func HasModelLoader(path string) bool {
	_, ok := loaderFor(path)
	return ok
}

// MLGate runs model inference off the detector's hot path. IsWorthy hands the
// newest window to a background worker when it is idle and returns the most
// recent completed decision, so it never waits for inference.
type MLGate struct {
	path  string
	model Model

	pending  chan [][]byte
	decision atomic.Bool
	done     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// NewMLGate loads the model at path. A model type with no registered loader
// yields an inactive gate that never passes a window.
func NewMLGate(path string) (*MLGate, error) {
	g := &MLGate{
		path:    path,
		pending: make(chan [][]byte, 1),
		done:    make(chan struct{}),
	}

	loader, ok := loaderFor(path)
	if !ok {
		log.Printf("VAD: no model loader for '%s', ML gate inactive.", path)
		return g, nil
	}
	model, err := loader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load VAD model %s: %w", path, err)
	}
	g.model = model

	g.wg.Add(1)
	go g.infer()
	return g, nil
}

func (g *MLGate) Name() string { return config.VADML }

// Active reports whether a model is loaded.
func (g *MLGate) Active() bool {
	return g.model != nil
}

func (g *MLGate) IsWorthy(chunks [][]byte) bool {
	if g.model == nil {
		return false
	}
	select {
	case g.pending <- chunks:
	default:
	}
	return g.decision.Load()
}

func (g *MLGate) infer() {
	defer g.wg.Done()
	for {
		select {
		case <-g.done:
			return
		case chunks := <-g.pending:
			samples := newestSamples(chunks, sampleCount(chunks))
			voiced, err := g.model.Predict(samples)
			if err != nil {
				log.Printf("VAD: inference with %s failed: %v", g.path, err)
				continue
			}
			g.decision.Store(voiced)
		}
	}
}

// Close stops the inference worker and releases the model.
func (g *MLGate) Close() error {
	var err error
	g.once.Do(func() {
		close(g.done)
		g.wg.Wait()
		if g.model != nil {
			err = g.model.Close()
		}
	})
	return err
}
