package vad

import (
	"fmt"

	"EchoTrace/internal/config"
)

// ChunkDurationMs is the assumed playback duration of one chunk. It is a
// fixed heuristic, not derived from packet timing.
const ChunkDurationMs = 20

// ZeroCrossingThreshold is the absolute crossing count above which a window
// is considered voiced when no per-second rate is configured.
const ZeroCrossingThreshold = 50

// Gate decides whether a window of audio chunks is worth fingerprinting.
// Implementations must be deterministic for the same window content.
// Gates that hold resources also implement io.Closer.
type Gate interface {
	Name() string
	IsWorthy(chunks [][]byte) bool
}

// New builds the gate selected by criteria.VADMode.
func New(criteria config.AudioCriteria) (Gate, error) {
	switch criteria.VADMode {
	case "", config.VADEnergy:
		return &EnergyGate{Threshold: criteria.EnergyThreshold}, nil
	case config.VADZeroCrossing:
		return &ZeroCrossingGate{PerSecond: criteria.ZeroCrossingsPerSecond}, nil
	case config.VADSpectral:
		return NewSpectralGate(criteria), nil
	case config.VADML:
		g, err := NewMLGate(criteria.ModelPath)
		if err != nil {
			return nil, err
		}
		return g, nil
	default:
		return nil, fmt.Errorf("unknown vad mode: '%s'", criteria.VADMode)
	}
}

// Describe summarises the gate criteria selects without building it. An ML
// mode whose model type has no registered loader is reported as inactive.
func Describe(criteria config.AudioCriteria) string {
	mode := criteria.VADMode
	if mode == "" {
		mode = config.VADEnergy
	}
	if mode != config.VADML {
		return mode
	}
	if !HasModelLoader(criteria.ModelPath) {
		return fmt.Sprintf("%s (no loader for %s, inactive)", mode, modelExt(criteria.ModelPath))
	}
	return fmt.Sprintf("%s (%s)", mode, criteria.ModelPath)
}

// EnergyGate passes windows whose normalised RMS reaches Threshold.
type EnergyGate struct {
	Threshold float64
}

func (g *EnergyGate) Name() string { return config.VADEnergy }

// IsWorthy reports rms >= threshold. An empty window is never worthy.
func (g *EnergyGate) IsWorthy(chunks [][]byte) bool {
	if sampleCount(chunks) == 0 {
		return false
	}
	return RMS(chunks) >= g.Threshold
}

// ZeroCrossingGate passes windows with many sign changes.
//
// With PerSecond unset the absolute count over the whole window is compared
// against ZeroCrossingThreshold, so long windows pass more easily than short
// ones. Setting PerSecond normalises the count by the window's assumed
// duration instead.
type ZeroCrossingGate struct {
	PerSecond float64
}

func (g *ZeroCrossingGate) Name() string { return config.VADZeroCrossing }

func (g *ZeroCrossingGate) IsWorthy(chunks [][]byte) bool {
	crossings := ZeroCrossings(chunks)
	if g.PerSecond <= 0 {
		return crossings > ZeroCrossingThreshold
	}
	seconds := float64(len(chunks)*ChunkDurationMs) / 1000
	if seconds == 0 {
		return false
	}
	return float64(crossings)/seconds > g.PerSecond
}
