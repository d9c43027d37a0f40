package vad

import (
	"math"
	"math/cmplx"

	"EchoTrace/internal/config"

	"github.com/mjibson/go-dsp/fft"
)

// maxSpectralSamples bounds the FFT size so a gate call stays cheap whatever
// the window length.
const maxSpectralSamples = 4096

// SpectralGate passes windows whose power is concentrated in the speech band.
type SpectralGate struct {
	SampleRate int
	LowHz      float64
	HighHz     float64
	// MinRatio is the share of spectral power that must fall inside [LowHz, HighHz].
	MinRatio float64
	// MinRMS rejects near-silent windows whose spectrum is mostly noise.
	MinRMS float64

	window []float64 // Hann window cache, keyed by length
}

// NewSpectralGate builds a spectral gate from audio criteria.
func NewSpectralGate(criteria config.AudioCriteria) *SpectralGate {
	sampleRate := criteria.SampleRate
	if sampleRate <= 0 {
		sampleRate = config.DefaultSampleRate
	}
	low, high := criteria.FrequencyRange[0], criteria.FrequencyRange[1]
	if low >= high {
		low, high = 300, 3400
	}
	ratio := criteria.SpectralRatio
	if ratio <= 0 {
		ratio = config.DefaultSpectralRatio
	}
	return &SpectralGate{
		SampleRate: sampleRate,
		LowHz:      low,
		HighHz:     high,
		MinRatio:   ratio,
		MinRMS:     criteria.EnergyThreshold / 4,
	}
}

func (g *SpectralGate) Name() string { return config.VADSpectral }

func (g *SpectralGate) IsWorthy(chunks [][]byte) bool {
	if RMS(chunks) < g.MinRMS {
		return false
	}
	ratio, ok := g.BandRatio(chunks)
	return ok && ratio >= g.MinRatio
}

// BandRatio returns the fraction of spectral power inside the gate's band,
// computed over the newest samples of the window.
func (g *SpectralGate) BandRatio(chunks [][]byte) (float64, bool) {
	samples := newestSamples(chunks, maxSpectralSamples)
	if len(samples) < 2 {
		return 0, false
	}

	n := nextPow2(len(samples))
	frame := make([]float64, n)
	w := g.hann(len(samples))
	for i, s := range samples {
		frame[i] = s * w[i]
	}

	spectrum := fft.FFTReal(frame)
	binHz := float64(g.SampleRate) / float64(n)
	var total, band float64
	for k := 1; k <= n/2; k++ {
		p := cmplx.Abs(spectrum[k])
		p *= p
		total += p
		f := float64(k) * binHz
		if f >= g.LowHz && f <= g.HighHz {
			band += p
		}
	}
	if total == 0 {
		return 0, false
	}
	return band / total, true
}

func (g *SpectralGate) hann(n int) []float64 {
	if len(g.window) == n {
		return g.window
	}
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	g.window = w
	return w
}

// newestSamples returns up to limit normalised samples from the end of the window.
func newestSamples(chunks [][]byte, limit int) []float64 {
	total := sampleCount(chunks)
	skip := 0
	if total > limit {
		skip = total - limit
		total = limit
	}
	out := make([]float64, 0, total)
	for _, chunk := range chunks {
		for _, s := range Samples(chunk) {
			if skip > 0 {
				skip--
				continue
			}
			out = append(out, float64(s)/FullScale)
		}
	}
	return out
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
