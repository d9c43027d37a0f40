package vad

import (
	"encoding/binary"
	"math"
)

// FullScale is the magnitude used to normalise 16-bit samples to [0, 1].
const FullScale = 32768.0

// Samples decodes a chunk as little-endian signed 16-bit PCM. A trailing odd
// byte is ignored.
func Samples(chunk []byte) []int16 {
	out := make([]int16, len(chunk)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(chunk[2*i:]))
	}
	return out
}

// ChunkEnergy returns the mean absolute amplitude of a chunk, 0 when the
// chunk holds no complete sample.
func ChunkEnergy(chunk []byte) float32 {
	n := len(chunk) / 2
	if n == 0 {
		return 0
	}
	var sum int64
	for i := 0; i < n; i++ {
		s := int64(int16(binary.LittleEndian.Uint16(chunk[2*i:])))
		if s < 0 {
			s = -s
		}
		sum += s
	}
	return float32(float64(sum) / float64(n))
}

// RMS returns the root mean square of all samples in the window, normalised
// by full scale.
func RMS(chunks [][]byte) float64 {
	var energy float64
	total := 0
	for _, chunk := range chunks {
		n := len(chunk) / 2
		for i := 0; i < n; i++ {
			s := float64(int16(binary.LittleEndian.Uint16(chunk[2*i:])))
			energy += s * s
		}
		total += n
	}
	if total == 0 {
		return 0
	}
	return math.Sqrt(energy/float64(total)) / FullScale
}

// ZeroCrossings counts sign changes across the whole window. A zero sample has
// no sign and leaves the previous sign in place.
func ZeroCrossings(chunks [][]byte) int {
	crossings := 0
	var prev int8
	for _, chunk := range chunks {
		n := len(chunk) / 2
		for i := 0; i < n; i++ {
			s := int16(binary.LittleEndian.Uint16(chunk[2*i:]))
			var sign int8
			switch {
			case s > 0:
				sign = 1
			case s < 0:
				sign = -1
			default:
				continue
			}
			if prev != 0 && sign != prev {
				crossings++
			}
			prev = sign
		}
	}
	return crossings
}

// sampleCount returns the number of complete samples in the window.
func sampleCount(chunks [][]byte) int {
	n := 0
	for _, c := range chunks {
		n += len(c) / 2
	}
	return n
}
