package signature

import (
	"encoding/binary"
	"math"

	"EchoTrace/internal/model"
	"EchoTrace/internal/vad"

	"github.com/cespare/xxhash/v2"
)

// ChunkDurationMs is the assumed duration of one chunk.
const ChunkDurationMs = vad.ChunkDurationMs

// Fingerprint digests the energy profile of a window. The same ordered
// chunks always produce the same signature.
func Fingerprint(chunks [][]byte) model.AudioSignature {
	energies := make([]float32, len(chunks))
	for i, c := range chunks {
		energies[i] = vad.ChunkEnergy(c)
	}
	return FingerprintEnergies(energies)
}

// FingerprintEnergies hashes precomputed per-chunk energies, in order, as
// little-endian IEEE-754 float32 values.
func FingerprintEnergies(energies []float32) model.AudioSignature {
	d := xxhash.New()
	var buf [4]byte
	for _, e := range energies {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(e))
		d.Write(buf[:])
	}
	return model.AudioSignature{
		Hash:       d.Sum64(),
		DurationMs: uint32(len(energies) * ChunkDurationMs),
	}
}
