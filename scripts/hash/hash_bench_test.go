package main

import (
	"encoding/binary"
	"hash/crc32"
	"hash/fnv"
	"math"
	"math/rand"
	"testing"
	"time"

	"EchoTrace/internal/signature"

	"github.com/cespare/xxhash/v2"
)

//////////////////////
// Fixtures
//////////////////////

var (
	window2   []float32
	window10  []float32
	window50  []float32
	chunks10  [][]byte
	encoded50 []byte
)

func init() {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	gen := func(n int) []float32 {
		out := make([]float32, n)
		for i := range out {
			out[i] = rng.Float32()
		}
		return out
	}
	window2, window10, window50 = gen(2), gen(10), gen(signature.WindowCapacity)
	encoded50 = encode(window50)

	chunks10 = make([][]byte, 10)
	for i := range chunks10 {
		c := make([]byte, 320)
		rng.Read(c)
		chunks10[i] = c
	}
}

func encode(energies []float32) []byte {
	b := make([]byte, 4*len(energies))
	for i, e := range energies {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(e))
	}
	return b
}

//////////////////////
// Fingerprint windows
//////////////////////

func BenchmarkFingerprint2(b *testing.B) {
	for i := 0; i < b.N; i++ {
		signature.FingerprintEnergies(window2)
	}
}

func BenchmarkFingerprint10(b *testing.B) {
	for i := 0; i < b.N; i++ {
		signature.FingerprintEnergies(window10)
	}
}

func BenchmarkFingerprint50(b *testing.B) {
	for i := 0; i < b.N; i++ {
		signature.FingerprintEnergies(window50)
	}
}

// Includes the per-chunk energy computation over 160-sample PCM chunks.
func BenchmarkFingerprintChunks10(b *testing.B) {
	for i := 0; i < b.N; i++ {
		signature.Fingerprint(chunks10)
	}
}

//////////////////////
// Hash functions over a full window
//////////////////////

func BenchmarkXXHash64Window(b *testing.B) {
	for i := 0; i < b.N; i++ {
		xxhash.Sum64(encoded50)
	}
}

func BenchmarkFNV64aWindow(b *testing.B) {
	for i := 0; i < b.N; i++ {
		h := fnv.New64a()
		h.Write(encoded50)
		h.Sum64()
	}
}

func BenchmarkCRC32Window(b *testing.B) {
	for i := 0; i < b.N; i++ {
		crc32.ChecksumIEEE(encoded50)
	}
}

// The streaming digest used by the detector must agree with the one-shot sum.
func TestFingerprintMatchesSum64(t *testing.T) {
	if got, want := signature.FingerprintEnergies(window50).Hash, xxhash.Sum64(encoded50); got != want {
		t.Fatalf("Fingerprint hash %016x differs from xxhash.Sum64 %016x", got, want)
	}
}
