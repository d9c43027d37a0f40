package model

import (
	"time"
)

// AudioSignature is the content fingerprint of one window of audio.
type AudioSignature struct {
	Hash       uint64
	DurationMs uint32
}

// PacketMetadata maps an identifier kind (e.g. "interval_id") to the value
// extracted from a packet. It is not modified after extraction.
type PacketMetadata struct {
	IDs map[string]string
}

// Get returns the identifier of the given kind.
func (m PacketMetadata) Get(kind string) (string, bool) {
	v, ok := m.IDs[kind]
	return v, ok
}

// Len returns the number of identifiers carried.
func (m PacketMetadata) Len() int {
	return len(m.IDs)
}

// SignatureEvent is emitted by a detector when a window is worth fingerprinting.
type SignatureEvent struct {
	Signature       AudioSignature
	Metadata        PacketMetadata
	Timestamp       time.Time
	MeasurementName string
	// SamplingRate is the packet stride between the chunks of the window.
	SamplingRate uint32
	// Node is the observer identity of the detector that produced the event.
	Node string
}

// PacketRow is one observed packet as yielded by a stream source.
type PacketRow struct {
	Payload   []byte
	Observer  string
	Timestamp time.Time
}

// Observation is a single latency measurement produced by a signature match.
type Observation struct {
	MeasurementName   string
	GroupKey          string
	Observer          string
	Latency           time.Duration
	ClockSkew         bool
	Hash              uint64
	OriginTimestamp   time.Time
	ObservedTimestamp time.Time
}
