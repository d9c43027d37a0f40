package dissemination

import (
	"fmt"
	"sort"
	"time"

	"EchoTrace/internal/model"

	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Codec encodes signature events for a fleet transport.
type Codec interface {
	Name() string
	Marshal(ev model.SignatureEvent) ([]byte, error)
	Unmarshal(data []byte) (model.SignatureEvent, error)
}

// NewCodec returns the codec registered under name.
func NewCodec(name string) (Codec, error) {
	switch name {
	case "", "protobuf":
		return ProtoCodec{}, nil
	case "msgpack":
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec: '%s'", name)
	}
}

// Field numbers of echotrace.v1.SignatureEvent (api/proto/v1/signature.proto).
const (
	fieldHash        protowire.Number = 1
	fieldDurationMs  protowire.Number = 2
	fieldMetadata    protowire.Number = 3
	fieldTimestamp   protowire.Number = 4
	fieldMeasurement protowire.Number = 5
	fieldNode        protowire.Number = 6
	fieldRate        protowire.Number = 7

	fieldMapKey   protowire.Number = 1
	fieldMapValue protowire.Number = 2
)

// ProtoCodec writes the protobuf wire format of echotrace.v1.SignatureEvent.
type ProtoCodec struct{}

func (ProtoCodec) Name() string { return "protobuf" }

func (ProtoCodec) Marshal(ev model.SignatureEvent) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldHash, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, ev.Signature.Hash)
	if ev.Signature.DurationMs != 0 {
		b = protowire.AppendTag(b, fieldDurationMs, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(ev.Signature.DurationMs))
	}

	keys := make([]string, 0, len(ev.Metadata.IDs))
	for k := range ev.Metadata.IDs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = protowire.AppendTag(entry, fieldMapKey, protowire.BytesType)
		entry = protowire.AppendString(entry, k)
		entry = protowire.AppendTag(entry, fieldMapValue, protowire.BytesType)
		entry = protowire.AppendString(entry, ev.Metadata.IDs[k])
		b = protowire.AppendTag(b, fieldMetadata, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}

	ts, err := proto.Marshal(timestamppb.New(ev.Timestamp))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal timestamp: %w", err)
	}
	b = protowire.AppendTag(b, fieldTimestamp, protowire.BytesType)
	b = protowire.AppendBytes(b, ts)

	if ev.MeasurementName != "" {
		b = protowire.AppendTag(b, fieldMeasurement, protowire.BytesType)
		b = protowire.AppendString(b, ev.MeasurementName)
	}
	if ev.Node != "" {
		b = protowire.AppendTag(b, fieldNode, protowire.BytesType)
		b = protowire.AppendString(b, ev.Node)
	}
	if ev.SamplingRate != 0 {
		b = protowire.AppendTag(b, fieldRate, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(ev.SamplingRate))
	}
	return b, nil
}

func (ProtoCodec) Unmarshal(data []byte) (model.SignatureEvent, error) {
	ev := model.SignatureEvent{Metadata: model.PacketMetadata{IDs: make(map[string]string)}}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return ev, fmt.Errorf("bad tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldHash && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return ev, fmt.Errorf("bad hash: %w", protowire.ParseError(n))
			}
			ev.Signature.Hash = v
			data = data[n:]
		case num == fieldDurationMs && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return ev, fmt.Errorf("bad duration_ms: %w", protowire.ParseError(n))
			}
			ev.Signature.DurationMs = uint32(v)
			data = data[n:]
		case num == fieldMetadata && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return ev, fmt.Errorf("bad metadata entry: %w", protowire.ParseError(n))
			}
			k, val, err := consumeMapEntry(v)
			if err != nil {
				return ev, err
			}
			ev.Metadata.IDs[k] = val
			data = data[n:]
		case num == fieldTimestamp && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return ev, fmt.Errorf("bad timestamp: %w", protowire.ParseError(n))
			}
			var ts timestamppb.Timestamp
			if err := proto.Unmarshal(v, &ts); err != nil {
				return ev, fmt.Errorf("failed to unmarshal timestamp: %w", err)
			}
			ev.Timestamp = ts.AsTime()
			data = data[n:]
		case num == fieldMeasurement && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return ev, fmt.Errorf("bad measurement_name: %w", protowire.ParseError(n))
			}
			ev.MeasurementName = v
			data = data[n:]
		case num == fieldNode && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return ev, fmt.Errorf("bad node: %w", protowire.ParseError(n))
			}
			ev.Node = v
			data = data[n:]
		case num == fieldRate && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return ev, fmt.Errorf("bad sampling_rate: %w", protowire.ParseError(n))
			}
			ev.SamplingRate = uint32(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return ev, fmt.Errorf("bad field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return ev, nil
}

func consumeMapEntry(b []byte) (key, value string, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", "", fmt.Errorf("bad metadata tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.BytesType || (num != fieldMapKey && num != fieldMapValue) {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return "", "", fmt.Errorf("bad metadata field: %w", protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		s, n := protowire.ConsumeString(b)
		if n < 0 {
			return "", "", fmt.Errorf("bad metadata string: %w", protowire.ParseError(n))
		}
		if num == fieldMapKey {
			key = s
		} else {
			value = s
		}
		b = b[n:]
	}
	return key, value, nil
}

type wireEvent struct {
	Hash        uint64            `msgpack:"h"`
	DurationMs  uint32            `msgpack:"d"`
	IDs         map[string]string `msgpack:"m,omitempty"`
	Timestamp   time.Time         `msgpack:"t"`
	Measurement string            `msgpack:"n"`
	Node        string            `msgpack:"o"`
	Rate        uint32            `msgpack:"r,omitempty"`
}

// MsgpackCodec encodes events as compact msgpack maps.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return "msgpack" }

func (MsgpackCodec) Marshal(ev model.SignatureEvent) ([]byte, error) {
	return msgpack.Marshal(&wireEvent{
		Hash:        ev.Signature.Hash,
		DurationMs:  ev.Signature.DurationMs,
		IDs:         ev.Metadata.IDs,
		Timestamp:   ev.Timestamp,
		Measurement: ev.MeasurementName,
		Node:        ev.Node,
		Rate:        ev.SamplingRate,
	})
}

func (MsgpackCodec) Unmarshal(data []byte) (model.SignatureEvent, error) {
	var w wireEvent
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return model.SignatureEvent{}, fmt.Errorf("failed to unmarshal msgpack event: %w", err)
	}
	if w.IDs == nil {
		w.IDs = make(map[string]string)
	}
	return model.SignatureEvent{
		Signature:       model.AudioSignature{Hash: w.Hash, DurationMs: w.DurationMs},
		Metadata:        model.PacketMetadata{IDs: w.IDs},
		Timestamp:       w.Timestamp,
		MeasurementName: w.Measurement,
		SamplingRate:    w.Rate,
		Node:            w.Node,
	}, nil
}
