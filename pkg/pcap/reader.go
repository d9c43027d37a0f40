package pcap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync/atomic"

	"EchoTrace/internal/engine/protocol"
	"EchoTrace/internal/model"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcapgo"
)

// DefaultBatchSize is the number of rows returned per Next call.
const DefaultBatchSize = 64

// Reader turns captured frames into PacketRows. It serves both file replay
// and live capture; only the underlying PacketDataSource differs.
type Reader struct {
	src      gopacket.PacketDataSource
	decoder  gopacket.Decoder
	observer string
	batch    int
	closer   func() error

	// Retry reports read errors that are not fatal, such as a capture
	// timeout used to poll for cancellation.
	Retry func(error) bool

	rows, skipped atomic.Uint64
}

// NewReader wraps src. Frames are decoded starting at decoder, usually the
// capture's link type. closer may be nil.
func NewReader(src gopacket.PacketDataSource, decoder gopacket.Decoder, observer string, batchSize int, closer func() error) *Reader {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Reader{src: src, decoder: decoder, observer: observer, batch: batchSize, closer: closer}
}

// OpenFile replays a pcap file. Packet timestamps are taken from the capture.
func OpenFile(path, observer string, batchSize int) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pcap file: %w", err)
	}
	r, err := pcapgo.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read pcap header of '%s': %w", path, err)
	}
	log.Printf("Replaying '%s' (link type %s) as observer '%s'.", path, r.LinkType(), observer)
	return NewReader(r, r.LinkType(), observer, batchSize, f.Close), nil
}

// Next returns up to one batch of rows carrying a TCP or UDP payload. Frames
// that do not parse are skipped. A partial batch is returned before io.EOF.
func (r *Reader) Next(ctx context.Context) ([]model.PacketRow, error) {
	rows := make([]model.PacketRow, 0, r.batch)
	for len(rows) < r.batch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, ci, err := r.src.ReadPacketData()
		if err != nil {
			retry := r.Retry != nil && r.Retry(err)
			switch {
			case len(rows) > 0 && (retry || errors.Is(err, io.EOF)):
				r.rows.Add(uint64(len(rows)))
				return rows, nil
			case retry:
				continue
			case errors.Is(err, io.EOF):
				return nil, io.EOF
			default:
				return nil, fmt.Errorf("failed to read packet: %w", err)
			}
		}

		packet := gopacket.NewPacket(data, r.decoder, gopacket.DecodeOptions{Lazy: true})
		info, err := protocol.Parse(packet)
		if err != nil || len(info.Payload) == 0 {
			r.skipped.Add(1)
			continue
		}
		rows = append(rows, model.PacketRow{Payload: info.Payload, Observer: r.observer, Timestamp: ci.Timestamp})
	}
	r.rows.Add(uint64(len(rows)))
	return rows, nil
}

// Counts returns the rows produced and the frames skipped so far.
func (r *Reader) Counts() (rows, skipped uint64) {
	return r.rows.Load(), r.skipped.Load()
}

// Close releases the underlying capture.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer()
}
