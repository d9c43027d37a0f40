// Package live captures packets from a network interface with libpcap.
package live

import (
	"errors"
	"fmt"
	"log"
	"time"

	etpcap "EchoTrace/pkg/pcap"

	"github.com/google/gopacket/pcap"
)

const (
	snapLen     = 65536
	readTimeout = 100 * time.Millisecond
)

// Open starts a promiscuous capture on iface. A non-empty bpf restricts the
// capture to matching traffic.
func Open(iface, bpf, observer string, batchSize int) (*etpcap.Reader, error) {
	handle, err := pcap.OpenLive(iface, snapLen, true, readTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to open interface '%s': %w", iface, err)
	}
	if bpf != "" {
		if err := handle.SetBPFFilter(bpf); err != nil {
			handle.Close()
			return nil, fmt.Errorf("failed to set BPF filter '%s': %w", bpf, err)
		}
	}
	log.Printf("Capturing on '%s' as observer '%s' (filter %q).", iface, observer, bpf)

	r := etpcap.NewReader(handle, handle.LinkType(), observer, batchSize, func() error {
		handle.Close()
		return nil
	})
	r.Retry = isTimeout
	return r, nil
}

// OpenOffline replays a pcap file through libpcap so that bpf can be applied.
func OpenOffline(path, bpf, observer string, batchSize int) (*etpcap.Reader, error) {
	handle, err := pcap.OpenOffline(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pcap file: %w", err)
	}
	if bpf != "" {
		if err := handle.SetBPFFilter(bpf); err != nil {
			handle.Close()
			return nil, fmt.Errorf("failed to set BPF filter '%s': %w", bpf, err)
		}
	}
	log.Printf("Replaying '%s' as observer '%s' (filter %q).", path, observer, bpf)
	return etpcap.NewReader(handle, handle.LinkType(), observer, batchSize, func() error {
		handle.Close()
		return nil
	}), nil
}

func isTimeout(err error) bool {
	return errors.Is(err, pcap.NextErrorTimeoutExpired)
}
