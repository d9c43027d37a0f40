package protocol

import (
	"fmt"
	"net"
	"time"

	"EchoTrace/internal/config"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pion/rtp"
)

// FiveTuple identifies the transport flow a payload travelled on.
type FiveTuple struct {
	SrcIP    net.IP
	DstIP    net.IP
	SrcPort  uint16
	DstPort  uint16
	Protocol uint8
}

// PacketInfo is the decoded view of one captured frame.
type PacketInfo struct {
	Timestamp time.Time
	FiveTuple FiveTuple
	Length    int
	// Payload is the transport-layer payload (UDP datagram or TCP segment data).
	Payload []byte
}

// ParsePacket decodes an Ethernet frame and extracts the flow and payload.
func ParsePacket(data []byte) (*PacketInfo, error) {
	return Parse(gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default))
}

// Parse extracts the flow and payload of an already decoded packet.
func Parse(packet gopacket.Packet) (*PacketInfo, error) {
	info := &PacketInfo{
		Timestamp: time.Now(), // overwritten by capture metadata when present
		Length:    len(packet.Data()),
	}
	if meta := packet.Metadata(); meta != nil && !meta.Timestamp.IsZero() {
		info.Timestamp = meta.Timestamp
	}

	var fiveTuple FiveTuple
	if l := packet.Layer(layers.LayerTypeIPv4); l != nil {
		ip := l.(*layers.IPv4)
		fiveTuple.SrcIP = ip.SrcIP
		fiveTuple.DstIP = ip.DstIP
		fiveTuple.Protocol = uint8(ip.Protocol)
	} else if l := packet.Layer(layers.LayerTypeIPv6); l != nil {
		ip := l.(*layers.IPv6)
		fiveTuple.SrcIP = ip.SrcIP
		fiveTuple.DstIP = ip.DstIP
		fiveTuple.Protocol = uint8(ip.NextHeader)
	} else {
		return nil, fmt.Errorf("not an IP packet")
	}

	if l := packet.Layer(layers.LayerTypeUDP); l != nil {
		udp := l.(*layers.UDP)
		fiveTuple.SrcPort = uint16(udp.SrcPort)
		fiveTuple.DstPort = uint16(udp.DstPort)
		info.Payload = udp.Payload
	} else if l := packet.Layer(layers.LayerTypeTCP); l != nil {
		tcp := l.(*layers.TCP)
		fiveTuple.SrcPort = uint16(tcp.SrcPort)
		fiveTuple.DstPort = uint16(tcp.DstPort)
		info.Payload = tcp.Payload
	} else {
		return nil, fmt.Errorf("not a TCP or UDP packet")
	}

	info.FiveTuple = fiveTuple
	return info, nil
}

// AudioPayload returns the audio bytes carried by payload under the given
// framing. RTP packets are unwrapped to their media payload; a payload that
// does not parse as RTP is returned unchanged.
func AudioPayload(payload []byte, protocolType string) []byte {
	if protocolType != config.ProtocolRTP {
		return payload
	}
	var pkt rtp.Packet
	if err := pkt.Unmarshal(payload); err != nil || pkt.Version != 2 {
		return payload
	}
	return pkt.Payload
}
