package protocol

import (
	"bytes"
	"net"
	"testing"

	"EchoTrace/internal/config"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pion/rtp"
)

func buildFrame(t *testing.T, transport gopacket.SerializableLayer, payload []byte) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
		DstMAC:       net.HardwareAddr{0x00, 0x66, 0x77, 0x88, 0x99, 0xAA},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		SrcIP:   net.IP{10, 0, 0, 1},
		DstIP:   net.IP{10, 0, 0, 2},
		Version: 4,
		TTL:     64,
	}
	switch l := transport.(type) {
	case *layers.UDP:
		ip.Protocol = layers.IPProtocolUDP
		l.SetNetworkLayerForChecksum(ip)
	case *layers.TCP:
		ip.Protocol = layers.IPProtocolTCP
		l.SetNetworkLayerForChecksum(ip)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, transport, gopacket.Payload(payload)); err != nil {
		t.Fatalf("Failed to serialize layers: %v", err)
	}
	return buf.Bytes()
}

func TestParsePacket_UDP(t *testing.T) {
	payload := []byte("audio-bytes")
	frame := buildFrame(t, &layers.UDP{SrcPort: 8000, DstPort: 8001}, payload)

	info, err := ParsePacket(frame)
	if err != nil {
		t.Fatalf("ParsePacket failed: %v", err)
	}
	if !info.FiveTuple.SrcIP.Equal(net.IP{10, 0, 0, 1}) || !info.FiveTuple.DstIP.Equal(net.IP{10, 0, 0, 2}) {
		t.Errorf("Unexpected addresses: %v -> %v", info.FiveTuple.SrcIP, info.FiveTuple.DstIP)
	}
	if info.FiveTuple.SrcPort != 8000 || info.FiveTuple.DstPort != 8001 {
		t.Errorf("Unexpected ports: %d -> %d", info.FiveTuple.SrcPort, info.FiveTuple.DstPort)
	}
	if info.FiveTuple.Protocol != uint8(layers.IPProtocolUDP) {
		t.Errorf("Expected UDP protocol, got %d", info.FiveTuple.Protocol)
	}
	if !bytes.Equal(info.Payload, payload) {
		t.Errorf("Expected payload %q, got %q", payload, info.Payload)
	}
}

func TestParsePacket_TCP(t *testing.T) {
	payload := []byte("segment")
	frame := buildFrame(t, &layers.TCP{SrcPort: 40000, DstPort: 443, SYN: true, Window: 14600}, payload)

	info, err := ParsePacket(frame)
	if err != nil {
		t.Fatalf("ParsePacket failed: %v", err)
	}
	if info.FiveTuple.DstPort != 443 {
		t.Errorf("Expected destination port 443, got %d", info.FiveTuple.DstPort)
	}
	if !bytes.Equal(info.Payload, payload) {
		t.Errorf("Expected payload %q, got %q", payload, info.Payload)
	}
}

func TestParsePacket_NotIP(t *testing.T) {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{6, 7, 8, 9, 10, 11},
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   []byte{0, 1, 2, 3, 4, 5},
		SourceProtAddress: []byte{10, 0, 0, 1},
		DstHwAddress:      []byte{0, 0, 0, 0, 0, 0},
		DstProtAddress:    []byte{10, 0, 0, 2},
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, eth, arp); err != nil {
		t.Fatalf("Failed to serialize ARP: %v", err)
	}
	if _, err := ParsePacket(buf.Bytes()); err == nil {
		t.Error("Expected error for non-IP frame")
	}
}

func TestAudioPayload(t *testing.T) {
	media := []byte{0x10, 0x20, 0x30, 0x40}
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    0,
			SequenceNumber: 7,
			Timestamp:      160,
			SSRC:           0xCAFEBABE,
		},
		Payload: media,
	}
	raw, err := pkt.Marshal()
	if err != nil {
		t.Fatalf("Failed to marshal RTP: %v", err)
	}

	if got := AudioPayload(raw, config.ProtocolRTP); !bytes.Equal(got, media) {
		t.Errorf("Expected RTP media payload %v, got %v", media, got)
	}
	if got := AudioPayload(raw, config.ProtocolRaw); !bytes.Equal(got, raw) {
		t.Error("Raw protocol should return the payload unchanged")
	}
	short := []byte{0x80, 0x00}
	if got := AudioPayload(short, config.ProtocolRTP); !bytes.Equal(got, short) {
		t.Error("Unparseable RTP should fall back to the raw payload")
	}
}
