package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const (
	samplesPerChunk = 160 // 20ms of 8kHz mono PCM
	chunkDuration   = 20 * time.Millisecond
)

type endpoint struct {
	ip   net.IP
	port layers.UDPPort
}

// chunk returns one 20ms chunk of a tone whose amplitude follows a slow
// envelope, so consecutive windows fingerprint differently.
func chunk(i int) []byte {
	amp := 2000 + 6000*math.Abs(math.Sin(float64(i)/7))
	freq := 440 + 40*float64(i%5)
	b := make([]byte, 2*samplesPerChunk)
	for s := 0; s < samplesPerChunk; s++ {
		t := float64(i*samplesPerChunk+s) / 8000
		v := int16(amp * math.Sin(2*math.Pi*freq*t))
		binary.LittleEndian.PutUint16(b[2*s:], uint16(v))
	}
	return b
}

// tag overwrites the start of the chunk with an interval id marker.
func tag(payload []byte, interval int) []byte {
	out := append([]byte(nil), payload...)
	copy(out, append([]byte{0xAA, 0xBB}, []byte(fmt.Sprintf("%03d", interval%1000))...))
	return out
}

func writeFrame(w *pcapgo.Writer, ts time.Time, src, dst endpoint, payload []byte) error {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
		DstMAC:       net.HardwareAddr{0x00, 0x66, 0x77, 0x88, 0x99, 0xAA},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		SrcIP:    src.ip,
		DstIP:    dst.ip,
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
	}
	udp := &layers.UDP{SrcPort: src.port, DstPort: dst.port}
	udp.SetNetworkLayerForChecksum(ip)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		return fmt.Errorf("failed to serialize layers: %w", err)
	}
	ci := gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(buf.Bytes()), Length: len(buf.Bytes())}
	return w.WritePacket(ci, buf.Bytes())
}

func create(path string) (*os.File, *pcapgo.Writer) {
	f, err := os.Create(path)
	if err != nil {
		log.Fatalf("Failed to create output file: %v", err)
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		log.Fatalf("Failed to write pcap header: %v", err)
	}
	return f, w
}

// pcapgen writes a pair of captures of the same audio stream: as sent by the
// source (udp src port 8000) and as received behind a relay (udp dst port 8001).
func main() {
	originFile := flag.String("o", "origin.pcap", "Output pcap of the source side")
	relayFile := flag.String("r", "relay.pcap", "Output pcap of the relay side")
	packetCount := flag.Int("c", 1000, "Number of audio packets to generate")
	tagEvery := flag.Int("tag", 25, "Tag every n-th packet with an interval id (0 disables)")
	delay := flag.Duration("delay", 80*time.Millisecond, "Relay latency")
	jitter := flag.Duration("jitter", 0, "Maximum random jitter added to the relay latency")
	flag.Parse()

	of, ow := create(*originFile)
	defer of.Close()
	rf, rw := create(*relayFile)
	defer rf.Close()

	source := endpoint{net.IP{10, 0, 0, 1}, 8000}
	relayIn := endpoint{net.IP{10, 0, 0, 2}, 40000}
	relayOut := endpoint{net.IP{10, 0, 0, 2}, 40001}
	listener := endpoint{net.IP{10, 0, 0, 3}, 8001}

	log.Printf("Generating %d packets into %s and %s (delay %s, jitter %s)...", *packetCount, *originFile, *relayFile, *delay, *jitter)

	start := time.Now()
	for i := 0; i < *packetCount; i++ {
		payload := chunk(i)
		if *tagEvery > 0 && i%*tagEvery == *tagEvery-1 {
			payload = tag(payload, i / *tagEvery)
		}
		ts := start.Add(time.Duration(i) * chunkDuration)
		if err := writeFrame(ow, ts, source, relayIn, payload); err != nil {
			log.Fatalf("Failed to write origin packet: %v", err)
		}

		lat := *delay
		if *jitter > 0 {
			lat += time.Duration(rand.Int63n(int64(*jitter)))
		}
		if err := writeFrame(rw, ts.Add(lat), relayOut, listener, payload); err != nil {
			log.Fatalf("Failed to write relay packet: %v", err)
		}
	}

	log.Printf("Successfully generated %d packets.", *packetCount)
}
