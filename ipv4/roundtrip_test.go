package ipv4

import (
	"bytes"
	"net"
	"testing"

	"github.com/ggiot/stack/buffer"
)

func testConfig() Config {
	return Config{
		LocalAddr:                net.IPv4(192, 168, 200, 1),
		RemoteAddr:               net.IPv4(192, 168, 200, 2),
		Netmask:                  net.IPv4(255, 255, 255, 252),
		MTU:                      1280,
		HeaderCompressionEnabled: true,
		DefaultUDPPort:           5683,
	}
}

// buildDatagram assembles a minimal IPv4/UDP datagram with the given
// addresses, ports and payload, for feeding into Serializer/Assembler.
func buildDatagram(t *testing.T, src, dst net.IP, srcPort, dstPort uint16, payload []byte) []byte {
	t.Helper()
	s4, d4 := to4(src), to4(dst)
	ipHdr := ipv4Header{
		TTL:         64,
		Protocol:    protocolUDP,
		TotalLength: uint16(ipv4HeaderLen + udpHeaderLen + len(payload)),
		SrcIP:       s4,
		DstIP:       d4,
	}
	out := serializeIPv4Header(ipHdr)
	udpHdr := udpHeader{SrcPort: srcPort, DstPort: dstPort, Length: uint16(udpHeaderLen + len(payload))}
	out = append(out, serializeUDPHeaderWithChecksum(udpHdr, s4, d4, payload)...)
	return out
}

// TestCompressedFrameHitsSpecBound exercises the literal scenario spec.md
// §8's E5 describes: an 8-byte payload between the configured default
// addresses and ports, with header compression enabled, must serialize
// to at most 11 bytes on the wire.
func TestCompressedFrameHitsSpecBound(t *testing.T) {
	cfg := testConfig()
	payload := []byte("12345678")
	datagram := buildDatagram(t, cfg.LocalAddr, cfg.RemoteAddr, cfg.DefaultUDPPort, cfg.DefaultUDPPort, payload)

	s := NewSerializer(cfg)
	out := buffer.NewRingBuffer(256)
	if err := s.SerializeFrame(datagram, out); err != nil {
		t.Fatalf("SerializeFrame: %v", err)
	}
	if got := out.Available(); got > 11 {
		t.Errorf("compressed frame is %d bytes, want <= 11", got)
	}
}

// TestSerializeAssembleRoundTrip feeds a serialized frame straight back
// through an Assembler and checks the reconstructed datagram's payload
// and addressing survive, for both the compressed and uncompressed paths.
func TestSerializeAssembleRoundTrip(t *testing.T) {
	cases := []struct {
		name       string
		compressed bool
		srcPort    uint16
		dstPort    uint16
	}{
		{"compressed defaults", true, 5683, 5683},
		{"uncompressed non-default port", false, 5683, 9999},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.HeaderCompressionEnabled = c.compressed
			payload := []byte("hello gattlink")
			datagram := buildDatagram(t, cfg.LocalAddr, cfg.RemoteAddr, c.srcPort, c.dstPort, payload)

			s := NewSerializer(cfg)
			ring := buffer.NewRingBuffer(512)
			if err := s.SerializeFrame(datagram, ring); err != nil {
				t.Fatalf("SerializeFrame: %v", err)
			}
			wire := make([]byte, ring.Available())
			ring.Peek(wire, 0)

			a := NewAssembler(cfg)
			consumed, frame, err := a.Feed(wire)
			if err != nil {
				t.Fatalf("Feed: %v", err)
			}
			if consumed != len(wire) {
				t.Fatalf("Feed consumed %d of %d bytes", consumed, len(wire))
			}
			if frame == nil {
				t.Fatal("Feed produced no frame")
			}
			hdr, headerLen, err := parseIPv4Header(frame)
			if err != nil {
				t.Fatalf("parseIPv4Header(reconstructed): %v", err)
			}
			got := frame[headerLen+udpHeaderLen:]
			if !bytes.Equal(got, payload) {
				t.Errorf("payload mismatch: got %q, want %q", got, payload)
			}
			if hdr.SrcIP != to4(cfg.LocalAddr) || hdr.DstIP != to4(cfg.RemoteAddr) {
				t.Errorf("address mismatch: got src=%v dst=%v", hdr.SrcIP, hdr.DstIP)
			}
		})
	}
}

// TestAssemblerFeedAlwaysConsumes checks the self-healing contract: even
// garbage input is fully consumed and never surfaced as an error.
func TestAssemblerFeedAlwaysConsumes(t *testing.T) {
	a := NewAssembler(testConfig())
	garbage := bytes.Repeat([]byte{0xFF}, 64)
	consumed, frame, err := a.Feed(garbage)
	if err != nil {
		t.Fatalf("Feed returned an error for malformed input: %v", err)
	}
	if consumed != len(garbage) {
		t.Errorf("consumed = %d, want %d", consumed, len(garbage))
	}
	if frame != nil {
		t.Errorf("expected no frame out of pure garbage, got %d bytes", len(frame))
	}
}

// TestAssemblerRemap checks that an inbound address matching the
// configured Remap.Dst is rewritten to the local address.
func TestAssemblerRemap(t *testing.T) {
	cfg := testConfig()
	cfg.HeaderCompressionEnabled = false
	peerAdvertised := net.IPv4(10, 1, 1, 1)
	cfg.Remap.Dst = peerAdvertised

	datagram := buildDatagram(t, cfg.RemoteAddr, peerAdvertised, 5683, 5683, []byte("x"))
	frame := append([]byte{0x00}, datagram...)

	a := NewAssembler(cfg)
	_, out, err := a.Feed(frame)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if out == nil {
		t.Fatal("expected a reassembled frame")
	}
	hdr, _, err := parseIPv4Header(out)
	if err != nil {
		t.Fatalf("parseIPv4Header: %v", err)
	}
	if hdr.DstIP != to4(cfg.LocalAddr) {
		t.Errorf("DstIP = %v, want remapped local addr %v", hdr.DstIP, to4(cfg.LocalAddr))
	}
}
