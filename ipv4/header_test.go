package ipv4

import (
	"net"
	"testing"

	"github.com/go-test/deep"
)

func TestIPv4HeaderRoundTrip(t *testing.T) {
	h := ipv4Header{
		TOS:         0,
		ID:          1234,
		TTL:         64,
		Protocol:    protocolUDP,
		TotalLength: ipv4HeaderLen + udpHeaderLen + 8,
		SrcIP:       [4]byte{10, 0, 0, 1},
		DstIP:       [4]byte{10, 0, 0, 2},
	}
	raw := serializeIPv4Header(h)
	if len(raw) != ipv4HeaderLen {
		t.Fatalf("serializeIPv4Header: got %d bytes, want %d", len(raw), ipv4HeaderLen)
	}

	got, headerLen, err := parseIPv4Header(raw)
	if err != nil {
		t.Fatalf("parseIPv4Header: %v", err)
	}
	if headerLen != ipv4HeaderLen {
		t.Fatalf("headerLen = %d, want %d", headerLen, ipv4HeaderLen)
	}
	if diff := deep.Equal(got, h); diff != nil {
		t.Errorf("round trip mismatch: %v", diff)
	}
	if ipv4HeaderChecksum(raw) != 0 {
		t.Errorf("checksum over a header that includes its own checksum field should fold to zero")
	}
}

func TestParseIPv4HeaderTruncated(t *testing.T) {
	if _, _, err := parseIPv4Header(make([]byte, 10)); err == nil {
		t.Fatal("expected an error for a truncated header")
	}
}

func TestUDPChecksumZeroBecomesAllOnes(t *testing.T) {
	src := [4]byte{10, 0, 0, 1}
	dst := [4]byte{10, 0, 0, 2}
	// The payload 0xBF71 is chosen so that pseudo-header, UDP header and
	// payload sum to 0xFFFF, i.e. the computed checksum is 0 before the
	// RFC 768 special case turns it into 0xFFFF.
	payload := []byte{0xBF, 0x71}
	udpHdr := udpHeader{SrcPort: 5683, DstPort: 5683, Length: uint16(udpHeaderLen + len(payload))}
	raw := serializeUDPHeaderWithChecksum(udpHdr, src, dst, payload)
	parsed, err := parseUDPHeader(raw)
	if err != nil {
		t.Fatalf("parseUDPHeader: %v", err)
	}
	if parsed.Checksum == 0 {
		t.Error("checksum must never be transmitted as literal zero (RFC 768)")
	}
	if parsed.Checksum != 0xFFFF {
		t.Errorf("checksum = %#04x, want 0xffff for a segment whose computed checksum is zero", parsed.Checksum)
	}
}

func TestToAndIPEqual(t *testing.T) {
	ip := net.IPv4(192, 168, 1, 1)
	b := to4(ip)
	if !ipEqual(b, ip) {
		t.Error("ipEqual should hold for the same address round-tripped through to4")
	}
	if ipEqual(b, net.IPv4(10, 0, 0, 1)) {
		t.Error("ipEqual should not hold for different addresses")
	}
}
