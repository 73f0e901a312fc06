// Package ipv4 implements the frame serializer and assembler that convert
// between discrete IPv4/UDP datagrams and the byte stream a Gattlink
// session carries, including the header-compression scheme and
// source/destination address remapping (spec.md §4.3).
package ipv4

import (
	"encoding/binary"
	"net"

	"github.com/ggiot/stack/ggerr"
)

const (
	protocolUDP   = 17
	ipv4HeaderLen = 20
	udpHeaderLen  = 8
	// MaxDatagramSize bounds any single reassembled datagram, mirroring
	// the assembler's max_packet_size guard (spec.md §4.3 edge cases).
	MaxDatagramSize = 2048
)

type ipv4Header struct {
	TOS          byte
	ID           uint16
	FlagsFragOff uint16
	TTL          byte
	Protocol     byte
	TotalLength  uint16
	SrcIP        [4]byte
	DstIP        [4]byte
}

func (h ipv4Header) fragmentOffset() uint16 { return h.FlagsFragOff & 0x1FFF }

// parseIPv4Header parses the fixed 20-byte header. IHL > 5 (options
// present) is reported via headerLen so callers can decide whether to
// pass the datagram through uncompressed or reject it.
func parseIPv4Header(b []byte) (h ipv4Header, headerLen int, err error) {
	if len(b) < ipv4HeaderLen {
		return h, 0, ggerr.New(ggerr.KindInvalidParameters, "ipv4.parseIPv4Header")
	}
	version := b[0] >> 4
	ihl := int(b[0] & 0x0F)
	headerLen = ihl * 4
	if version != 4 || headerLen < ipv4HeaderLen || len(b) < headerLen {
		return h, 0, ggerr.New(ggerr.KindInvalidParameters, "ipv4.parseIPv4Header")
	}
	h.TOS = b[1]
	h.TotalLength = binary.BigEndian.Uint16(b[2:4])
	h.ID = binary.BigEndian.Uint16(b[4:6])
	h.FlagsFragOff = binary.BigEndian.Uint16(b[6:8])
	h.TTL = b[8]
	h.Protocol = b[9]
	copy(h.SrcIP[:], b[12:16])
	copy(h.DstIP[:], b[16:20])
	return h, headerLen, nil
}

// serializeIPv4Header writes a 20-byte IPv4 header (no options) and
// computes its checksum.
func serializeIPv4Header(h ipv4Header) []byte {
	b := make([]byte, ipv4HeaderLen)
	b[0] = 0x45 // version 4, IHL 5
	b[1] = h.TOS
	binary.BigEndian.PutUint16(b[2:4], h.TotalLength)
	binary.BigEndian.PutUint16(b[4:6], h.ID)
	binary.BigEndian.PutUint16(b[6:8], h.FlagsFragOff)
	b[8] = h.TTL
	b[9] = h.Protocol
	// checksum (b[10:12]) computed below, left zero for now
	copy(b[12:16], h.SrcIP[:])
	copy(b[16:20], h.DstIP[:])
	binary.BigEndian.PutUint16(b[10:12], ipv4HeaderChecksum(b))
	return b
}

type udpHeader struct {
	SrcPort  uint16
	DstPort  uint16
	Length   uint16
	Checksum uint16
}

func parseUDPHeader(b []byte) (h udpHeader, err error) {
	if len(b) < udpHeaderLen {
		return h, ggerr.New(ggerr.KindInvalidParameters, "ipv4.parseUDPHeader")
	}
	h.SrcPort = binary.BigEndian.Uint16(b[0:2])
	h.DstPort = binary.BigEndian.Uint16(b[2:4])
	h.Length = binary.BigEndian.Uint16(b[4:6])
	h.Checksum = binary.BigEndian.Uint16(b[6:8])
	return h, nil
}

func serializeUDPHeaderWithChecksum(h udpHeader, srcIP, dstIP [4]byte, payload []byte) []byte {
	b := make([]byte, udpHeaderLen+len(payload))
	binary.BigEndian.PutUint16(b[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(b[2:4], h.DstPort)
	binary.BigEndian.PutUint16(b[4:6], h.Length)
	copy(b[udpHeaderLen:], payload)
	binary.BigEndian.PutUint16(b[6:8], udpChecksum(srcIP, dstIP, b))
	return b
}

func to4(ip net.IP) [4]byte {
	var out [4]byte
	if v4 := ip.To4(); v4 != nil {
		copy(out[:], v4)
	}
	return out
}

func ipEqual(a [4]byte, ip net.IP) bool {
	v4 := ip.To4()
	return v4 != nil && a[0] == v4[0] && a[1] == v4[1] && a[2] == v4[2] && a[3] == v4[3]
}
