package ipv4

import "encoding/binary"

// onesComplementSum computes the 16-bit one's-complement sum used by both
// the IPv4 header checksum and the UDP checksum (RFC 791 / RFC 768).
func onesComplementSum(data []byte) uint32 {
	var sum uint32
	n := len(data)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if n%2 == 1 {
		sum += uint32(data[n-1]) << 8
	}
	return sum
}

func foldChecksum(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}

// ipv4HeaderChecksum computes the header checksum over a 20-byte IPv4
// header whose checksum field (bytes 10-11) is assumed to be zero.
func ipv4HeaderChecksum(header []byte) uint16 {
	return foldChecksum(onesComplementSum(header))
}

// udpChecksum computes the UDP checksum over the pseudo-header (src/dst
// IPv4 addresses, zero byte, protocol, UDP length) followed by the UDP
// header and payload.
func udpChecksum(srcIP, dstIP [4]byte, udpSegment []byte) uint16 {
	pseudo := make([]byte, 12)
	copy(pseudo[0:4], srcIP[:])
	copy(pseudo[4:8], dstIP[:])
	pseudo[8] = 0
	pseudo[9] = protocolUDP
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(len(udpSegment)))

	sum := onesComplementSum(pseudo) + onesComplementSum(udpSegment)
	c := foldChecksum(sum)
	if c == 0 {
		// RFC 768: a computed checksum of 0 is transmitted as all ones;
		// zero on the wire instead means "checksum not used".
		return 0xFFFF
	}
	return c
}
