package ipv4

import "encoding/binary"

type assemblerState int

const (
	stateReadHeader assemblerState = iota
	stateReadUncompressed
	stateReadCompressedHeader
	stateReadPayload
)

// compressedHeader accumulates the fields decoded out of a compressed
// frame while more bytes are still arriving.
type compressedHeader struct {
	ttl        byte
	payloadLen int
	srcElided  bool
	dstElided  bool
	srcPortIdx uint8
	dstPortIdx uint8
	srcIP      [4]byte
	dstIP      [4]byte
	// headerBytes is how many bytes of a.buf the (already-decoded) fixed
	// and variable compressed-header fields occupy, i.e. where payload starts.
	headerBytes int
}

// Assembler implements gattlink.FrameAssembler: it reconstructs IPv4/UDP
// datagrams from a Gattlink session's in-order byte stream, reversing
// whatever compression Serializer applied (spec.md §4.3).
type Assembler struct {
	config Config

	buf   []byte
	state assemblerState
	ch    compressedHeader
}

func NewAssembler(config Config) *Assembler {
	return &Assembler{config: config}
}

func (a *Assembler) Reset() {
	a.buf = a.buf[:0]
	a.state = stateReadHeader
	a.ch = compressedHeader{}
}

// Feed offers newly available bytes. It always consumes everything it is
// given (buffering internally) and returns a completed datagram, if one
// is ready, or nil otherwise. Malformed input is recovered from locally
// (the state machine resets to ReadHeader), never surfaced as an error.
func (a *Assembler) Feed(data []byte) (int, []byte, error) {
	a.buf = append(a.buf, data...)
	frame := a.drain()
	return len(data), frame, nil
}

// drain runs the ReadHeader/ReadCompressedHeader/ReadPayload state
// machine as far as the currently buffered bytes allow, returning a
// completed datagram if one falls out. It stops and returns nil as soon
// as the buffered bytes are insufficient to make further progress.
func (a *Assembler) drain() []byte {
	for {
		switch a.state {
		case stateReadHeader:
			if len(a.buf) < 1 {
				return nil
			}
			flags := a.buf[0]
			if flags&flagIsCompressed == 0 {
				a.state = stateReadUncompressed
				continue
			}
			a.ch = compressedHeader{
				dstElided:  flags&flagDstElided != 0,
				srcElided:  flags&flagSrcElided != 0,
				dstPortIdx: (flags >> dstPortIdxShift) & portIdxMask,
				srcPortIdx: (flags >> srcPortIdxShift) & portIdxMask,
			}
			a.state = stateReadCompressedHeader
			continue

		case stateReadUncompressed:
			// Need the full 20-byte IPv4 header (plus the leading flags
			// byte) to learn total_length.
			if len(a.buf) < 1+ipv4HeaderLen {
				return nil
			}
			totalLength := int(binary.BigEndian.Uint16(a.buf[1+2 : 1+4]))
			if totalLength < ipv4HeaderLen || totalLength > MaxDatagramSize {
				a.Reset()
				return nil
			}
			if len(a.buf) < 1+totalLength {
				return nil
			}
			datagram := append([]byte(nil), a.buf[1:1+totalLength]...)
			a.buf = a.buf[1+totalLength:]
			a.state = stateReadHeader
			if frame := a.finishUncompressed(datagram); frame != nil {
				return frame
			}
			continue

		case stateReadCompressedHeader:
			fixed := 3 // flags(1) + ttl(1) + payloadLen(1)
			if !a.ch.srcElided {
				fixed += 4
			}
			if !a.ch.dstElided {
				fixed += 4
			}
			if len(a.buf) < fixed {
				return nil
			}
			a.ch.ttl = a.buf[1]
			a.ch.payloadLen = int(a.buf[2])
			offset := 3
			if !a.ch.srcElided {
				copy(a.ch.srcIP[:], a.buf[offset:offset+4])
				offset += 4
			}
			if !a.ch.dstElided {
				copy(a.ch.dstIP[:], a.buf[offset:offset+4])
				offset += 4
			}
			a.ch.headerBytes = offset
			a.state = stateReadPayload
			continue

		case stateReadPayload:
			total := a.ch.headerBytes + a.ch.payloadLen
			if len(a.buf) < total {
				return nil
			}
			payload := append([]byte(nil), a.buf[a.ch.headerBytes:total]...)
			a.buf = a.buf[total:]
			a.state = stateReadHeader
			if frame := a.finishCompressed(payload); frame != nil {
				return frame
			}
			continue
		}
	}
}

// finishUncompressed applies address remapping (but no recompression) to
// a verbatim datagram and returns it.
func (a *Assembler) finishUncompressed(datagram []byte) []byte {
	hdr, headerLen, err := parseIPv4Header(datagram)
	if err != nil {
		return nil
	}
	if hdr.fragmentOffset() != 0 {
		// Fragmented IPv4 packets are not supported (spec.md §4.3 edge cases).
		return nil
	}
	newSrc, newDst := a.remapPair(hdr.SrcIP, hdr.DstIP)
	if newSrc == hdr.SrcIP && newDst == hdr.DstIP {
		return datagram
	}
	out := append([]byte(nil), datagram...)
	copy(out[12:16], newSrc[:])
	copy(out[16:20], newDst[:])
	binary.BigEndian.PutUint16(out[10:12], 0)
	binary.BigEndian.PutUint16(out[10:12], ipv4HeaderChecksum(out[:headerLen]))
	return out
}

// finishCompressed reconstructs the full IPv4+UDP datagram for a
// compressed frame, recomputing both checksums.
func (a *Assembler) finishCompressed(payload []byte) []byte {
	srcIP := a.ch.srcIP
	if a.ch.srcElided {
		srcIP = to4(a.config.LocalAddr)
	}
	dstIP := a.ch.dstIP
	if a.ch.dstElided {
		dstIP = to4(a.config.RemoteAddr)
	}
	srcIP, dstIP = a.remapPair(srcIP, dstIP)

	table := compressedPortTable(a.config.DefaultUDPPort)
	srcPort := table[a.ch.srcPortIdx]
	dstPort := table[a.ch.dstPortIdx]

	totalLength := uint16(ipv4HeaderLen + udpHeaderLen + len(payload))
	ipHdr := ipv4Header{
		TOS:         0,
		ID:          0,
		TTL:         a.ch.ttl,
		Protocol:    protocolUDP,
		TotalLength: totalLength,
		SrcIP:       srcIP,
		DstIP:       dstIP,
	}
	ipBytes := serializeIPv4Header(ipHdr)

	udpHdr := udpHeader{
		SrcPort: srcPort,
		DstPort: dstPort,
		Length:  uint16(udpHeaderLen + len(payload)),
	}
	udpBytes := serializeUDPHeaderWithChecksum(udpHdr, srcIP, dstIP, payload)

	out := make([]byte, 0, len(ipBytes)+len(udpBytes))
	out = append(out, ipBytes...)
	out = append(out, udpBytes...)
	return out
}

func (a *Assembler) remapPair(src, dst [4]byte) (newSrc, newDst [4]byte) {
	newSrc, newDst = src, dst
	if a.config.Remap.Src != nil && ipEqual(src, a.config.Remap.Src) {
		newSrc = to4(a.config.RemoteAddr)
	}
	if a.config.Remap.Dst != nil && ipEqual(dst, a.config.Remap.Dst) {
		newDst = to4(a.config.LocalAddr)
	}
	return newSrc, newDst
}
