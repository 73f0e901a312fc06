package ipv4

import (
	"net"

	"github.com/ggiot/stack/buffer"
	"github.com/ggiot/stack/ggerr"
)

const (
	flagIsCompressed = 0x80
	flagDstElided    = 0x01
	flagSrcElided    = 0x02
	dstPortIdxShift  = 2
	srcPortIdxShift  = 4
	portIdxMask      = 0x03
)

// Remap rewrites addresses observed on the wire back to the stack's
// locally-stable addresses (spec.md §4.3 "source/destination IP remapping").
type Remap struct {
	Src net.IP // inbound source == Src is rewritten to RemoteAddr
	Dst net.IP // inbound destination == Dst is rewritten to LocalAddr
}

// Config is the IP configuration a stack injects into its serializer and
// assembler (spec.md §3 "IP config").
type Config struct {
	LocalAddr                net.IP
	RemoteAddr               net.IP
	Netmask                  net.IP
	MTU                      int
	HeaderCompressionEnabled bool
	DefaultUDPPort           uint16
	Remap                    Remap
}

// compressedPortTable returns the four ports a 2-bit index can select,
// anchored at the configured default UDP port. This mapping is the
// concrete choice this implementation makes for the spec's open question
// on header-compression bitmap assignments.
func compressedPortTable(defaultPort uint16) [4]uint16 {
	return [4]uint16{defaultPort, defaultPort + 1, defaultPort + 2, defaultPort + 3}
}

func compressedPortIndex(port, defaultPort uint16) (idx uint8, ok bool) {
	table := compressedPortTable(defaultPort)
	for i, p := range table {
		if p == port {
			return uint8(i), true
		}
	}
	return 0, false
}

// Serializer implements gattlink.FrameSerializer: it frames an IPv4/UDP
// datagram into a stack's outgoing ring buffer, compressing the header
// when it matches the configured defaults (spec.md §4.3).
type Serializer struct {
	config Config
}

func NewSerializer(config Config) *Serializer {
	return &Serializer{config: config}
}

func (s *Serializer) SerializeFrame(datagram []byte, out *buffer.RingBuffer) error {
	frame, ok := s.tryCompress(datagram)
	if !ok {
		frame = append([]byte{0x00}, datagram...)
	}
	if len(frame) > out.Space() {
		return ggerr.New(ggerr.KindNotEnoughSpace, "ipv4.Serializer.SerializeFrame")
	}
	out.Write(frame)
	return nil
}

func (s *Serializer) tryCompress(datagram []byte) ([]byte, bool) {
	if !s.config.HeaderCompressionEnabled {
		return nil, false
	}
	hdr, headerLen, err := parseIPv4Header(datagram)
	if err != nil || headerLen != ipv4HeaderLen || hdr.Protocol != protocolUDP {
		return nil, false
	}
	if len(datagram) < headerLen+udpHeaderLen {
		return nil, false
	}
	udpHdr, err := parseUDPHeader(datagram[headerLen : headerLen+udpHeaderLen])
	if err != nil {
		return nil, false
	}
	payload := datagram[headerLen+udpHeaderLen:]
	if len(payload) > 255 {
		return nil, false
	}

	dstIdx, dstOK := compressedPortIndex(udpHdr.DstPort, s.config.DefaultUDPPort)
	srcIdx, srcOK := compressedPortIndex(udpHdr.SrcPort, s.config.DefaultUDPPort)
	if !dstOK || !srcOK {
		return nil, false
	}

	dstElided := ipEqual(hdr.DstIP, s.config.RemoteAddr)
	srcElided := ipEqual(hdr.SrcIP, s.config.LocalAddr)

	flags := byte(flagIsCompressed)
	if dstElided {
		flags |= flagDstElided
	}
	if srcElided {
		flags |= flagSrcElided
	}
	flags |= dstIdx << dstPortIdxShift
	flags |= srcIdx << srcPortIdxShift

	out := make([]byte, 0, 3+8+len(payload))
	out = append(out, flags, hdr.TTL, byte(len(payload)))
	if !srcElided {
		out = append(out, hdr.SrcIP[:]...)
	}
	if !dstElided {
		out = append(out, hdr.DstIP[:]...)
	}
	out = append(out, payload...)
	return out, true
}
