package gattlink

// Wire format (spec.md §3, §6):
//
//	Control header: 1 byte 1_0_0_0_0_0_0_X, X=0 RESET_REQ, X=1 RESET_CONF,
//	                followed by version(1)=0, flags(1)=0, rx_window(1), tx_window(1).
//	Data header:    1 byte 0_A_P_P_P_P_P. A=1 means piggyback ack: the P
//	                bits carry the acknowledged PSN and a second byte
//	                0_0_P_P_P_P_P carries the actual data PSN; payload follows.
//	                A=0 means the P bits directly carry the data PSN.
//	Naked ack:      1 byte 0_1_P_P_P_P_P (A=1, no second byte, no payload).

const (
	controlBit     = 0x80
	ackBit         = 0x40
	psnBits        = 0x1F
	opcodeResetReq = 0
	opcodeResetCnf = 1
)

type controlOpcode uint8

// controlHeader is the 5-byte RESET_REQ/RESET_CONF message.
type controlHeader struct {
	opcode  controlOpcode
	version uint8
	flags   uint8
	rxWin   uint8
	txWin   uint8
}

func encodeControl(h controlHeader) []byte {
	return []byte{
		controlBit | uint8(h.opcode),
		h.version,
		h.flags,
		h.rxWin,
		h.txWin,
	}
}

func decodeControl(b []byte) (controlHeader, bool) {
	if len(b) < 5 || b[0]&controlBit == 0 {
		return controlHeader{}, false
	}
	return controlHeader{
		opcode:  controlOpcode(b[0] &^ controlBit),
		version: b[1],
		flags:   b[2],
		rxWin:   b[3],
		txWin:   b[4],
	}, true
}

// dataFrame describes a decoded data or naked-ack frame.
type dataFrame struct {
	hasAck  bool
	ackPSN  uint8
	isAck   bool // true for a naked ack: no data PSN, no payload
	dataPSN uint8
	payload []byte
}

// encodeNakedAck builds a 1-byte naked ack frame: 0_1_PPPPP.
func encodeNakedAck(ackPSN uint8) []byte {
	return []byte{ackBit | (ackPSN & psnBits)}
}

// encodeData builds a data frame header (1 or 2 bytes) followed by
// payload. If ackPSN is non-nil, the frame piggybacks that ack.
func encodeData(dataPSN uint8, ackPSN *uint8, payload []byte) []byte {
	var out []byte
	if ackPSN != nil {
		out = make([]byte, 0, 2+len(payload))
		out = append(out, ackBit|(*ackPSN&psnBits))
		out = append(out, dataPSN&psnBits)
	} else {
		out = make([]byte, 0, 1+len(payload))
		out = append(out, dataPSN&psnBits)
	}
	out = append(out, payload...)
	return out
}

// decodeDataFrame parses a non-control frame (control bit already known
// to be clear in b[0]).
func decodeDataFrame(b []byte) (dataFrame, bool) {
	if len(b) == 0 || b[0]&controlBit != 0 {
		return dataFrame{}, false
	}
	ack := b[0]&ackBit != 0
	psn := b[0] & psnBits
	if !ack {
		return dataFrame{dataPSN: psn, payload: b[1:]}, true
	}
	if len(b) == 1 {
		return dataFrame{hasAck: true, isAck: true, ackPSN: psn}, true
	}
	if b[1]&controlBit != 0 || b[1]&ackBit != 0 {
		// Malformed: second byte must be a plain data-PSN byte.
		return dataFrame{}, false
	}
	return dataFrame{
		hasAck:  true,
		ackPSN:  psn,
		dataPSN: b[1] & psnBits,
		payload: b[2:],
	}, true
}
