// Package gattlink implements the reliable, windowed, packet-serial
// protocol that layers framed IP datagrams on top of an unreliable,
// fragment-limited transport (spec.md §4.1, §4.2), plus the wire format
// of §6, grounded on the GG_GattlinkProtocol / GG_GattlinkGenericClient
// API surface in original_source's xp/gattlink.
package gattlink

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ggiot/stack/event"
	"github.com/ggiot/stack/ggerr"
	"github.com/ggiot/stack/loop"
	"github.com/ggiot/stack/metrics"
)

// Default timer values (spec.md §4.1 table).
const (
	DefaultRetransmitBaseMs    = 2000
	DefaultRetransmitCeilingMs = 8000
	DefaultDelayedAckMs        = 300
	DefaultStallMs             = 1000
)

// DefaultSessionWindow is used when a SessionConfig doesn't specify a window.
const DefaultSessionWindow = 8

// MaxPacketSize bounds the size of any single Gattlink frame, mirroring
// GG_GATTLINK_MAX_PACKET_SIZE.
const MaxPacketSize = 512

// State is the protocol's lifecycle state (spec.md §3 "Protocol state").
type State int

const (
	StateInit State = iota
	StateResetSent
	StateReady
	StateError
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateResetSent:
		return "ResetSent"
	case StateReady:
		return "Ready"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// SessionConfig negotiates the sliding-window sizes for a session.
type SessionConfig struct {
	MaxTxWindow uint8 // 1..31
	MaxRxWindow uint8 // 1..31

	// Role labels this session's metrics ("hub", "node", ...). Purely
	// cosmetic: it has no effect on protocol behavior.
	Role string
}

func (c SessionConfig) normalized() SessionConfig {
	if c.MaxTxWindow == 0 {
		c.MaxTxWindow = DefaultSessionWindow
	}
	if c.MaxRxWindow == 0 {
		c.MaxRxWindow = DefaultSessionWindow
	}
	if c.Role == "" {
		c.Role = "node"
	}
	return c
}

// Client is the callback interface a Protocol drives, matching
// GG_GattlinkClient: it owns the outgoing byte store and is told about
// incoming bytes, session lifecycle, and raw-transport I/O.
type Client interface {
	// GetOutgoingDataAvailable returns the number of bytes ready to send.
	GetOutgoingDataAvailable() int
	// GetOutgoingData copies size bytes starting at offset into buffer.
	GetOutgoingData(offset int, buffer []byte) error
	// ConsumeOutgoingData frees size bytes once they've been acknowledged.
	ConsumeOutgoingData(size int)
	// NotifyIncomingDataAvailable is called whenever new in-order bytes
	// are ready to be read via GetIncomingData.
	NotifyIncomingDataAvailable()
	// GetTransportMaxPacketSize returns the current raw fragment cap.
	GetTransportMaxPacketSize() int
	// SendRawData sends one fragment over the raw transport.
	SendRawData(data []byte) error
	// NotifySessionReady/Reset/Stalled report lifecycle transitions.
	NotifySessionReady()
	NotifySessionReset()
	NotifySessionStalled(stalledMs uint32)
}

type outstandingFrame struct {
	psn    uint8
	offset int
	length int
}

// Protocol is the Gattlink windowed-ARQ engine (spec.md §4.1).
type Protocol struct {
	event.Base

	client    Client
	config    SessionConfig
	scheduler *loop.Scheduler

	state State

	nextPSNToSend     uint8
	oldestUnackedPSN  uint8
	outstanding       []outstandingFrame
	nextPSNExpected   uint8
	lastPSNAckedToPeer uint8

	negotiatedTxWindow uint8
	negotiatedRxWindow uint8

	peerRxWindow uint8 // advertised by peer in their REQ/CONF (their max_rx)
	peerTxWindow uint8 // advertised by peer in their REQ/CONF (their max_tx)

	incoming incomingStore

	ackPending  bool
	lastInOrder uint8 // last in-order PSN delivered (valid once >=1 frame accepted)
	haveDelivered bool

	retransmitTimer *loop.Timer
	retransmitDelay uint32
	delayedAckTimer *loop.Timer
	stallTimer      *loop.Timer
	stalledSinceMs  uint32
}

// incomingStore is a minimal in-order byte reader: the protocol appends
// accepted payload bytes to it and the client consumes them via
// GetIncomingData/ConsumeIncomingData.
type incomingStore struct {
	buf []byte
}

func (s *incomingStore) available() int { return len(s.buf) }

func (s *incomingStore) read(offset int, out []byte) (int, error) {
	if offset > len(s.buf) {
		return 0, ggerr.New(ggerr.KindOutOfRange, "gattlink.Protocol.GetIncomingData")
	}
	n := copy(out, s.buf[offset:])
	return n, nil
}

func (s *incomingStore) consume(n int) error {
	if n > len(s.buf) {
		return ggerr.New(ggerr.KindInvalidParameters, "gattlink.Protocol.ConsumeIncomingData")
	}
	s.buf = s.buf[n:]
	return nil
}

func (s *incomingStore) append(p []byte) {
	s.buf = append(s.buf, p...)
}

func (s *incomingStore) reset() {
	s.buf = s.buf[:0]
}

// NewProtocol creates a Protocol in state Init.
func NewProtocol(client Client, config SessionConfig, scheduler *loop.Scheduler) *Protocol {
	p := &Protocol{
		client:    client,
		config:    config.normalized(),
		scheduler: scheduler,
		state:     StateInit,
	}
	p.retransmitTimer = scheduler.CreateTimer()
	p.delayedAckTimer = scheduler.CreateTimer()
	p.stallTimer = scheduler.CreateTimer()
	return p
}

// State returns the protocol's current lifecycle state.
func (p *Protocol) State() State { return p.state }

// Start transitions Init -> ResetSent and emits one RESET_REQ.
func (p *Protocol) Start() error {
	if p.state != StateInit {
		return ggerr.New(ggerr.KindInvalidState, "gattlink.Protocol.Start")
	}
	p.state = StateResetSent
	p.retransmitDelay = DefaultRetransmitBaseMs
	p.sendResetReq()
	p.armRetransmitTimer()
	return nil
}

// Reset re-enters ResetSent, discarding all outstanding frames and
// receive-side reassembly state. Always succeeds.
func (p *Protocol) Reset() error {
	p.flush()
	p.state = StateResetSent
	p.retransmitDelay = DefaultRetransmitBaseMs
	p.sendResetReq()
	p.armRetransmitTimer()
	metrics.SessionResetCount.With(prometheus.Labels{"initiator": "local"}).Inc()
	return nil
}

func (p *Protocol) flush() {
	p.outstanding = nil
	p.nextPSNToSend = 0
	p.oldestUnackedPSN = 0
	p.nextPSNExpected = 0
	p.lastPSNAckedToPeer = 0
	p.ackPending = false
	p.haveDelivered = false
	p.incoming.reset()
	p.retransmitTimer.Unschedule()
	p.delayedAckTimer.Unschedule()
	p.stallTimer.Unschedule()
}

func (p *Protocol) sendResetReq() {
	p.client.SendRawData(encodeControl(controlHeader{
		opcode: opcodeResetReq,
		rxWin:  p.config.MaxRxWindow,
		txWin:  p.config.MaxTxWindow,
	}))
}

func (p *Protocol) sendResetConf() {
	p.client.SendRawData(encodeControl(controlHeader{
		opcode: opcodeResetCnf,
		rxWin:  p.config.MaxRxWindow,
		txWin:  p.config.MaxTxWindow,
	}))
}

func (p *Protocol) negotiate(peerRxWin, peerTxWin uint8) {
	p.peerRxWindow = peerRxWin
	p.peerTxWindow = peerTxWin
	p.negotiatedTxWindow = minU8(p.config.MaxTxWindow, peerRxWin)
	p.negotiatedRxWindow = minU8(p.config.MaxRxWindow, peerTxWin)
}

func minU8(a, b uint8) uint8 {
	if a < b {
		return a
	}
	return b
}

func (p *Protocol) enterReady() {
	wasReady := p.state == StateReady
	p.state = StateReady
	p.retransmitTimer.Unschedule()
	if !wasReady {
		p.client.NotifySessionReady()
		p.Emit(event.Event{Type: event.TypeGattlinkSessionReady, Source: p})
	}
	// Pull in anything the client already has queued.
	p.NotifyOutgoingDataAvailable()
}

// NotifyOutgoingDataAvailable hints the engine to poll the client's
// outgoing byte buffer and emit as many data frames as the window
// permits.
func (p *Protocol) NotifyOutgoingDataAvailable() {
	if p.state != StateReady {
		return
	}
	for {
		budget := int(p.negotiatedTxWindow) - len(p.outstanding)
		if budget <= 0 {
			return
		}
		available := p.client.GetOutgoingDataAvailable()
		sentOffset := p.sentByteOffset()
		remaining := available - sentOffset
		if remaining <= 0 {
			return
		}
		headerOverhead := 1
		var ackPtr *uint8
		if p.ackPending {
			ack := p.lastInOrder
			ackPtr = &ack
			headerOverhead = 2
		}
		maxFragment := p.client.GetTransportMaxPacketSize() - headerOverhead
		if maxFragment <= 0 {
			return
		}
		fragmentSize := remaining
		if fragmentSize > maxFragment {
			fragmentSize = maxFragment
		}
		payload := make([]byte, fragmentSize)
		if err := p.client.GetOutgoingData(sentOffset, payload); err != nil {
			return
		}
		frame := encodeData(p.nextPSNToSend, ackPtr, payload)
		if err := p.client.SendRawData(frame); err != nil {
			// Not consumed and not recorded as outstanding: the bytes stay
			// in the client's buffer and go out on a later call of this
			// method. The retransmit timer does not resend them.
			return
		}
		metrics.FramesSentCount.With(prometheus.Labels{"role": p.config.Role}).Inc()
		metrics.FrameSizeHistogram.With(prometheus.Labels{"role": p.config.Role}).Observe(float64(fragmentSize))
		if ackPtr != nil {
			p.ackPending = false
			p.delayedAckTimer.Unschedule()
			p.lastPSNAckedToPeer = *ackPtr
		}

		wasIdle := len(p.outstanding) == 0
		p.outstanding = append(p.outstanding, outstandingFrame{
			psn:    p.nextPSNToSend,
			offset: sentOffset,
			length: fragmentSize,
		})
		p.nextPSNToSend = psnAdvance(p.nextPSNToSend, 1)
		if wasIdle {
			p.retransmitDelay = DefaultRetransmitBaseMs
		}
		p.armRetransmitTimer()
		p.armStallTimer()
		metrics.OutstandingFramesSummary.With(prometheus.Labels{"role": p.config.Role}).Observe(float64(len(p.outstanding)))
	}
}

// sentByteOffset is the number of bytes of the client's outgoing buffer
// already claimed by outstanding frames.
func (p *Protocol) sentByteOffset() int {
	total := 0
	for _, f := range p.outstanding {
		total += f.length
	}
	return total
}

func (p *Protocol) armRetransmitTimer() {
	if p.state == StateResetSent || (p.state == StateReady && len(p.outstanding) > 0) {
		p.retransmitTimer.Schedule(loop.TimerListenerFunc(p.onRetransmitFired), p.retransmitDelay)
	}
}

func (p *Protocol) onRetransmitFired(_ *loop.Timer, _ uint32) {
	switch p.state {
	case StateResetSent:
		p.sendResetReq()
	case StateReady:
		p.resendOutstanding()
	default:
		return
	}
	metrics.RetransmitDelayMsecSummary.With(prometheus.Labels{"role": p.config.Role}).Observe(float64(p.retransmitDelay))
	if p.retransmitDelay < DefaultRetransmitCeilingMs {
		p.retransmitDelay *= 2
		if p.retransmitDelay > DefaultRetransmitCeilingMs {
			p.retransmitDelay = DefaultRetransmitCeilingMs
		}
	}
	p.armRetransmitTimer()
}

func (p *Protocol) resendOutstanding() {
	for _, f := range p.outstanding {
		payload := make([]byte, f.length)
		if err := p.client.GetOutgoingData(f.offset, payload); err != nil {
			continue
		}
		frame := encodeData(f.psn, nil, payload)
		if err := p.client.SendRawData(frame); err != nil {
			continue
		}
		metrics.FramesRetransmittedCount.With(prometheus.Labels{"role": p.config.Role}).Inc()
	}
}

func (p *Protocol) armStallTimer() {
	if len(p.outstanding) == 0 {
		p.stallTimer.Unschedule()
		p.stalledSinceMs = 0
		return
	}
	if !p.stallTimer.IsScheduled() {
		p.stalledSinceMs = p.scheduler.GetTime()
		p.stallTimer.Schedule(loop.TimerListenerFunc(p.onStallFired), DefaultStallMs)
	}
}

func (p *Protocol) onStallFired(_ *loop.Timer, _ uint32) {
	if len(p.outstanding) == 0 {
		return
	}
	elapsed := p.scheduler.GetTime() - p.stalledSinceMs
	p.client.NotifySessionStalled(elapsed)
	metrics.StallDurationMsecHistogram.With(prometheus.Labels{"role": p.config.Role}).Observe(float64(elapsed))
	p.Emit(event.Event{
		Type:   event.TypeGattlinkSessionStalled,
		Source: p,
		Data:   event.StalledData{StalledTimeMs: elapsed},
	})
	p.stallTimer.Schedule(loop.TimerListenerFunc(p.onStallFired), DefaultStallMs)
}

func (p *Protocol) armDelayedAck() {
	if !p.delayedAckTimer.IsScheduled() {
		p.delayedAckTimer.Schedule(loop.TimerListenerFunc(p.onDelayedAckFired), DefaultDelayedAckMs)
	}
}

func (p *Protocol) onDelayedAckFired(_ *loop.Timer, _ uint32) {
	if !p.ackPending {
		return
	}
	p.ackPending = false
	p.lastPSNAckedToPeer = p.lastInOrder
	p.client.SendRawData(encodeNakedAck(p.lastInOrder))
}

// HandleIncomingRawData consumes one transport fragment: a control, ack,
// or data frame.
func (p *Protocol) HandleIncomingRawData(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if data[0]&controlBit != 0 {
		ctl, ok := decodeControl(data)
		if !ok {
			return nil // malformed: ignore silently
		}
		p.handleControl(ctl)
		return nil
	}

	frame, ok := decodeDataFrame(data)
	if !ok {
		return nil
	}
	if frame.hasAck {
		p.handleAck(frame.ackPSN)
	}
	if frame.isAck {
		return nil
	}
	return p.handleData(frame.dataPSN, frame.payload)
}

func (p *Protocol) handleControl(ctl controlHeader) {
	switch ctl.opcode {
	case opcodeResetReq:
		if p.state == StateReady {
			p.flush()
			p.state = StateResetSent
			p.client.NotifySessionReset()
			p.Emit(event.Event{Type: event.TypeGattlinkSessionReset, Source: p})
			metrics.SessionResetCount.With(prometheus.Labels{"initiator": "peer"}).Inc()
		}
		p.negotiate(ctl.rxWin, ctl.txWin)
		p.sendResetConf()
		p.enterReady()
	case opcodeResetCnf:
		if p.state != StateResetSent {
			return
		}
		if ctl.rxWin == 0 || ctl.txWin == 0 {
			// Incompatible handshake: stay in ResetSent, let the
			// retransmit/backoff timer retry.
			return
		}
		p.negotiate(ctl.rxWin, ctl.txWin)
		p.enterReady()
	}
}

func (p *Protocol) handleAck(ackedPSN uint8) {
	if len(p.outstanding) == 0 {
		return
	}
	if !psnInWindow(ackedPSN, p.oldestUnackedPSN, uint8(len(p.outstanding))) {
		return
	}
	count := int(psnDistance(ackedPSN, p.oldestUnackedPSN)) + 1
	bytesAcked := 0
	for i := 0; i < count; i++ {
		bytesAcked += p.outstanding[i].length
	}
	p.outstanding = p.outstanding[count:]
	// Offsets are relative to the client's read cursor, which moves by
	// bytesAcked below.
	for i := range p.outstanding {
		p.outstanding[i].offset -= bytesAcked
	}
	p.oldestUnackedPSN = psnAdvance(ackedPSN, 1)
	p.client.ConsumeOutgoingData(bytesAcked)
	p.retransmitDelay = DefaultRetransmitBaseMs
	if len(p.outstanding) == 0 {
		p.retransmitTimer.Unschedule()
	} else {
		p.armRetransmitTimer()
	}
	p.armStallTimer()
	// A fresh send budget may have opened up.
	p.NotifyOutgoingDataAvailable()
}

func (p *Protocol) handleData(psn uint8, payload []byte) error {
	if p.state != StateReady {
		return nil
	}
	if psn != p.nextPSNExpected {
		// Gap: drop (not buffered out of order), provoke an immediate
		// cumulative ack of the last in-order PSN to trigger fast
		// retransmit at the peer.
		p.sendImmediateAck()
		metrics.FramesDroppedCount.With(prometheus.Labels{"reason": "psn_gap"}).Inc()
		return ggerr.New(ggerr.KindUnexpectedPSN, "gattlink.Protocol.HandleIncomingRawData")
	}
	p.incoming.append(payload)
	p.nextPSNExpected = psnAdvance(p.nextPSNExpected, 1)
	p.lastInOrder = psn
	p.haveDelivered = true
	p.ackPending = true
	p.armDelayedAck()
	metrics.IncomingBufferSizeSummary.Observe(float64(p.incoming.available()))
	p.client.NotifyIncomingDataAvailable()
	return nil
}

func (p *Protocol) sendImmediateAck() {
	var ack uint8
	if p.haveDelivered {
		ack = p.lastInOrder
	} else {
		ack = psnAdvance(p.nextPSNExpected, ^uint8(0)) // nextExpected - 1, i.e. 31 if nothing delivered yet
	}
	p.lastPSNAckedToPeer = ack
	p.client.SendRawData(encodeNakedAck(ack))
}

// GetIncomingDataAvailable returns the number of bytes currently readable.
func (p *Protocol) GetIncomingDataAvailable() int {
	return p.incoming.available()
}

// GetIncomingData copies, without consuming, up to len(buf) bytes
// starting at offset.
func (p *Protocol) GetIncomingData(offset int, buf []byte) (int, error) {
	return p.incoming.read(offset, buf)
}

// ConsumeIncomingData advances the incoming read cursor by n bytes.
func (p *Protocol) ConsumeIncomingData(n int) error {
	return p.incoming.consume(n)
}
