// Package activity implements a pass-through stack element that tracks
// whether traffic has crossed in a given direction within a configurable
// inactivity window (spec.md §4.5).
package activity

import (
	"github.com/ggiot/stack/buffer"
	"github.com/ggiot/stack/event"
	"github.com/ggiot/stack/loop"
	"github.com/ggiot/stack/port"
)

// DefaultInactivityMs is the default inactivity window before a direction
// is considered idle.
const DefaultInactivityMs = 30000

// Direction identifies which of the monitor's two pass-through paths an
// activity edge was observed on.
type Direction = event.Direction

const (
	DirectionInbound  = event.DirectionInbound
	DirectionOutbound = event.DirectionOutbound
)

// Monitor sits transparently between two elements in a stack, forwarding
// every buffer unchanged in both directions while timing inactivity per
// direction.
type Monitor struct {
	event.Base

	scheduler    *loop.Scheduler
	inactivityMs uint32
	up           side // upward path: data entering from below, leaving above (inbound)
	down         side // downward path: data entering from above, leaving below (outbound)
}

type side struct {
	monitor   *Monitor
	direction Direction
	timer     *loop.Timer
	active    bool

	sink     port.DataSink
	listener port.DataSinkListener
}

// NewMonitor creates a Monitor. inactivityMs of 0 selects DefaultInactivityMs.
func NewMonitor(scheduler *loop.Scheduler, inactivityMs uint32) *Monitor {
	if inactivityMs == 0 {
		inactivityMs = DefaultInactivityMs
	}
	m := &Monitor{scheduler: scheduler, inactivityMs: inactivityMs}
	m.up = side{monitor: m, direction: DirectionInbound, timer: scheduler.CreateTimer()}
	m.down = side{monitor: m, direction: DirectionOutbound, timer: scheduler.CreateTimer()}
	return m
}

// TopSink/TopSource face the element above (user side); BottomSink/
// BottomSource face the element below (transport side). Data entering
// TopSink exits via BottomSource, and vice versa.
func (m *Monitor) TopSink() port.DataSink        { return &m.down }
func (m *Monitor) BottomSource() port.DataSource { return &m.down }
func (m *Monitor) BottomSink() port.DataSink     { return &m.up }
func (m *Monitor) TopSource() port.DataSource    { return &m.up }

// IsActive synchronously reports whether direction has seen traffic
// within the inactivity window as of now.
func (m *Monitor) IsActive(direction Direction) bool {
	if direction == DirectionInbound {
		return m.up.active
	}
	return m.down.active
}

func (s *side) PutData(data *buffer.Buffer, metadata *buffer.Metadata) error {
	m := s.monitor
	wasActive := s.active
	s.active = true
	s.timer.Schedule(loop.TimerListenerFunc(s.onInactivityTimeout), m.inactivityMs)
	if !wasActive {
		m.Emit(event.Event{
			Type:   event.TypeActivityMonitorChange,
			Source: m,
			Data: event.ActivityData{
				Direction:    s.direction,
				Active:       true,
				DetectedAtMs: int64(m.scheduler.GetTime()),
			},
		})
	}

	// s.sink is the external connection on this side's source port: data
	// entering one side's sink always exits via that same side's source.
	if s.sink == nil {
		return nil
	}
	return s.sink.PutData(data, metadata)
}

func (s *side) onInactivityTimeout(_ *loop.Timer, _ uint32) {
	m := s.monitor
	s.active = false
	m.Emit(event.Event{
		Type:   event.TypeActivityMonitorChange,
		Source: m,
		Data: event.ActivityData{
			Direction:    s.direction,
			Active:       false,
			DetectedAtMs: int64(m.scheduler.GetTime()),
		},
	})
}

func (s *side) SetListener(listener port.DataSinkListener) { s.listener = listener }

func (s *side) SetDataSink(sink port.DataSink) {
	if s.sink != nil {
		s.sink.SetListener(nil)
	}
	s.sink = sink
	if sink != nil {
		sink.SetListener(s)
	}
}

func (s *side) OnCanPut() {
	if s.listener != nil {
		s.listener.OnCanPut()
	}
}
