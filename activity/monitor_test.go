package activity

import (
	"testing"

	"github.com/ggiot/stack/buffer"
	"github.com/ggiot/stack/event"
	"github.com/ggiot/stack/loop"
	"github.com/ggiot/stack/port"
)

// recordingSink counts PutData calls and remembers the last buffer it saw.
type recordingSink struct {
	puts int
	last []byte
}

func (r *recordingSink) PutData(data *buffer.Buffer, _ *buffer.Metadata) error {
	r.puts++
	r.last = append([]byte(nil), data.Data()...)
	return nil
}
func (r *recordingSink) SetListener(port.DataSinkListener) {}

type recordingListener struct {
	events []event.Event
}

func (r *recordingListener) OnEvent(e event.Event) { r.events = append(r.events, e) }

func TestMonitorForwardsDataUnchanged(t *testing.T) {
	scheduler := loop.NewScheduler()
	m := NewMonitor(scheduler, 1000)

	downSink := &recordingSink{}
	port.Connect(m.BottomSource(), downSink)

	buf := buffer.New([]byte("payload"))
	if err := m.TopSink().PutData(buf, nil); err != nil {
		t.Fatalf("PutData: %v", err)
	}
	if downSink.puts != 1 || string(downSink.last) != "payload" {
		t.Fatalf("downstream sink got %d puts, last=%q", downSink.puts, downSink.last)
	}
}

func TestMonitorActivityEdgesAndTimeout(t *testing.T) {
	scheduler := loop.NewScheduler()
	m := NewMonitor(scheduler, 1000)
	listener := &recordingListener{}
	m.SetListener(listener)
	port.Connect(m.BottomSource(), &recordingSink{})

	if m.IsActive(DirectionOutbound) {
		t.Fatal("monitor should start inactive")
	}

	buf := buffer.New([]byte("x"))
	if err := m.TopSink().PutData(buf, nil); err != nil {
		t.Fatalf("PutData: %v", err)
	}
	if !m.IsActive(DirectionOutbound) {
		t.Fatal("expected outbound direction to be active after PutData")
	}
	if len(listener.events) != 1 {
		t.Fatalf("expected 1 rising-edge event, got %d", len(listener.events))
	}

	// A second PutData within the window should not re-emit.
	if err := m.TopSink().PutData(buffer.New([]byte("y")), nil); err != nil {
		t.Fatalf("PutData: %v", err)
	}
	if len(listener.events) != 1 {
		t.Fatalf("expected no additional event while still active, got %d total", len(listener.events))
	}

	scheduler.SetTime(1001)
	if m.IsActive(DirectionOutbound) {
		t.Fatal("expected outbound direction to go inactive after the timeout")
	}
	if len(listener.events) != 2 {
		t.Fatalf("expected a falling-edge event, got %d total", len(listener.events))
	}
}
