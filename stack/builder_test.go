package stack

import (
	"bytes"
	"testing"

	"github.com/ggiot/stack/buffer"
	"github.com/ggiot/stack/ggerr"
	"github.com/ggiot/stack/loop"
	"github.com/ggiot/stack/port"
)

func TestBuildRejectsUnknownDescriptorChar(t *testing.T) {
	l := loop.New()
	scheduler := loop.NewScheduler()
	_, err := Build(l, scheduler, "DX", Params{})
	if !ggerr.Is(err, ggerr.KindInvalidParameters) {
		t.Fatalf("expected InvalidParameters, got %v", err)
	}
}

func TestBuildSingleGattlinkElementIsUsable(t *testing.T) {
	l := loop.New()
	scheduler := loop.NewScheduler()
	st, err := Build(l, scheduler, "G", Params{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if st.Gattlink() == nil {
		t.Fatal("expected the built stack to expose its Gattlink client")
	}
	if err := st.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func TestBuildWiresActivityMonitorBelowGattlink(t *testing.T) {
	l := loop.New()
	scheduler := loop.NewScheduler()
	st, err := Build(l, scheduler, "GA", Params{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	// The stack's overall bottom is the rightmost element (the activity
	// monitor); wiring a sink there and starting the stack must deliver
	// Gattlink's RESET_REQ through the monitor to that sink.
	bottomSource, bottomSink, err := st.GetPortById(BOTTOM, "bottom")
	if err != nil {
		t.Fatalf("GetPortById(BOTTOM): %v", err)
	}
	if bottomSink == nil {
		t.Fatal("expected a non-nil bottom sink")
	}
	wire := &captureSink{}
	port.Connect(bottomSource, wire)

	topSource, _, err := st.GetPortById(TOP, "top")
	if err != nil {
		t.Fatalf("GetPortById(TOP): %v", err)
	}
	sink := &captureSink{}
	port.Connect(topSource, sink)

	if err := st.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if want := []byte{0x80, 0x00, 0x00, 0x08, 0x08}; !bytes.Equal(wire.got, want) {
		t.Errorf("bottom sink got % x, want % x", wire.got, want)
	}
}

type captureSink struct{ got []byte }

func (c *captureSink) PutData(data *buffer.Buffer, _ *buffer.Metadata) error {
	c.got = append([]byte(nil), data.Data()...)
	return nil
}
func (c *captureSink) SetListener(port.DataSinkListener) {}
