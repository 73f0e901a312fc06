// Package port defines the data-flow primitives every stack element is
// built from: a DataSink accepts buffers with backpressure, a DataSource
// emits them to a downstream sink, and a DataSinkListener is notified when
// a previously-blocked sink can accept data again. This is the Go
// rendition of the GG_DataSink/GG_DataSource/GG_DataSinkListener
// interfaces.
package port

import "github.com/ggiot/stack/buffer"

// DataSinkListener is notified when a sink that previously returned
// ggerr.KindWouldBlock can accept data again.
type DataSinkListener interface {
	OnCanPut()
}

// DataSink accepts buffers, possibly with a metadata sidecar. PutData
// returns a *ggerr.Error with Kind ggerr.KindWouldBlock when the sink
// cannot currently accept data; the caller must have registered a
// DataSinkListener via SetListener to be notified when it can retry.
type DataSink interface {
	PutData(data *buffer.Buffer, metadata *buffer.Metadata) error
	SetListener(listener DataSinkListener)
}

// DataSource emits buffers to a single downstream DataSink.
type DataSource interface {
	SetDataSink(sink DataSink)
}

// Port bundles the source/sink pair exposed at one side of a stack
// element, mirroring GG_StackElementPortInfo.
type Port struct {
	Source DataSource
	Sink   DataSink
}

// Connect wires the source's output to the sink's input: the source is
// told where to send data, and registers itself as the sink's listener so
// a WouldBlock return can be retried.
func Connect(source DataSource, sink DataSink) {
	source.SetDataSink(sink)
}
