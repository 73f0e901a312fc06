// Package stack implements the stack builder and composed pipeline model
// of spec.md §4.4: a descriptor string is parsed into a bottom-up chain of
// elements (DTLS, UDP socket, network interface, Gattlink, activity
// monitor), wired top-to-bottom with the port primitives of package port,
// and handed back as a single Stack handle.
package stack

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/ggiot/stack/activity"
	"github.com/ggiot/stack/buffer"
	"github.com/ggiot/stack/event"
	"github.com/ggiot/stack/gattlink"
	"github.com/ggiot/stack/ggerr"
	"github.com/ggiot/stack/ipv4"
	"github.com/ggiot/stack/loop"
	"github.com/ggiot/stack/port"
)

// Element is the uniform shape every stack layer presents: a top port
// pair facing the layer above (closer to the application / IP datagram
// boundary) and a bottom port pair facing the layer below (closer to the
// raw transport).
type Element interface {
	TopSink() port.DataSink
	TopSource() port.DataSource
	BottomSink() port.DataSink
	BottomSource() port.DataSource
}

// passThrough is embedded by elements that otherwise forward buffers
// unchanged; it gives them the up/down side bookkeeping activity.Monitor
// already implements, without depending on that package.
type passThrough struct {
	event.Base
	up   passSide
	down passSide
}

type passSide struct {
	forward  func(data *buffer.Buffer, metadata *buffer.Metadata) error
	sink     port.DataSink
	listener port.DataSinkListener
}

func (s *passSide) PutData(data *buffer.Buffer, metadata *buffer.Metadata) error {
	if s.forward != nil {
		return s.forward(data, metadata)
	}
	if s.sink == nil {
		return nil
	}
	return s.sink.PutData(data, metadata)
}

func (s *passSide) SetListener(l port.DataSinkListener) { s.listener = l }

func (s *passSide) SetDataSink(sink port.DataSink) {
	if s.sink != nil {
		s.sink.SetListener(nil)
	}
	s.sink = sink
	if sink != nil {
		sink.SetListener(s)
	}
}

func (s *passSide) OnCanPut() {
	if s.listener != nil {
		s.listener.OnCanPut()
	}
}

// --- D: DTLS element -------------------------------------------------

// TLSState mirrors the handful of connection states a DTLS record-layer
// wrapper exposes to TlsStateChange listeners (spec.md §6, §7). Cipher
// suite negotiation itself is out of scope (spec.md Non-goals); this
// element is the wrapper the spec's component table budgets at "10%,
// wrapper only".
type TLSState int

const (
	TLSStateHandshaking TLSState = iota
	TLSStateConnected
	TLSStateError
)

// KeyResolver resolves a peer identity to a PSK, the server-role
// counterpart to a client's fixed PSKIdentity/PSKKey pair.
type KeyResolver interface {
	ResolveKey(identity string) (key []byte, ok bool)
}

// DTLSConfig carries the options spec.md §6 lists for the DTLS element:
// a key resolver for the server role, or a fixed PSK identity/key pair
// for the client role. Neither is interpreted cryptographically here.
type DTLSConfig struct {
	IsServer    bool
	Resolver    KeyResolver
	PSKIdentity string
	PSKKey      []byte
}

// DTLSElement is a pass-through record-layer wrapper: it forwards every
// buffer unchanged in both directions (no cipher-suite implementation;
// spec.md explicitly places that out of scope) while exposing the
// TlsStateChange lifecycle a real DTLS engine would drive.
type DTLSElement struct {
	passThrough
	config DTLSConfig
	state  TLSState
}

// NewDTLSElement creates a DTLSElement and immediately completes a
// trivial "handshake": since there is no real cipher suite behind this
// wrapper, it has nothing to negotiate and transitions straight to
// Connected. The TlsStateChange for that transition is emitted before any
// listener can be attached, so no listener receives it.
func NewDTLSElement(config DTLSConfig) *DTLSElement {
	d := &DTLSElement{config: config, state: TLSStateHandshaking}
	d.up.forward = d.forwardUp
	d.down.forward = d.forwardDown
	d.setState(TLSStateConnected)
	return d
}

func (d *DTLSElement) setState(s TLSState) {
	d.state = s
	d.Emit(event.Event{Type: event.TypeTLSStateChange, Source: d, Data: s})
}

// State reports the wrapper's current lifecycle state.
func (d *DTLSElement) State() TLSState { return d.state }

func (d *DTLSElement) forwardUp(data *buffer.Buffer, metadata *buffer.Metadata) error {
	if d.down.sink == nil {
		return nil
	}
	return d.down.sink.PutData(data, metadata)
}

func (d *DTLSElement) forwardDown(data *buffer.Buffer, metadata *buffer.Metadata) error {
	if d.up.sink == nil {
		return nil
	}
	return d.up.sink.PutData(data, metadata)
}

func (d *DTLSElement) TopSink() port.DataSink        { return &d.down }
func (d *DTLSElement) TopSource() port.DataSource    { return &d.down }
func (d *DTLSElement) BottomSink() port.DataSink     { return &d.up }
func (d *DTLSElement) BottomSource() port.DataSource { return &d.up }

// --- S: Datagram UDP socket element -----------------------------------

// SocketConfig optionally binds a real net.UDPConn in place of whatever
// sits below this element, for the descriptors (e.g. "DS") where nothing
// does: buffers arriving from above are written to RemoteAddr, and
// datagrams received on the socket are pushed up through the top port.
// When BindAddr is nil the element is a pure pass-through.
type SocketConfig struct {
	BindAddr   *net.UDPAddr
	RemoteAddr *net.UDPAddr
}

// SocketElement implements the "Datagram socket" layer of spec.md §2. It
// forwards buffers unchanged, or exchanges them with one real UDP socket;
// it does no per-port addressing or demultiplexing.
type SocketElement struct {
	passThrough
	loop   *loop.Loop
	conn   *net.UDPConn
	remote *net.UDPAddr
}

// NewSocketElement creates a SocketElement. When config.BindAddr is set,
// it opens a real UDP socket and relays whatever arrives on it up through
// the element's top port, using l to hop back onto the stack's loop thread
// from the background read goroutine (spec.md §5's InvokeAsync rule).
func NewSocketElement(l *loop.Loop, config SocketConfig) (*SocketElement, error) {
	s := &SocketElement{loop: l, remote: config.RemoteAddr}
	s.up.forward = s.forwardUp
	s.down.forward = s.forwardDown
	if config.BindAddr == nil {
		return s, nil
	}
	conn, err := net.ListenUDP("udp", config.BindAddr)
	if err != nil {
		return nil, ggerr.Wrap(ggerr.KindInternal, "stack.NewSocketElement", err)
	}
	s.conn = conn
	go s.readLoop()
	return s, nil
}

func (s *SocketElement) readLoop() {
	buf := make([]byte, 65536)
	for {
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		datagram := append([]byte(nil), buf[:n]...)
		s.loop.InvokeAsync(func() {
			if s.down.sink == nil {
				return
			}
			b := buffer.New(datagram)
			_ = s.down.sink.PutData(b, nil)
			b.Release()
		})
	}
}

func (s *SocketElement) forwardUp(data *buffer.Buffer, metadata *buffer.Metadata) error {
	if s.down.sink == nil {
		return nil
	}
	return s.down.sink.PutData(data, metadata)
}

// forwardDown delivers a datagram arriving from above. If this element
// owns a real socket (it is the stack's effective bottom boundary) it
// writes to the configured remote peer instead of forwarding further down.
func (s *SocketElement) forwardDown(data *buffer.Buffer, metadata *buffer.Metadata) error {
	if s.conn != nil && s.remote != nil {
		_, err := s.conn.WriteToUDP(data.Data(), s.remote)
		if err != nil {
			return ggerr.Wrap(ggerr.KindInternal, "stack.SocketElement.forwardDown", err)
		}
		return nil
	}
	if s.up.sink == nil {
		return nil
	}
	return s.up.sink.PutData(data, metadata)
}

// Close releases the real socket, if one was opened.
func (s *SocketElement) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

func (s *SocketElement) TopSink() port.DataSink        { return &s.down }
func (s *SocketElement) TopSource() port.DataSource    { return &s.down }
func (s *SocketElement) BottomSink() port.DataSink     { return &s.up }
func (s *SocketElement) BottomSource() port.DataSource { return &s.up }

// --- N: Network interface element -------------------------------------

// NetifConfig optionally attaches a real TUN device at this element's
// top port (the host IP stack boundary). When Name is empty the element
// is a pure pass-through.
type NetifConfig struct {
	Name    string
	Addr    net.IP
	Netmask net.IPMask
	MTU     int
}

// NetifElement implements the "Network interface" layer of spec.md §2: it
// exchanges IP datagrams with the host IP stack. When configured with a
// device name it owns a real Linux TUN device, opened via the
// /dev/net/tun ioctl dance and configured (address, MTU, link state) via
// netlink, exercising the same two libraries original_source's link and
// platform layers use for interface management.
type NetifElement struct {
	passThrough
	loop *loop.Loop
	fd   int
	link netlink.Link
}

// NewNetifElement creates a NetifElement, optionally backed by a real TUN
// device.
func NewNetifElement(l *loop.Loop, config NetifConfig) (*NetifElement, error) {
	n := &NetifElement{loop: l, fd: -1}
	n.up.forward = n.forwardUp
	n.down.forward = n.forwardDown
	if config.Name == "" {
		return n, nil
	}
	fd, err := openTUN(config.Name)
	if err != nil {
		return nil, ggerr.Wrap(ggerr.KindInternal, "stack.NewNetifElement", err)
	}
	n.fd = fd
	link, err := netlink.LinkByName(config.Name)
	if err != nil {
		unix.Close(fd)
		return nil, ggerr.Wrap(ggerr.KindInternal, "stack.NewNetifElement", err)
	}
	n.link = link
	if config.MTU > 0 {
		_ = netlink.LinkSetMTU(link, config.MTU)
	}
	if config.Addr != nil {
		addr := &netlink.Addr{IPNet: &net.IPNet{IP: config.Addr, Mask: config.Netmask}}
		_ = netlink.AddrAdd(link, addr)
	}
	_ = netlink.LinkSetUp(link)
	go n.readLoop()
	return n, nil
}

// openTUN opens /dev/net/tun and binds it to an existing (already
// netlink-created) TUN interface named name, in IFF_TUN|IFF_NO_PI mode.
func openTUN(name string) (int, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return -1, err
	}
	var ifr tunIoctlIfreq
	copy(ifr.name[:], name)
	ifr.flags = unix.IFF_TUN | unix.IFF_NO_PI
	if err := tunSetIff(fd, &ifr); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func (n *NetifElement) readLoop() {
	buf := make([]byte, ipv4.MaxDatagramSize)
	for {
		nr, err := unix.Read(n.fd, buf)
		if err != nil || nr <= 0 {
			return
		}
		datagram := append([]byte(nil), buf[:nr]...)
		n.loop.InvokeAsync(func() {
			if n.up.sink == nil {
				return
			}
			b := buffer.New(datagram)
			_ = n.up.sink.PutData(b, nil)
			b.Release()
		})
	}
}

// forwardUp delivers a datagram arriving from below. If this element owns
// a TUN device (the host IP stack boundary at its top) it writes to the
// device instead of forwarding further up.
func (n *NetifElement) forwardUp(data *buffer.Buffer, metadata *buffer.Metadata) error {
	if n.fd >= 0 {
		if _, err := unix.Write(n.fd, data.Data()); err != nil {
			return ggerr.Wrap(ggerr.KindInternal, "stack.NetifElement.forwardUp", err)
		}
		return nil
	}
	if n.down.sink == nil {
		return nil
	}
	return n.down.sink.PutData(data, metadata)
}

func (n *NetifElement) forwardDown(data *buffer.Buffer, metadata *buffer.Metadata) error {
	if n.up.sink == nil {
		return nil
	}
	return n.up.sink.PutData(data, metadata)
}

// Close releases the TUN device fd, if one was opened.
func (n *NetifElement) Close() error {
	if n.fd < 0 {
		return nil
	}
	return unix.Close(n.fd)
}

func (n *NetifElement) TopSink() port.DataSink        { return &n.down }
func (n *NetifElement) TopSource() port.DataSource    { return &n.down }
func (n *NetifElement) BottomSink() port.DataSink     { return &n.up }
func (n *NetifElement) BottomSource() port.DataSource { return &n.up }

// --- G: Gattlink element ------------------------------------------------

// GattlinkElement is a thin Element adapter over gattlink.GenericClient:
// its top port is the client's user side (whole IP datagrams), its bottom
// port is the client's transport side (the raw fragment stream).
type GattlinkElement struct {
	client *gattlink.GenericClient
}

func NewGattlinkElement(client *gattlink.GenericClient) *GattlinkElement {
	return &GattlinkElement{client: client}
}

func (g *GattlinkElement) Client() *gattlink.GenericClient { return g.client }

func (g *GattlinkElement) TopSink() port.DataSink        { return g.client.UserSideSink() }
func (g *GattlinkElement) TopSource() port.DataSource    { return g.client.UserSideSource() }
func (g *GattlinkElement) BottomSink() port.DataSink     { return g.client.TransportSideSink() }
func (g *GattlinkElement) BottomSource() port.DataSource { return g.client.TransportSideSource() }

// --- A: Activity monitor element -----------------------------------------

// ActivityElement adapts activity.Monitor to Element. BottomSink feeds
// the monitor's inbound side and BottomSource emits its outbound side
// (spec.md's Activity monitor sits nearest the raw transport in the
// nominal DSNGA descriptor).
type ActivityElement struct {
	monitor *activity.Monitor
}

func NewActivityElement(monitor *activity.Monitor) *ActivityElement {
	return &ActivityElement{monitor: monitor}
}

func (a *ActivityElement) Monitor() *activity.Monitor { return a.monitor }

func (a *ActivityElement) TopSink() port.DataSink        { return a.monitor.TopSink() }
func (a *ActivityElement) TopSource() port.DataSource    { return a.monitor.TopSource() }
func (a *ActivityElement) BottomSink() port.DataSink     { return a.monitor.BottomSink() }
func (a *ActivityElement) BottomSource() port.DataSource { return a.monitor.BottomSource() }

// elementKind renders a descriptor character as a human-readable name,
// used in error messages.
func elementKind(c byte) string {
	switch c {
	case 'D':
		return "DTLS"
	case 'S':
		return "Socket"
	case 'N':
		return "NetworkInterface"
	case 'G':
		return "Gattlink"
	case 'A':
		return "ActivityMonitor"
	default:
		return fmt.Sprintf("unknown(%q)", c)
	}
}
