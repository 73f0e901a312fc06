package stack

import (
	"net"
	"strings"

	"github.com/ggiot/stack/activity"
	"github.com/ggiot/stack/event"
	"github.com/ggiot/stack/gattlink"
	"github.com/ggiot/stack/ggerr"
	"github.com/ggiot/stack/ipv4"
	"github.com/ggiot/stack/loop"
	"github.com/ggiot/stack/port"
)

// Role selects which GG_STACK_BUILDER_DEFAULT_* constant supplies the
// local vs remote address when the caller doesn't supply an IP config
// (spec.md §4.4).
type Role int

const (
	RoleHub Role = iota
	RoleNode
)

// Default IP configuration constants, mirroring
// GG_STACK_BUILDER_DEFAULT_* in original_source. A hub (the side typically
// running on the host IP stack) gets .1; a node (the embedded peer) gets
// .2, on a private /30 reserved for a single Gattlink tunnel.
var (
	DefaultHubAddr      = net.IPv4(192, 168, 200, 1)
	DefaultNodeAddr     = net.IPv4(192, 168, 200, 2)
	DefaultNetmask      = net.IPv4(255, 255, 255, 252)
	DefaultMTU          = 1280
	DefaultUDPPort      = uint16(5683) // CoAP's well-known port, Golden Gate's usual payload
	DefaultTxWindow     = gattlink.DefaultSessionWindow
	DefaultRxWindow     = gattlink.DefaultSessionWindow
	DefaultBufferSize   = 16 * 1024
	DefaultFragmentSize = 244 // spec.md §6: typical top of the 20-244 byte transport range
)

// Params bundles every per-element configuration the builder might need,
// looked up by element type as it walks the descriptor (spec.md §4.4
// "Element parameters are looked up by type in a caller-provided
// parameter list").
type Params struct {
	Role Role

	IPConfig      *ipv4.Config // nil selects role-based defaults
	SessionConfig gattlink.SessionConfig
	BufferSize    int
	FragmentSize  int
	ProbeConfig   *gattlink.ProbeConfig

	DTLS   DTLSConfig
	Socket SocketConfig
	Netif  NetifConfig

	InactivityMs uint32
}

func (p Params) normalized() Params {
	if p.BufferSize == 0 {
		p.BufferSize = DefaultBufferSize
	}
	if p.FragmentSize == 0 {
		p.FragmentSize = DefaultFragmentSize
	}
	return p
}

// defaultIPConfig derives an IP config from role-based defaults when the
// caller didn't supply one explicitly.
func defaultIPConfig(role Role) ipv4.Config {
	local, remote := DefaultHubAddr, DefaultNodeAddr
	if role == RoleNode {
		local, remote = DefaultNodeAddr, DefaultHubAddr
	}
	return ipv4.Config{
		LocalAddr:                local,
		RemoteAddr:               remote,
		Netmask:                  DefaultNetmask,
		MTU:                      DefaultMTU,
		HeaderCompressionEnabled: true,
		DefaultUDPPort:           DefaultUDPPort,
	}
}

// entry is one constructed element plus the descriptor character it was
// built from, kept in descriptor (top-to-bottom) order.
type entry struct {
	char byte
	el   Element
}

// Stack owns every element built from a descriptor string, wires them
// together, and routes lifecycle calls and events.
type Stack struct {
	entries   []entry
	composite event.Composite
	ipConfig  ipv4.Config
	gattlink  *gattlink.GenericClient
}

// Sentinel element IDs for GetPortById.
const (
	TOP    = "TOP"
	BOTTOM = "BOTTOM"
)

// Build parses descriptor left-to-right, instantiates every named element
// bottom-up (so each layer's sink exists before the layer above connects
// to it), wires top.source -> below.top_sink and below.top_source ->
// top.sink for each adjacent pair, and returns the composed Stack
// (spec.md §4.4).
func Build(l *loop.Loop, scheduler *loop.Scheduler, descriptor string, params Params) (*Stack, error) {
	params = params.normalized()
	for i := 0; i < len(descriptor); i++ {
		switch descriptor[i] {
		case 'D', 'S', 'N', 'G', 'A':
		default:
			return nil, ggerr.New(ggerr.KindInvalidParameters, "stack.Build: unknown descriptor character "+elementKind(descriptor[i]))
		}
	}

	ipConfig := defaultIPConfig(params.Role)
	if params.IPConfig != nil {
		ipConfig = *params.IPConfig
	}

	s := &Stack{ipConfig: ipConfig}

	// Construct bottom-up: walk the descriptor in reverse.
	entries := make([]entry, len(descriptor))
	for i := len(descriptor) - 1; i >= 0; i-- {
		c := descriptor[i]
		el, err := s.buildElement(l, scheduler, c, params, ipConfig)
		if err != nil {
			return nil, err
		}
		entries[i] = entry{char: c, el: el}
		switch concrete := el.(type) {
		case *DTLSElement:
			concrete.SetListener(&s.composite)
		case *GattlinkElement:
			concrete.Client().SetListener(&s.composite)
		case *ActivityElement:
			concrete.Monitor().SetListener(&s.composite)
		}
	}
	s.entries = entries

	// Wire top-to-bottom: entries[i] is above entries[i+1].
	for i := 0; i < len(entries)-1; i++ {
		above, below := entries[i].el, entries[i+1].el
		port.Connect(above.BottomSource(), below.TopSink())
		port.Connect(below.TopSource(), above.BottomSink())
	}

	return s, nil
}

func (s *Stack) buildElement(l *loop.Loop, scheduler *loop.Scheduler, c byte, params Params, ipConfig ipv4.Config) (Element, error) {
	switch c {
	case 'D':
		return NewDTLSElement(params.DTLS), nil
	case 'S':
		el, err := NewSocketElement(l, params.Socket)
		if err != nil {
			return nil, err
		}
		return el, nil
	case 'N':
		el, err := NewNetifElement(l, params.Netif)
		if err != nil {
			return nil, err
		}
		return el, nil
	case 'G':
		serializer := ipv4.NewSerializer(ipConfig)
		assembler := ipv4.NewAssembler(ipConfig)
		sessionConfig := params.SessionConfig
		if sessionConfig.Role == "" {
			sessionConfig.Role = "node"
			if params.Role == RoleHub {
				sessionConfig.Role = "hub"
			}
		}
		client := gattlink.NewGenericClient(
			scheduler,
			params.BufferSize,
			sessionConfig,
			params.FragmentSize,
			params.ProbeConfig,
			serializer,
			assembler,
		)
		s.gattlink = client
		return NewGattlinkElement(client), nil
	case 'A':
		inactivityMs := params.InactivityMs
		if inactivityMs == 0 {
			inactivityMs = activity.DefaultInactivityMs
		}
		return NewActivityElement(activity.NewMonitor(scheduler, inactivityMs)), nil
	}
	return nil, ggerr.New(ggerr.KindInvalidParameters, "stack.buildElement")
}

// SetListener attaches l as the stack's single composite event listener,
// aggregating events from every child element (spec.md §4.4).
func (s *Stack) SetListener(l event.Listener) { s.composite.SetListener(l) }

// Gattlink returns the underlying Gattlink client, if the descriptor
// included a 'G' element.
func (s *Stack) Gattlink() *gattlink.GenericClient { return s.gattlink }

// IPConfig returns the IP configuration this stack was built with.
func (s *Stack) IPConfig() ipv4.Config { return s.ipConfig }

// Start brings every element up, top-down (spec.md §4.4, §3 "Lifecycle").
// Only the Gattlink element has meaningful start behavior; other elements
// are already live once wired.
func (s *Stack) Start() error {
	for i := 0; i < len(s.entries); i++ {
		if ge, ok := s.entries[i].el.(*GattlinkElement); ok {
			if err := ge.Client().Start(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Reset tears down and re-establishes session state bottom-up.
func (s *Stack) Reset() error {
	for i := len(s.entries) - 1; i >= 0; i-- {
		if ge, ok := s.entries[i].el.(*GattlinkElement); ok {
			if err := ge.Client().Reset(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Destroy releases every element's resources bottom-up.
func (s *Stack) Destroy() error {
	var firstErr error
	for i := len(s.entries) - 1; i >= 0; i-- {
		var err error
		switch el := s.entries[i].el.(type) {
		case *SocketElement:
			err = el.Close()
		case *NetifElement:
			err = el.Close()
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// GetPortById returns the (source, sink) pair for id's top/bottom, where
// id is either a single descriptor character naming an element type (the
// first element of that type is used), or one of the TOP/BOTTOM sentinels
// for the whole stack. part must be "top" or "bottom".
func (s *Stack) GetPortById(id string, part string) (port.DataSource, port.DataSink, error) {
	var el Element
	switch {
	case id == TOP:
		if len(s.entries) == 0 {
			return nil, nil, ggerr.New(ggerr.KindInvalidState, "stack.Stack.GetPortById")
		}
		el = s.entries[0].el
	case id == BOTTOM:
		if len(s.entries) == 0 {
			return nil, nil, ggerr.New(ggerr.KindInvalidState, "stack.Stack.GetPortById")
		}
		el = s.entries[len(s.entries)-1].el
	default:
		idx, ok := s.indexForChar(id)
		if !ok {
			return nil, nil, ggerr.New(ggerr.KindInvalidParameters, "stack.Stack.GetPortById")
		}
		el = s.entries[idx].el
	}

	switch strings.ToLower(part) {
	case "top":
		return el.TopSource(), el.TopSink(), nil
	case "bottom":
		return el.BottomSource(), el.BottomSink(), nil
	}
	return nil, nil, ggerr.New(ggerr.KindInvalidParameters, "stack.Stack.GetPortById")
}

// indexForChar finds the first entry built from descriptor character id
// (a single-character element-type id, e.g. "G").
func (s *Stack) indexForChar(id string) (int, bool) {
	if len(id) != 1 {
		return 0, false
	}
	for i, e := range s.entries {
		if e.char == id[0] {
			return i, true
		}
	}
	return 0, false
}
