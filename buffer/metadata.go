package buffer

import "net"

// MetadataKind tags which variant of Metadata is populated.
type MetadataKind int

const (
	MetadataNone MetadataKind = iota
	MetadataSourceSocketAddress
	MetadataDestinationSocketAddress
	MetadataOther
)

// Metadata is the optional sidecar carried alongside a Buffer as it
// crosses a port, mirroring GG_BufferMetadata's tagged union.
type Metadata struct {
	Kind    MetadataKind
	IP      net.IP
	Port    uint16
	Opaque  any
}

// SourceSocketAddress builds a Metadata tagging the buffer's source address.
func SourceSocketAddress(ip net.IP, port uint16) Metadata {
	return Metadata{Kind: MetadataSourceSocketAddress, IP: ip, Port: port}
}

// DestinationSocketAddress builds a Metadata tagging the buffer's destination address.
func DestinationSocketAddress(ip net.IP, port uint16) Metadata {
	return Metadata{Kind: MetadataDestinationSocketAddress, IP: ip, Port: port}
}

// Other wraps an opaque, caller-defined value.
func Other(v any) Metadata {
	return Metadata{Kind: MetadataOther, Opaque: v}
}
