package icmp

import (
	"fmt"
	"github.com/neo-hu/ping-mux/network"
	"golang.org/x/net/ipv4"
	"net/netip"
	"time"
)

const (
	DefaultDataSize = 56
	DefaultTimeout  = 2 * time.Second
	DefaultInterval = time.Second

	// HeaderLen is the echo header: type, code, checksum, identifier, sequence.
	HeaderLen = 8

	ProtocolICMP   = 1
	ProtocolICMPv6 = 58
)

type Mode int

const (
	IPV4Address Mode = 4
	IPV6Address Mode = 6
)

func (m Mode) String() string {
	switch m {
	case IPV4Address:
		return "ipv4"
	case IPV6Address:
		return "ipv6"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

func (m Mode) Protocol() int {
	if m == IPV6Address {
		return ProtocolICMPv6
	}
	return ProtocolICMP
}

// ModeOf returns the family an address is reached over. IPv4-mapped IPv6
// addresses are treated as IPv4.
func ModeOf(addr netip.Addr) Mode {
	if addr.Unmap().Is4() {
		return IPV4Address
	}
	return IPV6Address
}

// StripIPv4Header reports whether b starts with an IPv4 header and, if so,
// returns it. A nil header with a nil error means b is a bare ICMP message.
// ICMP types 64-79 are unassigned, so a leading version nibble of 4 commits
// the buffer to IPv4 framing.
func StripIPv4Header(b []byte) (*ipv4.Header, error) {
	if len(b) == 0 || b[0]>>4 != ipv4.Version {
		return nil, nil
	}
	h, err := ipv4.ParseHeader(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", network.ErrInvalidPacket, err)
	}
	if h.Len < ipv4.HeaderLen || h.Len > len(b) {
		return nil, fmt.Errorf("%w: ipv4 header length %d, buffer %d", network.ErrInvalidPacket, h.Len, len(b))
	}
	if h.TotalLen < h.Len || h.TotalLen > len(b) {
		return nil, fmt.Errorf("%w: ipv4 total length %d, header %d, buffer %d",
			network.ErrInvalidPacket, h.TotalLen, h.Len, len(b))
	}
	if h.Protocol != ProtocolICMP {
		return nil, fmt.Errorf("%w: ipv4 protocol %d", network.ErrInvalidPacket, h.Protocol)
	}
	return h, nil
}
