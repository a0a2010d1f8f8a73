package icmp

import (
	"encoding/binary"
	"fmt"
	"github.com/neo-hu/ping-mux/network"
	xicmp "golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"net/netip"
)

// source quench is deprecated and has no named constant in x/net.
const icmpTypeSourceQuench = ipv4.ICMPType(4)

// Packet is an inbound echo reply, or an ICMP error message that quotes one
// of our echo requests.
type Packet struct {
	Mode Mode
	Type uint8
	Code uint8
	ID   uint16
	Seq  uint16

	// Source is the host that sent this packet. For error messages it is the
	// reporting router, not the pinged host.
	Source netip.Addr
	// Destination is where the matching echo request was sent.
	Destination netip.Addr

	TTL      int // 0 when unknown
	Size     int // length of the ICMP message
	Checksum uint16
}

func (p *Packet) IsEchoReply() bool {
	if p.Mode == IPV6Address {
		return p.Type == uint8(ipv6.ICMPTypeEchoReply)
	}
	return p.Type == uint8(ipv4.ICMPTypeEchoReply)
}

func (p *Packet) String() string {
	return fmt.Sprintf("<%s type=%d code=%d id=%d seq=%d from %s for %s>",
		p.Mode, p.Type, p.Code, p.ID, p.Seq, p.Source, p.Destination)
}

type ParseOptions struct {
	// VerifyChecksum rejects packets whose checksum does not add up. ICMPv6
	// packets are only verified when Pseudo is set.
	VerifyChecksum bool
	Pseudo         *PseudoHeader

	// Source and TTL as reported by the socket, used when b carries no IP
	// header.
	Source netip.Addr
	TTL    int
}

// Parse decodes one datagram read from an ICMP socket. Raw IPv4 sockets
// deliver the IP header as well; it is detected and stripped here.
//
// Echo requests (our own traffic looped back on raw sockets) yield
// network.ErrEchoRequest, message types that cannot answer an echo request
// yield network.ErrUnsupportedType, and anything malformed yields
// network.ErrInvalidPacket.
func Parse(mode Mode, b []byte, opts ParseOptions) (*Packet, error) {
	p := &Packet{Mode: mode, Source: opts.Source.Unmap(), TTL: opts.TTL}
	if mode == IPV4Address {
		h, err := StripIPv4Header(b)
		if err != nil {
			return nil, err
		}
		if h != nil {
			p.TTL = h.TTL
			if src, ok := netip.AddrFromSlice(h.Src.To4()); ok {
				p.Source = src
			}
			b = b[h.Len:h.TotalLen]
		}
	}
	if len(b) < HeaderLen {
		return nil, fmt.Errorf("%w: %d bytes, want at least %d", network.ErrInvalidPacket, len(b), HeaderLen)
	}
	p.Type, p.Code = b[0], b[1]
	p.Checksum = binary.BigEndian.Uint16(b[2:4])
	p.Size = len(b)

	if opts.VerifyChecksum {
		if err := verify(mode, b, opts.Pseudo); err != nil {
			return nil, err
		}
	}

	msg, err := xicmp.ParseMessage(mode.Protocol(), b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", network.ErrInvalidPacket, err)
	}
	switch body := msg.Body.(type) {
	case *xicmp.Echo:
		if !p.IsEchoReply() {
			return nil, network.ErrEchoRequest
		}
		p.ID, p.Seq = uint16(body.ID), uint16(body.Seq)
		p.Destination = p.Source
		return p, nil
	case *xicmp.DstUnreach:
		return p.quoted(body.Data)
	case *xicmp.TimeExceeded:
		return p.quoted(body.Data)
	case *xicmp.ParamProb:
		return p.quoted(body.Data)
	case *xicmp.PacketTooBig:
		return p.quoted(body.Data)
	case *xicmp.RawBody:
		// source quench and redirect: 4 bytes of gateway/unused, then the datagram
		if mode == IPV4Address && (msg.Type == icmpTypeSourceQuench || msg.Type == ipv4.ICMPTypeRedirect) {
			if len(body.Data) < 4 {
				return nil, fmt.Errorf("%w: short %v", network.ErrInvalidPacket, msg.Type)
			}
			return p.quoted(body.Data[4:])
		}
	}
	return nil, fmt.Errorf("%w: %v", network.ErrUnsupportedType, msg.Type)
}

func verify(mode Mode, b []byte, psh *PseudoHeader) error {
	var c uint16
	switch {
	case mode == IPV4Address:
		c = Checksum(b)
	case psh != nil:
		s, err := psh.Checksum(b)
		if err != nil {
			return nil
		}
		c = s
	default:
		return nil
	}
	if c != 0 {
		return fmt.Errorf("%w: bad checksum %#04x", network.ErrInvalidPacket, binary.BigEndian.Uint16(b[2:4]))
	}
	return nil
}

// quoted fills ID, Seq and Destination from the datagram an ICMP error
// message carries: the original IP header followed by at least the first
// 8 bytes of our echo request.
func (p *Packet) quoted(data []byte) (*Packet, error) {
	var echo []byte
	switch p.Mode {
	case IPV4Address:
		h, err := xicmp.ParseIPv4Header(data)
		if err != nil {
			return nil, fmt.Errorf("%w: quoted header: %v", network.ErrInvalidPacket, err)
		}
		if h.Protocol != ProtocolICMP || len(data) < h.Len+HeaderLen {
			return nil, fmt.Errorf("%w: quoted datagram is not icmp", network.ErrInvalidPacket)
		}
		p.Destination, _ = netip.AddrFromSlice(h.Dst.To4())
		echo = data[h.Len:]
		if echo[0] != byte(ipv4.ICMPTypeEcho) {
			return nil, fmt.Errorf("%w: quoted icmp type %d", network.ErrInvalidPacket, echo[0])
		}
	case IPV6Address:
		h, err := ipv6.ParseHeader(data)
		if err != nil {
			return nil, fmt.Errorf("%w: quoted header: %v", network.ErrInvalidPacket, err)
		}
		// no extension header walk
		if h.NextHeader != ProtocolICMPv6 || len(data) < ipv6.HeaderLen+HeaderLen {
			return nil, fmt.Errorf("%w: quoted datagram is not icmpv6", network.ErrInvalidPacket)
		}
		p.Destination, _ = netip.AddrFromSlice(h.Dst.To16())
		echo = data[ipv6.HeaderLen:]
		if echo[0] != byte(ipv6.ICMPTypeEchoRequest) {
			return nil, fmt.Errorf("%w: quoted icmpv6 type %d", network.ErrInvalidPacket, echo[0])
		}
	}
	p.ID = binary.BigEndian.Uint16(echo[4:6])
	p.Seq = binary.BigEndian.Uint16(echo[6:8])
	return p, nil
}
