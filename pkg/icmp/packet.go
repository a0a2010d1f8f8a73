package icmp

import (
	"encoding/binary"
	"fmt"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"net/netip"
)

// EchoRequest is an outgoing echo request. It is not modified by Marshal.
type EchoRequest struct {
	Mode    Mode
	ID      uint16
	Seq     uint16
	Payload []byte
}

// PseudoHeader carries the addresses the ICMPv6 checksum is computed over.
type PseudoHeader struct {
	Src netip.Addr
	Dst netip.Addr
}

// Marshal returns the wire form of r. ICMPv4 messages always carry a
// checksum. ICMPv6 messages carry one only when psh is given; otherwise the
// field is left zero and the kernel fills it in (RFC 3542 section 3.1).
func (r *EchoRequest) Marshal(psh *PseudoHeader) ([]byte, error) {
	b := make([]byte, HeaderLen+len(r.Payload))
	switch r.Mode {
	case IPV4Address:
		b[0] = byte(ipv4.ICMPTypeEcho)
	case IPV6Address:
		b[0] = byte(ipv6.ICMPTypeEchoRequest)
	default:
		return nil, fmt.Errorf("unexpected mode %v", r.Mode)
	}
	binary.BigEndian.PutUint16(b[4:6], r.ID)
	binary.BigEndian.PutUint16(b[6:8], r.Seq)
	copy(b[HeaderLen:], r.Payload)

	switch {
	case r.Mode == IPV4Address:
		binary.BigEndian.PutUint16(b[2:4], Checksum(b))
	case psh != nil:
		sum, err := psh.Checksum(b)
		if err != nil {
			return nil, err
		}
		binary.BigEndian.PutUint16(b[2:4], sum)
	}
	return b, nil
}

// Checksum is the RFC 1071 internet checksum of b. A buffer that already
// carries a correct checksum yields 0.
func Checksum(b []byte) uint16 {
	return ^fold(sum(0, b))
}

// Checksum returns the ICMPv6 checksum of msg: src, dst, the upper-layer
// length as 32 bits, three zero bytes and next-header 58, followed by msg.
func (p *PseudoHeader) Checksum(msg []byte) (uint16, error) {
	if !p.Src.IsValid() || !p.Dst.IsValid() {
		return 0, fmt.Errorf("pseudo header needs source and destination, got %v -> %v", p.Src, p.Dst)
	}
	var hdr [40]byte
	src, dst := p.Src.As16(), p.Dst.As16()
	copy(hdr[0:16], src[:])
	copy(hdr[16:32], dst[:])
	binary.BigEndian.PutUint32(hdr[32:36], uint32(len(msg)))
	hdr[39] = ProtocolICMPv6
	return ^fold(sum(sum(0, hdr[:]), msg)), nil
}

func sum(acc uint32, b []byte) uint32 {
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		acc += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if n%2 == 1 {
		acc += uint32(b[n-1]) << 8
	}
	return acc
}

func fold(acc uint32) uint16 {
	for acc>>16 != 0 {
		acc = acc&0xffff + acc>>16
	}
	return uint16(acc)
}
