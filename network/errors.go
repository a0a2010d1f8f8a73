package network

import (
	"errors"
	"fmt"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"net/netip"
)

var (
	ErrAlreadyClosed = errors.New("already closed")

	ErrSocketCreation    = errors.New("icmp socket creation failed")
	ErrPermissionDenied  = errors.New("icmp socket permission denied")
	ErrInvalidPacket     = errors.New("invalid icmp packet")
	ErrEchoRequest       = errors.New("icmp echo request")
	ErrUnsupportedType   = errors.New("unsupported icmp type")
	ErrDuplicateSequence = errors.New("identifier and sequence already outstanding")
	ErrTimeout           = errors.New("request timeout")
	ErrSocketClosed      = errors.New("icmp socket closed")
)

// ICMPError is returned to a waiting request when the network answered it
// with an ICMP error message (destination unreachable, time exceeded, ...)
// instead of an echo reply.
type ICMPError struct {
	Version int // 4 or 6
	Type    uint8
	Code    uint8
	From    netip.Addr
}

func (e *ICMPError) Error() string {
	name := ICMPTypeName(e.Version, e.Type)
	if name == "" {
		name = "icmp error"
	}
	return fmt.Sprintf("%s (type %d, code %d) from %s", name, e.Type, e.Code, e.From)
}

// ICMPTypeName returns the name of an ICMP message type of the given IP
// version, or "" for an unknown type.
func ICMPTypeName(version int, typ uint8) string {
	var name string
	if version == 6 {
		name = ipv6.ICMPType(typ).String()
	} else {
		name = ipv4.ICMPType(typ).String()
	}
	if name == "<nil>" {
		return ""
	}
	return name
}
