package socket

import (
	"errors"
	"fmt"
	"github.com/neo-hu/ping-mux/network"
	"github.com/neo-hu/ping-mux/pkg/icmp"
	"golang.org/x/sys/unix"
	"strings"
)

type Kind int

const (
	// Datagram is the unprivileged ICMP socket (SOCK_DGRAM, IPPROTO_ICMP).
	// On Linux it needs net.ipv4.ping_group_range to include the caller's group.
	Datagram Kind = iota
	// Raw is SOCK_RAW and needs CAP_NET_RAW or root.
	Raw
)

func (k Kind) String() string {
	switch k {
	case Datagram:
		return "datagram"
	case Raw:
		return "raw"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func (k Kind) other() Kind {
	if k == Raw {
		return Datagram
	}
	return Raw
}

func (k Kind) sockType() int {
	if k == Raw {
		return unix.SOCK_RAW
	}
	return unix.SOCK_DGRAM
}

type Attempt struct {
	Kind Kind
	Err  error
}

// OpenError lists every socket strategy that was tried. It always matches
// network.ErrSocketCreation, and matches network.ErrPermissionDenied when
// some kind was refused for lack of privilege and every other kind was
// unavailable.
type OpenError struct {
	Mode     icmp.Mode
	Attempts []Attempt
}

func (e *OpenError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Kind, a.Err))
	}
	return fmt.Sprintf("open %s icmp socket: %s", e.Mode, strings.Join(parts, "; "))
}

func (e *OpenError) Is(target error) bool {
	switch target {
	case network.ErrSocketCreation:
		return true
	case network.ErrPermissionDenied:
		denied := false
		for _, a := range e.Attempts {
			if !canFallBack(a.Err) {
				return false
			}
			denied = denied || isPermission(a.Err)
		}
		return denied
	}
	return false
}

func isPermission(err error) bool {
	return errors.Is(err, unix.EACCES) || errors.Is(err, unix.EPERM)
}

// canFallBack reports whether err means "this socket type is not available
// to us" rather than a general failure such as fd exhaustion.
func canFallBack(err error) bool {
	return isPermission(err) ||
		errors.Is(err, unix.EPROTONOSUPPORT) ||
		errors.Is(err, unix.EAFNOSUPPORT) ||
		errors.Is(err, unix.ESOCKTNOSUPPORT)
}

// negotiate walks order, trying each kind once, and stops at the first
// success or at the first error that another kind would not fix.
func negotiate(mode icmp.Mode, order []Kind, open func(Kind) (int, error)) (int, Kind, error) {
	oe := &OpenError{Mode: mode}
	for _, k := range order {
		fd, err := open(k)
		if err == nil {
			return fd, k, nil
		}
		oe.Attempts = append(oe.Attempts, Attempt{Kind: k, Err: err})
		if !canFallBack(err) {
			break
		}
	}
	return -1, 0, oe
}
