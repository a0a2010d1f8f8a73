package socket

import (
	"fmt"
	"github.com/neo-hu/ping-mux/network"
	"github.com/neo-hu/ping-mux/pkg/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"
	"net"
	"net/netip"
	"os"
	"runtime"
	"sync"
	"time"
)

// socketFunc is replaced in tests.
var socketFunc = unix.Socket

type Config struct {
	Mode icmp.Mode
	// Hint is tried first, the other kind second.
	Hint Kind
	// Interface binds the socket to a device (SO_BINDTODEVICE, Linux only).
	Interface string
	TTL       int
	Bind      netip.Addr
	// RecvBuffer sets SO_RCVBUF when positive.
	RecvBuffer int
}

// PacketInfo is what the kernel tells us about a received packet besides
// its bytes. Zero values mean unknown.
type PacketInfo struct {
	Source  netip.Addr
	Dst     netip.Addr
	TTL     int
	IfIndex int
}

type WriteOptions struct {
	TTL     int
	IfIndex int
}

// Conn is an ICMP socket for one address family. Reads must come from a
// single goroutine; writes may be concurrent.
type Conn struct {
	mode icmp.Mode
	kind Kind
	pc   net.PacketConn
	p4   *ipv4.PacketConn
	p6   *ipv6.PacketConn

	wmu sync.Mutex
	ttl int
}

// Open creates an ICMP socket for cfg.Mode, trying cfg.Hint first and the
// other kind if the first is not available to this process.
func Open(cfg Config) (*Conn, error) {
	var domain, proto int
	switch cfg.Mode {
	case icmp.IPV4Address:
		domain, proto = unix.AF_INET, unix.IPPROTO_ICMP
	case icmp.IPV6Address:
		domain, proto = unix.AF_INET6, unix.IPPROTO_ICMPV6
	default:
		return nil, fmt.Errorf("%w: unexpected mode %v", network.ErrSocketCreation, cfg.Mode)
	}
	fd, kind, err := negotiate(cfg.Mode, []Kind{cfg.Hint, cfg.Hint.other()}, func(k Kind) (int, error) {
		return socketFunc(domain, k.sockType(), proto)
	})
	if err != nil {
		return nil, err
	}
	c, err := newConn(fd, kind, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", network.ErrSocketCreation, cfg.Mode, kind, err)
	}
	return c, nil
}

func newConn(fd int, kind Kind, cfg Config) (*Conn, error) {
	unix.CloseOnExec(fd)
	if err := prepare(fd, cfg); err != nil {
		unix.Close(fd)
		return nil, err
	}
	f := os.NewFile(uintptr(fd), fmt.Sprintf("icmp-%s-%s", cfg.Mode, kind))
	// FilePacketConn dups the descriptor.
	pc, err := net.FilePacketConn(f)
	f.Close()
	if err != nil {
		return nil, err
	}
	c := &Conn{mode: cfg.Mode, kind: kind, pc: pc}
	if err := c.init(cfg.TTL); err != nil {
		pc.Close()
		return nil, err
	}
	return c, nil
}

func prepare(fd int, cfg Config) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return err
	}
	if cfg.Interface != "" {
		if err := bindToDevice(fd, cfg.Interface); err != nil {
			return err
		}
	}
	if cfg.RecvBuffer > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, cfg.RecvBuffer); err != nil {
			return err
		}
	}
	var sa unix.Sockaddr
	if cfg.Mode == icmp.IPV6Address {
		s6 := &unix.SockaddrInet6{}
		if cfg.Bind.IsValid() {
			s6.Addr = cfg.Bind.As16()
		}
		sa = s6
	} else {
		s4 := &unix.SockaddrInet4{}
		if cfg.Bind.IsValid() {
			s4.Addr = cfg.Bind.Unmap().As4()
		}
		sa = s4
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fmt.Errorf("bind %v: %w", cfg.Bind, err)
	}
	return nil
}

func (c *Conn) init(ttl int) error {
	if c.mode == icmp.IPV6Address {
		c.p6 = ipv6.NewPacketConn(c.pc)
		if c.kind == Raw {
			var f ipv6.ICMPFilter
			f.SetAll(true)
			for _, t := range []ipv6.ICMPType{
				ipv6.ICMPTypeEchoReply,
				ipv6.ICMPTypeDestinationUnreachable,
				ipv6.ICMPTypePacketTooBig,
				ipv6.ICMPTypeTimeExceeded,
				ipv6.ICMPTypeParameterProblem,
			} {
				f.Accept(t)
			}
			if err := c.p6.SetICMPFilter(&f); err != nil {
				return err
			}
		}
		// not every platform reports these for datagram sockets
		_ = c.p6.SetControlMessage(ipv6.FlagHopLimit|ipv6.FlagDst|ipv6.FlagInterface, true)
		if ttl > 0 {
			if err := c.p6.SetHopLimit(ttl); err != nil {
				return err
			}
		}
		c.ttl, _ = c.p6.HopLimit()
		return nil
	}
	c.p4 = ipv4.NewPacketConn(c.pc)
	_ = c.p4.SetControlMessage(ipv4.FlagTTL|ipv4.FlagInterface, true)
	if ttl > 0 {
		if err := c.p4.SetTTL(ttl); err != nil {
			return err
		}
	}
	c.ttl, _ = c.p4.TTL()
	return nil
}

// ReadPacket reads one datagram into b. On raw IPv4 sockets b may start
// with the IP header; icmp.Parse detects that.
func (c *Conn) ReadPacket(b []byte) (int, PacketInfo, error) {
	var info PacketInfo
	if c.p6 != nil {
		n, cm, src, err := c.p6.ReadFrom(b)
		if err != nil {
			return 0, info, err
		}
		info.Source = addrOf(src)
		if cm != nil {
			info.TTL = cm.HopLimit
			info.IfIndex = cm.IfIndex
			info.Dst, _ = netip.AddrFromSlice(cm.Dst)
		}
		return n, info, nil
	}
	n, cm, src, err := c.p4.ReadFrom(b)
	if err != nil {
		return 0, info, err
	}
	info.Source = addrOf(src)
	if cm != nil {
		info.TTL = cm.TTL
		info.IfIndex = cm.IfIndex
	}
	return n, info, nil
}

// WritePacket sends one ICMP message to dst. opts may be nil.
func (c *Conn) WritePacket(b []byte, dst netip.Addr, opts *WriteOptions) error {
	if opts == nil {
		opts = &WriteOptions{}
	}
	to := c.sockaddr(dst)

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.p6 != nil {
		var cm *ipv6.ControlMessage
		if opts.TTL > 0 || opts.IfIndex > 0 {
			cm = &ipv6.ControlMessage{HopLimit: opts.TTL, IfIndex: opts.IfIndex}
		}
		_, err := c.p6.WriteTo(b, cm, to)
		return err
	}
	var cm *ipv4.ControlMessage
	if opts.IfIndex > 0 {
		cm = &ipv4.ControlMessage{IfIndex: opts.IfIndex}
	}
	// IP_TTL is not accepted as ancillary data on every platform
	if opts.TTL > 0 && opts.TTL != c.ttl {
		if err := c.p4.SetTTL(opts.TTL); err != nil {
			return err
		}
		defer c.p4.SetTTL(c.ttl)
	}
	_, err := c.p4.WriteTo(b, cm, to)
	return err
}

// SetTTL changes the default TTL or hop limit of outgoing packets.
func (c *Conn) SetTTL(ttl int) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	var err error
	if c.p6 != nil {
		err = c.p6.SetHopLimit(ttl)
	} else {
		err = c.p4.SetTTL(ttl)
	}
	if err == nil {
		c.ttl = ttl
	}
	return err
}

func (c *Conn) TTL() int {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.ttl
}

func (c *Conn) Mode() icmp.Mode { return c.mode }

func (c *Conn) Kind() Kind { return c.kind }

// KernelAssignsID reports whether the kernel overwrites the echo identifier
// with the socket's own, as Linux does for datagram ICMP sockets.
func (c *Conn) KernelAssignsID() bool {
	return c.kind == Datagram && runtime.GOOS == "linux"
}

func (c *Conn) LocalAddr() netip.Addr {
	return addrOf(c.pc.LocalAddr())
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.pc.SetReadDeadline(t)
}

func (c *Conn) Close() error {
	return c.pc.Close()
}

func (c *Conn) sockaddr(dst netip.Addr) net.Addr {
	if c.mode == icmp.IPV4Address {
		dst = dst.Unmap()
	}
	if c.kind == Datagram {
		return &net.UDPAddr{IP: dst.AsSlice(), Zone: dst.Zone()}
	}
	return &net.IPAddr{IP: dst.AsSlice(), Zone: dst.Zone()}
}

func addrOf(a net.Addr) netip.Addr {
	switch a := a.(type) {
	case *net.UDPAddr:
		return a.AddrPort().Addr().Unmap()
	case *net.IPAddr:
		ip, ok := netip.AddrFromSlice(a.IP)
		if !ok {
			return netip.Addr{}
		}
		ip = ip.Unmap()
		if ip.Is6() {
			ip = ip.WithZone(a.Zone)
		}
		return ip
	}
	return netip.Addr{}
}
