package ping

import (
	"context"
	"errors"
	"fmt"
	"github.com/neo-hu/ping-mux/network"
	icmp2 "github.com/neo-hu/ping-mux/pkg/icmp"
	"github.com/neo-hu/ping-mux/pkg/socket"
	"github.com/neo-hu/ping-mux/pkg/udp"
	"go.uber.org/zap"
	"net"
	"net/netip"
	"sync/atomic"
	"time"
)

// Reply is a matched echo reply.
type Reply struct {
	Addr netip.Addr
	TTL  int // 0 when the socket does not report it
	ID   uint16
	Seq  uint16
	Size int // ICMP header and payload
	RTT  time.Duration
}

func (r *Reply) String() string {
	ttl := "?"
	if r.TTL > 0 {
		ttl = fmt.Sprint(r.TTL)
	}
	return fmt.Sprintf("%d bytes from %s: icmp_seq=%d ttl=%s time=%.3f ms",
		r.Size, r.Addr, r.Seq, ttl, float64(r.RTT)/float64(time.Millisecond))
}

// Pinger sends echo requests to one address through a shared Client.
// Ping may be called concurrently with different sequence numbers.
type Pinger struct {
	client *Client
	addr   netip.Addr

	ident    uint16
	identSet bool
	timeout  time.Duration
	dataSize int
	ttl      int
	ifIndex  int
	source   netip.Addr

	seq       uint32
	closeFlag int32
}

type PingerOption func(*Pinger)

// IdentOption fixes the echo identifier instead of taking one from the
// client. Two Pingers for the same address with the same identifier must
// not use the same sequence numbers at the same time.
func IdentOption(ident uint16) PingerOption {
	return func(p *Pinger) {
		p.ident = ident
		p.identSet = true
	}
}

func TimeoutOption(timeout time.Duration) PingerOption {
	return func(p *Pinger) {
		if timeout > 0 {
			p.timeout = timeout
		}
	}
}

func DataSizeOption(size int) PingerOption {
	return func(p *Pinger) {
		if size >= 0 {
			p.dataSize = size
		}
	}
}

// PingerTTLOption overrides the client's TTL or hop limit for this session.
func PingerTTLOption(ttl int) PingerOption {
	return func(p *Pinger) {
		if ttl > 0 {
			p.ttl = ttl
		}
	}
}

// PingerInterfaceOption sends this session's packets out of the interface
// with the given index.
func PingerInterfaceOption(index int) PingerOption {
	return func(p *Pinger) {
		if index > 0 {
			p.ifIndex = index
		}
	}
}

// SourceOption sets the local address used for the ICMPv6 checksum. Without
// it the address is looked up once, and left to the kernel if that fails.
func SourceOption(addr netip.Addr) PingerOption {
	return func(p *Pinger) {
		p.source = addr
	}
}

func newPinger(c *Client, addr netip.Addr, opts ...PingerOption) (*Pinger, error) {
	p := &Pinger{
		client:   c,
		addr:     addr,
		timeout:  icmp2.DefaultTimeout,
		dataSize: icmp2.DefaultDataSize,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.dataSize > maxPacketSize-icmp2.HeaderLen {
		return nil, fmt.Errorf("data size %d too large", p.dataSize)
	}
	ident, err := c.acquireIdent(p.ident, p.identSet)
	if err != nil {
		return nil, err
	}
	p.ident = ident
	if c.mode == icmp2.IPV6Address && !p.source.IsValid() {
		if c.bind.IsValid() && !c.bind.IsUnspecified() {
			p.source = c.bind
		} else if src, err := udp.LocalAddr(addr); err == nil {
			p.source = src
		} else {
			c.logger.Debug("no source address for checksum", zap.Stringer("addr", addr), zap.Error(err))
		}
	}
	return p, nil
}

func (p *Pinger) Addr() netip.Addr {
	return p.addr
}

func (p *Pinger) Ident() uint16 {
	return p.ident
}

func (p *Pinger) String() string {
	return fmt.Sprintf("<pinger %s id=%d>", p.addr, p.ident)
}

// Ping sends one echo request with the given sequence number and waits for
// its reply. A nil payload sends DataSize zero bytes.
//
// It returns network.ErrDuplicateSequence if the same sequence is still
// outstanding, an error wrapping network.ErrTimeout if nothing came back in
// time, a *network.ICMPError if the network answered with an ICMP error, or
// ctx.Err() if ctx ended first. The request is unregistered in every case.
func (p *Pinger) Ping(ctx context.Context, seq uint16, payload []byte) (*Reply, error) {
	if atomic.LoadInt32(&p.closeFlag) == 1 {
		return nil, network.ErrAlreadyClosed
	}
	if payload == nil {
		payload = make([]byte, p.dataSize)
	}
	req := icmp2.EchoRequest{Mode: p.client.mode, ID: p.ident, Seq: seq, Payload: payload}
	var psh *icmp2.PseudoHeader
	if p.source.IsValid() {
		psh = &icmp2.PseudoHeader{Src: p.source, Dst: p.addr}
	}
	b, err := req.Marshal(psh)
	if err != nil {
		return nil, err
	}

	c := p.client
	w, err := c.pool.Apply(c.key(p.addr, p.ident, seq))
	if err != nil {
		return nil, err
	}
	defer c.pool.Cancel(w)
	c.metrics.pending.Inc()
	defer c.metrics.pending.Dec()

	err = c.conn.WritePacket(b, p.addr, &socket.WriteOptions{TTL: p.ttl, IfIndex: p.ifIndex})
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			err = fmt.Errorf("%w: %v", network.ErrSocketClosed, err)
		}
		return nil, fmt.Errorf("%s icmp_seq=%d: %w", p.addr, seq, err)
	}
	c.metrics.requests.Inc()

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case r := <-w.Done():
		return p.result(r)
	case <-timer.C:
		// the reply may have raced the timer
		select {
		case r := <-w.Done():
			return p.result(r)
		default:
		}
		c.metrics.timeouts.Inc()
		return nil, fmt.Errorf("%s icmp_seq=%d: %w", p.addr, seq, network.ErrTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PingNext pings with the session's own sequence counter, which starts at
// 0 and wraps at 65536.
func (p *Pinger) PingNext(ctx context.Context, payload []byte) (*Reply, error) {
	seq := uint16(atomic.AddUint32(&p.seq, 1) - 1)
	return p.Ping(ctx, seq, payload)
}

func (p *Pinger) result(r icmp2.Result) (*Reply, error) {
	if r.Err != nil {
		return nil, r.Err
	}
	m, pkt := p.client.metrics, r.Packet
	if !pkt.IsEchoReply() {
		m.icmpErrors.WithLabelValues(icmpTypeLabel(pkt.Mode, pkt.Type)).Inc()
		return nil, &network.ICMPError{Version: int(pkt.Mode), Type: pkt.Type, Code: pkt.Code, From: pkt.Source}
	}
	m.replies.Inc()
	m.rtt.Observe(r.Elapsed.Seconds())
	return &Reply{
		Addr: pkt.Source,
		TTL:  pkt.TTL,
		ID:   pkt.ID,
		Seq:  pkt.Seq,
		Size: pkt.Size,
		RTT:  r.Elapsed,
	}, nil
}

// Close gives the identifier back to the client. The client stays open.
func (p *Pinger) Close() error {
	if !atomic.CompareAndSwapInt32(&p.closeFlag, 0, 1) {
		return network.ErrAlreadyClosed
	}
	p.client.releaseIdent(p.ident)
	return nil
}
