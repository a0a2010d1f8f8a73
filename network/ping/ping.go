package ping

import (
	"errors"
	"fmt"
	"github.com/neo-hu/ping-mux/network"
	icmp2 "github.com/neo-hu/ping-mux/pkg/icmp"
	"github.com/neo-hu/ping-mux/pkg/socket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"math/rand"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

const maxPacketSize = 1 << 16

// conn is the part of *socket.Conn the client uses.
type conn interface {
	ReadPacket(b []byte) (int, socket.PacketInfo, error)
	WritePacket(b []byte, dst netip.Addr, opts *socket.WriteOptions) error
	Mode() icmp2.Mode
	Kind() socket.Kind
	KernelAssignsID() bool
	LocalAddr() netip.Addr
	Close() error
}

// Client owns one ICMP socket and the goroutine reading it. Any number of
// Pingers may share a Client; replies are routed to them by destination,
// identifier and sequence.
type Client struct {
	mode       icmp2.Mode
	kind       socket.Kind
	iface      string
	ttl        int
	bind       netip.Addr
	verify     bool
	readBuffer int
	logger     *zap.Logger
	registerer prometheus.Registerer

	conn    conn
	pool    *icmp2.Pool
	metrics *metrics

	identMu   sync.Mutex
	idents    map[uint16]int
	nextIdent uint16

	closeFlag int32
	done      chan struct{}
	err       error
}

type Option func(*Client)

// ModeOption selects the address family, IPv4 by default.
func ModeOption(mode icmp2.Mode) Option {
	return func(c *Client) {
		c.mode = mode
	}
}

// SocketKindOption selects which socket kind is tried first. The other kind
// is still tried if this one is not available.
func SocketKindOption(kind socket.Kind) Option {
	return func(c *Client) {
		c.kind = kind
	}
}

func InterfaceOption(name string) Option {
	return func(c *Client) {
		c.iface = name
	}
}

func TTLOption(ttl int) Option {
	return func(c *Client) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

func BindOption(addr netip.Addr) Option {
	return func(c *Client) {
		c.bind = addr
	}
}

// VerifyChecksumOption makes the receive loop drop packets with a bad
// checksum. ICMPv6 checksums are only checked when the kernel reports the
// packet's destination address.
func VerifyChecksumOption(verify bool) Option {
	return func(c *Client) {
		c.verify = verify
	}
}

func LoggerOption(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// MetricsOption registers the client's collectors with reg, labelled with
// the address family. Clients of one family sharing reg report into the same
// series.
func MetricsOption(reg prometheus.Registerer) Option {
	return func(c *Client) {
		c.registerer = reg
	}
}

func ReadBufferOption(size int) Option {
	return func(c *Client) {
		c.readBuffer = size
	}
}

// NewClient opens the socket and starts the receive loop.
func NewClient(opts ...Option) (*Client, error) {
	c := defaultClient(opts...)
	cn, err := socket.Open(socket.Config{
		Mode:       c.mode,
		Hint:       c.kind,
		Interface:  c.iface,
		TTL:        c.ttl,
		Bind:       c.bind,
		RecvBuffer: c.readBuffer,
	})
	if err != nil {
		return nil, err
	}
	if err := c.start(cn); err != nil {
		cn.Close()
		return nil, err
	}
	return c, nil
}

func defaultClient(opts ...Option) *Client {
	c := &Client{
		mode:      icmp2.IPV4Address,
		kind:      socket.Datagram,
		logger:    zap.NewNop(),
		pool:      icmp2.NewPool(),
		idents:    map[uint16]int{},
		nextIdent: uint16(rand.Uint32()),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) start(cn conn) error {
	m, err := newMetrics(c.registerer, cn.Mode())
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	c.metrics = m
	c.conn = cn
	c.mode = cn.Mode()
	c.kind = cn.Kind()
	c.logger = c.logger.With(zap.Stringer("family", c.mode), zap.Stringer("socket", c.kind))
	c.logger.Debug("icmp socket opened",
		zap.Stringer("local", cn.LocalAddr()),
		zap.Bool("kernel_ident", cn.KernelAssignsID()))
	go c.receiveLoop()
	return nil
}

func (c *Client) receiveLoop() {
	defer close(c.done)
	buf := make([]byte, maxPacketSize)
	for {
		n, info, err := c.conn.ReadPacket(buf)
		now := time.Now()
		if err != nil {
			if !c.isClosing() && transient(err) {
				c.logger.Debug("read failed", zap.Error(err))
				continue
			}
			c.shutdown(err)
			return
		}
		c.dispatch(buf[:n], info, now)
	}
}

// transient reports read errors that say nothing about the socket itself.
func transient(err error) bool {
	for _, errno := range []unix.Errno{
		unix.EINTR, unix.EAGAIN, unix.ENOBUFS, unix.ENOMEM,
		unix.ECONNREFUSED, unix.EHOSTUNREACH, unix.ENETUNREACH,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}

func (c *Client) shutdown(cause error) {
	err := network.ErrSocketClosed
	if !c.isClosing() && !errors.Is(cause, net.ErrClosed) {
		err = fmt.Errorf("%w: %v", network.ErrSocketClosed, cause)
		c.logger.Warn("receive loop stopped", zap.Error(cause))
	}
	c.err = err
	if n := c.pool.Shutdown(err); n > 0 {
		c.logger.Debug("pending requests failed", zap.Int("count", n))
	}
}

func (c *Client) dispatch(b []byte, info socket.PacketInfo, now time.Time) {
	opts := icmp2.ParseOptions{
		VerifyChecksum: c.verify,
		Source:         info.Source,
		TTL:            info.TTL,
	}
	if c.verify && c.mode == icmp2.IPV6Address && info.Source.IsValid() && info.Dst.IsValid() {
		opts.Pseudo = &icmp2.PseudoHeader{Src: info.Source, Dst: info.Dst}
	}
	p, err := icmp2.Parse(c.mode, b, opts)
	if err != nil {
		reason := dropReason(err)
		c.metrics.dropped.WithLabelValues(reason).Inc()
		if reason != dropEchoRequest {
			c.logger.Debug("packet dropped", zap.Stringer("from", info.Source), zap.Int("len", len(b)), zap.Error(err))
		}
		return
	}
	w := c.pool.Free(c.key(p.Destination, p.ID, p.Seq))
	if w == nil {
		c.metrics.dropped.WithLabelValues(dropUnmatched).Inc()
		c.logger.Debug("no request waiting", zap.Stringer("packet", p))
		return
	}
	w.Deliver(p, now)
}

// key builds the registry key for a request or reply. When the kernel owns
// the identifier, replies carry the socket's identifier rather than ours, so
// it is left out of the match.
func (c *Client) key(addr netip.Addr, id, seq uint16) icmp2.Key {
	if c.conn.KernelAssignsID() {
		id = 0
	}
	return icmp2.Key{Addr: addr.Unmap().WithZone(""), ID: id, Seq: seq}
}

// Pinger creates a session for addr. addr must belong to the client's
// address family.
func (c *Client) Pinger(addr netip.Addr, opts ...PingerOption) (*Pinger, error) {
	if c.isClosing() {
		return nil, network.ErrSocketClosed
	}
	addr = addr.Unmap()
	if !addr.IsValid() || icmp2.ModeOf(addr) != c.mode {
		return nil, fmt.Errorf("address %v is not %s", addr, c.mode)
	}
	return newPinger(c, addr, opts...)
}

func (c *Client) acquireIdent(want uint16, explicit bool) (uint16, error) {
	c.identMu.Lock()
	defer c.identMu.Unlock()
	if explicit {
		c.idents[want]++
		return want, nil
	}
	for i := 0; i < 1<<16; i++ {
		id := c.nextIdent
		c.nextIdent++
		if c.idents[id] == 0 {
			c.idents[id] = 1
			return id, nil
		}
	}
	return 0, errors.New("no free icmp identifier")
}

func (c *Client) releaseIdent(id uint16) {
	c.identMu.Lock()
	defer c.identMu.Unlock()
	if c.idents[id] <= 1 {
		delete(c.idents, id)
		return
	}
	c.idents[id]--
}

// Close closes the socket and waits for the receive loop to finish. Requests
// still waiting fail with network.ErrSocketClosed.
func (c *Client) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closeFlag, 0, 1) {
		return network.ErrAlreadyClosed
	}
	err := c.conn.Close()
	<-c.done
	return err
}

// Done is closed once the receive loop has stopped.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the receive loop stopped, or nil while it is running.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Pending is the number of requests waiting for a reply.
func (c *Client) Pending() int {
	return c.pool.Len()
}

func (c *Client) Mode() icmp2.Mode {
	return c.mode
}

func (c *Client) Kind() socket.Kind {
	return c.kind
}

func (c *Client) isClosing() bool {
	return atomic.LoadInt32(&c.closeFlag) == 1
}
