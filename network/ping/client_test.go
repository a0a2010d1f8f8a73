package ping

import (
	"context"
	"errors"
	"github.com/neo-hu/ping-mux/network"
	icmp2 "github.com/neo-hu/ping-mux/pkg/icmp"
	"net/netip"
	"sync"
	"testing"
	"time"
)

func openClient(t *testing.T, opts ...Option) *Client {
	t.Helper()
	c, err := NewClient(opts...)
	if err != nil {
		if errors.Is(err, network.ErrSocketCreation) {
			t.Skipf("no icmp socket: %v", err)
		}
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestLoopback(t *testing.T) {
	c := openClient(t, VerifyChecksumOption(true))
	p, err := c.Pinger(netip.MustParseAddr("127.0.0.1"), IdentOption(111), TimeoutOption(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	r, err := p.Ping(context.Background(), 0, make([]byte, 56))
	if err != nil {
		t.Fatal(err)
	}
	if r.Seq != 0 || r.Size != icmp2.HeaderLen+56 || r.RTT <= 0 {
		t.Fatalf("unexpected reply %+v", r)
	}
	if c.Kind().String() == "raw" && r.ID != 111 {
		t.Fatalf("identifier %d on a raw socket", r.ID)
	}
	if c.Pending() != 0 {
		t.Fatalf("pending %d", c.Pending())
	}
}

func TestLoopbackConcurrent(t *testing.T) {
	c := openClient(t)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		p, err := c.Pinger(netip.MustParseAddr("127.0.0.1"), TimeoutOption(time.Second))
		if err != nil {
			t.Fatal(err)
		}
		wg.Add(1)
		go func(p *Pinger, seq uint16) {
			defer wg.Done()
			defer p.Close()
			// distinct sequences: datagram sockets on Linux match by sequence only
			if _, err := p.Ping(context.Background(), seq, nil); err != nil {
				t.Error(err)
			}
		}(p, uint16(100+i))
	}
	wg.Wait()
}

func TestLoopbackV6(t *testing.T) {
	c := openClient(t, ModeOption(icmp2.IPV6Address))
	p, err := c.Pinger(netip.MustParseAddr("::1"), TimeoutOption(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	r, err := p.Ping(context.Background(), 1, nil)
	if err != nil {
		// loopback without ipv6
		t.Skipf("ping ::1: %v", err)
	}
	if r.Seq != 1 || r.Addr != netip.MustParseAddr("::1") {
		t.Fatalf("unexpected reply %+v", r)
	}
}
