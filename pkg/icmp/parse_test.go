package icmp

import (
	"encoding/binary"
	"errors"
	"github.com/google/go-cmp/cmp"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/neo-hu/ping-mux/network"
	"net"
	"net/netip"
	"testing"
)

var (
	local4  = netip.MustParseAddr("192.0.2.1")
	remote4 = netip.MustParseAddr("198.51.100.7")
	router4 = netip.MustParseAddr("203.0.113.254")
	local6  = netip.MustParseAddr("2001:db8::1")
	remote6 = netip.MustParseAddr("2001:db8:1::7")
	router6 = netip.MustParseAddr("2001:db8:ff::1")
)

// echoReply is the reply a well-behaved host sends for req.
func echoReply(t *testing.T, req EchoRequest, psh *PseudoHeader) []byte {
	t.Helper()
	b, err := req.Marshal(nil)
	if err != nil {
		t.Fatal(err)
	}
	b[2], b[3] = 0, 0
	if req.Mode == IPV6Address {
		b[0] = 129
		c, err := psh.Checksum(b)
		if err != nil {
			t.Fatal(err)
		}
		binary.BigEndian.PutUint16(b[2:4], c)
		return b
	}
	b[0] = 0
	binary.BigEndian.PutUint16(b[2:4], Checksum(b))
	return b
}

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func ipv4Layer(src, dst netip.Addr, ttl uint8) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      ttl,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    net.IP(src.AsSlice()),
		DstIP:    net.IP(dst.AsSlice()),
	}
}

func TestParseBareReply(t *testing.T) {
	for _, mode := range []Mode{IPV4Address, IPV6Address} {
		src, dst := remote4, local4
		if mode == IPV6Address {
			src, dst = remote6, local6
		}
		psh := &PseudoHeader{Src: src, Dst: dst}
		b := echoReply(t, EchoRequest{Mode: mode, ID: 111, Seq: 0, Payload: make([]byte, 56)}, psh)

		p, err := Parse(mode, b, ParseOptions{VerifyChecksum: true, Pseudo: psh, Source: src, TTL: 61})
		if err != nil {
			t.Fatalf("%s: %v", mode, err)
		}
		want := &Packet{
			Mode: mode, Type: b[0], ID: 111, Seq: 0,
			Source: src, Destination: src, TTL: 61, Size: 64,
			Checksum: binary.BigEndian.Uint16(b[2:4]),
		}
		if diff := cmp.Diff(want, p, cmp.Comparer(func(a, b netip.Addr) bool { return a == b })); diff != "" {
			t.Fatalf("%s (-want +got):\n%s", mode, diff)
		}
		if !p.IsEchoReply() {
			t.Fatalf("%s: not an echo reply", mode)
		}
	}
}

func TestParseCorruption(t *testing.T) {
	for _, mode := range []Mode{IPV4Address, IPV6Address} {
		src, dst := remote4, local4
		if mode == IPV6Address {
			src, dst = remote6, local6
		}
		psh := &PseudoHeader{Src: src, Dst: dst}
		good := echoReply(t, EchoRequest{Mode: mode, ID: 7, Seq: 9, Payload: []byte("hello, world")}, psh)
		for i := range good {
			b := append([]byte(nil), good...)
			b[i] ^= 0x5a
			_, err := Parse(mode, b, ParseOptions{VerifyChecksum: true, Pseudo: psh, Source: src})
			if !errors.Is(err, network.ErrInvalidPacket) {
				t.Fatalf("%s: corrupting byte %d: got %v, want ErrInvalidPacket", mode, i, err)
			}
		}
	}
}

func TestParseChecksumNotVerified(t *testing.T) {
	b := echoReply(t, EchoRequest{Mode: IPV4Address, ID: 1, Seq: 2}, nil)
	b[3] ^= 0xff
	if _, err := Parse(IPV4Address, b, ParseOptions{}); err != nil {
		t.Fatalf("unverified parse: %v", err)
	}
	// ICMPv6 without a pseudo header cannot be verified and is accepted
	b6 := echoReply(t, EchoRequest{Mode: IPV6Address, ID: 1, Seq: 2}, &PseudoHeader{Src: remote6, Dst: local6})
	b6[3] ^= 0xff
	if _, err := Parse(IPV6Address, b6, ParseOptions{VerifyChecksum: true}); err != nil {
		t.Fatalf("v6 without pseudo header: %v", err)
	}
}

func TestParseRawIPv4Frame(t *testing.T) {
	frame := serialize(t,
		ipv4Layer(remote4, local4, 57),
		&layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoReply, 0), Id: 111, Seq: 3},
		gopacket.Payload(make([]byte, 56)),
	)
	p, err := Parse(IPV4Address, frame, ParseOptions{VerifyChecksum: true})
	if err != nil {
		t.Fatal(err)
	}
	if p.ID != 111 || p.Seq != 3 || p.TTL != 57 || p.Source != remote4 || p.Size != 64 {
		t.Fatalf("unexpected packet %v ttl=%d size=%d", p, p.TTL, p.Size)
	}

	// trailing bytes beyond the IP total length are ignored
	padded := append(append([]byte(nil), frame...), 0, 0, 0, 0)
	if p, err := Parse(IPV4Address, padded, ParseOptions{VerifyChecksum: true}); err != nil || p.Size != 64 {
		t.Fatalf("padded frame: %v %v", p, err)
	}
}

func TestParseInvalid(t *testing.T) {
	frame := serialize(t,
		ipv4Layer(remote4, local4, 57),
		&layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoReply, 0), Id: 1, Seq: 1},
	)
	longTotal := append([]byte(nil), frame...)
	binary.BigEndian.PutUint16(longTotal[2:4], uint16(len(frame)+40))
	badIHL := append([]byte(nil), frame...)
	badIHL[0] = 0x4f
	shortIHL := append([]byte(nil), frame...)
	shortIHL[0] = 0x43
	udp := append([]byte(nil), frame...)
	udp[9] = 17

	cases := []struct {
		name string
		mode Mode
		b    []byte
	}{
		{"empty", IPV4Address, nil},
		{"short", IPV4Address, []byte{0, 0, 0, 0}},
		{"short v6", IPV6Address, []byte{129, 0, 0, 0, 0, 1}},
		{"truncated frame", IPV4Address, frame[:24]},
		{"total length past buffer", IPV4Address, longTotal},
		{"header length past buffer", IPV4Address, badIHL},
		{"header length below minimum", IPV4Address, shortIHL},
		{"not icmp", IPV4Address, udp},
		{"header only", IPV4Address, frame[:20]},
	}
	for _, c := range cases {
		if _, err := Parse(c.mode, c.b, ParseOptions{}); !errors.Is(err, network.ErrInvalidPacket) {
			t.Errorf("%s: got %v, want ErrInvalidPacket", c.name, err)
		}
	}
}

func TestParseEchoRequestAndUnsupported(t *testing.T) {
	req := EchoRequest{Mode: IPV4Address, ID: 1, Seq: 1}
	b, _ := req.Marshal(nil)
	if _, err := Parse(IPV4Address, b, ParseOptions{VerifyChecksum: true}); !errors.Is(err, network.ErrEchoRequest) {
		t.Fatalf("echo request: %v", err)
	}

	// timestamp request
	ts := make([]byte, 20)
	ts[0] = 13
	binary.BigEndian.PutUint16(ts[2:4], Checksum(ts))
	if _, err := Parse(IPV4Address, ts, ParseOptions{VerifyChecksum: true}); !errors.Is(err, network.ErrUnsupportedType) {
		t.Fatalf("timestamp: %v", err)
	}

	// neighbor solicitation
	ns := make([]byte, 24)
	ns[0] = 135
	if _, err := Parse(IPV6Address, ns, ParseOptions{}); !errors.Is(err, network.ErrUnsupportedType) {
		t.Fatalf("neighbor solicitation: %v", err)
	}
}

func TestParseDestinationUnreachable(t *testing.T) {
	req := EchoRequest{Mode: IPV4Address, ID: 4242, Seq: 17, Payload: []byte("12345678")}
	echo, err := req.Marshal(nil)
	if err != nil {
		t.Fatal(err)
	}
	inner := serialize(t, ipv4Layer(local4, remote4, 1), gopacket.Payload(echo))
	frame := serialize(t,
		ipv4Layer(router4, local4, 250),
		&layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeDestinationUnreachable, layers.ICMPv4CodeHost)},
		gopacket.Payload(inner),
	)
	p, err := Parse(IPV4Address, frame, ParseOptions{VerifyChecksum: true})
	if err != nil {
		t.Fatal(err)
	}
	if p.IsEchoReply() || p.Type != 3 || p.Code != 1 {
		t.Fatalf("type %d code %d", p.Type, p.Code)
	}
	if p.ID != 4242 || p.Seq != 17 || p.Source != router4 || p.Destination != remote4 {
		t.Fatalf("unexpected packet %v", p)
	}

	// a quote of something other than our echo request
	other := serialize(t, ipv4Layer(local4, remote4, 1),
		&layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeTimestampRequest, 0)},
		gopacket.Payload(make([]byte, 12)))
	frame = serialize(t,
		ipv4Layer(router4, local4, 250),
		&layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeDestinationUnreachable, layers.ICMPv4CodeHost)},
		gopacket.Payload(other),
	)
	if _, err := Parse(IPV4Address, frame, ParseOptions{}); !errors.Is(err, network.ErrInvalidPacket) {
		t.Fatalf("foreign quote: %v", err)
	}
}

func icmpv6Error(t *testing.T, typ uint8, next layers.IPProtocol, echo []byte) []byte {
	t.Helper()
	inner := serialize(t, &layers.IPv6{
		Version:    6,
		NextHeader: next,
		HopLimit:   1,
		SrcIP:      net.IP(local6.AsSlice()),
		DstIP:      net.IP(remote6.AsSlice()),
	}, gopacket.Payload(echo))
	return append([]byte{typ, 0, 0, 0, 0, 0, 0, 0}, inner...)
}

func TestParseTimeExceededV6(t *testing.T) {
	req := EchoRequest{Mode: IPV6Address, ID: 20, Seq: 65535, Payload: make([]byte, 16)}
	echo, err := req.Marshal(nil)
	if err != nil {
		t.Fatal(err)
	}
	b := icmpv6Error(t, 3, layers.IPProtocolICMPv6, echo)
	p, err := Parse(IPV6Address, b, ParseOptions{Source: router6, TTL: 60})
	if err != nil {
		t.Fatal(err)
	}
	if p.Type != 3 || p.ID != 20 || p.Seq != 65535 || p.Source != router6 || p.Destination != remote6 {
		t.Fatalf("unexpected packet %v", p)
	}

	b = icmpv6Error(t, 3, layers.IPProtocolUDP, echo)
	if _, err := Parse(IPV6Address, b, ParseOptions{Source: router6}); !errors.Is(err, network.ErrInvalidPacket) {
		t.Fatalf("next header udp: %v", err)
	}
}

func TestStripIPv4Header(t *testing.T) {
	h, err := StripIPv4Header([]byte{0, 0, 0xff, 0xff, 0, 1, 0, 1})
	if h != nil || err != nil {
		t.Fatalf("bare icmp: %v %v", h, err)
	}
	frame := serialize(t, ipv4Layer(remote4, local4, 9), gopacket.Payload(make([]byte, 8)))
	h, err = StripIPv4Header(frame)
	if err != nil || h.Len != 20 || h.TotalLen != 28 || h.TTL != 9 {
		t.Fatalf("frame: %v %v", h, err)
	}
}
