package dns

import (
	"context"
	"fmt"
	"github.com/miekg/dns"
	icmp2 "github.com/neo-hu/ping-mux/pkg/icmp"
	"net"
	"net/netip"
	"time"
)

const (
	TypeA     uint16 = dns.TypeA
	TypeAAAA  uint16 = dns.TypeAAAA
	TypeANY   uint16 = dns.TypeANY
	TypeCNAME uint16 = dns.TypeCNAME
)

const resolvConf = "/etc/resolv.conf"

type DNS struct {
	nameserver       string
	network          string
	timeout          time.Duration
	recursionDesired bool
}

type Option func(*DNS)

func NetworkOption(network string) Option {
	return func(m *DNS) {
		m.network = network
	}
}

func RecursionDesiredOption(recursionDesired bool) Option {
	return func(m *DNS) {
		m.recursionDesired = recursionDesired
	}
}

func TimeoutOption(timeout time.Duration) Option {
	return func(m *DNS) {
		if timeout > 0 {
			m.timeout = timeout
		}
	}
}

// NewDNS returns a resolver that asks nameserver directly. With an empty
// nameserver Resolve uses the first server of /etc/resolv.conf, or the
// system resolver if that file cannot be read.
func NewDNS(nameserver string, opts ...Option) *DNS {
	d := &DNS{network: "udp", timeout: 2 * time.Second, nameserver: nameserver, recursionDesired: true}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Exchange sends one query for addr and returns the records of type t, or
// of every supported type for TypeANY.
func (d *DNS) Exchange(ctx context.Context, addr string, t uint16) (time.Duration, []string, error) {
	nameserver := d.nameserver
	if nameserver == "" {
		cc, err := dns.ClientConfigFromFile(resolvConf)
		if err != nil {
			return 0, nil, err
		}
		if len(cc.Servers) == 0 {
			return 0, nil, fmt.Errorf("no nameserver in %s", resolvConf)
		}
		nameserver = net.JoinHostPort(cc.Servers[0], cc.Port)
	} else if net.ParseIP(nameserver) != nil {
		nameserver = net.JoinHostPort(nameserver, "53")
	}

	c := &dns.Client{
		Net:     d.network,
		Timeout: d.timeout,
	}
	m := new(dns.Msg)
	m.Compress = true
	m.RecursionDesired = d.recursionDesired
	m.SetQuestion(dns.Fqdn(addr), t)
	r, rtt, err := c.ExchangeContext(ctx, m, nameserver)
	if err != nil {
		return 0, nil, err
	}
	if r.Rcode != dns.RcodeSuccess {
		return 0, nil, fmt.Errorf("failed to get an valid answer %v %s", r.Rcode, dns.RcodeToString[r.Rcode])
	}
	var result []string
	for _, k := range r.Answer {
		switch t1 := k.(type) {
		case *dns.A:
			if t == TypeA || t == TypeANY {
				result = append(result, t1.A.String())
			}
		case *dns.AAAA:
			if t == TypeAAAA || t == TypeANY {
				result = append(result, t1.AAAA.String())
			}
		case *dns.CNAME:
			if t == TypeCNAME || t == TypeANY {
				result = append(result, t1.Target)
			}
		}
	}
	return rtt, result, nil
}

// Resolve returns the first address of host in the given family. Literal
// addresses are returned as they are.
func (d *DNS) Resolve(ctx context.Context, host string, mode icmp2.Mode) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		addr = addr.Unmap()
		if icmp2.ModeOf(addr) != mode {
			return netip.Addr{}, fmt.Errorf("%s is not an %s address", host, mode)
		}
		return addr, nil
	}
	t := TypeA
	if mode == icmp2.IPV6Address {
		t = TypeAAAA
	}
	_, answers, err := d.Exchange(ctx, host, t)
	if err != nil && d.nameserver == "" {
		return d.system(ctx, host, mode)
	}
	if err != nil {
		return netip.Addr{}, fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, a := range answers {
		if addr, err := netip.ParseAddr(a); err == nil {
			return addr.Unmap(), nil
		}
	}
	return netip.Addr{}, fmt.Errorf("resolve %s: no %s address", host, mode)
}

func (d *DNS) system(ctx context.Context, host string, mode icmp2.Mode) (netip.Addr, error) {
	network := "ip4"
	if mode == icmp2.IPV6Address {
		network = "ip6"
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, network, host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return netip.Addr{}, fmt.Errorf("resolve %s: no %s address", host, mode)
	}
	return addrs[0].Unmap(), nil
}
