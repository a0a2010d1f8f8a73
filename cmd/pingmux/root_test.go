package main

import (
	"github.com/google/go-cmp/cmp"
	"github.com/neo-hu/ping-mux/pkg/icmp"
	"net/netip"
	"testing"
)

func TestDedupe(t *testing.T) {
	a := netip.MustParseAddr("192.0.2.1")
	b := netip.MustParseAddr("2001:db8::1")
	rs := []resolved{
		{host: "one.example", addr: a, mode: icmp.IPV4Address},
		{host: "192.0.2.1", addr: a, mode: icmp.IPV4Address},
		{host: "v6.example", addr: b, mode: icmp.IPV6Address},
		{host: "one.example", addr: a, mode: icmp.IPV4Address},
	}
	kept, dropped := dedupe(rs)

	var hosts []string
	for _, rv := range kept {
		hosts = append(hosts, rv.host)
	}
	if diff := cmp.Diff([]string{"one.example", "v6.example"}, hosts); diff != "" {
		t.Fatalf("kept (-want +got):\n%s", diff)
	}
	if len(dropped) != 2 || dropped[0].host != "192.0.2.1" {
		t.Fatalf("dropped %+v", dropped)
	}
}
