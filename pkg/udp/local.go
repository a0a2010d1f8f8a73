package udp

import (
	"fmt"
	"net"
	"net/netip"
)

// LocalAddr returns the source address the kernel would pick to reach dst.
// Connecting a UDP socket sends nothing; it only runs the route lookup.
func LocalAddr(dst netip.Addr) (netip.Addr, error) {
	conn, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(netip.AddrPortFrom(dst, 9)))
	if err != nil {
		return netip.Addr{}, err
	}
	defer conn.Close()
	local, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return netip.Addr{}, fmt.Errorf("local addr for %s not found", dst)
	}
	addr := local.AddrPort().Addr().Unmap()
	if !addr.IsValid() || addr.IsUnspecified() {
		return netip.Addr{}, fmt.Errorf("local addr for %s not found", dst)
	}
	return addr, nil
}
