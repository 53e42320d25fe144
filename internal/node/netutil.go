package node

import (
	"net"
	"net/netip"

	"github.com/kuuji/bamgate/internal/node/stunmsg"
)

func netIPFromAddr(a netip.Addr) net.IP { return net.IP(a.AsSlice()) }

func addrPortFromXORLocal(x stunmsg.XORAddress) (netip.AddrPort, bool) {
	addr, ok := netip.AddrFromSlice(x.IP)
	if !ok {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(x.Port)), true
}
