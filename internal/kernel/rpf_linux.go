package kernel

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/malbeclabs/pimd/internal/mrt"
	"github.com/malbeclabs/pimd/internal/vif"
)

// unknownPreference is asserted for routes from a protocol with no
// conventional administrative distance.
const unknownPreference = 101

// RPF resolves reverse paths from the kernel unicast routing table.
type RPF struct {
	nl   Netlinker
	vifs *vif.Table
}

func NewRPF(nl Netlinker, vifs *vif.Table) *RPF {
	return &RPF{nl: nl, vifs: vifs}
}

// Lookup returns the pim interface and next hop toward addr. A directly
// connected address is its own upstream. Of several equal cost next hops the
// highest address is used.
func (r *RPF) Lookup(addr netip.Addr) (mrt.RPFInfo, error) {
	if !addr.Is4() {
		return mrt.RPFInfo{}, fmt.Errorf("%w: %s", ErrNotIPv4, addr)
	}
	routes, err := r.nl.RouteGet(net.IP(addr.AsSlice()))
	if err != nil {
		return mrt.RPFInfo{}, fmt.Errorf("error looking up route to %s: %w", addr, err)
	}
	if len(routes) == 0 {
		return mrt.RPFInfo{}, fmt.Errorf("%w: %s", ErrNoRoute, addr)
	}
	rt := routes[0]
	link, gw := rt.LinkIndex, rt.Gw
	for _, nh := range rt.MultiPath {
		if g, ok := addrFromIP(nh.Gw); ok {
			if cur, ok := addrFromIP(gw); !ok || g.Compare(cur) > 0 {
				link, gw = nh.LinkIndex, nh.Gw
			}
		}
	}

	v, ok := r.vifs.ByIfIndex(link)
	if !ok {
		return mrt.RPFInfo{}, fmt.Errorf("%w: %s leaves through ifindex %d, not a pim interface", ErrNoRoute, addr, link)
	}
	info := mrt.RPFInfo{
		IIF:        v.Index,
		Upstream:   addr,
		Preference: preference(rt.Protocol),
		Metric:     uint32(max(rt.Priority, 0)),
	}
	if g, ok := addrFromIP(gw); ok {
		info.Upstream = g
	}
	return info, nil
}

// preference maps the protocol that installed a route to an administrative
// distance for Assert comparison.
func preference(p netlink.RouteProtocol) uint32 {
	switch int(p) {
	case unix.RTPROT_KERNEL:
		return 0
	case unix.RTPROT_BOOT, unix.RTPROT_STATIC:
		return 1
	case unix.RTPROT_BGP:
		return 20
	case unix.RTPROT_OSPF:
		return 110
	case unix.RTPROT_ISIS:
		return 115
	case unix.RTPROT_RIP:
		return 120
	}
	return unknownPreference
}

func addrFromIP(ip net.IP) (netip.Addr, bool) {
	ip4 := ip.To4()
	if ip4 == nil || ip4.IsUnspecified() {
		return netip.Addr{}, false
	}
	return netip.AddrFrom4([4]byte(ip4)), true
}
