package kernel

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/malbeclabs/pimd/internal/vif"
)

// InterfaceSpec names an interface to run PIM on.
type InterfaceSpec struct {
	Name       string
	DRPriority uint32
	Disabled   bool
}

// Discover resolves each spec to its ifindex and primary IPv4 address and
// adds it to vifs, in order. The register vif follows, bound to the first
// interface's address.
func Discover(nl Netlinker, specs []InterfaceSpec, vifs *vif.Table) error {
	var first netip.Addr
	for _, s := range specs {
		link, err := nl.LinkByName(s.Name)
		if err != nil {
			return fmt.Errorf("error getting interface %s: %w", s.Name, err)
		}
		attrs := link.Attrs()
		if attrs.Flags&net.FlagMulticast == 0 {
			return fmt.Errorf("interface %s is not multicast capable", s.Name)
		}
		addrs, err := nl.AddrList(link)
		if err != nil {
			return fmt.Errorf("error listing addresses of %s: %w", s.Name, err)
		}
		var prefix netip.Prefix
		for _, a := range addrs {
			if a.IPNet == nil || a.Flags&unix.IFA_F_SECONDARY != 0 {
				continue
			}
			addr, ok := addrFromIP(a.IP)
			if !ok {
				continue
			}
			ones, _ := a.Mask.Size()
			prefix = netip.PrefixFrom(addr, ones)
			break
		}
		if !prefix.IsValid() {
			return fmt.Errorf("interface %s has no ipv4 address", s.Name)
		}
		if _, err := vifs.Add(vif.Vif{
			Name:       s.Name,
			IfIndex:    attrs.Index,
			Addr:       prefix.Addr(),
			Subnet:     prefix.Masked(),
			DRPriority: s.DRPriority,
			Disabled:   s.Disabled,
		}); err != nil {
			return fmt.Errorf("error adding interface %s: %w", s.Name, err)
		}
		if !first.IsValid() {
			first = prefix.Addr()
		}
	}
	if !first.IsValid() {
		return errors.New("no pim interfaces configured")
	}
	if _, err := vifs.AddRegister(first); err != nil {
		return fmt.Errorf("error adding register vif: %w", err)
	}
	return nil
}

// MulticastInterfaces names every interface that is up, multicast capable
// and carries an IPv4 address, loopback excluded, in link order.
func MulticastInterfaces(nl Netlinker) ([]string, error) {
	links, err := nl.LinkList()
	if err != nil {
		return nil, fmt.Errorf("error listing interfaces: %w", err)
	}
	var names []string
	for _, link := range links {
		attrs := link.Attrs()
		if attrs.Flags&net.FlagUp == 0 || attrs.Flags&net.FlagMulticast == 0 || attrs.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := nl.AddrList(link)
		if err != nil {
			return nil, fmt.Errorf("error listing addresses of %s: %w", attrs.Name, err)
		}
		for _, a := range addrs {
			if a.IPNet == nil {
				continue
			}
			if _, ok := addrFromIP(a.IP); ok {
				names = append(names, attrs.Name)
				break
			}
		}
	}
	return names, nil
}
