package kernel

import (
	"net"

	"github.com/vishvananda/netlink"
)

// Netlinker is the part of the netlink API the kernel adapters use.
type Netlinker interface {
	RouteGet(dst net.IP) ([]netlink.Route, error)
	RouteSubscribe(ch chan<- netlink.RouteUpdate, done <-chan struct{}, onError func(error)) error
	LinkByName(name string) (netlink.Link, error)
	LinkList() ([]netlink.Link, error)
	AddrList(link netlink.Link) ([]netlink.Addr, error)
}

type Netlink struct{}

func (Netlink) RouteGet(dst net.IP) ([]netlink.Route, error) {
	return netlink.RouteGet(dst)
}

func (Netlink) RouteSubscribe(ch chan<- netlink.RouteUpdate, done <-chan struct{}, onError func(error)) error {
	return netlink.RouteSubscribeWithOptions(ch, done, netlink.RouteSubscribeOptions{
		ErrorCallback: onError,
	})
}

func (Netlink) LinkByName(name string) (netlink.Link, error) {
	return netlink.LinkByName(name)
}

func (Netlink) LinkList() ([]netlink.Link, error) {
	return netlink.LinkList()
}

// AddrList returns the IPv4 addresses of link.
func (Netlink) AddrList(link netlink.Link) ([]netlink.Addr, error) {
	return netlink.AddrList(link, netlink.FAMILY_V4)
}
