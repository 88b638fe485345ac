package kernel

import (
	"errors"
	"net"
	"sync"

	"github.com/vishvananda/netlink"
)

type subscription struct {
	ch      chan<- netlink.RouteUpdate
	done    <-chan struct{}
	onError func(error)
}

type fakeNetlink struct {
	mu     sync.Mutex
	routes map[string][]netlink.Route
	links  map[string]netlink.Link
	order  []string
	addrs  map[string][]netlink.Addr

	subErr error
	subs   chan subscription
}

func newFakeNetlink() *fakeNetlink {
	return &fakeNetlink{
		routes: make(map[string][]netlink.Route),
		links:  make(map[string]netlink.Link),
		addrs:  make(map[string][]netlink.Addr),
		subs:   make(chan subscription, 8),
	}
}

func (f *fakeNetlink) RouteGet(dst net.IP) ([]netlink.Route, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.routes[dst.String()], nil
}

func (f *fakeNetlink) RouteSubscribe(ch chan<- netlink.RouteUpdate, done <-chan struct{}, onError func(error)) error {
	f.mu.Lock()
	err := f.subErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.subs <- subscription{ch: ch, done: done, onError: onError}
	return nil
}

func (f *fakeNetlink) LinkByName(name string) (netlink.Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.links[name]
	if !ok {
		return nil, errors.New("link not found")
	}
	return l, nil
}

func (f *fakeNetlink) LinkList() ([]netlink.Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]netlink.Link, 0, len(f.order))
	for _, name := range f.order {
		out = append(out, f.links[name])
	}
	return out, nil
}

func (f *fakeNetlink) AddrList(link netlink.Link) ([]netlink.Addr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addrs[link.Attrs().Name], nil
}

func (f *fakeNetlink) addLink(name string, index int, flags net.Flags, cidrs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.order = append(f.order, name)
	f.links[name] = &netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Name: name, Index: index, Flags: flags}}
	for _, c := range cidrs {
		ip, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		ipnet.IP = ip
		f.addrs[name] = append(f.addrs[name], netlink.Addr{IPNet: ipnet})
	}
}
