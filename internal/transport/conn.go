package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/net/ipv4"

	"github.com/malbeclabs/pimd/internal/pim"
	"github.com/malbeclabs/pimd/internal/vif"
)

// ProtocolPIM is the IP protocol number of PIM.
const ProtocolPIM = 103

const (
	// ttlUnicast is used for Registers, Register-Stops and Candidate-RP
	// Advertisements, which cross the domain.
	ttlUnicast = 64
	// tosInternetControl is the precedence of routing protocol traffic.
	tosInternetControl = 0xc0

	maxPacketSize = 65535
)

var ErrNotIPv4 = errors.New("transport: address is not ipv4")

// Packet is one PIM message as received off the wire.
type Packet struct {
	Src     netip.Addr
	Dst     netip.Addr
	IfIndex int
	Payload []byte
}

// RawConn is the subset of ipv4.RawConn the transport uses.
type RawConn interface {
	ReadFrom(b []byte) (*ipv4.Header, []byte, *ipv4.ControlMessage, error)
	WriteTo(h *ipv4.Header, b []byte, cm *ipv4.ControlMessage) error
	SetReadDeadline(t time.Time) error
	SetControlMessage(cf ipv4.ControlFlags, on bool) error
	SetMulticastLoopback(on bool) error
	JoinGroup(ifi *net.Interface, group net.Addr) error
	LeaveGroup(ifi *net.Interface, group net.Addr) error
	Close() error
}

// Conn sends and receives PIM messages on a raw IPv4 socket bound to
// protocol 103.
type Conn struct {
	log *slog.Logger
	raw RawConn
}

// Listen opens the raw PIM socket. It needs CAP_NET_RAW.
func Listen(log *slog.Logger) (*Conn, error) {
	pc, err := net.ListenPacket(fmt.Sprintf("ip4:%d", ProtocolPIM), "0.0.0.0")
	if err != nil {
		return nil, fmt.Errorf("error opening pim socket: %w", err)
	}
	raw, err := ipv4.NewRawConn(pc)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("error creating raw conn: %w", err)
	}
	return NewConn(log, raw)
}

// NewConn wraps an open raw connection.
func NewConn(log *slog.Logger, raw RawConn) (*Conn, error) {
	if err := raw.SetControlMessage(ipv4.FlagDst|ipv4.FlagInterface, true); err != nil {
		return nil, fmt.Errorf("error enabling control messages: %w", err)
	}
	if err := raw.SetMulticastLoopback(false); err != nil {
		return nil, fmt.Errorf("error disabling multicast loopback: %w", err)
	}
	return &Conn{log: log, raw: raw}, nil
}

func (c *Conn) Close() error { return c.raw.Close() }

// Send transmits payload to dst. Link-local multicast goes out v with TTL 1
// and v's address as source; a nil v sends a routed unicast.
func (c *Conn) Send(v *vif.Vif, dst netip.Addr, payload []byte) error {
	if !dst.Is4() {
		return fmt.Errorf("%w: %s", ErrNotIPv4, dst)
	}
	h := &ipv4.Header{
		Version:  ipv4.Version,
		Len:      ipv4.HeaderLen,
		TOS:      tosInternetControl,
		TotalLen: ipv4.HeaderLen + len(payload),
		TTL:      ttlUnicast,
		Protocol: ProtocolPIM,
		Dst:      net.IP(dst.AsSlice()),
	}
	var cm *ipv4.ControlMessage
	if v != nil {
		if dst.IsMulticast() {
			h.TTL = 1
		}
		h.Src = net.IP(v.Addr.AsSlice())
		cm = &ipv4.ControlMessage{IfIndex: v.IfIndex, Src: h.Src}
	}
	if err := c.raw.WriteTo(h, payload, cm); err != nil {
		return fmt.Errorf("error sending to %s: %w", dst, err)
	}
	return nil
}

// JoinAllRouters joins ALL-PIM-ROUTERS on v, retrying with backoff while the
// interface is not ready yet.
func (c *Conn) JoinAllRouters(ctx context.Context, v *vif.Vif, maxElapsed time.Duration) error {
	group := &net.IPAddr{IP: net.IP(pim.AllPIMRouters.AsSlice())}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		ifi, err := net.InterfaceByIndex(v.IfIndex)
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, c.raw.JoinGroup(ifi, group)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(maxElapsed),
		backoff.WithNotify(func(err error, wait time.Duration) {
			c.log.Debug("transport: retrying group join", "iface", v.Name, "in", wait, "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("error joining %s on %s: %w", pim.AllPIMRouters, v.Name, err)
	}
	c.log.Debug("transport: joined all-pim-routers", "iface", v.Name)
	return nil
}

// LeaveAllRouters leaves ALL-PIM-ROUTERS on v.
func (c *Conn) LeaveAllRouters(v *vif.Vif) error {
	ifi, err := net.InterfaceByIndex(v.IfIndex)
	if err != nil {
		return fmt.Errorf("error finding interface %s: %w", v.Name, err)
	}
	return c.raw.LeaveGroup(ifi, &net.IPAddr{IP: net.IP(pim.AllPIMRouters.AsSlice())})
}
