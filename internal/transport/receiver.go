package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/net/ipv4"
)

type Receiver struct {
	log   *slog.Logger
	conn  *Conn
	clock clockwork.Clock

	// Throttled warning for noisy read errors.
	readErrEvery time.Duration
	lastReadWarn time.Time
	mu           sync.Mutex
}

func NewReceiver(log *slog.Logger, conn *Conn, clock clockwork.Clock) *Receiver {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Receiver{
		log:          log,
		conn:         conn,
		clock:        clock,
		readErrEvery: 5 * time.Second,
	}
}

// Run reads packets into out until ctx is done or the socket closes. A
// full out blocks the reader, which leaves the backlog to the socket buffer.
func (r *Receiver) Run(ctx context.Context, out chan<- Packet) error {
	r.log.Debug("transport.recv: rx loop started")
	buf := make([]byte, maxPacketSize)

	for {
		select {
		case <-ctx.Done():
			r.log.Debug("transport.recv: rx loop stopped by context done", "reason", ctx.Err())
			return nil
		default:
		}

		if err := r.conn.raw.SetReadDeadline(r.clock.Now().Add(500 * time.Millisecond)); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("socket closed during SetReadDeadline: %w", err)
			}
			r.warn("transport.recv: SetReadDeadline error", err)
			if isFatalNetErr(err) {
				return fmt.Errorf("fatal network error during SetReadDeadline: %w", err)
			}
			r.clock.Sleep(50 * time.Millisecond)
			continue
		}

		h, payload, cm, err := r.conn.raw.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				r.log.Debug("transport.recv: rx loop stopped by context done", "reason", ctx.Err())
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				r.log.Debug("transport.recv: socket closed; exiting")
				return fmt.Errorf("socket closed during ReadFrom: %w", err)
			}
			r.warn("transport.recv: non-timeout read error", err)
			if isFatalNetErr(err) {
				return fmt.Errorf("fatal network error during ReadFrom: %w", err)
			}
			continue
		}

		pkt, ok := toPacket(h, cm, payload)
		if !ok {
			r.log.Debug("transport.recv: dropping packet without ipv4 source")
			continue
		}
		select {
		case out <- pkt:
		case <-ctx.Done():
			return nil
		}
	}
}

func (r *Receiver) warn(msg string, err error) {
	now := r.clock.Now()
	r.mu.Lock()
	if !r.lastReadWarn.IsZero() && now.Sub(r.lastReadWarn) < r.readErrEvery {
		r.mu.Unlock()
		return
	}
	r.lastReadWarn = now
	r.mu.Unlock()
	r.log.Warn(msg, "error", err)
}

// toPacket copies one datagram out of the read buffer. The control message
// carries the arrival interface and the real destination, which tells a
// flooded Bootstrap from a unicast one.
func toPacket(h *ipv4.Header, cm *ipv4.ControlMessage, payload []byte) (Packet, bool) {
	if h == nil {
		return Packet{}, false
	}
	src, ok := netip.AddrFromSlice(h.Src.To4())
	if !ok {
		return Packet{}, false
	}
	dstIP := h.Dst
	p := Packet{Src: src, Payload: slices.Clone(payload)}
	if cm != nil {
		p.IfIndex = cm.IfIndex
		if cm.Dst != nil {
			dstIP = cm.Dst
		}
	}
	if dst, ok := netip.AddrFromSlice(dstIP.To4()); ok {
		p.Dst = dst
	}
	return p, true
}

func isFatalNetErr(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var se syscall.Errno
	if errors.As(err, &se) {
		switch se {
		case syscall.EBADF, syscall.ENETDOWN, syscall.ENODEV, syscall.ENXIO:
			return true
		}
	}
	var oe *net.OpError
	if errors.As(err, &oe) && !oe.Timeout() && !oe.Temporary() {
		return true
	}
	return false
}

