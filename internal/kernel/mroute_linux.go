package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/malbeclabs/pimd/internal/vif"
)

// MRoute is the multicast routing socket. Opening it turns on multicast
// forwarding for the process; closing it flushes the kernel vif table and
// forwarding cache.
type MRoute struct {
	log  *slog.Logger
	conn *net.IPConn
	raw  syscall.RawConn

	mu   sync.Mutex
	vifs map[vif.Index]bool
}

func Open(log *slog.Logger) (*MRoute, error) {
	pc, err := net.ListenPacket("ip4:2", "0.0.0.0")
	if err != nil {
		return nil, fmt.Errorf("error opening igmp socket: %w", err)
	}
	conn := pc.(*net.IPConn)
	raw, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("error getting raw conn: %w", err)
	}
	m := &MRoute{log: log, conn: conn, raw: raw, vifs: make(map[vif.Index]bool)}
	if err := m.setInt(mrtInit, 1); err != nil {
		conn.Close()
		return nil, fmt.Errorf("error enabling multicast routing: %w", err)
	}
	if err := m.setInt(mrtPIM, 1); err != nil {
		_ = m.setInt(mrtDone, 1)
		conn.Close()
		return nil, fmt.Errorf("error enabling pim in kernel: %w", err)
	}
	log.Info("kernel: multicast routing enabled")
	return m, nil
}

func (m *MRoute) Close() error {
	err := m.setInt(mrtDone, 1)
	if cerr := m.conn.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (m *MRoute) setInt(opt, value int) error {
	var serr error
	if err := m.raw.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, opt, value)
	}); err != nil {
		return err
	}
	return serr
}

func (m *MRoute) setBytes(opt int, b []byte) error {
	var serr error
	if err := m.raw.Control(func(fd uintptr) {
		serr = unix.SetsockoptString(int(fd), unix.IPPROTO_IP, opt, string(b))
	}); err != nil {
		return err
	}
	return serr
}

// AddVif adds v to the kernel vif table under its own index.
func (m *MRoute) AddVif(v *vif.Vif) error {
	b, err := marshalVifctl(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.setBytes(mrtAddVif, b); err != nil && !errors.Is(err, unix.EADDRINUSE) {
		return fmt.Errorf("error adding vif %d (%s): %w", v.Index, v.Name, err)
	}
	m.vifs[v.Index] = true
	m.log.Debug("kernel: vif added", "vif", v.Index, "name", v.Name, "register", v.Register)
	return nil
}

func (m *MRoute) DelVif(v *vif.Vif) error {
	b, err := marshalVifctl(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.vifs[v.Index] {
		return nil
	}
	delete(m.vifs, v.Index)
	if err := m.setBytes(mrtDelVif, b); err != nil {
		return fmt.Errorf("error deleting vif %d (%s): %w", v.Index, v.Name, err)
	}
	return nil
}

// InstallForwarding adds or replaces the kernel cache entry for (src, grp).
func (m *MRoute) InstallForwarding(src, grp netip.Addr, iif vif.Index, oifs vif.Set) error {
	b, err := marshalMfcctl(src, grp, iif, oifs)
	if err != nil {
		return err
	}
	if err := m.setBytes(mrtAddMFC, b); err != nil {
		return fmt.Errorf("error adding mfc (%s,%s): %w", src, grp, err)
	}
	return nil
}

func (m *MRoute) RemoveForwarding(src, grp netip.Addr) error {
	b, err := marshalMfcctl(src, grp, vif.None, 0)
	if err != nil {
		return err
	}
	if err := m.setBytes(mrtDelMFC, b); err != nil && !errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("error deleting mfc (%s,%s): %w", src, grp, err)
	}
	return nil
}

// PacketCount reads how many packets the kernel forwarded for (src, grp).
func (m *MRoute) PacketCount(src, grp netip.Addr) (uint64, error) {
	req, err := newSGReq(src, grp)
	if err != nil {
		return 0, err
	}
	var errno unix.Errno
	if err := m.raw.Control(func(fd uintptr) {
		_, _, errno = unix.Syscall(unix.SYS_IOCTL, fd, siocGetSGCnt, uintptr(unsafe.Pointer(&req)))
	}); err != nil {
		return 0, err
	}
	if errno != 0 {
		return 0, fmt.Errorf("error reading mfc counters (%s,%s): %w", src, grp, errno)
	}
	return uint64(req.pktcnt), nil
}

// ReadUpcalls reads the socket until ctx is done, handing every upcall to h.
// Handler errors are logged and do not stop the loop.
func (m *MRoute) ReadUpcalls(ctx context.Context, h UpcallHandler) error {
	buf := make([]byte, 65535)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := m.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond)); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("socket closed during SetReadDeadline: %w", err)
			}
			return fmt.Errorf("error setting read deadline: %w", err)
		}
		// Read keeps the ip header, which ReadFrom strips.
		n, err := m.conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("socket closed during Read: %w", err)
			}
			m.log.Warn("kernel: upcall read error", "error", err)
			continue
		}
		u, ok, err := ParseUpcall(buf[:n])
		if err != nil {
			m.log.Debug("kernel: bad upcall", "error", err)
			continue
		}
		if !ok {
			continue
		}
		if u.Kind == UpcallWholePacket {
			// the handler may keep the packet past the next read
			u.Packet = append([]byte(nil), u.Packet...)
		}
		if err := Dispatch(h, u); err != nil {
			m.log.Debug("kernel: upcall not handled", "kind", u.Kind, "src", u.Src, "group", u.Group, "vif", u.Vif, "error", err)
		}
	}
}
