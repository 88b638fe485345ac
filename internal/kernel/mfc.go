// Package kernel connects the protocol engine to the Linux multicast
// forwarding plane: the multicast routing socket that owns the vif table and
// the forwarding cache, the upcalls it reports, and the unicast routing
// table read over netlink.
package kernel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"github.com/malbeclabs/pimd/internal/vif"
)

// Multicast routing socket options, from linux/mroute.h.
const (
	mrtInit   = 200
	mrtDone   = 201
	mrtAddVif = 202
	mrtDelVif = 203
	mrtAddMFC = 204
	mrtDelMFC = 205
	mrtPIM    = 208
)

// maxKernelVifs is MAXVIFS, the size of the kernel's vif table.
const maxKernelVifs = 32

const (
	viffRegister   = 0x4
	viffUseIfIndex = 0x8
)

// siocGetSGCnt is SIOCGETSGCNT, SIOCPROTOPRIVATE+1.
const siocGetSGCnt = 0x89e1

const (
	vifctlLen  = 16
	mfcctlLen  = 60
	igmpmsgLen = 20 // upcall header, laid over an IPv4 header
)

var (
	ErrTooManyVifs = errors.New("kernel: vif index beyond kernel table")
	ErrNotIPv4     = errors.New("kernel: address is not ipv4")
	ErrNoRoute     = errors.New("kernel: no unicast route")
	ErrShortUpcall = errors.New("kernel: short upcall")
	ErrUnknownKind = errors.New("kernel: unknown upcall type")
)

// marshalVifctl encodes struct vifctl for MRT_ADD_VIF and MRT_DEL_VIF.
// Physical interfaces are bound by ifindex; the register vif by address.
func marshalVifctl(v *vif.Vif) ([]byte, error) {
	if !v.Index.Valid() || int(v.Index) >= maxKernelVifs {
		return nil, fmt.Errorf("%w: %d", ErrTooManyVifs, v.Index)
	}
	b := make([]byte, vifctlLen)
	binary.NativeEndian.PutUint16(b[0:2], uint16(v.Index))
	b[3] = 1 // ttl threshold
	if v.Register {
		b[2] = viffRegister
		if !v.Addr.Is4() {
			return nil, fmt.Errorf("%w: register vif %s", ErrNotIPv4, v.Addr)
		}
		a := v.Addr.As4()
		copy(b[8:12], a[:])
		return b, nil
	}
	b[2] = viffUseIfIndex
	binary.NativeEndian.PutUint32(b[8:12], uint32(int32(v.IfIndex)))
	return b, nil
}

// marshalMfcctl encodes struct mfcctl for MRT_ADD_MFC and MRT_DEL_MFC. Each
// outgoing vif gets a ttl threshold of 1.
func marshalMfcctl(src, grp netip.Addr, iif vif.Index, oifs vif.Set) ([]byte, error) {
	if !src.Is4() || !grp.Is4() {
		return nil, fmt.Errorf("%w: (%s,%s)", ErrNotIPv4, src, grp)
	}
	b := make([]byte, mfcctlLen)
	s, g := src.As4(), grp.As4()
	copy(b[0:4], s[:])
	copy(b[4:8], g[:])
	if iif.Valid() {
		if int(iif) >= maxKernelVifs {
			return nil, fmt.Errorf("%w: iif %d", ErrTooManyVifs, iif)
		}
		binary.NativeEndian.PutUint16(b[8:10], uint16(iif))
	}
	for _, i := range oifs.Indices() {
		if int(i) >= maxKernelVifs {
			return nil, fmt.Errorf("%w: oif %d", ErrTooManyVifs, i)
		}
		b[10+int(i)] = 1
	}
	return b, nil
}

// sgReq is struct sioc_sg_req, which SIOCGETSGCNT fills with the counters
// of one forwarding cache entry.
type sgReq struct {
	src, grp [4]byte
	pktcnt   uint
	bytecnt  uint
	wrongIf  uint
}

func newSGReq(src, grp netip.Addr) (sgReq, error) {
	if !src.Is4() || !grp.Is4() {
		return sgReq{}, fmt.Errorf("%w: (%s,%s)", ErrNotIPv4, src, grp)
	}
	return sgReq{src: src.As4(), grp: grp.As4()}, nil
}

// UpcallKind is the im_msgtype of a kernel upcall.
type UpcallKind uint8

const (
	UpcallNoCache     UpcallKind = 1
	UpcallWrongVif    UpcallKind = 2
	UpcallWholePacket UpcallKind = 3
)

func (k UpcallKind) String() string {
	switch k {
	case UpcallNoCache:
		return "nocache"
	case UpcallWrongVif:
		return "wrongvif"
	case UpcallWholePacket:
		return "wholepkt"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Upcall is a message from the kernel forwarding plane.
type Upcall struct {
	Kind  UpcallKind
	Vif   vif.Index
	Src   netip.Addr
	Group netip.Addr
	// Packet is the data packet handed to the register vif, for
	// UpcallWholePacket.
	Packet []byte
}

// ParseUpcall decodes a datagram read from the multicast routing socket. It
// reports false for ordinary IGMP traffic, which carries a nonzero protocol
// where an upcall has im_mbz.
func ParseUpcall(b []byte) (Upcall, bool, error) {
	if len(b) < igmpmsgLen {
		return Upcall{}, false, fmt.Errorf("%w: %d bytes", ErrShortUpcall, len(b))
	}
	if b[9] != 0 {
		return Upcall{}, false, nil
	}
	u := Upcall{
		Kind:  UpcallKind(b[8]),
		Vif:   vif.Index(int(b[10]) | int(b[11])<<8),
		Src:   netip.AddrFrom4([4]byte(b[12:16])),
		Group: netip.AddrFrom4([4]byte(b[16:20])),
	}
	switch u.Kind {
	case UpcallNoCache, UpcallWrongVif:
	case UpcallWholePacket:
		u.Packet = b[igmpmsgLen:]
	default:
		return u, true, fmt.Errorf("%w: %d", ErrUnknownKind, b[8])
	}
	return u, true, nil
}

// UpcallHandler consumes kernel upcalls.
type UpcallHandler interface {
	HandleNoCache(src, grp netip.Addr, iif vif.Index) error
	HandleWrongVif(src, grp netip.Addr, i vif.Index) error
	HandleWholePacket(pkt []byte) error
}

// Dispatch hands u to the matching handler method.
func Dispatch(h UpcallHandler, u Upcall) error {
	switch u.Kind {
	case UpcallNoCache:
		return h.HandleNoCache(u.Src, u.Group, u.Vif)
	case UpcallWrongVif:
		return h.HandleWrongVif(u.Src, u.Group, u.Vif)
	case UpcallWholePacket:
		return h.HandleWholePacket(u.Packet)
	}
	return fmt.Errorf("%w: %d", ErrUnknownKind, uint8(u.Kind))
}
