package pim

import (
	"fmt"
	"net/netip"
)

const (
	AddressFamilyIPv4 = 1
	EncodingNative    = 0

	EncodedUnicastLen = 6
	EncodedGroupLen   = 8
	EncodedSourceLen  = 8
)

// Encoded-Source flags.
const (
	SparseBit   uint8 = 0x04
	WildCardBit uint8 = 0x02
	RPTreeBit   uint8 = 0x01
)

// Encoded-Group flags.
const (
	BidirBit      uint8 = 0x80
	AdminScopeBit uint8 = 0x01
)

/*
Encoded-Group address

	 0                   1                   2                   3
	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|  Addr Family  | Encoding Type |B| Reserved  |Z|  Mask Len     |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|                Group multicast Address
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+...
*/
type EncodedGroup struct {
	Addr    netip.Addr
	Flags   uint8
	MaskLen uint8
}

// NewEncodedGroup returns a host-length (/32) encoded group.
func NewEncodedGroup(addr netip.Addr) EncodedGroup {
	return EncodedGroup{Addr: addr, MaskLen: 32}
}

// EncodedGroupFromPrefix encodes a group range.
func EncodedGroupFromPrefix(p netip.Prefix) EncodedGroup {
	return EncodedGroup{Addr: p.Masked().Addr(), MaskLen: uint8(p.Bits())}
}

// Prefix returns the group range the encoding describes.
func (g EncodedGroup) Prefix() netip.Prefix {
	return netip.PrefixFrom(g.Addr, int(g.MaskLen)).Masked()
}

func (g EncodedGroup) String() string { return fmt.Sprintf("%s/%d", g.Addr, g.MaskLen) }

/*
Encoded-Source address

	 0                   1                   2                   3
	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	| Addr Family   | Encoding Type | Rsrvd   |S|W|R|  Mask Len     |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|                        Source Address
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+...
*/
type EncodedSource struct {
	Addr    netip.Addr
	Flags   uint8
	MaskLen uint8
}

// Wildcard reports whether the WC bit is set.
func (s EncodedSource) Wildcard() bool { return s.Flags&WildCardBit != 0 }

// RPT reports whether the RPT bit is set.
func (s EncodedSource) RPT() bool { return s.Flags&RPTreeBit != 0 }

func (s EncodedSource) String() string {
	flags := ""
	if s.Flags&SparseBit != 0 {
		flags += "S"
	}
	if s.Wildcard() {
		flags += "W"
	}
	if s.RPT() {
		flags += "R"
	}
	return fmt.Sprintf("%s/%d (%s)", s.Addr, s.MaskLen, flags)
}

func checkFamily(b []byte) error {
	if b[0] != AddressFamilyIPv4 || b[1] != EncodingNative {
		return fmt.Errorf("%w: family %d encoding %d", ErrUnsupportedFamily, b[0], b[1])
	}
	return nil
}

func addr4(b []byte) netip.Addr {
	return netip.AddrFrom4([4]byte{b[0], b[1], b[2], b[3]})
}

func decodeEncodedUnicast(data []byte) (netip.Addr, error) {
	if len(data) < EncodedUnicastLen {
		return netip.Addr{}, fmt.Errorf("%w: encoded unicast address", ErrShortPacket)
	}
	if err := checkFamily(data); err != nil {
		return netip.Addr{}, err
	}
	return addr4(data[2:6]), nil
}

func decodeEncodedGroup(data []byte) (EncodedGroup, error) {
	if len(data) < EncodedGroupLen {
		return EncodedGroup{}, fmt.Errorf("%w: encoded group address", ErrShortPacket)
	}
	if err := checkFamily(data); err != nil {
		return EncodedGroup{}, err
	}
	g := EncodedGroup{Flags: data[2], MaskLen: data[3], Addr: addr4(data[4:8])}
	if g.MaskLen > 32 {
		return EncodedGroup{}, fmt.Errorf("%w: group mask length %d", ErrBadLength, g.MaskLen)
	}
	return g, nil
}

func decodeEncodedSource(data []byte) (EncodedSource, error) {
	if len(data) < EncodedSourceLen {
		return EncodedSource{}, fmt.Errorf("%w: encoded source address", ErrShortPacket)
	}
	if err := checkFamily(data); err != nil {
		return EncodedSource{}, err
	}
	s := EncodedSource{Flags: data[2], MaskLen: data[3], Addr: addr4(data[4:8])}
	if s.MaskLen > 32 {
		return EncodedSource{}, fmt.Errorf("%w: source mask length %d", ErrBadLength, s.MaskLen)
	}
	return s, nil
}

func as4(a netip.Addr) ([4]byte, error) {
	if !a.Is4() {
		return [4]byte{}, fmt.Errorf("%w: %s", ErrUnsupportedFamily, a)
	}
	return a.As4(), nil
}

func appendEncodedUnicast(b []byte, a netip.Addr) ([]byte, error) {
	ip, err := as4(a)
	if err != nil {
		return b, err
	}
	return append(b, AddressFamilyIPv4, EncodingNative, ip[0], ip[1], ip[2], ip[3]), nil
}

func appendEncodedGroup(b []byte, g EncodedGroup) ([]byte, error) {
	ip, err := as4(g.Addr)
	if err != nil {
		return b, err
	}
	return append(b, AddressFamilyIPv4, EncodingNative, g.Flags, g.MaskLen, ip[0], ip[1], ip[2], ip[3]), nil
}

func appendEncodedSource(b []byte, s EncodedSource) ([]byte, error) {
	ip, err := as4(s.Addr)
	if err != nil {
		return b, err
	}
	return append(b, AddressFamilyIPv4, EncodingNative, s.Flags, s.MaskLen, ip[0], ip[1], ip[2], ip[3]), nil
}
