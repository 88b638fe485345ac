package pim

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const (
	registerBorderBit uint32 = 1 << 31
	registerNullBit   uint32 = 1 << 30
	registerFlagsLen         = 4
)

/*
PIM Register Message

	 0                   1                   2                   3
	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|B|N|                       Reserved2                           |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	.                     Multicast data packet                     .
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
*/
type RegisterMessage struct {
	layers.BaseLayer
	Border bool
	Null   bool
	// Packet is the encapsulated IPv4 packet, header included.
	Packet []byte
}

func (p *RegisterMessage) LayerType() gopacket.LayerType { return LayerTypeRegister }
func (p *RegisterMessage) MessageType() MessageType      { return Register }

func (p *RegisterMessage) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	bytes, err := b.AppendBytes(registerFlagsLen + len(p.Packet))
	if err != nil {
		return err
	}
	var flags uint32
	if p.Border {
		flags |= registerBorderBit
	}
	if p.Null {
		flags |= registerNullBit
	}
	binary.BigEndian.PutUint32(bytes[0:4], flags)
	copy(bytes[registerFlagsLen:], p.Packet)
	return nil
}

// Inner decodes the IPv4 header of the encapsulated packet.
func (p *RegisterMessage) Inner() (*layers.IPv4, error) {
	ip := &layers.IPv4{}
	if err := ip.DecodeFromBytes(p.Packet, gopacket.NilDecodeFeedback); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInnerPacket, err)
	}
	if ip.Version != 4 {
		return nil, fmt.Errorf("%w: version %d", ErrInvalidInnerPacket, ip.Version)
	}
	return ip, nil
}

func decodeRegister(data []byte, p gopacket.PacketBuilder) error {
	if len(data) < registerFlagsLen {
		return fmt.Errorf("%w: register", ErrShortPacket)
	}
	flags := binary.BigEndian.Uint32(data[0:4])
	reg := &RegisterMessage{
		BaseLayer: layers.BaseLayer{Contents: data[:registerFlagsLen], Payload: data[registerFlagsLen:]},
		Border:    flags&registerBorderBit != 0,
		Null:      flags&registerNullBit != 0,
		Packet:    data[registerFlagsLen:],
	}
	p.AddLayer(reg)
	return nil
}

// NullRegisterPacket builds the dummy inner IPv4 header a NULL-Register carries
// for (src, group).
func NullRegisterPacket(src, group netip.Addr) ([]byte, error) {
	if !src.Is4() || !group.Is4() {
		return nil, fmt.Errorf("%w: %s, %s", ErrUnsupportedFamily, src, group)
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      1,
		Protocol: layers.IPProtocol(IPProtocol),
		SrcIP:    net.IP(src.AsSlice()),
		DstIP:    net.IP(group.AsSlice()),
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := ip.SerializeTo(buf, opts); err != nil {
		return nil, fmt.Errorf("error serializing null register header: %w", err)
	}
	return buf.Bytes(), nil
}

/*
PIM Register-Stop Message

	 0                   1                   2                   3
	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|             Group Address (Encoded-Group format)              |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|            Source Address (Encoded-Unicast format)            |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
*/
type RegisterStopMessage struct {
	layers.BaseLayer
	Group  EncodedGroup
	Source netip.Addr
}

func (p *RegisterStopMessage) LayerType() gopacket.LayerType { return LayerTypeRegisterStop }
func (p *RegisterStopMessage) MessageType() MessageType      { return RegisterStop }

func (p *RegisterStopMessage) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	out := make([]byte, 0, EncodedGroupLen+EncodedUnicastLen)
	out, err := appendEncodedGroup(out, p.Group)
	if err != nil {
		return err
	}
	if out, err = appendEncodedUnicast(out, p.Source); err != nil {
		return err
	}
	bytes, err := b.AppendBytes(len(out))
	if err != nil {
		return err
	}
	copy(bytes, out)
	return nil
}

func decodeRegisterStop(data []byte, p gopacket.PacketBuilder) error {
	if len(data) < EncodedGroupLen+EncodedUnicastLen {
		return fmt.Errorf("%w: register-stop", ErrShortPacket)
	}
	group, err := decodeEncodedGroup(data)
	if err != nil {
		return err
	}
	src, err := decodeEncodedUnicast(data[EncodedGroupLen:])
	if err != nil {
		return err
	}
	p.AddLayer(&RegisterStopMessage{
		BaseLayer: layers.BaseLayer{Contents: data},
		Group:     group,
		Source:    src,
	})
	return nil
}
