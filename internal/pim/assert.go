package pim

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// AssertRPTBit is the top bit of the wire preference field.
const AssertRPTBit uint32 = 1 << 31

const assertLen = EncodedGroupLen + EncodedUnicastLen + 8

/*
PIM Assert Message

	 0                   1                   2                   3
	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|            Group Address (Encoded-Group format)               |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|            Source Address (Encoded-Unicast format)            |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|R|                     Metric Preference                       |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|                             Metric                            |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
*/
type AssertMessage struct {
	layers.BaseLayer
	Group      EncodedGroup
	Source     netip.Addr
	RPT        bool
	Preference uint32
	Metric     uint32
}

// WirePreference is the preference with the RPT bit folded in, which is the
// value assert comparison uses.
func (p *AssertMessage) WirePreference() uint32 {
	pref := p.Preference &^ AssertRPTBit
	if p.RPT {
		pref |= AssertRPTBit
	}
	return pref
}

func (p *AssertMessage) LayerType() gopacket.LayerType { return LayerTypeAssert }
func (p *AssertMessage) MessageType() MessageType      { return Assert }

func (p *AssertMessage) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	out := make([]byte, 0, assertLen)
	out, err := appendEncodedGroup(out, p.Group)
	if err != nil {
		return err
	}
	if out, err = appendEncodedUnicast(out, p.Source); err != nil {
		return err
	}
	out = binary.BigEndian.AppendUint32(out, p.WirePreference())
	out = binary.BigEndian.AppendUint32(out, p.Metric)
	bytes, err := b.AppendBytes(len(out))
	if err != nil {
		return err
	}
	copy(bytes, out)
	return nil
}

func decodeAssert(data []byte, p gopacket.PacketBuilder) error {
	if len(data) < assertLen {
		return fmt.Errorf("%w: assert", ErrShortPacket)
	}
	group, err := decodeEncodedGroup(data)
	if err != nil {
		return err
	}
	src, err := decodeEncodedUnicast(data[EncodedGroupLen:])
	if err != nil {
		return err
	}
	off := EncodedGroupLen + EncodedUnicastLen
	pref := binary.BigEndian.Uint32(data[off:])
	p.AddLayer(&AssertMessage{
		BaseLayer:  layers.BaseLayer{Contents: data[:assertLen]},
		Group:      group,
		Source:     src,
		RPT:        pref&AssertRPTBit != 0,
		Preference: pref &^ AssertRPTBit,
		Metric:     binary.BigEndian.Uint32(data[off+4:]),
	})
	return nil
}
