package pim

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

/*
PIM Join/Prune Message

	 0                   1                   2                   3
	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|        Upstream Neighbor Address (Encoded-Unicast format)     |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|  Reserved     | Num groups    |          Holdtime             |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|         Multicast Group Address 1 (Encoded-Group format)      |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|   Number of Joined Sources    |   Number of Pruned Sources    |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|        Joined Source Address 1 (Encoded-Source format)        |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|                             .                                 |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|        Pruned Source Address n (Encoded-Source format)        |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
*/
type JoinPruneMessage struct {
	layers.BaseLayer
	UpstreamNeighbor netip.Addr
	Reserved         uint8
	Holdtime         uint16
	Groups           []JoinPruneGroup
}

type JoinPruneGroup struct {
	Group  EncodedGroup
	Joins  []EncodedSource
	Prunes []EncodedSource
}

const (
	joinPruneFixedLen = EncodedUnicastLen + 4
	// JoinPruneGroupHeaderLen is the encoded group plus the two source counts.
	JoinPruneGroupHeaderLen = EncodedGroupLen + 4
)

// Len is the encoded size of the group block.
func (g JoinPruneGroup) Len() int {
	return JoinPruneGroupHeaderLen + EncodedSourceLen*(len(g.Joins)+len(g.Prunes))
}

// Len is the encoded size of the message body, without the common header.
func (p *JoinPruneMessage) Len() int {
	n := joinPruneFixedLen
	for _, g := range p.Groups {
		n += g.Len()
	}
	return n
}

func (p *JoinPruneMessage) LayerType() gopacket.LayerType { return LayerTypeJoinPrune }
func (p *JoinPruneMessage) MessageType() MessageType      { return JoinPrune }

func (p *JoinPruneMessage) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	if len(p.Groups) > 0xff {
		return fmt.Errorf("%w: %d groups", ErrBadLength, len(p.Groups))
	}
	out := make([]byte, 0, p.Len())
	out, err := appendEncodedUnicast(out, p.UpstreamNeighbor)
	if err != nil {
		return err
	}
	out = append(out, p.Reserved, uint8(len(p.Groups)))
	out = binary.BigEndian.AppendUint16(out, p.Holdtime)
	for _, g := range p.Groups {
		if out, err = appendEncodedGroup(out, g.Group); err != nil {
			return err
		}
		out = binary.BigEndian.AppendUint16(out, uint16(len(g.Joins)))
		out = binary.BigEndian.AppendUint16(out, uint16(len(g.Prunes)))
		for _, s := range g.Joins {
			if out, err = appendEncodedSource(out, s); err != nil {
				return err
			}
		}
		for _, s := range g.Prunes {
			if out, err = appendEncodedSource(out, s); err != nil {
				return err
			}
		}
	}
	bytes, err := b.AppendBytes(len(out))
	if err != nil {
		return err
	}
	copy(bytes, out)
	return nil
}

func decodeJoinPrune(data []byte, p gopacket.PacketBuilder) error {
	jp := &JoinPruneMessage{BaseLayer: layers.BaseLayer{Contents: data}}
	if len(data) < joinPruneFixedLen {
		return fmt.Errorf("%w: join/prune", ErrShortPacket)
	}
	addr, err := decodeEncodedUnicast(data)
	if err != nil {
		return err
	}
	jp.UpstreamNeighbor = addr
	data = data[EncodedUnicastLen:]
	jp.Reserved = data[0]
	numGroups := int(data[1])
	jp.Holdtime = binary.BigEndian.Uint16(data[2:4])
	data = data[4:]

	for range numGroups {
		if len(data) < JoinPruneGroupHeaderLen {
			return fmt.Errorf("%w: join/prune group", ErrShortPacket)
		}
		group, err := decodeEncodedGroup(data)
		if err != nil {
			return err
		}
		numJoins := int(binary.BigEndian.Uint16(data[EncodedGroupLen:]))
		numPrunes := int(binary.BigEndian.Uint16(data[EncodedGroupLen+2:]))
		data = data[JoinPruneGroupHeaderLen:]
		if len(data) < (numJoins+numPrunes)*EncodedSourceLen {
			return fmt.Errorf("%w: group %s claims %d joins %d prunes", ErrBadLength, group, numJoins, numPrunes)
		}
		g := JoinPruneGroup{Group: group}
		if g.Joins, data, err = decodeSources(data, numJoins); err != nil {
			return err
		}
		if g.Prunes, data, err = decodeSources(data, numPrunes); err != nil {
			return err
		}
		jp.Groups = append(jp.Groups, g)
	}
	p.AddLayer(jp)
	return nil
}

func decodeSources(data []byte, n int) ([]EncodedSource, []byte, error) {
	if n == 0 {
		return nil, data, nil
	}
	out := make([]EncodedSource, 0, n)
	for range n {
		s, err := decodeEncodedSource(data)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, s)
		data = data[EncodedSourceLen:]
	}
	return out, data, nil
}
