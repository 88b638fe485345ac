package pim

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const (
	bootstrapFixedLen       = 4 + EncodedUnicastLen
	bootstrapGroupHeaderLen = EncodedGroupLen + 4
	bootstrapRPLen          = EncodedUnicastLen + 4
)

/*
PIM Bootstrap Message

	 0                   1                   2                   3
	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|         Fragment Tag          | Hash Mask Len | BSR Priority  |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|             BSR Address (Encoded-Unicast format)              |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|         Group Address 1 (Encoded-Group format)                |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	| RP Count 1    | Frag RP Cnt 1 |         Reserved              |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|             RP Address 1 (Encoded-Unicast format)             |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|          RP1 Holdtime         | RP1 Priority  |   Reserved    |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|                               .                               |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
*/
type BootstrapMessage struct {
	layers.BaseLayer
	FragmentTag uint16
	HashMaskLen uint8
	BSRPriority uint8
	BSRAddr     netip.Addr
	Groups      []BootstrapGroup
}

// BootstrapGroup is one group prefix with the RPs of this fragment. RPCount
// is the number of RPs for the prefix across all fragments.
type BootstrapGroup struct {
	Group   EncodedGroup
	RPCount uint8
	RPs     []BootstrapRP
}

// Complete reports whether the fragment carries every RP of the prefix.
func (g BootstrapGroup) Complete() bool { return int(g.RPCount) == len(g.RPs) }

type BootstrapRP struct {
	Addr     netip.Addr
	Holdtime uint16
	Priority uint8
}

func (g BootstrapGroup) len() int { return bootstrapGroupHeaderLen + bootstrapRPLen*len(g.RPs) }

// Len is the encoded size of the message body, without the common header.
func (p *BootstrapMessage) Len() int {
	n := bootstrapFixedLen
	for _, g := range p.Groups {
		n += g.len()
	}
	return n
}

func (p *BootstrapMessage) LayerType() gopacket.LayerType { return LayerTypeBootstrap }
func (p *BootstrapMessage) MessageType() MessageType      { return Bootstrap }

func (p *BootstrapMessage) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	out := make([]byte, 0, p.Len())
	out = binary.BigEndian.AppendUint16(out, p.FragmentTag)
	out = append(out, p.HashMaskLen, p.BSRPriority)
	out, err := appendEncodedUnicast(out, p.BSRAddr)
	if err != nil {
		return err
	}
	for _, g := range p.Groups {
		if len(g.RPs) > 0xff {
			return fmt.Errorf("%w: %d rps for %s", ErrBadLength, len(g.RPs), g.Group)
		}
		if out, err = appendEncodedGroup(out, g.Group); err != nil {
			return err
		}
		out = append(out, g.RPCount, uint8(len(g.RPs)), 0, 0)
		for _, rp := range g.RPs {
			if out, err = appendEncodedUnicast(out, rp.Addr); err != nil {
				return err
			}
			out = binary.BigEndian.AppendUint16(out, rp.Holdtime)
			out = append(out, rp.Priority, 0)
		}
	}
	bytes, err := b.AppendBytes(len(out))
	if err != nil {
		return err
	}
	copy(bytes, out)
	return nil
}

func decodeBootstrap(data []byte, p gopacket.PacketBuilder) error {
	if len(data) < bootstrapFixedLen {
		return fmt.Errorf("%w: bootstrap", ErrShortPacket)
	}
	bsm := &BootstrapMessage{
		BaseLayer:   layers.BaseLayer{Contents: data},
		FragmentTag: binary.BigEndian.Uint16(data[0:2]),
		HashMaskLen: data[2],
		BSRPriority: data[3],
	}
	if bsm.HashMaskLen > 32 {
		return fmt.Errorf("%w: hash mask length %d", ErrBadLength, bsm.HashMaskLen)
	}
	addr, err := decodeEncodedUnicast(data[4:])
	if err != nil {
		return err
	}
	bsm.BSRAddr = addr
	data = data[bootstrapFixedLen:]

	for len(data) > 0 {
		if len(data) < bootstrapGroupHeaderLen {
			return fmt.Errorf("%w: bootstrap group", ErrShortPacket)
		}
		group, err := decodeEncodedGroup(data)
		if err != nil {
			return err
		}
		g := BootstrapGroup{Group: group, RPCount: data[EncodedGroupLen]}
		fragCount := int(data[EncodedGroupLen+1])
		if fragCount > int(g.RPCount) {
			return fmt.Errorf("%w: %s fragment rp count %d > %d", ErrBadLength, group, fragCount, g.RPCount)
		}
		data = data[bootstrapGroupHeaderLen:]
		if len(data) < fragCount*bootstrapRPLen {
			return fmt.Errorf("%w: %s claims %d rps", ErrBadLength, group, fragCount)
		}
		for range fragCount {
			rpAddr, err := decodeEncodedUnicast(data)
			if err != nil {
				return err
			}
			g.RPs = append(g.RPs, BootstrapRP{
				Addr:     rpAddr,
				Holdtime: binary.BigEndian.Uint16(data[EncodedUnicastLen:]),
				Priority: data[EncodedUnicastLen+2],
			})
			data = data[bootstrapRPLen:]
		}
		bsm.Groups = append(bsm.Groups, g)
	}
	p.AddLayer(bsm)
	return nil
}

// FragmentBootstrap splits msg into messages of at most maxSize bytes each,
// common header included. All fragments share msg's fragment tag. A prefix
// whose RP list does not fit is split across fragments with RPCount carrying
// the full count.
func FragmentBootstrap(msg *BootstrapMessage, maxSize int) ([]*BootstrapMessage, error) {
	if maxSize < headerLen+bootstrapFixedLen+bootstrapGroupHeaderLen+bootstrapRPLen {
		return nil, fmt.Errorf("%w: %d", ErrFragmentTooSmall, maxSize)
	}
	budget := maxSize - headerLen
	newFrag := func() *BootstrapMessage {
		return &BootstrapMessage{
			FragmentTag: msg.FragmentTag,
			HashMaskLen: msg.HashMaskLen,
			BSRPriority: msg.BSRPriority,
			BSRAddr:     msg.BSRAddr,
		}
	}
	var out []*BootstrapMessage
	cur, size := newFrag(), bootstrapFixedLen
	flush := func() {
		out = append(out, cur)
		cur, size = newFrag(), bootstrapFixedLen
	}

	for _, g := range msg.Groups {
		if len(g.RPs) > 0xff {
			return nil, fmt.Errorf("%w: %d rps for %s", ErrBadLength, len(g.RPs), g.Group)
		}
		total := g.RPCount
		if int(total) < len(g.RPs) {
			total = uint8(len(g.RPs))
		}
		rps := g.RPs
		if len(rps) == 0 {
			if size+bootstrapGroupHeaderLen > budget {
				flush()
			}
			cur.Groups = append(cur.Groups, BootstrapGroup{Group: g.Group, RPCount: total})
			size += bootstrapGroupHeaderLen
			continue
		}
		for len(rps) > 0 {
			if size+bootstrapGroupHeaderLen+bootstrapRPLen > budget {
				flush()
			}
			fit := min((budget-size-bootstrapGroupHeaderLen)/bootstrapRPLen, len(rps))
			cur.Groups = append(cur.Groups, BootstrapGroup{Group: g.Group, RPCount: total, RPs: rps[:fit]})
			size += bootstrapGroupHeaderLen + fit*bootstrapRPLen
			rps = rps[fit:]
		}
	}
	if len(cur.Groups) > 0 || len(out) == 0 {
		out = append(out, cur)
	}
	return out, nil
}

/*
PIM Candidate-RP-Advertisement Message

	 0                   1                   2                   3
	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	| Prefix Count  |   Priority    |          Holdtime             |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|             RP Address (Encoded-Unicast format)               |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|         Group Address 1 (Encoded-Group format)                |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
*/
type CandidateRPAdvMessage struct {
	layers.BaseLayer
	Priority uint8
	Holdtime uint16
	RPAddr   netip.Addr
	// Groups empty means the RP serves 224.0.0.0/4.
	Groups []EncodedGroup
}

const candRPFixedLen = 4 + EncodedUnicastLen

func (p *CandidateRPAdvMessage) LayerType() gopacket.LayerType { return LayerTypeCandidateRPAdv }
func (p *CandidateRPAdvMessage) MessageType() MessageType      { return CandidateRPAdvertisement }

func (p *CandidateRPAdvMessage) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	if len(p.Groups) > 0xff {
		return fmt.Errorf("%w: %d prefixes", ErrBadLength, len(p.Groups))
	}
	out := make([]byte, 0, candRPFixedLen+EncodedGroupLen*len(p.Groups))
	out = append(out, uint8(len(p.Groups)), p.Priority)
	out = binary.BigEndian.AppendUint16(out, p.Holdtime)
	out, err := appendEncodedUnicast(out, p.RPAddr)
	if err != nil {
		return err
	}
	for _, g := range p.Groups {
		if out, err = appendEncodedGroup(out, g); err != nil {
			return err
		}
	}
	bytes, err := b.AppendBytes(len(out))
	if err != nil {
		return err
	}
	copy(bytes, out)
	return nil
}

func decodeCandidateRPAdv(data []byte, p gopacket.PacketBuilder) error {
	if len(data) < candRPFixedLen {
		return fmt.Errorf("%w: candidate rp advertisement", ErrShortPacket)
	}
	count := int(data[0])
	adv := &CandidateRPAdvMessage{
		BaseLayer: layers.BaseLayer{Contents: data},
		Priority:  data[1],
		Holdtime:  binary.BigEndian.Uint16(data[2:4]),
	}
	addr, err := decodeEncodedUnicast(data[4:])
	if err != nil {
		return err
	}
	adv.RPAddr = addr
	data = data[candRPFixedLen:]
	if len(data) < count*EncodedGroupLen {
		return fmt.Errorf("%w: claims %d prefixes", ErrBadLength, count)
	}
	for range count {
		g, err := decodeEncodedGroup(data)
		if err != nil {
			return err
		}
		adv.Groups = append(adv.Groups, g)
		data = data[EncodedGroupLen:]
	}
	p.AddLayer(adv)
	return nil
}
