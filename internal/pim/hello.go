package pim

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

type OptionType uint16

const (
	OptionTypeHoldtime      OptionType = 1
	OptionTypeLANPruneDelay OptionType = 2
	OptionTypeDRPriority    OptionType = 19
	OptionTypeGenerationID  OptionType = 20
	OptionTypeStateRefresh  OptionType = 21
	OptionTypeAddressList   OptionType = 24
)

const optionHeaderLen = 4

/* PIM Hello Message
    0                   1                   2                   3
    0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
   +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
   |          OptionType           |         OptionLength          |
   +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
   |                          OptionValue                          |
   |                              ...                              |
   +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
   |                               .                               |
   |                               .                               |
   +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
*/

// HelloMessage carries the options a neighbor advertised. The Has* fields
// distinguish an absent option from a zero value, which DR election needs.
type HelloMessage struct {
	layers.BaseLayer
	HasHoldtime             bool
	Holdtime                uint16
	HasLANPruneDelay        bool
	JoinSuppressionDisabled bool
	PropDelay               uint16
	OverrideInterval        uint16
	HasDRPriority           bool
	DRPriority              uint32
	HasGenerationID         bool
	GenerationID            uint32
	SecondaryAddresses      []netip.Addr
}

func (p *HelloMessage) LayerType() gopacket.LayerType { return LayerTypeHello }
func (p *HelloMessage) MessageType() MessageType      { return Hello }

func (p *HelloMessage) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	var out []byte
	if p.HasHoldtime {
		out = append(out, NewHoldtime(p.Holdtime).Bytes()...)
	}
	if p.HasGenerationID {
		out = append(out, NewGenerationID(p.GenerationID).Bytes()...)
	}
	if p.HasDRPriority {
		out = append(out, NewDRPriority(p.DRPriority).Bytes()...)
	}
	if p.HasLANPruneDelay {
		lpd := NewLANPruneDelay(p.PropDelay, p.OverrideInterval)
		lpd.JoinSuppressionDisabled = p.JoinSuppressionDisabled
		out = append(out, lpd.Bytes()...)
	}
	if len(p.SecondaryAddresses) > 0 {
		al, err := NewAddressList(p.SecondaryAddresses).Bytes()
		if err != nil {
			return err
		}
		out = append(out, al...)
	}
	bytes, err := b.AppendBytes(len(out))
	if err != nil {
		return err
	}
	copy(bytes, out)
	return nil
}

func decodeHello(data []byte, p gopacket.PacketBuilder) error {
	hello := &HelloMessage{BaseLayer: layers.BaseLayer{Contents: data}}
	for len(data) > 0 {
		if len(data) < optionHeaderLen {
			return fmt.Errorf("%w: hello option header", ErrShortPacket)
		}
		typ := OptionType(binary.BigEndian.Uint16(data[0:2]))
		length := int(binary.BigEndian.Uint16(data[2:4]))
		if len(data) < optionHeaderLen+length {
			return fmt.Errorf("%w: hello option %d length %d", ErrBadLength, typ, length)
		}
		value := data[optionHeaderLen : optionHeaderLen+length]
		switch typ {
		case OptionTypeHoldtime:
			if length < 2 {
				return fmt.Errorf("%w: holdtime option", ErrBadLength)
			}
			hello.HasHoldtime = true
			hello.Holdtime = binary.BigEndian.Uint16(value)
		case OptionTypeLANPruneDelay:
			if length < 4 {
				return fmt.Errorf("%w: lan prune delay option", ErrBadLength)
			}
			hello.HasLANPruneDelay = true
			hello.JoinSuppressionDisabled = value[0]&0x80 != 0
			hello.PropDelay = binary.BigEndian.Uint16(value[0:2]) & 0x7fff
			hello.OverrideInterval = binary.BigEndian.Uint16(value[2:4])
		case OptionTypeDRPriority:
			if length < 4 {
				return fmt.Errorf("%w: dr priority option", ErrBadLength)
			}
			hello.HasDRPriority = true
			hello.DRPriority = binary.BigEndian.Uint32(value)
		case OptionTypeGenerationID:
			if length < 4 {
				return fmt.Errorf("%w: generation id option", ErrBadLength)
			}
			hello.HasGenerationID = true
			hello.GenerationID = binary.BigEndian.Uint32(value)
		case OptionTypeAddressList:
			for off := 0; off+EncodedUnicastLen <= len(value); off += EncodedUnicastLen {
				addr, err := decodeEncodedUnicast(value[off:])
				if err != nil {
					return err
				}
				hello.SecondaryAddresses = append(hello.SecondaryAddresses, addr)
			}
		}
		data = data[optionHeaderLen+length:]
	}
	p.AddLayer(hello)
	return nil
}

//	0                   1                   2                   3
//	0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
// |          Type = 1             |         Length = 2            |
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
// |          Holdtime             |
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
type Holdtime struct {
	Type     OptionType
	Length   uint16
	Holdtime uint16
}

func NewHoldtime(holdtime uint16) Holdtime {
	return Holdtime{Type: OptionTypeHoldtime, Length: 2, Holdtime: holdtime}
}

func (h Holdtime) Bytes() []byte {
	bytes := make([]byte, 6)
	binary.BigEndian.PutUint16(bytes[0:2], uint16(h.Type))
	binary.BigEndian.PutUint16(bytes[2:4], h.Length)
	binary.BigEndian.PutUint16(bytes[4:6], h.Holdtime)
	return bytes
}

//	0                   1                   2                   3
//	0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
// |          Type = 2             |          Length = 4           |
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
// |T|      Propagation_Delay      |      Override_Interval        |
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
type LANPruneDelay struct {
	Type                    OptionType
	Length                  uint16
	JoinSuppressionDisabled bool
	PropDelay               uint16
	OverrideInterval        uint16
}

func NewLANPruneDelay(propDelay, overrideInterval uint16) LANPruneDelay {
	return LANPruneDelay{
		Type:             OptionTypeLANPruneDelay,
		Length:           4,
		PropDelay:        propDelay,
		OverrideInterval: overrideInterval,
	}
}

func (l LANPruneDelay) Bytes() []byte {
	bytes := make([]byte, 8)
	binary.BigEndian.PutUint16(bytes[0:2], uint16(l.Type))
	binary.BigEndian.PutUint16(bytes[2:4], l.Length)
	binary.BigEndian.PutUint16(bytes[4:6], l.PropDelay&0x7fff)
	if l.JoinSuppressionDisabled {
		bytes[4] |= 0x80
	}
	binary.BigEndian.PutUint16(bytes[6:8], l.OverrideInterval)
	return bytes
}

//	0                   1                   2                   3
//	0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
// |          Type = 19            |          Length = 4           |
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
// |                         DR Priority                           |
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
type DRPriority struct {
	Type       OptionType
	Length     uint16
	DRPriority uint32
}

func NewDRPriority(drPriority uint32) DRPriority {
	return DRPriority{Type: OptionTypeDRPriority, Length: 4, DRPriority: drPriority}
}

func (d DRPriority) Bytes() []byte {
	bytes := make([]byte, 8)
	binary.BigEndian.PutUint16(bytes[0:2], uint16(d.Type))
	binary.BigEndian.PutUint16(bytes[2:4], d.Length)
	binary.BigEndian.PutUint32(bytes[4:8], d.DRPriority)
	return bytes
}

//	0                   1                   2                   3
//	0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
// |          Type = 20            |          Length = 4           |
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
// |                       Generation ID                           |
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
type GenerationID struct {
	Type         OptionType
	Length       uint16
	GenerationID uint32
}

func NewGenerationID(genID uint32) GenerationID {
	return GenerationID{Type: OptionTypeGenerationID, Length: 4, GenerationID: genID}
}

func (g GenerationID) Bytes() []byte {
	bytes := make([]byte, 8)
	binary.BigEndian.PutUint16(bytes[0:2], uint16(g.Type))
	binary.BigEndian.PutUint16(bytes[2:4], g.Length)
	binary.BigEndian.PutUint32(bytes[4:8], g.GenerationID)
	return bytes
}

//	0                   1                   2                   3
//	0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
// |          Type = 24            |      Length = <Variable>      |
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
// |         Secondary Address 1 (Encoded-Unicast format)          |
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
type AddressList struct {
	Type             OptionType
	Length           uint16
	SecondaryAddress []netip.Addr
}

func NewAddressList(addresses []netip.Addr) AddressList {
	return AddressList{
		Type:             OptionTypeAddressList,
		Length:           uint16(len(addresses) * EncodedUnicastLen),
		SecondaryAddress: addresses,
	}
}

func (a AddressList) Bytes() ([]byte, error) {
	bytes := make([]byte, optionHeaderLen, optionHeaderLen+int(a.Length))
	binary.BigEndian.PutUint16(bytes[0:2], uint16(a.Type))
	binary.BigEndian.PutUint16(bytes[2:4], a.Length)
	var err error
	for _, addr := range a.SecondaryAddress {
		if bytes, err = appendEncodedUnicast(bytes, addr); err != nil {
			return nil, err
		}
	}
	return bytes, nil
}
