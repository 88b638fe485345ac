package pim

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const (
	// Version is the only PIM version understood by this package.
	Version = 2
	// IPProtocol is the IP protocol number carrying PIM.
	IPProtocol = 103

	headerLen = 4
	// registerChecksumLen covers the common header and the Register flags word.
	registerChecksumLen = 8
)

// AllPIMRouters is the link-local destination of Hello, Join/Prune, Bootstrap and Assert.
var AllPIMRouters = netip.AddrFrom4([4]byte{224, 0, 0, 13})

var (
	ErrShortPacket        = errors.New("pim: packet too short")
	ErrBadVersion         = errors.New("pim: unsupported version")
	ErrBadChecksum        = errors.New("pim: bad checksum")
	ErrUnsupportedType    = errors.New("pim: unsupported message type")
	ErrUnsupportedFamily  = errors.New("pim: unsupported address family or encoding")
	ErrBadLength          = errors.New("pim: length field exceeds message")
	ErrFragmentTooSmall   = errors.New("pim: bootstrap fragment size too small")
	ErrInvalidInnerPacket = errors.New("pim: invalid register inner packet")
)

// Checksum computes the Internet one's-complement checksum over bytes.
// A message carrying a correct checksum sums to zero.
//
// Check on this at some point
// https://github.com/google/gopacket/blob/b7d9dbd15ae4c4621a62119b0c682dc23061a8bc/layers/ip4.go#L158
func Checksum(bytes []byte) uint16 {
	var csum uint32
	n := len(bytes)
	for i := 0; i+1 < n; i += 2 {
		csum += uint32(bytes[i]) << 8
		csum += uint32(bytes[i+1])
	}
	if n%2 == 1 {
		csum += uint32(bytes[n-1]) << 8
	}
	for csum > 0xffff {
		csum = (csum >> 16) + uint32(uint16(csum))
	}
	return ^uint16(csum)
}

var (
	LayerTypePIM            = gopacket.RegisterLayerType(1666, gopacket.LayerTypeMetadata{Name: "PIM", Decoder: gopacket.DecodeFunc(decodePIM)})
	LayerTypeHello          = gopacket.RegisterLayerType(1667, gopacket.LayerTypeMetadata{Name: "PIMHello", Decoder: gopacket.DecodeFunc(decodeHello)})
	LayerTypeJoinPrune      = gopacket.RegisterLayerType(1668, gopacket.LayerTypeMetadata{Name: "PIMJoinPrune", Decoder: gopacket.DecodeFunc(decodeJoinPrune)})
	LayerTypeRegister       = gopacket.RegisterLayerType(1669, gopacket.LayerTypeMetadata{Name: "PIMRegister", Decoder: gopacket.DecodeFunc(decodeRegister)})
	LayerTypeRegisterStop   = gopacket.RegisterLayerType(1670, gopacket.LayerTypeMetadata{Name: "PIMRegisterStop", Decoder: gopacket.DecodeFunc(decodeRegisterStop)})
	LayerTypeAssert         = gopacket.RegisterLayerType(1671, gopacket.LayerTypeMetadata{Name: "PIMAssert", Decoder: gopacket.DecodeFunc(decodeAssert)})
	LayerTypeBootstrap      = gopacket.RegisterLayerType(1672, gopacket.LayerTypeMetadata{Name: "PIMBootstrap", Decoder: gopacket.DecodeFunc(decodeBootstrap)})
	LayerTypeCandidateRPAdv = gopacket.RegisterLayerType(1673, gopacket.LayerTypeMetadata{Name: "PIMCandidateRPAdv", Decoder: gopacket.DecodeFunc(decodeCandidateRPAdv)})
)

// Message Type                          Destination
// ---------------------------------------------------------------------
// 0 = Hello                             Multicast to ALL-PIM-ROUTERS
// 1 = Register                          Unicast to RP
// 2 = Register-Stop                     Unicast to source of Register
// 										 packet
// 3 = Join/Prune                        Multicast to ALL-PIM-ROUTERS
// 4 = Bootstrap                         Multicast to ALL-PIM-ROUTERS
// 5 = Assert                            Multicast to ALL-PIM-ROUTERS
// 6 = Graft (used in PIM-DM only)       Unicast to RPF'(S)
// 7 = Graft-Ack (used in PIM-DM only)   Unicast to source of Graft
// 										 packet
// 8 = Candidate-RP-Advertisement        Unicast to Domain's BSR
type MessageType uint8

const (
	Hello                    MessageType = 0x00
	Register                 MessageType = 0x01
	RegisterStop             MessageType = 0x02
	JoinPrune                MessageType = 0x03
	Bootstrap                MessageType = 0x04
	Assert                   MessageType = 0x05
	Graft                    MessageType = 0x06
	GraftAck                 MessageType = 0x07
	CandidateRPAdvertisement MessageType = 0x08
)

func (t MessageType) String() string {
	switch t {
	case Hello:
		return "hello"
	case Register:
		return "register"
	case RegisterStop:
		return "register_stop"
	case JoinPrune:
		return "join_prune"
	case Bootstrap:
		return "bootstrap"
	case Assert:
		return "assert"
	case Graft:
		return "graft"
	case GraftAck:
		return "graft_ack"
	case CandidateRPAdvertisement:
		return "cand_rp_adv"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

/*
PIM Common Header

	 0                   1                   2                   3
	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|PIM Ver| Type  |   Reserved    |           Checksum            |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
*/
type Header struct {
	layers.BaseLayer
	Version  uint8
	Type     MessageType
	Reserved uint8
	Checksum uint16
}

func (h *Header) LayerType() gopacket.LayerType { return LayerTypePIM }

// SerializeTo prepends the common header. With opts.ComputeChecksums the
// checksum covers everything already in the buffer, except that a Register
// only covers the header and its flags word.
func (h *Header) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	bytes, err := b.PrependBytes(headerLen)
	if err != nil {
		return err
	}
	bytes[0] = h.Version<<4 | uint8(h.Type)&0x0f
	bytes[1] = h.Reserved
	bytes[2], bytes[3] = 0, 0
	if opts.ComputeChecksums {
		data := b.Bytes()
		if h.Type == Register && len(data) > registerChecksumLen {
			data = data[:registerChecksumLen]
		}
		h.Checksum = Checksum(data)
	}
	binary.BigEndian.PutUint16(bytes[2:4], h.Checksum)
	return nil
}

func validChecksum(t MessageType, data []byte) bool {
	if Checksum(data) == 0 {
		return true
	}
	// Registers may be checksummed over the header and flags only.
	return t == Register && len(data) >= registerChecksumLen && Checksum(data[:registerChecksumLen]) == 0
}

func decodePIM(data []byte, p gopacket.PacketBuilder) error {
	if len(data) < headerLen {
		return ErrShortPacket
	}
	h := &Header{
		Version:  data[0] >> 4,
		Type:     MessageType(data[0] & 0x0f),
		Reserved: data[1],
		Checksum: binary.BigEndian.Uint16(data[2:4]),
	}
	if h.Version != Version {
		return fmt.Errorf("%w: %d", ErrBadVersion, h.Version)
	}
	if !validChecksum(h.Type, data) {
		return ErrBadChecksum
	}
	h.Contents = data[:headerLen]
	h.Payload = data[headerLen:]
	p.AddLayer(h)

	switch h.Type {
	case Hello:
		return p.NextDecoder(gopacket.DecodeFunc(decodeHello))
	case Register:
		return p.NextDecoder(gopacket.DecodeFunc(decodeRegister))
	case RegisterStop:
		return p.NextDecoder(gopacket.DecodeFunc(decodeRegisterStop))
	case JoinPrune:
		return p.NextDecoder(gopacket.DecodeFunc(decodeJoinPrune))
	case Bootstrap:
		return p.NextDecoder(gopacket.DecodeFunc(decodeBootstrap))
	case Assert:
		return p.NextDecoder(gopacket.DecodeFunc(decodeAssert))
	case CandidateRPAdvertisement:
		return p.NextDecoder(gopacket.DecodeFunc(decodeCandidateRPAdv))
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedType, h.Type)
	}
}

// Body is a message body that serializes behind a Header.
type Body interface {
	gopacket.SerializableLayer
	MessageType() MessageType
}

// Serialize encodes header and body with the checksum filled in.
func Serialize(body Body) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true}
	hdr := &Header{Version: Version, Type: body.MessageType()}
	if err := gopacket.SerializeLayers(buf, opts, hdr, body); err != nil {
		return nil, fmt.Errorf("error serializing %s: %w", body.MessageType(), err)
	}
	return buf.Bytes(), nil
}

// Decode parses a complete PIM message and returns its header and body layer.
// Malformed input returns an error and no layers.
func Decode(data []byte) (*Header, gopacket.Layer, error) {
	p := gopacket.NewPacket(data, LayerTypePIM, gopacket.NoCopy)
	if el := p.ErrorLayer(); el != nil {
		return nil, nil, el.Error()
	}
	all := p.Layers()
	if len(all) < 2 {
		return nil, nil, ErrShortPacket
	}
	h, ok := all[0].(*Header)
	if !ok {
		return nil, nil, ErrShortPacket
	}
	return h, all[1], nil
}
