package packet

import (
	"encoding/binary"

	"github.com/pyr33x/goqttd/internal/packet/utils"
	"github.com/pyr33x/goqttd/pkg/er"
)

// v3.1.1 CONNACK return codes.
const (
	ConnectionAccepted          byte = 0x00
	UnacceptableProtocolVersion byte = 0x01
	IdentifierRejected          byte = 0x02
	ServerUnavailable           byte = 0x03
	BadUsernameOrPassword       byte = 0x04
	NotAuthorized               byte = 0x05
)

// v5.0 CONNACK reason codes (subset the core actually returns).
const (
	ReasonSuccess                  byte = 0x00
	ReasonUnspecifiedError         byte = 0x80
	ReasonMalformedPacket          byte = 0x81
	ReasonProtocolError            byte = 0x82
	ReasonNotAuthorized            byte = 0x87
	ReasonServerUnavailable        byte = 0x88
	ReasonBadUsernameOrPassword    byte = 0x8A
	ReasonUnsupportedProtoVersion  byte = 0x84
	ReasonClientIdentifierNotValid byte = 0x85
	ReasonPacketTooLarge           byte = 0x95
	ReasonQuotaExceeded            byte = 0x97
	ReasonTopicNameInvalid         byte = 0x90
	ReasonTopicFilterInvalid       byte = 0x8F
	ReasonSessionTakenOver         byte = 0x8E
	ReasonNoMatchingSubscribers    byte = 0x10
	ReasonNoSubscriptionExisted    byte = 0x11
	ReasonPacketIDInUse            byte = 0x91
	ReasonPacketIDNotFound          byte = 0x92
)

// ConnAckPacket is the server's reply to CONNECT. For v3.1.1 only
// ReturnCode is meaningful; for v5 ReasonCode and Properties are used and
// ReturnCode mirrors the nearest v3 equivalent for callers that don't branch
// on version.
type ConnAckPacket struct {
	SessionPresent bool
	ReturnCode     byte
	ReasonCode     byte
	Properties     *Properties
}

// NewConnAck builds a CONNACK for the given version, accepting the broker's
// chosen session-present flag, v5 reason code (ignored under v3.1.1, where
// it is translated via ReasonToV3ReturnCode), and optional v5 properties
// (e.g. AssignedClientID, SessionExpiryInterval echo).
func NewConnAck(version Version, sessionPresent bool, reasonCode byte, props *Properties) []byte {
	var flags byte
	if sessionPresent && reasonCode == ReasonSuccess {
		flags = 0x01
	}

	if version != Version5 {
		out := []byte{byte(CONNACK), 0x02, flags, ReasonToV3ReturnCode(reasonCode)}
		return out
	}

	var body []byte
	body = append(body, flags, reasonCode)
	body = append(body, EncodeProperties(props)...)

	out := []byte{byte(CONNACK)}
	out = append(out, utils.EncodeRemainingLength(len(body))...)
	return append(out, body...)
}

// ReasonToV3ReturnCode downgrades a v5 CONNACK reason code to its nearest
// v3.1.1 return code, for logging and for servers that negotiate down.
func ReasonToV3ReturnCode(reason byte) byte {
	switch reason {
	case ReasonSuccess:
		return ConnectionAccepted
	case ReasonUnsupportedProtoVersion:
		return UnacceptableProtocolVersion
	case ReasonClientIdentifierNotValid:
		return IdentifierRejected
	case ReasonServerUnavailable:
		return ServerUnavailable
	case ReasonBadUsernameOrPassword:
		return BadUsernameOrPassword
	case ReasonNotAuthorized:
		return NotAuthorized
	default:
		return ServerUnavailable
	}
}

func (cap *ConnAckPacket) Parse(raw []byte, version Version) error {
	if len(raw) < 4 {
		return &er.Err{Context: "ConnAck", Message: er.ErrShortBuffer}
	}
	if PacketType(raw[0]&0xF0) != CONNACK {
		return &er.Err{Context: "ConnAck", Message: er.ErrInvalidPacketType}
	}

	remLen, lenBytes, err := utils.ParseRemainingLength(raw[1:])
	if err != nil {
		return err
	}
	offset := 1 + lenBytes
	if offset+remLen != len(raw) {
		return &er.Err{Context: "ConnAck", Message: er.ErrInvalidPacketLength}
	}

	cap.SessionPresent = raw[offset]&0x01 != 0
	offset++
	code := raw[offset]
	offset++

	if version == Version5 {
		cap.ReasonCode = code
		cap.ReturnCode = ReasonToV3ReturnCode(code)
		props, _, err := DecodeProperties(raw[offset:])
		if err != nil {
			return err
		}
		cap.Properties = props
	} else {
		cap.ReturnCode = code
	}
	return nil
}

// AckPacket models PUBACK/PUBREC/PUBREL/PUBCOMP — identical shapes across
// all four, differing only by PacketType (spec.md §4.6.3/§4.6.5).
type AckPacket struct {
	PacketID   uint16
	ReasonCode byte // meaningful only under v5; ReasonSuccess under v3.1.1
	Properties *Properties
}

func encodeAck(t PacketType, p *AckPacket, version Version) []byte {
	// v3.1.1 and v5-success acks with no properties collapse to the
	// compact 4-byte form; a non-success v5 reason or properties use the
	// extended form (MQTT 5.0 §3.4.2.1).
	if version != Version5 || (p.ReasonCode == ReasonSuccess && p.Properties == nil) {
		return []byte{
			byte(t),
			0x02,
			byte(p.PacketID >> 8),
			byte(p.PacketID & 0xFF),
		}
	}

	var body []byte
	body = binary.BigEndian.AppendUint16(body, p.PacketID)
	body = append(body, p.ReasonCode)
	body = append(body, EncodeProperties(p.Properties)...)

	out := []byte{byte(t)}
	out = append(out, utils.EncodeRemainingLength(len(body))...)
	return append(out, body...)
}

func NewPubAck(p *AckPacket, version Version) []byte  { return encodeAck(PUBACK, p, version) }
func NewPubRec(p *AckPacket, version Version) []byte  { return encodeAck(PUBREC, p, version) }
func NewPubRel(p *AckPacket, version Version) []byte  { return encodeAckWithFlags(PUBREL, p, version) }
func NewPubComp(p *AckPacket, version Version) []byte { return encodeAck(PUBCOMP, p, version) }

// encodeAckWithFlags handles PUBREL, whose fixed header flags are 0010
// unlike the other three ack types.
func encodeAckWithFlags(t PacketType, p *AckPacket, version Version) []byte {
	out := encodeAck(t, p, version)
	out[0] |= 0x02
	return out
}

func (p *AckPacket) Parse(raw []byte, expected PacketType) error {
	if len(raw) < 4 {
		return &er.Err{Context: expected.String(), Message: er.ErrShortBuffer}
	}
	if PacketType(raw[0]&0xF0) != expected {
		return &er.Err{Context: expected.String(), Message: er.ErrInvalidPacketType}
	}

	remLen, lenBytes, err := utils.ParseRemainingLength(raw[1:])
	if err != nil {
		return err
	}
	offset := 1 + lenBytes
	if offset+remLen != len(raw) {
		return &er.Err{Context: expected.String(), Message: er.ErrInvalidPacketLength}
	}

	p.PacketID = binary.BigEndian.Uint16(raw[offset : offset+2])
	offset += 2

	p.ReasonCode = ReasonSuccess
	if remLen > 2 {
		p.ReasonCode = raw[offset]
		offset++
		if remLen > 3 {
			props, _, err := DecodeProperties(raw[offset:])
			if err != nil {
				return err
			}
			p.Properties = props
		}
	}
	return nil
}
