package packet

import (
	"encoding/binary"

	"github.com/pyr33x/goqttd/internal/packet/utils"
	"github.com/pyr33x/goqttd/pkg/er"
)

// Property identifiers used by the subset of MQTT 5.0 properties the core
// cares about (§3 of SPEC_FULL.md). Unrecognized identifiers decode into
// Properties.Extra rather than erroring, since the core never inspects them.
type PropertyID byte

const (
	PropPayloadFormatIndicator PropertyID = 0x01
	PropMessageExpiryInterval  PropertyID = 0x02
	PropContentType            PropertyID = 0x03
	PropResponseTopic          PropertyID = 0x08
	PropCorrelationData        PropertyID = 0x09
	PropSubscriptionID         PropertyID = 0x0B
	PropSessionExpiryInterval  PropertyID = 0x11
	PropAssignedClientID       PropertyID = 0x12
	PropTopicAlias             PropertyID = 0x23
	PropReasonString           PropertyID = 0x1F
	PropReceiveMaximum         PropertyID = 0x21
	PropMaximumPacketSize      PropertyID = 0x27
	PropTopicAliasMaximum      PropertyID = 0x22
	PropUserProperty           PropertyID = 0x26
)

// UserProperty is a repeatable v5 user-defined key/value pair.
type UserProperty struct {
	Key   string
	Value string
}

// Properties is a generic, typed view over a PUBLISH/CONNECT/SUBSCRIBE v5
// property list. Only the properties the spec's data model names (§3) get a
// typed field; everything else round-trips through Extra so re-encoding
// never silently drops bytes a future property needs.
type Properties struct {
	PayloadFormatIndicator *byte
	MessageExpiryInterval  *uint32
	ContentType            *string
	ResponseTopic          *string
	CorrelationData        []byte
	SubscriptionIDs        []uint32
	SessionExpiryInterval  *uint32
	AssignedClientID       *string
	TopicAlias             *uint16
	ReasonString           *string
	ReceiveMaximum         *uint16
	MaximumPacketSize      *uint32
	TopicAliasMaximum      *uint16
	UserProperties         []UserProperty

	Extra map[byte][][]byte
}

// Clone returns a deep-enough copy so a retained or in-flight message never
// shares mutable property state across subscribers.
func (p *Properties) Clone() *Properties {
	if p == nil {
		return nil
	}
	cp := *p
	if p.CorrelationData != nil {
		cp.CorrelationData = append([]byte(nil), p.CorrelationData...)
	}
	if p.SubscriptionIDs != nil {
		cp.SubscriptionIDs = append([]uint32(nil), p.SubscriptionIDs...)
	}
	if p.UserProperties != nil {
		cp.UserProperties = append([]UserProperty(nil), p.UserProperties...)
	}
	return &cp
}

// EncodeProperties serializes the property list as a varint length prefix
// followed by TLV-encoded entries, per MQTT 5.0 §2.2.2.
func EncodeProperties(p *Properties) []byte {
	if p == nil {
		return utils.EncodeRemainingLength(0)
	}
	var body []byte
	if p.PayloadFormatIndicator != nil {
		body = append(body, byte(PropPayloadFormatIndicator), *p.PayloadFormatIndicator)
	}
	if p.MessageExpiryInterval != nil {
		body = append(body, byte(PropMessageExpiryInterval))
		body = binary.BigEndian.AppendUint32(body, *p.MessageExpiryInterval)
	}
	if p.ContentType != nil {
		body = append(body, byte(PropContentType))
		body = appendUTF8String(body, *p.ContentType)
	}
	if p.ResponseTopic != nil {
		body = append(body, byte(PropResponseTopic))
		body = appendUTF8String(body, *p.ResponseTopic)
	}
	if p.CorrelationData != nil {
		body = append(body, byte(PropCorrelationData))
		body = appendBinary(body, p.CorrelationData)
	}
	for _, id := range p.SubscriptionIDs {
		body = append(body, byte(PropSubscriptionID))
		body = append(body, utils.EncodeRemainingLength(int(id))...)
	}
	if p.SessionExpiryInterval != nil {
		body = append(body, byte(PropSessionExpiryInterval))
		body = binary.BigEndian.AppendUint32(body, *p.SessionExpiryInterval)
	}
	if p.AssignedClientID != nil {
		body = append(body, byte(PropAssignedClientID))
		body = appendUTF8String(body, *p.AssignedClientID)
	}
	if p.TopicAlias != nil {
		body = append(body, byte(PropTopicAlias))
		body = binary.BigEndian.AppendUint16(body, *p.TopicAlias)
	}
	if p.ReasonString != nil {
		body = append(body, byte(PropReasonString))
		body = appendUTF8String(body, *p.ReasonString)
	}
	if p.ReceiveMaximum != nil {
		body = append(body, byte(PropReceiveMaximum))
		body = binary.BigEndian.AppendUint16(body, *p.ReceiveMaximum)
	}
	if p.MaximumPacketSize != nil {
		body = append(body, byte(PropMaximumPacketSize))
		body = binary.BigEndian.AppendUint32(body, *p.MaximumPacketSize)
	}
	if p.TopicAliasMaximum != nil {
		body = append(body, byte(PropTopicAliasMaximum))
		body = binary.BigEndian.AppendUint16(body, *p.TopicAliasMaximum)
	}
	for _, up := range p.UserProperties {
		body = append(body, byte(PropUserProperty))
		body = appendUTF8String(body, up.Key)
		body = appendUTF8String(body, up.Value)
	}
	for id, values := range p.Extra {
		for _, v := range values {
			body = append(body, id)
			body = append(body, v...)
		}
	}
	return append(utils.EncodeRemainingLength(len(body)), body...)
}

// DecodeProperties reads a property list starting at raw[0] (the varint
// length) and returns the parsed Properties plus the number of bytes
// consumed, including the length prefix itself.
func DecodeProperties(raw []byte) (*Properties, int, error) {
	length, lenBytes, err := utils.ParseRemainingLength(raw)
	if err != nil {
		return nil, 0, err
	}
	if lenBytes+length > len(raw) {
		return nil, 0, &er.Err{Context: "Properties", Message: er.ErrMalformedProperties}
	}
	body := raw[lenBytes : lenBytes+length]
	props := &Properties{}
	offset := 0
	for offset < len(body) {
		id := body[offset]
		offset++
		switch PropertyID(id) {
		case PropPayloadFormatIndicator:
			if offset >= len(body) {
				return nil, 0, malformed()
			}
			v := body[offset]
			props.PayloadFormatIndicator = &v
			offset++
		case PropMessageExpiryInterval:
			v, n, err := readUint32(body, offset)
			if err != nil {
				return nil, 0, err
			}
			props.MessageExpiryInterval = &v
			offset = n
		case PropContentType:
			v, n, err := readString(body, offset)
			if err != nil {
				return nil, 0, err
			}
			props.ContentType = &v
			offset = n
		case PropResponseTopic:
			v, n, err := readString(body, offset)
			if err != nil {
				return nil, 0, err
			}
			props.ResponseTopic = &v
			offset = n
		case PropCorrelationData:
			v, n, err := readBinary(body, offset)
			if err != nil {
				return nil, 0, err
			}
			props.CorrelationData = v
			offset = n
		case PropSubscriptionID:
			v, n, err := utils.ParseRemainingLength(body[offset:])
			if err != nil {
				return nil, 0, malformed()
			}
			props.SubscriptionIDs = append(props.SubscriptionIDs, uint32(v))
			offset += n
		case PropSessionExpiryInterval:
			v, n, err := readUint32(body, offset)
			if err != nil {
				return nil, 0, err
			}
			props.SessionExpiryInterval = &v
			offset = n
		case PropAssignedClientID:
			v, n, err := readString(body, offset)
			if err != nil {
				return nil, 0, err
			}
			props.AssignedClientID = &v
			offset = n
		case PropTopicAlias:
			v, n, err := readUint16(body, offset)
			if err != nil {
				return nil, 0, err
			}
			props.TopicAlias = &v
			offset = n
		case PropReasonString:
			v, n, err := readString(body, offset)
			if err != nil {
				return nil, 0, err
			}
			props.ReasonString = &v
			offset = n
		case PropReceiveMaximum:
			v, n, err := readUint16(body, offset)
			if err != nil {
				return nil, 0, err
			}
			props.ReceiveMaximum = &v
			offset = n
		case PropMaximumPacketSize:
			v, n, err := readUint32(body, offset)
			if err != nil {
				return nil, 0, err
			}
			props.MaximumPacketSize = &v
			offset = n
		case PropTopicAliasMaximum:
			v, n, err := readUint16(body, offset)
			if err != nil {
				return nil, 0, err
			}
			props.TopicAliasMaximum = &v
			offset = n
		case PropUserProperty:
			k, n, err := readString(body, offset)
			if err != nil {
				return nil, 0, err
			}
			v, n2, err := readString(body, n)
			if err != nil {
				return nil, 0, err
			}
			props.UserProperties = append(props.UserProperties, UserProperty{Key: k, Value: v})
			offset = n2
		default:
			// Unknown property: we don't know its wire shape, so we can't
			// safely skip it without risking misalignment. Keep the rest
			// of the list as one opaque Extra entry under this id (which
			// EncodeProperties writes back verbatim) and stop.
			if props.Extra == nil {
				props.Extra = make(map[byte][][]byte)
			}
			props.Extra[id] = append(props.Extra[id], append([]byte(nil), body[offset:]...))
			return props, lenBytes + length, nil
		}
	}
	return props, lenBytes + length, nil
}

func malformed() error {
	return &er.Err{Context: "Properties", Message: er.ErrMalformedProperties}
}

func readUint32(b []byte, offset int) (uint32, int, error) {
	if offset+4 > len(b) {
		return 0, 0, malformed()
	}
	return binary.BigEndian.Uint32(b[offset : offset+4]), offset + 4, nil
}

func readUint16(b []byte, offset int) (uint16, int, error) {
	if offset+2 > len(b) {
		return 0, 0, malformed()
	}
	return binary.BigEndian.Uint16(b[offset : offset+2]), offset + 2, nil
}

func readString(b []byte, offset int) (string, int, error) {
	if offset+2 > len(b) {
		return "", 0, malformed()
	}
	n := int(binary.BigEndian.Uint16(b[offset : offset+2]))
	offset += 2
	if offset+n > len(b) {
		return "", 0, malformed()
	}
	return string(b[offset : offset+n]), offset + n, nil
}

func readBinary(b []byte, offset int) ([]byte, int, error) {
	if offset+2 > len(b) {
		return nil, 0, malformed()
	}
	n := int(binary.BigEndian.Uint16(b[offset : offset+2]))
	offset += 2
	if offset+n > len(b) {
		return nil, 0, malformed()
	}
	out := make([]byte, n)
	copy(out, b[offset:offset+n])
	return out, offset + n, nil
}

func appendUTF8String(dst []byte, s string) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(s)))
	return append(dst, s...)
}

func appendBinary(dst []byte, data []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(data)))
	return append(dst, data...)
}
