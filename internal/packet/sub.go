package packet

import (
	"encoding/binary"

	"github.com/pyr33x/goqttd/internal/packet/utils"
	"github.com/pyr33x/goqttd/pkg/er"
)

// SUBACK return codes (shared with the v5 reason code space for the
// success cases — v5 adds failure reasons beyond SubackFailure).
const (
	SubackMaxQoS0 byte = 0x00
	SubackMaxQoS1 byte = 0x01
	SubackMaxQoS2 byte = 0x02
	SubackFailure byte = 0x80
)

type SubackPacket struct {
	PacketID    uint16
	ReturnCodes []byte
	Properties  *Properties
}

// NewSubAck grants each filter's requested QoS, or GrantedQoS[i] when
// provided (e.g. the core downgrading to a subscriber's max).
func NewSubAck(sp *SubscribePacket, grantedQoS []QoSLevel) *SubackPacket {
	codes := make([]byte, len(sp.Filters))
	for i, filter := range sp.Filters {
		qos := filter.QoS
		if grantedQoS != nil {
			qos = grantedQoS[i]
		}
		switch qos {
		case QoSAtMostOnce:
			codes[i] = SubackMaxQoS0
		case QoSAtLeastOnce:
			codes[i] = SubackMaxQoS1
		case QoSExactlyOnce:
			codes[i] = SubackMaxQoS2
		default:
			codes[i] = SubackFailure
		}
	}
	return &SubackPacket{PacketID: sp.PacketID, ReturnCodes: codes}
}

func (p *SubackPacket) Encode(version Version) []byte {
	var body []byte
	body = binary.BigEndian.AppendUint16(body, p.PacketID)
	if version == Version5 {
		body = append(body, EncodeProperties(p.Properties)...)
	}
	body = append(body, p.ReturnCodes...)

	out := []byte{byte(SUBACK)}
	out = append(out, utils.EncodeRemainingLength(len(body))...)
	return append(out, body...)
}

func (p *SubackPacket) Parse(raw []byte, version Version) error {
	if len(raw) < 4 {
		return &er.Err{Context: "SUBACK", Message: er.ErrShortBuffer}
	}
	if PacketType(raw[0]&0xF0) != SUBACK {
		return &er.Err{Context: "SUBACK", Message: er.ErrInvalidPacketType}
	}

	remainingLength, lenBytes, err := utils.ParseRemainingLength(raw[1:])
	if err != nil {
		return err
	}
	offset := 1 + lenBytes
	if len(raw) != offset+remainingLength {
		return &er.Err{Context: "SUBACK", Message: er.ErrInvalidPacketLength}
	}

	p.PacketID = binary.BigEndian.Uint16(raw[offset : offset+2])
	offset += 2
	remaining := remainingLength - 2

	if version == Version5 {
		props, n, err := DecodeProperties(raw[offset:])
		if err != nil {
			return err
		}
		p.Properties = props
		offset += n
		remaining -= n
	}

	p.ReturnCodes = make([]byte, remaining)
	copy(p.ReturnCodes, raw[offset:])
	return nil
}
