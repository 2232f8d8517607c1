package packet

import (
	"encoding/binary"

	"github.com/pyr33x/goqttd/internal/packet/utils"
	"github.com/pyr33x/goqttd/pkg/er"
)

// UNSUBACK reason codes (v5 only; v3.1.1 carries no payload beyond PacketID).
const (
	UnsubackSuccess          byte = 0x00
	UnsubackNoSubscription   byte = 0x11
	UnsubackNotAuthorized    byte = 0x87
	UnsubackTopicFilterInval byte = 0x8F
)

type UnsubackPacket struct {
	PacketID    uint16
	ReasonCodes []byte // v5 only
	Properties  *Properties
}

func NewUnsubAck(up *UnsubscribePacket, reasonCodes []byte) *UnsubackPacket {
	return &UnsubackPacket{PacketID: up.PacketID, ReasonCodes: reasonCodes}
}

func (p *UnsubackPacket) Parse(raw []byte, version Version) error {
	if len(raw) < 4 {
		return &er.Err{Context: "UNSUBACK", Message: er.ErrShortBuffer}
	}
	if PacketType(raw[0]&0xF0) != UNSUBACK {
		return &er.Err{Context: "UNSUBACK", Message: er.ErrInvalidPacketType}
	}

	remLen, lenBytes, err := utils.ParseRemainingLength(raw[1:])
	if err != nil {
		return err
	}
	offset := 1 + lenBytes
	if offset+remLen != len(raw) {
		return &er.Err{Context: "UNSUBACK", Message: er.ErrInvalidPacketLength}
	}

	p.PacketID = binary.BigEndian.Uint16(raw[offset : offset+2])
	offset += 2

	if version == Version5 {
		props, n, err := DecodeProperties(raw[offset:])
		if err != nil {
			return err
		}
		p.Properties = props
		offset += n
		p.ReasonCodes = append([]byte(nil), raw[offset:]...)
	}
	return nil
}

func (p *UnsubackPacket) Encode(version Version) []byte {
	var body []byte
	body = binary.BigEndian.AppendUint16(body, p.PacketID)

	if version != Version5 {
		out := []byte{byte(UNSUBACK), 0x02}
		return append(out, body...)
	}

	body = append(body, EncodeProperties(p.Properties)...)
	body = append(body, p.ReasonCodes...)

	out := []byte{byte(UNSUBACK)}
	out = append(out, utils.EncodeRemainingLength(len(body))...)
	return append(out, body...)
}
