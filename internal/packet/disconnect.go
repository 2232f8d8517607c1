package packet

import (
	"github.com/pyr33x/goqttd/internal/packet/utils"
	"github.com/pyr33x/goqttd/pkg/er"
)

// v5 DISCONNECT reason codes (subset the core emits/accepts).
const (
	DisconnectNormal               byte = 0x00
	DisconnectWithWill             byte = 0x04
	DisconnectUnspecifiedError     byte = 0x80
	DisconnectProtocolError        byte = 0x82
	DisconnectSessionTakenOver     byte = 0x8E
	DisconnectKeepAliveTimeout     byte = 0x8D
	DisconnectReceiveMaximumExceed byte = 0x93
)

type DisconnectPacket struct {
	ReasonCode byte // DisconnectNormal under v3.1.1, where no payload exists
	Properties *Properties
}

func (dp *DisconnectPacket) Parse(raw []byte, version Version) error {
	if len(raw) < 2 {
		return &er.Err{Context: "Disconnect", Message: er.ErrInvalidDisconnectPacket}
	}
	if PacketType(raw[0]&0xF0) != DISCONNECT {
		return &er.Err{Context: "Disconnect, Control", Message: er.ErrInvalidDisconnectPacket}
	}

	remLen, lenBytes, err := utils.ParseRemainingLength(raw[1:])
	if err != nil {
		return err
	}
	offset := 1 + lenBytes
	if offset+remLen != len(raw) {
		return &er.Err{Context: "Disconnect, Remaining Length", Message: er.ErrInvalidDisconnectPacket}
	}

	dp.ReasonCode = DisconnectNormal
	if version == Version5 && remLen > 0 {
		dp.ReasonCode = raw[offset]
		offset++
		if remLen > 1 {
			props, _, err := DecodeProperties(raw[offset:])
			if err != nil {
				return err
			}
			dp.Properties = props
		}
	}
	return nil
}

func (dp *DisconnectPacket) Encode(version Version) []byte {
	if version != Version5 || (dp.ReasonCode == DisconnectNormal && dp.Properties == nil) {
		return []byte{byte(DISCONNECT), 0x00}
	}
	var body []byte
	body = append(body, dp.ReasonCode)
	body = append(body, EncodeProperties(dp.Properties)...)

	out := []byte{byte(DISCONNECT)}
	out = append(out, utils.EncodeRemainingLength(len(body))...)
	return append(out, body...)
}
