package packet

import "github.com/pyr33x/goqttd/pkg/er"

type PingreqPacket struct {
	Raw []byte
}

type PingrespPacket struct{}

func (pp *PingreqPacket) Parse(raw []byte) error {
	if len(raw) != 2 {
		return &er.Err{Context: "Pingreq, Packet Length", Message: er.ErrInvalidPingreqPacket}
	}
	pp.Raw = raw

	if PacketType(raw[0]&0xF0) != PINGREQ {
		return &er.Err{Context: "Pingreq", Message: er.ErrInvalidPingreqPacket}
	}
	if (raw[0] & 0x0F) != 0x00 {
		return &er.Err{Context: "Pingreq, Fixed Header", Message: er.ErrInvalidPingreqFlags}
	}
	if raw[1] != 0x00 {
		return &er.Err{Context: "Pingreq, Remaining Length", Message: er.ErrInvalidPingreqPacket}
	}
	return nil
}

func (p *PingrespPacket) Parse(raw []byte) error {
	if len(raw) != 2 {
		return &er.Err{Context: "Pingresp, Packet Length", Message: er.ErrInvalidPingreqPacket}
	}
	if PacketType(raw[0]&0xF0) != PINGRESP {
		return &er.Err{Context: "Pingresp", Message: er.ErrInvalidPingreqPacket}
	}
	if raw[1] != 0x00 {
		return &er.Err{Context: "Pingresp, Remaining Length", Message: er.ErrInvalidPingreqPacket}
	}
	return nil
}

// Encode always produces the fixed 2-byte PINGRESP frame (0xD0 0x00).
func (p *PingrespPacket) Encode() []byte {
	return []byte{byte(PINGRESP), 0x00}
}

// EncodePingreq builds the fixed 2-byte PINGREQ frame; used by the
// integration test client harness.
func EncodePingreq() []byte {
	return []byte{byte(PINGREQ), 0x00}
}
