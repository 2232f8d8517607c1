package packet

import "github.com/pyr33x/goqttd/pkg/er"

// Parse decodes one raw MQTT frame. version is VersionUnknown only for the
// very first packet read off a new connection (which must be CONNECT); for
// every later packet the caller passes the version negotiated at CONNECT
// time, since PUBLISH/SUBSCRIBE/etc. decode differently for v5.
func Parse(raw []byte, version Version) (*ParsedPacket, error) {
	if len(raw) < 1 {
		return nil, &er.Err{Context: "Parse", Message: er.ErrShortBuffer}
	}

	result := &ParsedPacket{
		Type: PacketType(raw[0] & 0xF0),
		Raw:  raw,
	}

	switch result.Type {
	case CONNECT:
		p := &ConnectPacket{}
		if err := p.Parse(raw); err != nil {
			return nil, err
		}
		result.Connect = p

	case PUBLISH:
		p := &PublishPacket{}
		if err := p.Parse(raw, version); err != nil {
			return nil, err
		}
		result.Publish = p

	case PUBACK:
		p := &AckPacket{}
		if err := p.Parse(raw, PUBACK); err != nil {
			return nil, err
		}
		result.Puback = p

	case PUBREC:
		p := &AckPacket{}
		if err := p.Parse(raw, PUBREC); err != nil {
			return nil, err
		}
		result.Pubrec = p

	case PUBREL:
		p := &AckPacket{}
		if err := p.Parse(raw, PUBREL); err != nil {
			return nil, err
		}
		result.Pubrel = p

	case PUBCOMP:
		p := &AckPacket{}
		if err := p.Parse(raw, PUBCOMP); err != nil {
			return nil, err
		}
		result.Pubcomp = p

	case SUBSCRIBE:
		p := &SubscribePacket{}
		if err := p.Parse(raw, version); err != nil {
			return nil, err
		}
		result.Subscribe = p

	case UNSUBSCRIBE:
		p := &UnsubscribePacket{}
		if err := p.Parse(raw, version); err != nil {
			return nil, err
		}
		result.Unsubscribe = p

	case PINGREQ:
		p := &PingreqPacket{}
		if err := p.Parse(raw); err != nil {
			return nil, err
		}
		result.Pingreq = p

	case DISCONNECT:
		p := &DisconnectPacket{}
		if err := p.Parse(raw, version); err != nil {
			return nil, err
		}
		result.Disconnect = p

	default:
		return nil, &er.Err{Context: "Parse", Message: er.ErrInvalidPacketType}
	}

	return result, nil
}
