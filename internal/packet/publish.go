package packet

import (
	"encoding/binary"

	"github.com/pyr33x/goqttd/internal/packet/utils"
	"github.com/pyr33x/goqttd/pkg/er"
)

type PublishPacket struct {
	DUP    bool
	QoS    QoSLevel
	Retain bool

	Topic    string
	PacketID *uint16 // nil for QoS 0, set for QoS 1/2

	// Properties is nil for v3.1.1 connections. When TopicAlias is set and
	// Topic is empty, the dispatcher resolves Topic from the sender's
	// inbound alias map (spec.md §4.6.4).
	Properties *Properties

	Payload []byte

	Raw []byte
}

func (pp *PublishPacket) Parse(raw []byte, version Version) error {
	if len(raw) < 2 {
		return &er.Err{Context: "Publish", Message: er.ErrInvalidPublishPacket}
	}
	if PacketType(raw[0]&0xF0) != PUBLISH {
		return &er.Err{Context: "Publish", Message: er.ErrInvalidPublishPacket}
	}

	pp.Raw = raw

	remainingLength, lenBytes, err := utils.ParseRemainingLength(raw[1:])
	if err != nil {
		return err
	}
	offset := 1 + lenBytes
	if len(raw) != offset+remainingLength {
		return &er.Err{Context: "Publish, Packet Length", Message: er.ErrInvalidPacketLength}
	}

	fixedHeader := raw[0]
	pp.DUP = (fixedHeader & 0x08) != 0
	pp.QoS = QoSLevel((fixedHeader & 0x06) >> 1)
	pp.Retain = (fixedHeader & 0x01) != 0

	if pp.QoS > QoSExactlyOnce {
		return &er.Err{Context: "Publish, QoS", Message: er.ErrInvalidQoSLevel}
	}
	if pp.DUP && pp.QoS == QoSAtMostOnce {
		return &er.Err{Context: "Publish, DUP Flag", Message: er.ErrInvalidDUPFlag}
	}

	if offset+2 > len(raw) {
		return &er.Err{Context: "Publish", Message: er.ErrInvalidPublishPacket}
	}
	topicLen := binary.BigEndian.Uint16(raw[offset : offset+2])
	offset += 2
	if offset+int(topicLen) > len(raw) {
		return &er.Err{Context: "Publish, Topic", Message: er.ErrInvalidPublishPacket}
	}
	pp.Topic = string(raw[offset : offset+int(topicLen)])
	offset += int(topicLen)

	// A zero-length topic is only legal alongside a v5 topic alias.
	if pp.Topic != "" {
		if err := utils.ValidateTopicName(pp.Topic); err != nil {
			return err
		}
	}

	if pp.QoS != QoSAtMostOnce {
		if offset+2 > len(raw) {
			return &er.Err{Context: "Publish, PacketID", Message: er.ErrMissingPacketID}
		}
		packetID := binary.BigEndian.Uint16(raw[offset : offset+2])
		if packetID == 0 {
			return &er.Err{Context: "Publish, PacketID", Message: er.ErrInvalidPacketID}
		}
		pp.PacketID = &packetID
		offset += 2
	}

	if version == Version5 {
		props, n, err := DecodeProperties(raw[offset:])
		if err != nil {
			return err
		}
		pp.Properties = props
		offset += n
		if pp.Topic == "" && props.TopicAlias == nil {
			return &er.Err{Context: "Publish, Topic", Message: er.ErrEmptyTopic}
		}
	} else if pp.Topic == "" {
		return &er.Err{Context: "Publish, Topic", Message: er.ErrEmptyTopic}
	}

	if offset < len(raw) {
		payloadLen := len(raw) - offset
		if payloadLen > MaxPayloadSize {
			return &er.Err{Context: "Publish, Payload", Message: er.ErrPayloadTooLarge}
		}
		pp.Payload = make([]byte, payloadLen)
		copy(pp.Payload, raw[offset:])
	}

	return nil
}

// Encode serializes a PUBLISH with the given wire version. Used by the
// dispatcher when forwarding a message to a subscriber.
func (pp *PublishPacket) Encode(version Version) []byte {
	var body []byte
	body = appendUTF8String(body, pp.Topic)
	if pp.QoS != QoSAtMostOnce && pp.PacketID != nil {
		body = binary.BigEndian.AppendUint16(body, *pp.PacketID)
	}
	if version == Version5 {
		body = append(body, EncodeProperties(pp.Properties)...)
	}
	body = append(body, pp.Payload...)

	var fixedByte byte = byte(PUBLISH)
	if pp.DUP {
		fixedByte |= 0x08
	}
	fixedByte |= byte(pp.QoS) << 1
	if pp.Retain {
		fixedByte |= 0x01
	}

	out := []byte{fixedByte}
	out = append(out, utils.EncodeRemainingLength(len(body))...)
	return append(out, body...)
}
