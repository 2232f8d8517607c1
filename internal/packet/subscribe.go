package packet

import (
	"encoding/binary"
	"strings"

	"github.com/pyr33x/goqttd/internal/packet/utils"
	"github.com/pyr33x/goqttd/pkg/er"
)

// RetainHandling controls whether the broker replays retained messages on a
// (re)subscribe under v5 (MQTT 5.0 §3.8.3.1).
type RetainHandling byte

const (
	RetainSendAlways   RetainHandling = 0
	RetainSendIfNewSub RetainHandling = 1
	RetainNeverSend    RetainHandling = 2
)

type SubscribeFilter struct {
	Filter string
	QoS    QoSLevel

	// v5 subscription options; zero values under v3.1.1.
	NoLocal           bool
	RetainAsPublished bool
	RetainHandling    RetainHandling

	// ShareGroup is non-empty when Filter was written as
	// "$share/<group>/<rest>" — the dispatcher round-robins matching
	// publishes across the group's members instead of fanning out to all
	// of them (spec.md §4.2, shared subscriptions).
	ShareGroup string
}

// TopicFilter returns the filter with any "$share/<group>/" prefix
// stripped, i.e. what the TopicTree actually indexes on.
func (f SubscribeFilter) TopicFilter() string {
	if f.ShareGroup == "" {
		return f.Filter
	}
	return strings.TrimPrefix(f.Filter, "$share/"+f.ShareGroup+"/")
}

type SubscribePacket struct {
	PacketID uint16

	// SubscriptionID is a v5 subscription identifier echoed back to the
	// client on delivery; 0 means absent.
	SubscriptionID uint32
	Properties     *Properties

	Filters []SubscribeFilter

	Raw []byte
}

func (sp *SubscribePacket) Parse(raw []byte, version Version) error {
	if len(raw) < 2 {
		return &er.Err{Context: "Subscribe", Message: er.ErrInvalidSubscribePacket}
	}
	if PacketType(raw[0]&0xF0) != SUBSCRIBE {
		return &er.Err{Context: "Subscribe", Message: er.ErrInvalidSubscribePacket}
	}
	if (raw[0] & 0x0F) != 0x02 {
		return &er.Err{Context: "Subscribe, Fixed Header", Message: er.ErrInvalidSubscribeFlags}
	}

	sp.Raw = raw

	remainingLength, lenBytes, err := utils.ParseRemainingLength(raw[1:])
	if err != nil {
		return err
	}
	offset := 1 + lenBytes
	if len(raw) != offset+remainingLength {
		return &er.Err{Context: "Subscribe, Packet Length", Message: er.ErrInvalidPacketLength}
	}

	if offset+2 > len(raw) {
		return &er.Err{Context: "Subscribe, PacketID", Message: er.ErrMissingPacketID}
	}
	sp.PacketID = binary.BigEndian.Uint16(raw[offset : offset+2])
	if sp.PacketID == 0 {
		return &er.Err{Context: "Subscribe, PacketID", Message: er.ErrInvalidPacketID}
	}
	offset += 2

	if version == Version5 {
		props, n, err := DecodeProperties(raw[offset:])
		if err != nil {
			return err
		}
		sp.Properties = props
		offset += n
		if len(props.SubscriptionIDs) > 0 {
			sp.SubscriptionID = props.SubscriptionIDs[0]
			if sp.SubscriptionID == 0 {
				return &er.Err{Context: "Subscribe, SubscriptionID", Message: er.ErrSubscriptionIDZero}
			}
		}
	}

	for offset < len(raw) {
		if offset+2 > len(raw) {
			return &er.Err{Context: "Subscribe, Topic Filter", Message: er.ErrInvalidSubscribePacket}
		}
		topicLen := binary.BigEndian.Uint16(raw[offset : offset+2])
		offset += 2
		if topicLen == 0 {
			return &er.Err{Context: "Subscribe, Topic Filter", Message: er.ErrEmptyTopicFilter}
		}
		if offset+int(topicLen) > len(raw) {
			return &er.Err{Context: "Subscribe, Topic Filter", Message: er.ErrInvalidSubscribePacket}
		}
		filter := string(raw[offset : offset+int(topicLen)])
		offset += int(topicLen)

		shareGroup, checkFilter := "", filter
		if strings.HasPrefix(filter, "$share/") {
			rest := strings.TrimPrefix(filter, "$share/")
			parts := strings.SplitN(rest, "/", 2)
			if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
				return &er.Err{Context: "Subscribe, Topic Filter", Message: er.ErrTopicFilterInvalid}
			}
			shareGroup = parts[0]
			checkFilter = parts[1]
		}
		if err := utils.ValidateTopicFilter(checkFilter); err != nil {
			return err
		}

		if offset >= len(raw) {
			return &er.Err{Context: "Subscribe, QoS", Message: er.ErrInvalidSubscribePacket}
		}
		optByte := raw[offset]
		offset++

		sf := SubscribeFilter{
			Filter:     filter,
			ShareGroup: shareGroup,
		}
		if version == Version5 {
			sf.QoS = QoSLevel(optByte & 0x03)
			sf.NoLocal = optByte&0x04 != 0
			sf.RetainAsPublished = optByte&0x08 != 0
			sf.RetainHandling = RetainHandling((optByte & 0x30) >> 4)
		} else {
			if (optByte & 0xFC) != 0 {
				return &er.Err{Context: "Subscribe, QoS", Message: er.ErrInvalidSubscribePacket}
			}
			sf.QoS = QoSLevel(optByte & 0x03)
		}
		if sf.QoS > QoSExactlyOnce {
			return &er.Err{Context: "Subscribe, QoS", Message: er.ErrInvalidQoSLevel}
		}

		sp.Filters = append(sp.Filters, sf)
	}

	if len(sp.Filters) == 0 {
		return &er.Err{Context: "Subscribe", Message: er.ErrEmptyFilterList}
	}

	return nil
}
