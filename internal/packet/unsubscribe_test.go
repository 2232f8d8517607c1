package packet

import (
	"encoding/binary"
	"testing"

	"github.com/pyr33x/goqttd/internal/packet/utils"
)

func buildUnsubscribeRaw(packetID uint16, filters ...string) []byte {
	var body []byte
	body = binary.BigEndian.AppendUint16(body, packetID)
	for _, f := range filters {
		body = binary.BigEndian.AppendUint16(body, uint16(len(f)))
		body = append(body, f...)
	}

	out := []byte{byte(UNSUBSCRIBE) | 0x02}
	out = append(out, utils.EncodeRemainingLength(len(body))...)
	return append(out, body...)
}

func TestUnsubscribeParseMultipleFilters(t *testing.T) {
	raw := buildUnsubscribeRaw(3, "a/b", "c/d")

	var up UnsubscribePacket
	if err := up.Parse(raw, Version311); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if up.PacketID != 3 {
		t.Errorf("expected packet id 3, got %d", up.PacketID)
	}
	if len(up.TopicFilters) != 2 || up.TopicFilters[1] != "c/d" {
		t.Errorf("expected two topic filters, got %v", up.TopicFilters)
	}
}

func TestUnsubscribeParseRejectsZeroPacketID(t *testing.T) {
	raw := buildUnsubscribeRaw(0, "a/b")

	var up UnsubscribePacket
	if err := up.Parse(raw, Version311); err == nil {
		t.Fatal("expected an error for packet id 0")
	}
}

func TestUnsubscribeParseRejectsEmptyFilterList(t *testing.T) {
	raw := buildUnsubscribeRaw(1)

	var up UnsubscribePacket
	if err := up.Parse(raw, Version311); err == nil {
		t.Fatal("expected an error for an unsubscribe with no filters")
	}
}

func TestUnsubAckEncodeParseRoundTripV311(t *testing.T) {
	up := &UnsubscribePacket{PacketID: 11}
	unsuback := NewUnsubAck(up, nil)
	encoded := unsuback.Encode(Version311)
	if len(encoded) != 4 {
		t.Fatalf("expected a 4-byte v3.1.1 UNSUBACK, got %d bytes", len(encoded))
	}

	var parsed UnsubackPacket
	if err := parsed.Parse(encoded, Version311); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parsed.PacketID != 11 {
		t.Errorf("expected packet id 11, got %d", parsed.PacketID)
	}
}

func TestUnsubAckEncodeParseRoundTripV5WithReasonCodes(t *testing.T) {
	unsuback := &UnsubackPacket{PacketID: 12, ReasonCodes: []byte{UnsubackSuccess, UnsubackNoSubscription}}
	encoded := unsuback.Encode(Version5)

	var parsed UnsubackPacket
	if err := parsed.Parse(encoded, Version5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(parsed.ReasonCodes) != 2 || parsed.ReasonCodes[1] != UnsubackNoSubscription {
		t.Errorf("expected reason codes to round-trip, got %v", parsed.ReasonCodes)
	}
}
