package packet

import "testing"

func TestPingreqParseValid(t *testing.T) {
	var pp PingreqPacket
	if err := pp.Parse([]byte{byte(PINGREQ), 0x00}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPingreqParseRejectsWrongType(t *testing.T) {
	var pp PingreqPacket
	if err := pp.Parse([]byte{byte(PINGRESP), 0x00}); err == nil {
		t.Fatal("expected an error for a non-PINGREQ fixed header")
	}
}

func TestPingreqParseRejectsNonZeroRemainingLength(t *testing.T) {
	var pp PingreqPacket
	if err := pp.Parse([]byte{byte(PINGREQ), 0x01}); err == nil {
		t.Fatal("expected an error for a nonzero remaining length")
	}
}

func TestPingrespEncodeParseRoundTrip(t *testing.T) {
	p := &PingrespPacket{}
	encoded := p.Encode()

	var parsed PingrespPacket
	if err := parsed.Parse(encoded); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestEncodePingreq(t *testing.T) {
	encoded := EncodePingreq()
	if len(encoded) != 2 || encoded[0] != byte(PINGREQ) || encoded[1] != 0x00 {
		t.Errorf("expected the fixed 2-byte PINGREQ frame, got %v", encoded)
	}
}
