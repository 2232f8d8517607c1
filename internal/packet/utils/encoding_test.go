package utils

import "testing"

func TestEncodeParseRemainingLengthRoundTrip(t *testing.T) {
	cases := []int{0, 1, 127, 128, 16383, 16384, 2097151, 2097152, 268435455}
	for _, length := range cases {
		encoded := EncodeRemainingLength(length)
		decoded, n, err := ParseRemainingLength(encoded)
		if err != nil {
			t.Fatalf("length %d: unexpected error: %v", length, err)
		}
		if decoded != length {
			t.Errorf("length %d: decoded as %d", length, decoded)
		}
		if n != len(encoded) {
			t.Errorf("length %d: consumed %d bytes, expected %d", length, n, len(encoded))
		}
	}
}

func TestParseRemainingLengthTruncated(t *testing.T) {
	if _, _, err := ParseRemainingLength([]byte{0x80}); err == nil {
		t.Fatal("expected an error for a continuation byte with nothing following")
	}
}

func TestParseRemainingLengthExceedsFourBytes(t *testing.T) {
	data := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0x01}
	if _, _, err := ParseRemainingLength(data); err == nil {
		t.Fatal("expected an error for a remaining length field longer than 4 bytes")
	}
}

func TestParseStringRoundTrip(t *testing.T) {
	data := append([]byte{0x00, 0x05}, []byte("hello")...)
	str, n, err := ParseString(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if str != "hello" || n != 7 {
		t.Errorf("expected (\"hello\", 7), got (%q, %d)", str, n)
	}
}

func TestParseStringShortBuffer(t *testing.T) {
	if _, _, err := ParseString([]byte{0x00, 0x05, 'h', 'i'}); err == nil {
		t.Fatal("expected an error when the declared length exceeds the buffer")
	}
}

func TestValidateTopicFilterAcceptsWildcards(t *testing.T) {
	valid := []string{"a/b/c", "a/+/c", "a/#", "#", "+", "$share/g/a/+"}
	for _, filter := range valid {
		if err := ValidateTopicFilter(filter); err != nil {
			t.Errorf("expected %q to be valid, got error: %v", filter, err)
		}
	}
}

func TestValidateTopicFilterRejectsMisplacedWildcards(t *testing.T) {
	invalid := []string{"a/b+", "a/#/c", "a//b", "a/b/", ""}
	for _, filter := range invalid {
		if err := ValidateTopicFilter(filter); err == nil {
			t.Errorf("expected %q to be rejected", filter)
		}
	}
}

func TestValidateTopicNameRejectsWildcards(t *testing.T) {
	for _, name := range []string{"a/+", "a/#", ""} {
		if err := ValidateTopicName(name); err == nil {
			t.Errorf("expected %q to be rejected as a publish topic name", name)
		}
	}
}

func TestValidateTopicNameAcceptsPlainTopic(t *testing.T) {
	if err := ValidateTopicName("sensors/kitchen/temperature"); err != nil {
		t.Errorf("expected a plain topic name to validate, got: %v", err)
	}
}

func TestEncodeParsePacketIDRoundTrip(t *testing.T) {
	encoded := EncodePacketID(4242)
	decoded, err := ParsePacketID(encoded)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decoded != 4242 {
		t.Errorf("expected 4242, got %d", decoded)
	}
}

func TestParsePacketIDRejectsZero(t *testing.T) {
	if _, err := ParsePacketID([]byte{0x00, 0x00}); err == nil {
		t.Fatal("expected an error for packet id 0")
	}
}
