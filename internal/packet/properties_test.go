package packet

import "testing"

func uint32ptr(v uint32) *uint32 { return &v }
func uint16ptr(v uint16) *uint16 { return &v }
func strptr(s string) *string    { return &s }

func TestPropertiesEncodeDecodeEmpty(t *testing.T) {
	encoded := EncodeProperties(nil)
	decoded, n, err := DecodeProperties(encoded)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != len(encoded) {
		t.Errorf("expected to consume the whole buffer, consumed %d of %d", n, len(encoded))
	}
	if decoded.ContentType != nil {
		t.Error("expected no properties to be set")
	}
}

func TestPropertiesEncodeDecodeRoundTrip(t *testing.T) {
	props := &Properties{
		ContentType:           strptr("application/json"),
		MessageExpiryInterval: uint32ptr(3600),
		TopicAlias:            uint16ptr(7),
		SessionExpiryInterval: uint32ptr(60),
		UserProperties: []UserProperty{
			{Key: "k1", Value: "v1"},
			{Key: "k2", Value: "v2"},
		},
	}

	encoded := EncodeProperties(props)
	decoded, n, err := DecodeProperties(encoded)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != len(encoded) {
		t.Fatalf("expected to consume the whole buffer, consumed %d of %d", n, len(encoded))
	}

	if decoded.ContentType == nil || *decoded.ContentType != "application/json" {
		t.Errorf("expected ContentType to round-trip, got %v", decoded.ContentType)
	}
	if decoded.MessageExpiryInterval == nil || *decoded.MessageExpiryInterval != 3600 {
		t.Errorf("expected MessageExpiryInterval to round-trip, got %v", decoded.MessageExpiryInterval)
	}
	if decoded.TopicAlias == nil || *decoded.TopicAlias != 7 {
		t.Errorf("expected TopicAlias to round-trip, got %v", decoded.TopicAlias)
	}
	if len(decoded.UserProperties) != 2 || decoded.UserProperties[1].Value != "v2" {
		t.Errorf("expected user properties to round-trip, got %v", decoded.UserProperties)
	}
}

func TestPropertiesCloneIsIndependent(t *testing.T) {
	original := &Properties{CorrelationData: []byte{1, 2, 3}}
	clone := original.Clone()
	clone.CorrelationData[0] = 99

	if original.CorrelationData[0] == 99 {
		t.Error("expected Clone to deep-copy CorrelationData so mutation doesn't alias the original")
	}
}

func TestPropertiesCloneNil(t *testing.T) {
	var p *Properties
	if p.Clone() != nil {
		t.Error("expected Clone on a nil receiver to return nil")
	}
}

func TestDecodePropertiesMalformedTruncated(t *testing.T) {
	// Claims a 5-byte property list but supplies none.
	raw := []byte{0x05}
	if _, _, err := DecodeProperties(raw); err == nil {
		t.Fatal("expected an error when the declared length exceeds the buffer")
	}
}
