package packet

import (
	"bufio"
	"bytes"
	"io"
	"testing"
)

func TestReadFrameSinglePacket(t *testing.T) {
	// PINGREQ: fixed header 0xC0, remaining length 0.
	data := []byte{0xC0, 0x00}
	r := bufio.NewReader(bytes.NewReader(data))

	frame, err := ReadFrame(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(frame, data) {
		t.Errorf("expected frame %v, got %v", data, frame)
	}
}

func TestReadFrameWithPayload(t *testing.T) {
	payload := []byte{0x00, 0x03, 'a', '/', 'b', 'h', 'i'}
	data := append([]byte{0x30, byte(len(payload))}, payload...)
	r := bufio.NewReader(bytes.NewReader(data))

	frame, err := ReadFrame(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(frame, data) {
		t.Errorf("expected frame %v, got %v", data, frame)
	}
}

func TestReadFrameMultiByteRemainingLength(t *testing.T) {
	payload := bytes.Repeat([]byte{'x'}, 200)
	// 200 encodes as two continuation bytes: 0xC8, 0x01.
	data := append([]byte{0x30, 0xC8, 0x01}, payload...)
	r := bufio.NewReader(bytes.NewReader(data))

	frame, err := ReadFrame(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(frame) != len(data) {
		t.Fatalf("expected frame length %d, got %d", len(data), len(frame))
	}
}

func TestReadFrameRemainingLengthTooLong(t *testing.T) {
	data := []byte{0x30, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	r := bufio.NewReader(bytes.NewReader(data))

	if _, err := ReadFrame(r); err == nil {
		t.Fatal("expected an error for a remaining-length field exceeding 4 bytes")
	}
}

func TestReadFrameTruncatedPayload(t *testing.T) {
	data := []byte{0x30, 0x05, 'a', 'b'} // claims 5 bytes, only 2 present
	r := bufio.NewReader(bytes.NewReader(data))

	if _, err := ReadFrame(r); err != io.ErrUnexpectedEOF && err != io.EOF {
		t.Fatalf("expected an EOF-family error for a truncated payload, got %v", err)
	}
}

func TestReadFrameEmptyReaderReturnsEOF(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader(nil))
	if _, err := ReadFrame(r); err != io.EOF {
		t.Fatalf("expected io.EOF on an empty reader, got %v", err)
	}
}
