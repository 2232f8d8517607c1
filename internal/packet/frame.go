package packet

import (
	"bufio"
	"io"

	"github.com/pyr33x/goqttd/pkg/er"
)

// ReadFrame reads one complete MQTT control packet off r: a fixed header
// byte, a variable-length remaining-length field, and that many bytes of
// variable header + payload. Shared by every stream transport (TCP, TLS,
// WebSocket) so the framing logic lives in exactly one place instead of
// being hand-rolled per transport, per spec.md §6's transport matrix.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	fixedHeader, err := r.ReadByte()
	if err != nil {
		return nil, err
	}

	remLenBuf := make([]byte, 0, 4)
	remainingLength := 0
	multiplier := 1
	for {
		if len(remLenBuf) >= 4 {
			return nil, &er.Err{Context: "ReadFrame", Message: er.ErrRemainingLengthExceeded}
		}
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		remLenBuf = append(remLenBuf, b)
		remainingLength += int(b&0x7F) * multiplier
		multiplier *= 128
		if b&0x80 == 0 {
			break
		}
	}

	raw := make([]byte, 1+len(remLenBuf)+remainingLength)
	raw[0] = fixedHeader
	copy(raw[1:], remLenBuf)
	if _, err := io.ReadFull(r, raw[1+len(remLenBuf):]); err != nil {
		return nil, err
	}
	return raw, nil
}
