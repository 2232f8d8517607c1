package packet

import (
	"encoding/binary"
	"strings"

	"github.com/google/uuid"
	"github.com/pyr33x/goqttd/internal/packet/utils"
	"github.com/pyr33x/goqttd/pkg/er"
)

// LastWill is the value the broker publishes on the client's behalf when
// the connection drops abnormally (spec.md §4.6.8).
type LastWill struct {
	Topic         string
	Message       []byte
	QoS           QoSLevel
	Retain        bool
	DelayInterval uint32 // v5 only, seconds; 0 = immediate
	Properties    *Properties
}

type ConnectPacket struct {
	ProtocolName  string
	ProtocolLevel byte
	Version       Version
	UsernameFlag  bool
	PasswordFlag  bool
	WillRetain    bool
	WillQoS       QoSLevel
	WillFlag      bool
	CleanStart    bool
	KeepAlive     uint16

	ClientID    string
	WillTopic   string
	WillMessage []byte
	Username    *string
	Password    *string

	Properties     *Properties
	WillProperties *Properties

	Raw []byte
}

// Parse decodes a CONNECT packet, auto-detecting 3.1/3.1.1/5.0 from the
// protocol name+level pair (spec.md §4.6.1).
func (cp *ConnectPacket) Parse(raw []byte) error {
	if len(raw) < 10 {
		return &er.Err{Context: "Connect", Message: er.ErrInvalidConnPacket}
	}
	if PacketType(raw[0]&0xF0) != CONNECT {
		return &er.Err{Context: "Connect", Message: er.ErrInvalidConnPacket}
	}
	cp.Raw = raw

	remLen, lenBytes, err := utils.ParseRemainingLength(raw[1:])
	if err != nil {
		return err
	}
	offset := 1 + lenBytes
	if offset+remLen != len(raw) {
		return &er.Err{Context: "Connect", Message: er.ErrInvalidPacketLength}
	}

	if offset+2 > len(raw) {
		return &er.Err{Context: "Connect", Message: er.ErrInvalidConnPacket}
	}
	protocolNameLen := binary.BigEndian.Uint16(raw[offset : offset+2])
	offset += 2
	if offset+int(protocolNameLen) > len(raw) {
		return &er.Err{Context: "Connect", Message: er.ErrInvalidConnPacket}
	}
	cp.ProtocolName = string(raw[offset : offset+int(protocolNameLen)])
	offset += int(protocolNameLen)

	switch cp.ProtocolName {
	case "MQTT", "MQIsdp":
	default:
		return &er.Err{Context: "Connect, ProtocolName", Message: er.ErrUnsupportedProtocolName}
	}

	if offset >= len(raw) {
		return &er.Err{Context: "Connect", Message: er.ErrInvalidConnPacket}
	}
	cp.ProtocolLevel = raw[offset]
	offset++
	switch {
	case cp.ProtocolName == "MQIsdp" && cp.ProtocolLevel == 3:
		cp.Version = Version310
	case cp.ProtocolName == "MQTT" && cp.ProtocolLevel == 4:
		cp.Version = Version311
	case cp.ProtocolName == "MQTT" && cp.ProtocolLevel == 5:
		cp.Version = Version5
	default:
		return &er.Err{Context: "Connect, ProtocolLevel", Message: er.ErrUnsupportedProtocolLevel}
	}

	if offset >= len(raw) {
		return &er.Err{Context: "Connect", Message: er.ErrInvalidConnPacket}
	}
	connectFlags := raw[offset]
	offset++

	if connectFlags&0x01 != 0 {
		return &er.Err{Context: "Connect, Flags", Message: er.ErrInvalidReservedFlag}
	}

	cp.UsernameFlag = (connectFlags & 0x80) != 0
	cp.PasswordFlag = (connectFlags & 0x40) != 0
	cp.WillRetain = (connectFlags & 0x20) != 0
	cp.WillQoS = QoSLevel((connectFlags & 0x18) >> 3)
	cp.WillFlag = (connectFlags & 0x04) != 0
	cp.CleanStart = (connectFlags & 0x02) != 0

	if cp.WillFlag && cp.WillQoS > QoSExactlyOnce {
		return &er.Err{Context: "Connect, WillQos", Message: er.ErrInvalidWillQos}
	}
	if !cp.WillFlag && (cp.WillRetain || cp.WillQoS != QoSAtMostOnce) {
		return &er.Err{Context: "Connect, WillFlag", Message: er.ErrInvalidConnPacket}
	}

	if offset+2 > len(raw) {
		return &er.Err{Context: "Connect", Message: er.ErrInvalidConnPacket}
	}
	cp.KeepAlive = binary.BigEndian.Uint16(raw[offset : offset+2])
	offset += 2

	if cp.Version == Version5 {
		props, n, err := DecodeProperties(raw[offset:])
		if err != nil {
			return err
		}
		cp.Properties = props
		offset += n
	}

	if offset+2 > len(raw) {
		return &er.Err{Context: "Connect", Message: er.ErrInvalidConnPacket}
	}
	clientIDLen := binary.BigEndian.Uint16(raw[offset : offset+2])
	offset += 2
	if offset+int(clientIDLen) > len(raw) {
		return &er.Err{Context: "Connect", Message: er.ErrInvalidConnPacket}
	}
	cp.ClientID = string(raw[offset : offset+int(clientIDLen)])
	offset += int(clientIDLen)

	if len(cp.ClientID) == 0 {
		if !cp.CleanStart {
			return &er.Err{Context: "Connect, ClientID", Message: er.ErrIdentifierRejected}
		}
		if cp.Version != Version5 {
			cp.ClientID = uuid.NewString()
		}
	} else if vErr := cp.ValidateClientID(); vErr != nil {
		return vErr
	}

	if cp.WillFlag {
		if cp.Version == Version5 {
			props, n, err := DecodeProperties(raw[offset:])
			if err != nil {
				return err
			}
			cp.WillProperties = props
			offset += n
		}
		if offset+2 > len(raw) {
			return &er.Err{Context: "Connect, WillFlag", Message: er.ErrInvalidConnPacket}
		}
		willTopicLen := binary.BigEndian.Uint16(raw[offset : offset+2])
		offset += 2
		if offset+int(willTopicLen) > len(raw) {
			return &er.Err{Context: "Connect, WillTopic", Message: er.ErrInvalidConnPacket}
		}
		cp.WillTopic = string(raw[offset : offset+int(willTopicLen)])
		offset += int(willTopicLen)

		if offset+2 > len(raw) {
			return &er.Err{Context: "Connect, WillTopic", Message: er.ErrInvalidConnPacket}
		}
		willMessageLen := binary.BigEndian.Uint16(raw[offset : offset+2])
		offset += 2
		if offset+int(willMessageLen) > len(raw) {
			return &er.Err{Context: "Connect, WillMessage", Message: er.ErrInvalidConnPacket}
		}
		cp.WillMessage = append([]byte(nil), raw[offset:offset+int(willMessageLen)]...)
		offset += int(willMessageLen)
	}

	if !cp.UsernameFlag && cp.PasswordFlag {
		return &er.Err{Context: "Connect, UsernameFlag+PasswordFlag", Message: er.ErrPasswordWithoutUsername}
	}

	if cp.UsernameFlag {
		if offset+2 > len(raw) {
			return &er.Err{Context: "Connect, UsernameFlag", Message: er.ErrMalformedUsernameField}
		}
		usernameLen := binary.BigEndian.Uint16(raw[offset : offset+2])
		offset += 2
		if offset+int(usernameLen) > len(raw) {
			return &er.Err{Context: "Connect, Username", Message: er.ErrMalformedUsernameField}
		}
		username := string(raw[offset : offset+int(usernameLen)])
		cp.Username = &username
		offset += int(usernameLen)
	}

	if cp.PasswordFlag {
		if offset+2 > len(raw) {
			return &er.Err{Context: "Connect, PasswordFlag", Message: er.ErrMalformedPasswordField}
		}
		passwordLen := binary.BigEndian.Uint16(raw[offset : offset+2])
		offset += 2
		if offset+int(passwordLen) > len(raw) {
			return &er.Err{Context: "Connect, Password", Message: er.ErrMalformedPasswordField}
		}
		password := string(raw[offset : offset+int(passwordLen)])
		cp.Password = &password
	}

	return nil
}

// ValidateClientID checks length/charset rules. v3.1.1 limits to 23 bytes of
// [0-9a-zA-Z]; v5 servers accept any UTF-8 client id (spec.md §4.6.1).
func (cp *ConnectPacket) ValidateClientID() error {
	if cp.Version != Version5 && len(cp.ClientID) > 23 {
		return &er.Err{Context: "Connect, ClientID", Message: er.ErrClientIDLengthExceed}
	}

	if cp.Version != Version5 {
		const allowedChars = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
		for _, char := range cp.ClientID {
			if !strings.ContainsRune(allowedChars, char) {
				return &er.Err{Context: "Connect, ClientID", Message: er.ErrInvalidCharsClientID}
			}
		}
	}

	return nil
}

// Encode serializes the CONNECT packet back to wire bytes. Used by the
// integration test client harness; the broker itself never originates one.
func (cp *ConnectPacket) Encode() []byte {
	var body []byte
	body = appendUTF8String(body, cp.ProtocolName)
	body = append(body, cp.ProtocolLevel)

	var flags byte
	if cp.UsernameFlag {
		flags |= 0x80
	}
	if cp.PasswordFlag {
		flags |= 0x40
	}
	if cp.WillRetain {
		flags |= 0x20
	}
	flags |= byte(cp.WillQoS) << 3
	if cp.WillFlag {
		flags |= 0x04
	}
	if cp.CleanStart {
		flags |= 0x02
	}
	body = append(body, flags)
	body = binary.BigEndian.AppendUint16(body, cp.KeepAlive)

	if cp.Version == Version5 {
		body = append(body, EncodeProperties(cp.Properties)...)
	}

	body = appendUTF8String(body, cp.ClientID)

	if cp.WillFlag {
		if cp.Version == Version5 {
			body = append(body, EncodeProperties(cp.WillProperties)...)
		}
		body = appendUTF8String(body, cp.WillTopic)
		body = appendBinary(body, cp.WillMessage)
	}
	if cp.Username != nil {
		body = appendUTF8String(body, *cp.Username)
	}
	if cp.Password != nil {
		body = appendUTF8String(body, *cp.Password)
	}

	out := []byte{byte(CONNECT)}
	out = append(out, utils.EncodeRemainingLength(len(body))...)
	return append(out, body...)
}
