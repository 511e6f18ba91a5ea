package packet

import (
	"encoding/binary"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/pyr33x/goqtt-core/pkg/er"
)

// connectErr builds the Err value every malformed-CONNECT branch below
// returns, tagging it with the sub-field that failed to parse so the
// transport layer's log line says more than "bad packet".
func connectErr(field string, msg error) error {
	ctx := "Connect"
	if field != "" {
		ctx += ", " + field
	}
	return &er.Err{Context: ctx, Message: msg}
}

// ConnectPacket is the parsed MQTT 3.1.1 CONNECT variable header and
// payload. Parse rejects anything that isn't strictly level-4 "MQTT": a
// bridge speaking a newer protocol level downgrades before dialing in,
// the way SPEC_FULL.md's bridge state machine expects.
type ConnectPacket struct {
	// Variable Header
	ProtocolName  string
	ProtocolLevel byte
	UsernameFlag  bool
	PasswordFlag  bool
	WillRetain    bool
	WillQoS       byte
	WillFlag      bool
	CleanSession  bool
	KeepAlive     uint16

	// Payload
	ClientID    string
	WillTopic   *string // (if Will flag is set)
	WillMessage *string // (if Will flag is set)
	Username    *string // (if Username flag is set)
	Password    *string // (if Password flag is set)

	// Raw
	Raw []byte
}

func (cp *ConnectPacket) Parse(raw []byte) error {
	if len(raw) < 10 {
		return connectErr("", er.ErrInvalidConnPacket)
	}

	if PacketType((raw[0] & 0xF0)) != CONNECT {
		return connectErr("", er.ErrInvalidConnPacket)
	}

	cp.Raw = raw
	offset := 2 // Skip fixed header (packet type + remaining length)

	if offset+2 > len(raw) {
		return connectErr("", er.ErrInvalidConnPacket)
	}

	// Protocol Name Length (skip fixed header + 2) = Protocol
	protocolNameLen := binary.BigEndian.Uint16(raw[offset : offset+2])
	offset += 2

	if offset+int(protocolNameLen) > len(raw) {
		return connectErr("", er.ErrInvalidConnPacket)
	}

	cp.ProtocolName = string(raw[offset : offset+int(protocolNameLen)])
	offset += int(protocolNameLen)

	// Enforce "MQTT" as ProtocolName (strict, case-sensitive)
	if cp.ProtocolName != "MQTT" {
		return connectErr("ProtocolName", er.ErrUnsupportedProtocolName)
	}

	// Parse Protocol Level (strict to 4 = MQTT 3.1.1)
	if offset >= len(raw) {
		return connectErr("", er.ErrInvalidConnPacket)
	}
	cp.ProtocolLevel = raw[offset]
	offset++
	if cp.ProtocolLevel != 4 {
		return connectErr("ProtocolLevel", er.ErrUnsupportedProtocolLevel)
	}

	// Parse Connect Flags
	if offset >= len(raw) {
		return connectErr("", er.ErrInvalidConnPacket)
	}
	connectFlags := raw[offset]
	offset++

	cp.UsernameFlag = (connectFlags & 0x80) != 0 // bit 7
	cp.PasswordFlag = (connectFlags & 0x40) != 0 // bit 6
	cp.WillRetain = (connectFlags & 0x20) != 0   // bit 5
	cp.WillQoS = (connectFlags & 0x18) >> 3      // bit 4-3
	cp.WillFlag = (connectFlags & 0x04) != 0     // bit 2
	cp.CleanSession = (connectFlags & 0x02) != 0 // bit 1

	// Validate WillQos if WillFlag is set
	if cp.WillFlag && cp.WillQoS > 2 {
		return connectErr("WillQos", er.ErrInvalidWillQos)
	}

	// Parse Keep Alive
	if offset+2 > len(raw) {
		return connectErr("", er.ErrInvalidConnPacket)
	}
	cp.KeepAlive = binary.BigEndian.Uint16(raw[offset : offset+2])
	offset += 2

	clientIDLen := binary.BigEndian.Uint16(raw[offset : offset+2])
	offset += 2

	if offset+int(clientIDLen) > len(raw) {
		return connectErr("", er.ErrInvalidConnPacket)
	}
	cp.ClientID = string(raw[offset : offset+int(clientIDLen)])
	offset += int(clientIDLen)

	cErr := cp.ValidateClientID()
	if cErr != nil {
		if errors.Is(cErr, er.ErrEmptyClientID) {
			// If Client ID is not set from client
			// We assign a uuid to the Client ID from the server
			cp.ClientID = uuid.NewString()
		} else if errors.Is(cErr, er.ErrEmptyAndCleanSessionClientID) {
			// Client must set clean session to 1
			return connectErr("ClientID", er.ErrIdentifierRejected)
		} else {
			// Bubble it up
			return cErr
		}
	}

	// Parse WillTopic & WillMessage if Will is WillFlag is set
	if cp.WillFlag {
		if offset+2 > len(raw) {
			return connectErr("WillFlag", er.ErrInvalidConnPacket)
		}
		willTopicLen := binary.BigEndian.Uint16(raw[offset : offset+2])
		offset += 2
		if offset+int(willTopicLen) > len(raw) {
			return connectErr("WillTopic", er.ErrInvalidConnPacket)
		}
		cp.WillTopic = stringPtr(string(raw[offset : offset+int(willTopicLen)]))
		offset += int(willTopicLen)
		if offset+2 > len(raw) {
			return connectErr("WillTopic", er.ErrInvalidConnPacket)
		}

		willMessageLen := binary.BigEndian.Uint16(raw[offset : offset+2])
		offset += 2
		if offset+int(willMessageLen) > len(raw) {
			return connectErr("WillMessage", er.ErrInvalidConnPacket)
		}
		cp.WillMessage = stringPtr(string(raw[offset : offset+int(willMessageLen)]))
		offset += int(willMessageLen)
	}

	// Username/Password dependency check
	if !cp.UsernameFlag && cp.PasswordFlag {
		return connectErr("UsernameFlag + PasswordFlag", er.ErrPasswordWithoutUsername)
	}

	// Parse Username if UsernameFlag is set
	if cp.UsernameFlag {
		if offset+2 > len(raw) {
			return connectErr("UsernameFlag", er.ErrMalformedUsernameField)
		}

		usernameLen := binary.BigEndian.Uint16(raw[offset : offset+2])
		offset += 2

		if offset+int(usernameLen) > len(raw) {
			return connectErr("Username", er.ErrMalformedUsernameField)
		}
		cp.Username = stringPtr(string(raw[offset : offset+int(usernameLen)]))
		offset += int(usernameLen)
	}

	// Parse Password if PasswordFlag is set
	if cp.PasswordFlag {
		if offset+2 > len(raw) {
			return connectErr("PasswordFlag", er.ErrMalformedPasswordField)
		}

		passwordLen := binary.BigEndian.Uint16(raw[offset : offset+2])
		offset += 2

		if offset+int(passwordLen) > len(raw) {
			return connectErr("Password", er.ErrMalformedPasswordField)
		}
		cp.Password = stringPtr(string(raw[offset : offset+int(passwordLen)]))
	}

	return nil
}

func (cp *ConnectPacket) ValidateClientID() error {
	// Check if ClientID is empty (zero bytes)
	if len(cp.ClientID) == 0 {
		// Empty ClientID is allowed only if CleanSession is set to 1
		if !cp.CleanSession {
			return connectErr("ClientID", er.ErrEmptyAndCleanSessionClientID)
		}
		return connectErr("ClientID", er.ErrEmptyClientID)
	}

	// Check ClientID length (1-23 UTF-8 encoded bytes)
	if len(cp.ClientID) > 23 {
		return connectErr("ClientID", er.ErrClientIDLengthExceed)
	}

	// Check allowed characters: 0-9, a-z, A-Z
	allowedChars := "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	for _, char := range cp.ClientID {
		if !strings.ContainsRune(allowedChars, char) {
			return connectErr("ClientID", er.ErrInvalidCharsClientID)
		}
	}

	return nil
}

func stringPtr(s string) *string {
	return &s
}
