package packet

import (
	"github.com/pyr33x/goqtt-core/pkg/er"
)

// PingreqPacket and PingrespPacket are the two MQTT keepalive packets:
// fixed header only, no variable header or payload, so both have exactly
// the 0xN0 0x00 shape validateKeepalive checks.
type PingreqPacket struct {
	Raw []byte
}

type PingrespPacket struct{}

// validateKeepalive checks the shape every keepalive packet shares: a
// 2-byte fixed header, the expected packet type nibble, zero flags, and a
// zero remaining-length byte. name is used only to tag the returned error.
func validateKeepalive(raw []byte, want PacketType, name string, errPacket, errFlags, errLength, errPacketLength error) error {
	if len(raw) < 2 {
		return &er.Err{Context: name, Message: errPacket}
	}
	if PacketType(raw[0]&0xF0) != want {
		return &er.Err{Context: name, Message: errPacket}
	}
	if (raw[0] & 0x0F) != 0x00 {
		return &er.Err{Context: name + ", Fixed Header", Message: errFlags}
	}
	if raw[1] != 0x00 {
		return &er.Err{Context: name + ", Remaining Length", Message: errLength}
	}
	if len(raw) != 2 {
		return &er.Err{Context: name + ", Packet Length", Message: errPacketLength}
	}
	return nil
}

func (pp *PingreqPacket) ParsePingreq(raw []byte) error {
	if err := validateKeepalive(raw, PINGREQ, "Pingreq",
		er.ErrInvalidPingreqPacket, er.ErrInvalidPingreqFlags, er.ErrInvalidPingreqLength, er.ErrInvalidPacketLength); err != nil {
		return err
	}
	pp.Raw = raw
	return nil
}

func (pp *PingrespPacket) ParsePingresp(raw []byte) error {
	return validateKeepalive(raw, PINGRESP, "Pingresp",
		er.ErrInvalidPingrespPacket, er.ErrInvalidPingrespFlags, er.ErrInvalidPingrespLength, er.ErrInvalidPacketLength)
}

// CreatePingresp creates a PINGRESP packet in response to a PINGREQ packet
func CreatePingresp() *PingrespPacket {
	return &PingrespPacket{}
}

// Encode converts the PINGRESP packet to bytes
func (p *PingrespPacket) Encode() []byte {
	// PINGRESP is exactly 2 bytes: 0xD0 0x00
	return []byte{0xD0, 0x00}
}
